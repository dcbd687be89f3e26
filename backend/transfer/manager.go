package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultMaxChunks = 10000
	defaultTTL       = 2 * time.Minute
)

var (
	ErrTooManyChunks = errors.New("declared chunk count exceeds the limit")
	ErrNoChunks      = errors.New("totalChunks must be positive")
	ErrIncomplete    = errors.New("transfer is not complete")
	ErrMaterialized  = errors.New("transfer is already materialized")
	ErrUnknown       = errors.New("unknown transfer")
)

type ArtifactStore interface {
	StoreArtifact(ctx context.Context, data []byte, name string) (model.FileRef, error)
}

// Meta is attached to the message created once the upload is stored.
type Meta struct {
	SenderID int64
	Target   model.Target
	Caption  string
}

// Progress is the state of a transfer after a chunk was applied.
// Complete is true for the chunk that filled the last gap, and for a
// chunk arriving while a stored transfer waits for Retry's resubmission.
type Progress struct {
	Received int
	Total    int
	Complete bool
}

type Config struct {
	Store     ArtifactStore
	Logger    *zerolog.Logger
	MaxChunks int
	TTL       time.Duration
}

type state int

const (
	stateReceiving state = iota
	stateComplete
	stateMaterializing
	stateMaterialized
	// artifact stored, file message not submitted yet
	stateStored
	stateAborted
)

type transfer struct {
	mx       sync.Mutex
	name     string
	fileType string
	meta     Meta
	slots    [][]byte
	filled   []bool
	received int
	state    state
	ref      model.FileRef
	touched  time.Time
}

// Manager buffers chunked uploads until every slot is filled.
// Lock order is Manager.mx then transfer.mx.
type Manager struct {
	logger    zerolog.Logger
	store     ArtifactStore
	maxChunks int
	ttl       time.Duration
	now       func() time.Time

	mx        sync.Mutex
	transfers map[string]*transfer
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:    cfg.Logger.With().Str("component", "transfer").Logger(),
		store:     cfg.Store,
		maxChunks: cfg.MaxChunks,
		ttl:       cfg.TTL,
		now:       time.Now,
		transfers: make(map[string]*transfer),
	}
	if m.maxChunks <= 0 {
		m.maxChunks = defaultMaxChunks
	}
	if m.ttl <= 0 {
		m.ttl = defaultTTL
	}
	return m
}

// CleanName undoes URL escaping and strips any directory part.
func CleanName(name string) string {
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "/" || name == "." || name == ".." || name == "" {
		return "file"
	}
	return name
}

// Start allocates a transfer of totalChunks empty slots and returns its id.
func (m *Manager) Start(name string, totalChunks int, fileType string, meta Meta) (string, error) {
	if totalChunks <= 0 {
		return "", errors.Join(model.ErrValidation, ErrNoChunks)
	}
	if totalChunks > m.maxChunks {
		return "", errors.Join(model.ErrValidation, ErrTooManyChunks)
	}
	name = CleanName(name)
	now := m.now()
	t := &transfer{
		name:     name,
		fileType: fileType,
		meta:     meta,
		slots:    make([][]byte, totalChunks),
		filled:   make([]bool, totalChunks),
		touched:  now,
	}

	m.mx.Lock()
	defer m.mx.Unlock()
	ts := now.UnixNano()
	id := fmt.Sprintf("%d_%d_%s", meta.SenderID, ts, name)
	for {
		if _, ok := m.transfers[id]; !ok {
			break
		}
		ts++
		id = fmt.Sprintf("%d_%d_%s", meta.SenderID, ts, name)
	}
	m.transfers[id] = t

	m.logger.Debug().
		Str("transferID", id).
		Int("totalChunks", totalChunks).
		Int64("senderID", meta.SenderID).
		Msg("transfer started")
	return id, nil
}

func (m *Manager) get(id string) (*transfer, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	t, ok := m.transfers[id]
	return t, ok
}

func (m *Manager) remove(id string) {
	m.mx.Lock()
	delete(m.transfers, id)
	m.mx.Unlock()
}

// Meta returns the message metadata of a live transfer.
func (m *Manager) Meta(id string) (Meta, bool) {
	t, ok := m.get(id)
	if !ok {
		return Meta{}, false
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.state == stateAborted {
		return Meta{}, false
	}
	return t.meta, true
}

// AddChunk stores data in slot index. Rewriting a filled slot replaces
// its data without counting it again. An index outside the declared
// range aborts the whole transfer.
func (m *Manager) AddChunk(id string, index int, data []byte) (Progress, error) {
	t, ok := m.get(id)
	if !ok {
		return Progress{}, errors.Join(model.ErrNotFound, ErrUnknown)
	}

	t.mx.Lock()
	total := len(t.filled)
	switch t.state {
	case stateReceiving:
	case stateAborted:
		t.mx.Unlock()
		return Progress{}, errors.Join(model.ErrNotFound, ErrUnknown)
	case stateStored:
		t.touched = m.now()
		p := Progress{Received: t.received, Total: total, Complete: true}
		t.mx.Unlock()
		return p, nil
	default:
		// late duplicate after completion
		p := Progress{Received: t.received, Total: total}
		t.mx.Unlock()
		return p, nil
	}

	if index < 0 || index >= total {
		t.state = stateAborted
		t.slots = nil
		t.mx.Unlock()
		m.remove(id)
		m.logger.Debug().Str("transferID", id).Int("index", index).Msg("transfer aborted")
		return Progress{}, errors.Join(model.ErrIndex,
			fmt.Errorf("chunk %d outside [0, %d)", index, total))
	}

	t.slots[index] = bytes.Clone(data)
	if !t.filled[index] {
		t.filled[index] = true
		t.received++
	}
	t.touched = m.now()
	p := Progress{Received: t.received, Total: total}
	if t.received == total {
		t.state = stateComplete
		p.Complete = true
	}
	t.mx.Unlock()
	return p, nil
}

// Materialize concatenates the slots in index order and stores the
// artifact. The artifact is stored at most once per transfer id; the
// entry stays as a tombstone until it expires so late chunks are
// recognized. A transfer handed back with Retry returns the stored
// reference again instead.
func (m *Manager) Materialize(ctx context.Context, id string) (model.FileRef, Meta, error) {
	t, ok := m.get(id)
	if !ok {
		return model.FileRef{}, Meta{}, errors.Join(model.ErrNotFound, ErrUnknown)
	}

	t.mx.Lock()
	switch t.state {
	case stateComplete:
	case stateStored:
		t.state = stateMaterialized
		t.touched = m.now()
		ref, meta := t.ref, t.meta
		t.mx.Unlock()
		m.logger.Debug().Str("transferID", id).Msg("stored transfer resubmitted")
		return ref, meta, nil
	case stateReceiving:
		t.mx.Unlock()
		return model.FileRef{}, Meta{}, errors.Join(model.ErrValidation, ErrIncomplete)
	case stateAborted:
		t.mx.Unlock()
		return model.FileRef{}, Meta{}, errors.Join(model.ErrNotFound, ErrUnknown)
	default:
		t.mx.Unlock()
		return model.FileRef{}, Meta{}, errors.Join(model.ErrValidation, ErrMaterialized)
	}
	t.state = stateMaterializing
	data := bytes.Join(t.slots, nil)
	t.slots = nil
	name, fileType, meta := t.name, t.fileType, t.meta
	t.mx.Unlock()

	ref, err := m.store.StoreArtifact(ctx, data, name)
	if err != nil {
		t.mx.Lock()
		t.state = stateAborted
		t.mx.Unlock()
		m.remove(id)
		return model.FileRef{}, Meta{}, errors.Join(model.ErrStorage, err)
	}
	if fileType != "" {
		ref.MIME = fileType
	}

	t.mx.Lock()
	t.state = stateMaterialized
	t.ref = ref
	t.touched = m.now()
	t.mx.Unlock()

	m.logger.Debug().
		Str("transferID", id).
		Str("url", ref.URL).
		Int64("size", ref.Size).
		Msg("transfer materialized")
	return ref, meta, nil
}

// Retry hands a materialized transfer back when its file message could
// not be submitted. The next chunk for it reports Complete and the next
// Materialize returns the stored reference without storing again.
func (m *Manager) Retry(id string) bool {
	t, ok := m.get(id)
	if !ok {
		return false
	}
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.state != stateMaterialized {
		return false
	}
	t.state = stateStored
	t.touched = m.now()
	return true
}

// Expire drops transfers idle for at least the TTL and returns how many.
func (m *Manager) Expire(now time.Time) int {
	m.mx.Lock()
	defer m.mx.Unlock()
	var n int
	for id, t := range m.transfers {
		t.mx.Lock()
		idle := now.Sub(t.touched) >= m.ttl && t.state != stateMaterializing
		if idle {
			t.state = stateAborted
			t.slots = nil
		}
		t.mx.Unlock()
		if idle {
			delete(m.transfers, id)
			n++
		}
	}
	return n
}

func (m *Manager) Len() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.transfers)
}

// Run expires idle transfers until ctx is done.
func (m *Manager) Run(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(m.ttl / 2)
	defer func() {
		ticker.Stop()
		m.logger.Debug().Msg("transfer janitor stopped")
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Expire(m.now()); n > 0 {
				m.logger.Debug().Int("expired", n).Msg("idle transfers reclaimed")
			}
		}
	}
}
