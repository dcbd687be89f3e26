package transfer

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memArtifacts struct {
	mx     sync.Mutex
	stored map[string][]byte
	calls  int
	err    error
}

func (a *memArtifacts) StoreArtifact(_ context.Context, data []byte, name string) (model.FileRef, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.calls++
	if a.err != nil {
		return model.FileRef{}, a.err
	}
	if a.stored == nil {
		a.stored = make(map[string][]byte)
	}
	a.stored[name] = data
	return model.FileRef{
		URL:  "/uploads/x_" + name,
		Name: name,
		MIME: "application/octet-stream",
		Size: int64(len(data)),
	}, nil
}

func newTestManager(store ArtifactStore) *Manager {
	logger := zerolog.Nop()
	return NewManager(Config{Store: store, Logger: &logger, MaxChunks: 100, TTL: time.Minute})
}

var testMeta = Meta{SenderID: 4, Target: model.Target{ReceiverID: 9}, Caption: "pics"}

func TestManager_Start(t *testing.T) {
	req := require.New(t)
	m := newTestManager(&memArtifacts{})

	_, err := m.Start("a.txt", 0, "", testMeta)
	req.ErrorIs(err, model.ErrValidation)
	_, err = m.Start("a.txt", -1, "", testMeta)
	req.ErrorIs(err, model.ErrValidation)
	_, err = m.Start("a.txt", 101, "", testMeta)
	req.ErrorIs(err, model.ErrValidation)

	id1, err := m.Start("dir%2Fmy%20file.txt", 2, "", testMeta)
	req.NoError(err)
	req.True(strings.HasPrefix(id1, "4_"))
	req.True(strings.HasSuffix(id1, "_my file.txt"))

	id2, err := m.Start("dir%2Fmy%20file.txt", 2, "", testMeta)
	req.NoError(err)
	req.NotEqual(id1, id2)
	req.Equal(2, m.Len())

	meta, ok := m.Meta(id1)
	req.True(ok)
	req.Equal(testMeta, meta)
}

func TestCleanName(t *testing.T) {
	req := require.New(t)
	req.Equal("passwd", CleanName("../../etc/passwd"))
	req.Equal("b.png", CleanName(`a\b.png`))
	req.Equal("a b", CleanName("a%20b"))
	req.Equal("file", CleanName(".."))
	req.Equal("file", CleanName(""))
	req.Equal("100%", CleanName("100%"))
}

// chunks [1,0,2,2]: completion fires once, the late duplicate is a no-op,
// exactly one artifact is stored.
func TestManager_CompletesOnceAndMaterializesOnce(t *testing.T) {
	req := require.New(t)
	store := &memArtifacts{}
	m := newTestManager(store)

	id, err := m.Start("f.bin", 3, "", testMeta)
	req.NoError(err)

	p, err := m.AddChunk(id, 1, []byte("B"))
	req.NoError(err)
	req.Equal(Progress{Received: 1, Total: 3}, p)

	p, err = m.AddChunk(id, 0, []byte("A"))
	req.NoError(err)
	req.False(p.Complete)

	p, err = m.AddChunk(id, 0, []byte("A"))
	req.NoError(err)
	req.Equal(2, p.Received)

	_, _, err = m.Materialize(context.Background(), id)
	req.ErrorIs(err, model.ErrValidation)

	p, err = m.AddChunk(id, 2, []byte("C"))
	req.NoError(err)
	req.True(p.Complete)
	req.Equal(3, p.Received)

	p, err = m.AddChunk(id, 2, []byte("C"))
	req.NoError(err)
	req.False(p.Complete)

	ref, meta, err := m.Materialize(context.Background(), id)
	req.NoError(err)
	req.Equal(testMeta, meta)
	req.Equal(int64(3), ref.Size)
	req.Equal("ABC", string(store.stored["f.bin"]))

	_, _, err = m.Materialize(context.Background(), id)
	req.ErrorIs(err, ErrMaterialized)
	req.Len(store.stored, 1)

	p, err = m.AddChunk(id, 0, []byte("A"))
	req.NoError(err)
	req.False(p.Complete)
}

// the file message could not be submitted: the stored reference is
// handed out again, the artifact is not stored twice
func TestManager_RetryReusesStoredArtifact(t *testing.T) {
	req := require.New(t)
	store := &memArtifacts{}
	m := newTestManager(store)
	ctx := context.Background()

	req.False(m.Retry("nope"))

	id, err := m.Start("f.bin", 2, "", testMeta)
	req.NoError(err)
	req.False(m.Retry(id))

	_, err = m.AddChunk(id, 0, []byte("A"))
	req.NoError(err)
	p, err := m.AddChunk(id, 1, []byte("B"))
	req.NoError(err)
	req.True(p.Complete)

	ref, _, err := m.Materialize(ctx, id)
	req.NoError(err)
	req.True(m.Retry(id))
	req.False(m.Retry(id))

	p, err = m.AddChunk(id, 1, []byte("B"))
	req.NoError(err)
	req.Equal(Progress{Received: 2, Total: 2, Complete: true}, p)

	again, meta, err := m.Materialize(ctx, id)
	req.NoError(err)
	req.Equal(ref, again)
	req.Equal(testMeta, meta)
	req.Equal(1, store.calls)

	_, _, err = m.Materialize(ctx, id)
	req.ErrorIs(err, ErrMaterialized)

	p, err = m.AddChunk(id, 1, []byte("B"))
	req.NoError(err)
	req.False(p.Complete)
}

func TestManager_OrderIndependentAndIdempotent(t *testing.T) {
	req := require.New(t)
	chunks := [][]byte{[]byte("he"), []byte("ll"), []byte("o "), []byte("wo"), []byte("rl"), []byte("d")}
	r := rand.New(rand.NewSource(1))

	for round := 0; round < 20; round++ {
		store := &memArtifacts{}
		m := newTestManager(store)
		id, err := m.Start("hello.txt", len(chunks), "", testMeta)
		req.NoError(err)

		order := r.Perm(len(chunks))
		// duplicates re-delivered at random points
		for i := 0; i < 4; i++ {
			pos := r.Intn(len(order))
			order = append(order[:pos], append([]int{order[r.Intn(len(order))]}, order[pos:]...)...)
		}

		completions := 0
		for _, idx := range order {
			p, err := m.AddChunk(id, idx, chunks[idx])
			req.NoError(err)
			if p.Complete {
				completions++
			}
		}
		req.Equal(1, completions, spew.Sdump(order))

		_, _, err = m.Materialize(context.Background(), id)
		req.NoError(err)
		req.Equal("hello world", string(store.stored["hello.txt"]), spew.Sdump(order))
	}
}

func TestManager_ConcurrentChunks(t *testing.T) {
	req := require.New(t)
	store := &memArtifacts{}
	m := newTestManager(store)
	const n = 64
	id, err := m.Start("c.bin", n, "", testMeta)
	req.NoError(err)

	var (
		wg          sync.WaitGroup
		mx          sync.Mutex
		completions int
	)
	for i := 0; i < n; i++ {
		for dup := 0; dup < 2; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := m.AddChunk(id, i, []byte{byte(i)})
				if err == nil && p.Complete {
					mx.Lock()
					completions++
					mx.Unlock()
				}
			}(i)
		}
	}
	wg.Wait()
	req.Equal(1, completions)

	_, _, err = m.Materialize(context.Background(), id)
	req.NoError(err)
	data := store.stored["c.bin"]
	req.Len(data, n)
	for i := 0; i < n; i++ {
		req.Equal(byte(i), data[i])
	}
}

func TestManager_OutOfRangeAborts(t *testing.T) {
	req := require.New(t)
	m := newTestManager(&memArtifacts{})

	id, err := m.Start("f.bin", 2, "", testMeta)
	req.NoError(err)
	_, err = m.AddChunk(id, 0, []byte("a"))
	req.NoError(err)

	_, err = m.AddChunk(id, 2, []byte("x"))
	req.ErrorIs(err, model.ErrIndex)
	req.Equal(0, m.Len())

	_, err = m.AddChunk(id, 1, []byte("b"))
	req.ErrorIs(err, model.ErrNotFound)

	id, err = m.Start("f.bin", 2, "", testMeta)
	req.NoError(err)
	_, err = m.AddChunk(id, -1, nil)
	req.ErrorIs(err, model.ErrIndex)

	_, err = m.AddChunk("nope", 0, nil)
	req.ErrorIs(err, model.ErrNotFound)
}

func TestManager_StoreFailureDiscards(t *testing.T) {
	req := require.New(t)
	store := &memArtifacts{err: errors.New("disk full")}
	m := newTestManager(store)

	id, err := m.Start("f.bin", 1, "", testMeta)
	req.NoError(err)
	p, err := m.AddChunk(id, 0, []byte("a"))
	req.NoError(err)
	req.True(p.Complete)

	_, _, err = m.Materialize(context.Background(), id)
	req.ErrorIs(err, model.ErrStorage)
	req.Equal(0, m.Len())
}

func TestManager_DeclaredTypeWins(t *testing.T) {
	req := require.New(t)
	m := newTestManager(&memArtifacts{})

	id, err := m.Start("f.png", 1, "image/png", testMeta)
	req.NoError(err)
	_, err = m.AddChunk(id, 0, []byte("not really a png"))
	req.NoError(err)
	ref, _, err := m.Materialize(context.Background(), id)
	req.NoError(err)
	req.Equal("image/png", ref.MIME)

	id, err = m.Start("f.bin", 1, "", testMeta)
	req.NoError(err)
	_, err = m.AddChunk(id, 0, []byte{0})
	req.NoError(err)
	ref, _, err = m.Materialize(context.Background(), id)
	req.NoError(err)
	req.Equal("application/octet-stream", ref.MIME)
}

// an abandoned upload (2 of 3 chunks) is reclaimed and never stored
func TestManager_ExpireAbandoned(t *testing.T) {
	req := require.New(t)
	store := &memArtifacts{}
	m := newTestManager(store)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	abandoned, err := m.Start("a.bin", 3, "", testMeta)
	req.NoError(err)
	_, err = m.AddChunk(abandoned, 0, []byte("a"))
	req.NoError(err)
	_, err = m.AddChunk(abandoned, 1, []byte("b"))
	req.NoError(err)

	now = now.Add(30 * time.Second)
	active, err := m.Start("b.bin", 2, "", testMeta)
	req.NoError(err)

	now = now.Add(40 * time.Second)
	req.Equal(1, m.Expire(now))
	req.Equal(1, m.Len())

	_, err = m.AddChunk(abandoned, 2, []byte("c"))
	req.ErrorIs(err, model.ErrNotFound)
	_, _, err = m.Materialize(context.Background(), abandoned)
	req.ErrorIs(err, model.ErrNotFound)
	req.Empty(store.stored)

	_, ok := m.Meta(active)
	req.True(ok)
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	m := NewManager(Config{Store: &memArtifacts{}, Logger: &logger, TTL: 20 * time.Millisecond})
	_, err := m.Start("a.bin", 2, "", testMeta)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go m.Run(ctx, wg)

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
}
