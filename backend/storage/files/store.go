package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const URLPrefix = "/uploads/"

var ErrBadName = errors.New("invalid artifact name")

type Config struct {
	Logger *zerolog.Logger
	Dir    string
}

// Store keeps assembled uploads as plain files in one directory.
type Store struct {
	logger zerolog.Logger
	dir    string
}

func NewStore(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create upload dir: %w", err)
	}
	return &Store{
		logger: cfg.Logger.With().Str("component", "files").Logger(),
		dir:    cfg.Dir,
	}, nil
}

// StoreArtifact writes data under a unique name derived from name and
// returns a reference with the sniffed content type.
func (s *Store) StoreArtifact(ctx context.Context, data []byte, name string) (model.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return model.FileRef{}, err
	}
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "file"
	}
	stored := uuid.NewString() + "_" + base

	if err := os.WriteFile(filepath.Join(s.dir, stored), data, 0o640); err != nil {
		return model.FileRef{}, err
	}
	ref := model.FileRef{
		URL:  URLPrefix + stored,
		Name: base,
		MIME: mimetype.Detect(data).String(),
		Size: int64(len(data)),
	}
	s.logger.Debug().Str("name", stored).Int64("size", ref.Size).Str("mime", ref.MIME).Msg("artifact stored")
	return ref, nil
}

// Open returns the stored artifact. Names reaching outside the upload
// directory are rejected.
func (s *Store) Open(name string) (*os.File, string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, "", ErrBadName
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, "", err
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		_ = f.Close()
		return nil, "", err
	}
	if _, err = f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, "", err
	}
	return f, mt.String(), nil
}
