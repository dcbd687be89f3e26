package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adwski/chat-realtime/backend/storage/files"
	"github.com/adwski/chat-realtime/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type brokenPresence struct{}

func (brokenPresence) IsOnline(context.Context, int64) (bool, error) { return false, errors.New("down") }
func (brokenPresence) ListOnline(context.Context) ([]int64, error)   { return nil, errors.New("down") }

func newTestServer(t *testing.T, presence PresenceReader) (*Server, *files.Store) {
	t.Helper()
	logger := zerolog.Nop()
	artifacts, err := files.NewStore(files.Config{Logger: &logger, Dir: filepath.Join(t.TempDir(), "uploads")})
	require.NoError(t, err)
	return NewServer(Config{Logger: &logger, Presence: presence, Artifacts: artifacts}), artifacts
}

func do(srv *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Online(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	presence := memory.NewMemStore(0)
	req.NoError(presence.SetOnline(ctx, 7, "c1"))
	req.NoError(presence.SetOnline(ctx, 2, "c2"))
	srv, _ := newTestServer(t, presence)

	rec := do(srv, http.MethodGet, "/api/online")
	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq(`{"data":{"users":[2,7]}}`, rec.Body.String())

	rec = do(srv, http.MethodGet, "/api/online/7")
	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq(`{"data":{"userId":7,"online":true}}`, rec.Body.String())

	rec = do(srv, http.MethodGet, "/api/online/9")
	req.JSONEq(`{"data":{"userId":9,"online":false}}`, rec.Body.String())

	rec = do(srv, http.MethodGet, "/api/online/abc")
	req.Equal(http.StatusBadRequest, rec.Code)
}

func TestServer_PresenceDown(t *testing.T) {
	req := require.New(t)
	srv, _ := newTestServer(t, brokenPresence{})

	rec := do(srv, http.MethodGet, "/api/online")
	req.Equal(http.StatusInternalServerError, rec.Code)
	var resp GenericResponse
	req.NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	req.NotEmpty(resp.Error)
}

func TestServer_Download(t *testing.T) {
	req := require.New(t)
	srv, artifacts := newTestServer(t, memory.NewMemStore(0))

	ref, err := artifacts.StoreArtifact(context.Background(), []byte("some notes"), "notes.txt")
	req.NoError(err)

	rec := do(srv, http.MethodGet, ref.URL)
	req.Equal(http.StatusOK, rec.Code)
	req.True(strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
	body, err := io.ReadAll(rec.Body)
	req.NoError(err)
	req.Equal("some notes", string(body))

	rec = do(srv, http.MethodGet, "/uploads/missing")
	req.Equal(http.StatusNotFound, rec.Code)

	rec = do(srv, http.MethodGet, "/uploads/..")
	req.NotEqual(http.StatusOK, rec.Code)
}

func TestServer_HealthAndCORS(t *testing.T) {
	req := require.New(t)
	srv, _ := newTestServer(t, memory.NewMemStore(0))

	rec := do(srv, http.MethodGet, "/healthz")
	req.Equal(http.StatusOK, rec.Code)
	req.JSONEq(`{"message":"OK"}`, rec.Body.String())

	rec = do(srv, http.MethodOptions, "/api/online")
	req.Equal(http.StatusNoContent, rec.Code)
	req.Equal("*", rec.Header().Get("Access-Control-Allow-Origin"))
}
