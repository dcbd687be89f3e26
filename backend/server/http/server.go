package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type PresenceReader interface {
	IsOnline(ctx context.Context, userID int64) (bool, error)
	ListOnline(ctx context.Context) ([]int64, error)
}

type ArtifactReader interface {
	Open(name string) (*os.File, string, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type OnlineResponse struct {
	Users []int64 `json:"users"`
}

type UserOnlineResponse struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

type Server struct {
	logger    zerolog.Logger
	presence  PresenceReader
	artifacts ArtifactReader
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Presence   PresenceReader
	Artifacts  ArtifactReader
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "api-server").Logger(),
		presence:  cfg.Presence,
		artifacts: cfg.Artifacts,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/online", srv.listOnline)
	r.HandleFunc("GET /api/online/{userID}", srv.userOnline)
	r.HandleFunc("GET /uploads/{name}", srv.download)
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listOnline(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	users, err := srv.presence.ListOnline(r.Context())
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to list online users")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "presence unavailable"})
		return
	}
	if users == nil {
		users = []int64{}
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: OnlineResponse{Users: users}})
}

func (srv *Server) userOnline(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	userID, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil || userID <= 0 {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "bad user id"})
		return
	}
	online, err := srv.presence.IsOnline(r.Context(), userID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to check presence")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "presence unavailable"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: UserOnlineResponse{UserID: userID, Online: online}})
}

func (srv *Server) download(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	name := r.PathValue("name")
	f, mime, err := srv.artifacts.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		srv.logger.Debug().Err(err).Str("name", name).Msg("artifact not served")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	var modTime time.Time
	if st, err := f.Stat(); err == nil {
		modTime = st.ModTime()
	}
	w.Header().Set("Content-Type", mime)
	http.ServeContent(w, r, name, modTime, f)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
