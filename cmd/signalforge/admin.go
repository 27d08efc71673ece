package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/pipeline"
)

// adminServer is the loopback control surface sigctl talks to
type adminServer struct {
	addr string
	pipe *pipeline.Pipeline
	stop context.CancelFunc
	srv  *http.Server
	log  zerolog.Logger
}

func newAdminServer(addr string, pipe *pipeline.Pipeline, stop context.CancelFunc) *adminServer {
	return &adminServer{
		addr: addr,
		pipe: pipe,
		stop: stop,
		log:  log.With().Str("component", "admin").Logger(),
	}
}

func (s *adminServer) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /params", s.handleParams)
	mux.HandleFunc("POST /rollback", s.handleRollback)
	mux.HandleFunc("POST /stop", s.handleStop)

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting admin server")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Admin server error")
		}
	}()
}

func (s *adminServer) shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *adminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipe.Status())
}

func (s *adminServer) handleParams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": s.pipe.Params().Versions(),
	})
}

// handleRollback republishes a historical parameter set; every consumer
// picks the restored values up through the normal subscription path
func (s *adminServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version must be an integer"})
		return
	}

	restored, err := s.pipe.Params().Rollback(version)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	s.log.Info().Int64("from", version).Int64("restored_as", restored).Msg("Parameters rolled back")
	writeJSON(w, http.StatusOK, map[string]int64{
		"rolled_back_to": version,
		"new_version":    restored,
	})
}

func (s *adminServer) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.log.Info().Msg("Stop requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
	s.stop()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
