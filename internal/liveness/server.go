// Package liveness implements the background monitor's tiny HTTP surface
// (SPEC_FULL.md §4.K): a chi-routed server exposing /healthz and /status,
// and the liveness-token protocol a subsequent one-shot invocation uses to
// detect and refuse to double-drive a project a monitor already owns.
package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nrel/hpcpipe/internal/store"
	"github.com/nrel/hpcpipe/pkg/model"
)

// Token is the liveness-token JSON blob recorded into the Status Store
// under the reserved __monitor__ step alias.
type Token struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
}

// Server is the background monitor's liveness endpoint.
type Server struct {
	store    store.Store
	summary  func() (any, error)
	listener net.Listener
	http     *http.Server
}

// Start binds an ephemeral loopback port, writes a liveness token into
// st, and begins serving in the background. Call Close to stop.
func Start(st store.Store, summary func() (any, error)) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("liveness server: listen: %w", err)
	}

	s := &Server{store: st, summary: summary, listener: ln}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	s.http = &http.Server{Handler: r}

	token := Token{PID: os.Getpid(), Addr: ln.Addr().String(), StartedAt: time.Now().UTC()}
	data, err := json.Marshal(token)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("liveness server: marshal token: %w", err)
	}
	if err := st.SetMonitorLiveness(model.StatusEntry{State: model.TaskRunning, Output: string(data)}); err != nil {
		ln.Close()
		return nil, fmt.Errorf("liveness server: write token: %w", err)
	}

	go s.http.Serve(ln)
	return s, nil
}

// Close stops serving and releases the listener. The liveness token is
// left in the Status Store; CheckLiveness treats a dead PID as stale.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr returns the bound loopback address, e.g. "127.0.0.1:54321".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.summary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// CheckLiveness reports whether a monitor already owns st's project,
// based on its recorded liveness token and whether that PID is alive.
func CheckLiveness(st store.Store) (Token, bool, error) {
	entry, ok, err := st.MonitorLiveness()
	if err != nil || !ok {
		return Token{}, false, err
	}
	var token Token
	if err := json.Unmarshal([]byte(entry.Output), &token); err != nil {
		return Token{}, false, nil // malformed/stale token: treat as no monitor
	}
	if !processAlive(token.PID) {
		return token, false, nil
	}
	return token, true, nil
}

// processAlive reports whether pid refers to a running process, using the
// POSIX convention that signal 0 only checks existence/permission.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
