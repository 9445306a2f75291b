package callback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Server is the local redirect target. The provider sends the child
// window to /instagram/oauth/callback?code=...; every incoming request
// gets its own Machine, so double navigations and multiple windows race
// exactly the way concurrent callback instances do.
type Server struct {
	server     *http.Server
	newMachine func() *Machine
	logger     *slog.Logger

	mu       sync.Mutex
	machines []*Machine
}

// NewServer creates the callback server. newMachine is called once per
// incoming redirect.
func NewServer(addr string, newMachine func() *Machine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		newMachine: newMachine,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /instagram/oauth/callback", s.handleCallback)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// Start begins serving. Blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("callback server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and tears down every live machine, which
// resends terminal messages and releases any still-owned claims.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	machines := s.machines
	s.machines = nil
	s.mu.Unlock()

	for _, m := range machines {
		m.Teardown()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	m := s.newMachine()

	s.mu.Lock()
	s.machines = append(s.machines, m)
	s.mu.Unlock()

	m.Run(r.Context(), r.URL.String())

	// The duplicate state offers a user-driven takeover: hitting the
	// callback again with force=1 overwrites the wedged claim and reruns
	// the whole flow.
	if m.State() == StateDuplicate && r.URL.Query().Get("force") == "1" {
		m.ForceRestart(r.Context(), r.URL.String())
	}

	s.renderState(w, m)
}

// renderState writes a minimal page for the child window. Every terminal
// state carries an actionable next step; the user is never stranded.
func (s *Server) renderState(w http.ResponseWriter, m *Machine) {
	result := m.Result()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	switch result.State {
	case StateSuccess:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Instagram connected (%d account(s)).\n", len(result.Accounts))
		for _, a := range result.Accounts {
			fmt.Fprintf(w, "  @%s\n", a.Username)
		}
		fmt.Fprintf(w, "This window closes automatically in %s; close it now to continue immediately.\n",
			m.cfg.Countdown)

	case StateError:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Instagram connection failed: %s\n", result.Reason)
		fmt.Fprintln(w, "Close this window and try again.")

	case StateDuplicate:
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Another window is already processing this connection (claim %s).\n",
			result.DuplicateClaimID)
		fmt.Fprintln(w, "Close this window, or retry with ?force=1 to take over.")

	default:
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Processing...")
	}
}
