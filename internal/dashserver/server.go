// SPDX-License-Identifier: MPL-2.0

package dashserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	bm "github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"

	"github.com/loractl/loractl/internal/dashboard"
	"github.com/loractl/loractl/internal/issue"
)

type (
	// Config holds the immutable server settings.
	Config struct {
		// Address is host:port to listen on; port 0 picks a free port.
		Address string
		// HostKeyPath is the ed25519 host key; it is generated when missing.
		HostKeyPath string
		// AuthorizedKeysPath restricts sessions to the listed public keys.
		// Empty accepts any client.
		AuthorizedKeysPath string
		// StartupTimeout bounds Start; default 5s.
		StartupTimeout time.Duration
		// ShutdownTimeout bounds graceful shutdown; default 10s.
		ShutdownTimeout time.Duration
		// Logger defaults to a logger prefixed "dashserver".
		Logger *log.Logger
	}

	// Server is a single-use SSH dashboard server.
	Server struct {
		cfg  Config
		src  *dashboard.Source
		opts dashboard.Options

		state     atomic.Int32
		mu        sync.Mutex
		srv       *ssh.Server
		listener  net.Listener
		addr      string
		lastErr   error
		startedCh chan struct{}
		errCh     chan error
		wg        sync.WaitGroup
		sessions  atomic.Int64

		logger *log.Logger
	}
)

// New creates a server; call Start to accept sessions.
func New(cfg Config, src *dashboard.Source, opts dashboard.Options) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:2222"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "dashserver"})
	}
	s := &Server{
		cfg:       cfg,
		src:       src,
		opts:      opts,
		startedCh: make(chan struct{}),
		errCh:     make(chan error, 1),
		logger:    logger,
	}
	s.state.Store(int32(StateCreated))
	return s
}

// Start listens and serves in the background. It returns once the server
// accepts sessions, fails, or the startup timeout expires.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		s.fail(fmt.Errorf("context cancelled before start: %w", err))
		return s.LastError()
	}
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("cannot start server in state %s", s.State())
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	opts, err := s.serverOptions()
	if err != nil {
		s.fail(err)
		return err
	}
	srv, err := wish.NewServer(opts...)
	if err != nil {
		s.fail(fmt.Errorf("failed to create SSH server: %w", err))
		return s.LastError()
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", s.cfg.Address)
	if err != nil {
		s.fail(fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err))
		return s.LastError()
	}

	s.mu.Lock()
	s.srv, s.listener, s.addr = srv, listener, listener.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(srv, listener)

	select {
	case <-s.startedCh:
		s.logger.Info("dashboard listening", "address", s.Address(), "auth", s.cfg.AuthorizedKeysPath != "")
		return nil
	case err := <-s.errCh:
		s.fail(err)
		return err
	case <-startupCtx.Done():
		_ = listener.Close()
		s.fail(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		return s.LastError()
	}
}

func (s *Server) serverOptions() ([]ssh.Option, error) {
	if s.cfg.HostKeyPath == "" {
		return nil, errors.New("host key path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.HostKeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create host key directory: %w", err)
	}

	opts := []ssh.Option{
		wish.WithAddress(s.cfg.Address),
		wish.WithHostKeyPath(s.cfg.HostKeyPath),
		wish.WithMiddleware(
			bm.Middleware(s.teaHandler),
			activeterm.Middleware(),
			logging.MiddlewareWithLogger(s.logger),
		),
	}
	if s.cfg.AuthorizedKeysPath != "" {
		if _, err := os.Stat(s.cfg.AuthorizedKeysPath); err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("start SSH dashboard").
				WithResource(s.cfg.AuthorizedKeysPath).
				WithSuggestion("Create the authorized keys file or unset dashboard.authorized_keys_path").
				WithIssue(issue.ConfigInvalidId).
				Wrap(err).
				BuildError()
		}
		opts = append(opts, wish.WithAuthorizedKeys(s.cfg.AuthorizedKeysPath))
	}
	return opts, nil
}

// teaHandler gives each session a dashboard bound to the session context.
func (s *Server) teaHandler(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
	n := s.sessions.Add(1)
	s.logger.Debug("dashboard session", "user", sess.User(), "remote", sess.RemoteAddr(), "active", n)
	go func() {
		<-sess.Context().Done()
		s.sessions.Add(-1)
	}()
	return dashboard.New(sess.Context(), s.src, s.opts), []tea.ProgramOption{tea.WithAltScreen()}
}

func (s *Server) serve(srv *ssh.Server, listener net.Listener) {
	defer s.wg.Done()
	if s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(s.startedCh)
	}
	err := srv.Serve(listener)
	if err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		select {
		case s.errCh <- fmt.Errorf("serve error: %w", err):
		default:
		}
	}
}

// Stop shuts the server down gracefully. Calling it again is a no-op.
func (s *Server) Stop() error {
	for {
		cur := s.State()
		switch cur {
		case StateCreated:
			if s.state.CompareAndSwap(int32(cur), int32(StateStopped)) {
				return nil
			}
		case StateStarting, StateRunning:
			if s.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
				return s.shutdown()
			}
		default:
			s.wg.Wait()
			return nil
		}
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	srv, listener := s.srv, s.listener
	s.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); errors.Is(err, ssh.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	if listener != nil {
		_ = listener.Close()
	}
	s.wg.Wait()
	s.state.Store(int32(StateStopped))
	s.logger.Info("dashboard stopped")
	return err
}

// Serve starts the server and stops it when ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait(ctx)
}

// Wait blocks until ctx is cancelled or the server fails, then stops it.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-s.errCh:
		_ = s.Stop()
		return err
	}
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.state.Store(int32(StateFailed))
}

// State returns the lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// LastError returns the error that moved the server to StateFailed.
func (s *Server) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Address is the bound host:port, empty before Start succeeds.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
