package server

import (
	"context"
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/pki"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

type harness struct {
	srv    *Server
	reg    *registry.Registry
	store  *store.Store
	caPath string
	cancel context.CancelFunc
	done   chan struct{}
}

func startServer(t *testing.T, offlineTimeout time.Duration) *harness {
	t.Helper()

	base := t.TempDir()
	mat, err := pki.Init(base, zap.NewNop())
	if err != nil {
		t.Fatalf("pki.Init: %v", err)
	}

	m := metrics.New()
	st, err := store.Open(store.Config{
		Path:          filepath.Join(base, "commander.db"),
		FlushInterval: 25 * time.Millisecond,
		Logger:        zap.NewNop(),
		Metrics:       m,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(zap.NewNop(), m)
	srv := New(Config{
		Addr:           "127.0.0.1:0",
		OfflineTimeout: offlineTimeout,
		TLS:            mat.ServerTLSConfig(),
	}, reg, st, zap.NewNop(), m)

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{
		srv:    srv,
		reg:    reg,
		store:  st,
		caPath: pki.CACertPath(base),
		cancel: cancel,
		done:   done,
	}
}

func dialAgent(t *testing.T, h *harness) *protocol.Framer {
	t.Helper()
	cfg, err := pki.AgentTLSConfig(h.caPath)
	if err != nil {
		t.Fatalf("AgentTLSConfig: %v", err)
	}
	// The listener binds 127.0.0.1, not the canonical name.
	cfg.ServerName = "localhost"
	conn, err := tls.Dial("tcp", h.srv.Addr(), cfg)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	return protocol.NewFramer(conn, 0)
}

func identify(t *testing.T, f *protocol.Framer, uuid, hostname, os string) {
	t.Helper()
	if err := f.WriteFrame(protocol.NewBotHostInfo(uuid, hostname, os), time.Second); err != nil {
		t.Fatalf("send botHostInfo: %v", err)
	}
	frames, err := f.ReadFrames(3 * time.Second)
	if err != nil {
		t.Fatalf("await registration ack: %v", err)
	}
	msg, err := protocol.Decode(frames[0])
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if msg.Kind() != protocol.MsgBotHostInfoReply {
		t.Fatalf("ack = %s, want botHostInfoReply", msg.Kind())
	}
}

func TestRegistrationAndKeepalive(t *testing.T) {
	h := startServer(t, 30*time.Second)
	agent := dialAgent(t, h)
	defer agent.Close()

	identify(t, agent, "agent-1", "host-1", "Linux")

	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })

	// Persisted on first sight.
	agents, err := h.store.ExistingAgents(context.Background())
	if err != nil || len(agents) != 1 {
		t.Fatalf("ExistingAgents = %+v, %v", agents, err)
	}
	if agents[0].ID != "agent-1" || agents[0].OS != "Linux" {
		t.Fatalf("persisted agent = %+v", agents[0])
	}

	// Keepalive round trip.
	if err := agent.WriteFrame(protocol.NewBotHello(), time.Second); err != nil {
		t.Fatalf("send botHello: %v", err)
	}
	frames, err := agent.ReadFrames(3 * time.Second)
	if err != nil {
		t.Fatalf("await hello ack: %v", err)
	}
	msg, _ := protocol.Decode(frames[0])
	if msg.Kind() != protocol.MsgBotHelloReply {
		t.Fatalf("ack = %s, want botHelloReply", msg.Kind())
	}
}

func TestReplyReachesEventLog(t *testing.T) {
	h := startServer(t, 30*time.Second)
	agent := dialAgent(t, h)
	defer agent.Close()

	identify(t, agent, "agent-1", "host-1", "Linux")

	ctx := context.Background()
	if err := h.store.AddAgentEvents(ctx, []store.CommandEvent{
		{Time: "t", AgentID: "agent-1", Event: "exeCommand", EventDetail: "uptime"},
	}); err != nil {
		t.Fatalf("AddAgentEvents: %v", err)
	}

	reply := protocol.NewExeCommandReply("uptime", 1, "Output: up, Error: ", protocol.NewExitCode(0))
	if err := agent.WriteFrame(reply, time.Second); err != nil {
		t.Fatalf("send reply: %v", err)
	}

	waitFor(t, func() bool {
		rows, err := h.store.History(ctx, []string{"agent-1"}, false, "*")
		return err == nil && len(rows) == 1 && rows[0].Response != nil
	})

	rows, _ := h.store.History(ctx, []string{"agent-1"}, false, "*")
	if *rows[0].Response != "Output: up, Error: " || *rows[0].ExitCode != "0" {
		t.Fatalf("correlated row = %+v", rows[0])
	}
}

func TestFramesBeforeIdentifyDropSession(t *testing.T) {
	h := startServer(t, 30*time.Second)
	agent := dialAgent(t, h)
	defer agent.Close()

	if err := agent.WriteFrame(protocol.NewBotHello(), time.Second); err != nil {
		t.Fatalf("send premature botHello: %v", err)
	}

	_, err := agent.ReadFrames(3 * time.Second)
	if !errors.Is(err, protocol.ErrEOF) {
		t.Fatalf("got %v, want ErrEOF (server must close)", err)
	}
	if n := h.reg.CountLive("*"); n != 0 {
		t.Fatalf("CountLive = %d after protocol violation, want 0", n)
	}
}

func TestSilentAgentDroppedAfterOfflineTimeout(t *testing.T) {
	h := startServer(t, 200*time.Millisecond)
	agent := dialAgent(t, h)
	defer agent.Close()

	identify(t, agent, "agent-1", "host-1", "Linux")
	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })

	// Stay silent; the server must hang up.
	_, err := agent.ReadFrames(3 * time.Second)
	if !errors.Is(err, protocol.ErrEOF) {
		t.Fatalf("got %v, want ErrEOF", err)
	}
	waitFor(t, func() bool { return h.reg.CountLive("*") == 0 })

	// The identity survives the disconnect.
	if !h.reg.Known("agent-1") {
		t.Fatal("identity dropped with the session")
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	h := startServer(t, 30*time.Second)

	first := dialAgent(t, h)
	identify(t, first, "agent-1", "host-1", "Linux")
	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })

	second := dialAgent(t, h)
	defer second.Close()
	identify(t, second, "agent-1", "host-1", "Linux")

	// The first session is closed by the replacement; live count stays 1.
	_, err := first.ReadFrames(3 * time.Second)
	if !errors.Is(err, protocol.ErrEOF) {
		t.Fatalf("first session got %v, want ErrEOF", err)
	}
	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })
}

func TestReidentifyWithDifferentUUIDDropsSession(t *testing.T) {
	h := startServer(t, 30*time.Second)
	agent := dialAgent(t, h)
	defer agent.Close()

	identify(t, agent, "agent-1", "host-1", "Linux")
	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })

	// A second botHostInfo on the same session is only a refresh when it
	// names the same uuid; a different one must end the session, not stack a
	// second live entry on top of the first.
	if err := agent.WriteFrame(protocol.NewBotHostInfo("agent-2", "host-1", "Linux"), time.Second); err != nil {
		t.Fatalf("send second botHostInfo: %v", err)
	}
	_, err := agent.ReadFrames(3 * time.Second)
	if !errors.Is(err, protocol.ErrEOF) {
		t.Fatalf("got %v, want ErrEOF (server must close)", err)
	}
	waitFor(t, func() bool { return h.reg.CountLive("*") == 0 })
	if h.reg.Known("agent-2") {
		t.Fatal("rejected uuid must not be attached")
	}
}

func TestReidentifySameUUIDRefreshes(t *testing.T) {
	h := startServer(t, 30*time.Second)
	agent := dialAgent(t, h)
	defer agent.Close()

	identify(t, agent, "agent-1", "host-1", "Linux")
	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })

	// Same uuid, new hostname: acked again, session stays up, still one
	// live entry.
	identify(t, agent, "agent-1", "host-renamed", "Linux")
	if n := h.reg.CountLive("*"); n != 1 {
		t.Fatalf("CountLive = %d after refresh, want 1", n)
	}
	waitFor(t, func() bool {
		agents, err := h.store.ExistingAgents(context.Background())
		return err == nil && len(agents) == 1 && agents[0].Hostname == "host-renamed"
	})
}

func TestShutdownClosesLiveSessions(t *testing.T) {
	// Offline timeout far longer than the test: Serve returning promptly
	// means the sessions were torn down, not timed out.
	h := startServer(t, 5*time.Minute)
	agent := dialAgent(t, h)
	defer agent.Close()

	identify(t, agent, "agent-1", "host-1", "Linux")
	waitFor(t, func() bool { return h.reg.CountLive("*") == 1 })

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel with a live session")
	}

	// The agent side sees the hangup.
	_, err := agent.ReadFrames(3 * time.Second)
	if !errors.Is(err, protocol.ErrEOF) {
		t.Fatalf("agent got %v, want ErrEOF", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
