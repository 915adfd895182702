package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/metrics"
)

// defaultFlushInterval is the batching window used when the config leaves it
// zero.
const defaultFlushInterval = 5 * time.Second

// reply is one buffered agent answer awaiting its flush.
type reply struct {
	cmdID    int64
	result   string
	exitCode string
}

// Correlator turns the stream of per-session agent replies into periodic
// batched updates of the event log. Sessions enqueue replies without touching
// the database; every flush interval the buffer is written in one
// transaction, keyed by cmd_id.
//
// The flush job only runs while there is work: it self-cancels once the
// buffer is empty and no event row is missing its response, and is recreated
// the next time a dispatch lands or a reply arrives.
type Correlator struct {
	store    *Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	cron     gocron.Scheduler

	mu      sync.Mutex
	pending []reply
	jobID   uuid.UUID
	active  bool
}

func newCorrelator(s *Store, interval time.Duration, log *zap.Logger, m *metrics.Metrics) (*Correlator, error) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("store: create correlator scheduler: %w", err)
	}
	c := &Correlator{
		store:    s,
		log:      log.Named("correlator"),
		metrics:  m,
		interval: interval,
		cron:     cron,
	}
	c.cron.Start()

	// Rows from a previous run may still be waiting for answers that will
	// arrive once the agents reconnect.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, err := s.pendingReplies(ctx); err == nil && n > 0 {
		c.log.Info("unanswered events from previous run", zap.Int64("count", n))
		c.wake()
	}
	return c, nil
}

// enqueue buffers one reply and makes sure the flush job is running.
func (c *Correlator) enqueue(cmdID int64, result, exitCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, reply{cmdID: cmdID, result: result, exitCode: exitCode})
	c.ensureJobLocked()
}

// wake makes sure the flush job is running. Called after new event rows land.
func (c *Correlator) wake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureJobLocked()
}

func (c *Correlator) ensureJobLocked() {
	if c.active {
		return
	}
	job, err := c.cron.NewJob(
		gocron.DurationJob(c.interval),
		gocron.NewTask(c.flush),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		c.log.Error("failed to start flush job", zap.Error(err))
		return
	}
	c.jobID = job.ID()
	c.active = true
	c.log.Debug("reply flush job started", zap.Duration("interval", c.interval))
}

// flush writes the buffered replies, then self-cancels if nothing is left to
// wait for.
func (c *Correlator) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(batch) > 0 {
		if err := c.store.flushResponses(ctx, batch); err != nil {
			c.log.Error("flush failed, replies requeued", zap.Int("count", len(batch)), zap.Error(err))
			c.mu.Lock()
			c.pending = append(batch, c.pending...)
			c.mu.Unlock()
			return
		}
		c.metrics.RepliesFlushed.Add(float64(len(batch)))
		c.log.Info("flushed replies", zap.Int("count", len(batch)))
	}

	unanswered, err := c.store.pendingReplies(ctx)
	if err != nil {
		c.log.Error("pending check failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if unanswered == 0 && len(c.pending) == 0 && c.active {
		if err := c.cron.RemoveJob(c.jobID); err != nil {
			c.log.Error("failed to stop flush job", zap.Error(err))
			return
		}
		c.active = false
		c.log.Debug("reply flush job stopped, nothing pending")
	}
}

// running reports whether the flush job is currently scheduled.
func (c *Correlator) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// shutdown stops the scheduler and writes whatever is still buffered.
func (c *Correlator) shutdown() {
	if err := c.cron.Shutdown(); err != nil {
		c.log.Warn("scheduler shutdown", zap.Error(err))
	}

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.active = false
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.flushResponses(ctx, batch); err != nil {
		c.log.Error("final flush failed", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	c.metrics.RepliesFlushed.Add(float64(len(batch)))
}
