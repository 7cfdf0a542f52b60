// Package sqlstore is the optional SQL collaborator behind the framework's
// example login/signup actions. It is intentionally thin: one GORM
// connection, one migrated table, no query builder surface beyond what those
// actions need. Grounded on the teacher's internal/database/database.go
// (CustomGormLogger wrapping slog, AutoMigrate-in-non-production, connection
// pool tuning), generalized from a fixed list of social-app models down to
// the single generic User row the framework itself needs.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"actionkit/internal/apperrors"
	"actionkit/internal/config"
	"actionkit/internal/logger"
	"actionkit/internal/registry"
)

// Store owns the GORM connection and is wired as a registry.Component so it
// opens before, and closes after, anything that depends on it.
type Store struct {
	cfg config.DatabaseConfig
	log *logger.Logger

	db *gorm.DB
}

// New constructs a Store. The connection itself is opened in Initialize.
func New(cfg config.DatabaseConfig, log *logger.Logger) *Store {
	return &Store{cfg: cfg, log: log}
}

// DB exposes the underlying *gorm.DB for repositories built on top of Store.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Name() string       { return "sqlstore" }
func (s *Store) LoadPriority() int  { return 10 }
func (s *Store) StartPriority() int { return 10 }
func (s *Store) StopPriority() int  { return 95 }
func (s *Store) RunModes() []registry.RunMode {
	return []registry.RunMode{registry.ModeServer, registry.ModeCLI}
}

// Initialize opens the GORM connection for cfg.Driver, runs AutoMigrate
// against the framework's own row types, and tunes the pool (spec §4.1,
// generalized from the teacher's fixed postgres-only Connect).
func (s *Store) Initialize(ctx context.Context) (any, error) {
	dialector, err := s.dialector()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ServerInitialization, "sqlstore: open dialector", err)
	}

	gormLog := &gormLogger{log: s.log, slow: 200 * time.Millisecond, level: gormlogger.Warn}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ServerInitialization, "sqlstore: open connection", err)
	}

	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, apperrors.Wrap(apperrors.ServerInitialization, "sqlstore: automigrate", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ServerInitialization, "sqlstore: underlying sql.DB", err)
	}
	if s.cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}
	if s.cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(s.cfg.ConnMaxLifetime) * time.Minute)
	}

	s.db = db
	s.log.Info("sqlstore connected", "driver", s.cfg.Driver)
	return s, nil
}

func (s *Store) dialector() (gorm.Dialector, error) {
	switch s.cfg.Driver {
	case "postgres":
		return postgres.Open(s.cfg.DSN), nil
	case "sqlite", "":
		dsn := s.cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", s.cfg.Driver)
	}
}

func (s *Store) Start(ctx context.Context, mode registry.RunMode) error { return nil }

// Stop releases the underlying *sql.DB connection pool.
func (s *Store) Stop(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

// gormLogger adapts GORM's query logging onto the framework's structured
// logger, the same redirection the teacher's CustomGormLogger performs onto
// slog directly.
type gormLogger struct {
	log   *logger.Logger
	slow  time.Duration
	level gormlogger.LogLevel
}

func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	observeQuery(queryOperation(sql), queryTable(sql), elapsed)
	switch {
	case err != nil && l.level >= gormlogger.Error:
		l.log.ErrorContext(ctx, "sqlstore query error", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds(), "error", err.Error())
	case l.slow != 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		l.log.InfoContext(ctx, "sqlstore slow query", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	case l.level >= gormlogger.Info:
		l.log.InfoContext(ctx, "sqlstore query", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	}
}
