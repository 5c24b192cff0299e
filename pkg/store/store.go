package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/fsutil"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Error kinds. Every error returned by the store wraps exactly one of them,
// so callers can branch with errors.Is.
var (
	ErrInit  = errors.New("storage init error")
	ErrWrite = errors.New("storage write error")
	ErrRead  = errors.New("storage read error")
)

// Store is the durable, write-once record of completed test runs.
type Store interface {
	// Start opens the database, creating parent directories and the schema
	// as needed. It is safe to call against an already initialized location.
	Start(ctx context.Context) error
	Stop() error

	// Save appends run and stamps its CreatedAt. Records are never updated;
	// saving an id twice fails.
	Save(ctx context.Context, run *testrun.TestRun) error

	// ListAll returns every run, most recent first.
	ListAll(ctx context.Context) ([]*testrun.TestRun, error)

	// GetByID returns the run with the given id. A missing run is reported
	// through found=false, not an error.
	GetByID(ctx context.Context, id string) (run *testrun.TestRun, found bool, err error)
}

// Option customizes a store.
type Option func(*store)

// WithClock overrides the time source used to stamp saved runs.
func WithClock(now func() time.Time) Option {
	return func(s *store) { s.now = now }
}

// WithOwner applies ownership to directories created for the database.
func WithOwner(owner *fsutil.OwnerConfig) Option {
	return func(s *store) { s.owner = owner }
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log   logrus.FieldLogger
	cfg   *config.DatabaseConfig
	db    *gorm.DB
	now   func() time.Time
	owner *fsutil.OwnerConfig
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	opts ...Option,
) Store {
	s := &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the database connection, sizes the pool and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		if err := fsutil.EnsureParentDir(s.cfg.SQLite.Path, s.owner); err != nil {
			return fmt.Errorf("%w: creating database directory: %w", ErrInit, err)
		}

		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case config.DriverPostgres:
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("%w: unsupported database driver: %s", ErrInit, s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("%w: opening database: %w", ErrInit, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("%w: getting underlying db: %w", ErrInit, err)
	}

	pool := s.cfg.Pool
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}

	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}

	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&runRecord{}); err != nil {
		return fmt.Errorf("%w: running migrations: %w", ErrInit, err)
	}

	s.log.WithFields(logrus.Fields{
		"driver":         s.cfg.Driver,
		"max_open_conns": pool.MaxOpenConns,
	}).Info("Database initialized")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// acquire bounds how long an operation may wait for a pooled connection.
func (s *store) acquire(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Pool.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.cfg.Pool.AcquireTimeout)
}

func (s *store) Save(ctx context.Context, run *testrun.TestRun) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not started", ErrWrite)
	}

	run.CreatedAt = s.now().UTC()

	rec, err := toRecord(run)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	ctx, cancel := s.acquire(ctx)
	defer cancel()

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("%w: saving test run %s: %w", ErrWrite, run.ID, err)
	}

	s.log.WithField("run_id", run.ID).Info("Test run saved")

	return nil
}

func (s *store) ListAll(ctx context.Context) ([]*testrun.TestRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not started", ErrRead)
	}

	ctx, cancel := s.acquire(ctx)
	defer cancel()

	var records []runRecord
	if err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: listing test runs: %w", ErrRead, err)
	}

	runs := make([]*testrun.TestRun, 0, len(records))
	for i := range records {
		run, err := records[i].toTestRun()
		if err != nil {
			return nil, fmt.Errorf("%w: test run %s: %w", ErrRead, records[i].ID, err)
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (s *store) GetByID(
	ctx context.Context, id string,
) (*testrun.TestRun, bool, error) {
	if s.db == nil {
		return nil, false, fmt.Errorf("%w: store not started", ErrRead)
	}

	ctx, cancel := s.acquire(ctx)
	defer cancel()

	var records []runRecord
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&records).Error; err != nil {
		return nil, false, fmt.Errorf("%w: getting test run %s: %w", ErrRead, id, err)
	}

	if len(records) == 0 {
		return nil, false, nil
	}

	run, err := records[0].toTestRun()
	if err != nil {
		return nil, false, fmt.Errorf("%w: test run %s: %w", ErrRead, id, err)
	}

	return run, true, nil
}

// sqliteDSN adds a busy timeout so concurrent writers on separate pooled
// connections wait for the file lock instead of failing immediately.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, ":memory:") {
		return path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
