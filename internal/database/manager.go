package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "classchat/pkg/database"
	"classchat/pkg/interfaces"
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

// retryDelay is how long a write waits before its single retry after SQLITE_BUSY
var retryDelay = 5 * time.Second

// Manager implements the DatabaseManager interface on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	clock        *dbconfig.MessageClock
	clockSeeded  bool                // owned by writeLoop
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	stopped      chan struct{} // closed once writeLoop has returned
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager creates a new database manager
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLitePragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "database").Logger(),
		clock:        dbconfig.NewMessageClock(time.Time{}),
		writeChannel: make(chan writeOperation, 100), // TECHNICAL: Buffer for write operations prevents blocking
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	// and serializes message inserts, so insertion order is also timestamp order
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// Shutdown takes priority over queued work: anything still queued is answered
// with ErrShuttingDown instead of being run.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case <-m.shutdown:
			m.drainWrites()
			return
		default:
		}

		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isBusy(err) {
				m.logger.Warn().Err(err).Dur("retry_in", retryDelay).Msg("database busy, retrying write")
				time.Sleep(retryDelay)
				err = op.operation(m.db) // Retry once
				if err != nil {
					m.logger.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.drainWrites()
			return
		}
	}
}

// drainWrites rejects every operation left in the queue
func (m *Manager) drainWrites() {
	drained := 0
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrShuttingDown
			drained++
		default:
			m.logger.Debug().Int("rejected", drained).Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
// Once queued, the operation either runs to completion regardless of the caller
// or is rejected with ErrShuttingDown by a concurrent Close.
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-time.After(m.config.WriteTimeout):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		// Queued after the final drain
		select {
		case err := <-result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM classrooms").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
