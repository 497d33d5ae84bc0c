// Package storage persists messages that could not be delivered to an
// online session, so the application can hand them to recipients when
// they next log in.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"courier/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_messages (
	id        TEXT PRIMARY KEY,
	recipient TEXT NOT NULL,
	sender    TEXT NOT NULL,
	frame     TEXT NOT NULL,
	queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_offline_recipient ON offline_messages(recipient);
`

// Store is a SQLite-backed offline message queue. All writes funnel
// through a single goroutine; SQLite handles concurrent reads but only
// one writer.
type Store struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay time.Duration
	logger     *slog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens (creating if needed) the offline store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create offline schema: %w", err)
	}

	s := &Store{
		db:           db,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		logger:       logger.With("component", "offline_store"),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// writeLoop serializes all writes through one goroutine, retrying each
// failed write once after retryDelay.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				s.logger.Warn("Offline store write failed, retrying", "error", err)
				time.Sleep(s.retryDelay)
				err = op.operation(s.db)
				if err != nil {
					s.logger.Error("Offline store write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("offline store is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("offline store write timeout")
	case <-s.shutdown:
		return fmt.Errorf("offline store is shutting down")
	}
}

// Save queues a message for a recipient who is currently offline. The QoS
// fingerprint keys the row when present, making a retransmitted save
// idempotent.
func (s *Store) Save(ctx context.Context, msg *protocol.Message) error {
	id := msg.Fingerprint
	if id == "" {
		id = uuid.NewString()
	}
	frame := string(msg.Marshal())

	return s.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT OR REPLACE INTO offline_messages (id, recipient, sender, frame)
			VALUES (?, ?, ?, ?)
		`
		if _, err := db.ExecContext(ctx, query, id, msg.To, msg.From, frame); err != nil {
			return fmt.Errorf("failed to insert offline message: %w", err)
		}
		return nil
	})
}

// FetchAndClear returns every queued message for a recipient in arrival
// order and deletes them. Called when the recipient logs in.
func (s *Store) FetchAndClear(ctx context.Context, recipient string) ([]*protocol.Message, error) {
	query := `
		SELECT id, frame FROM offline_messages
		WHERE recipient = ?
		ORDER BY queued_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	var msgs []*protocol.Message
	for rows.Next() {
		var id, frame string
		if err := rows.Scan(&id, &frame); err != nil {
			return nil, fmt.Errorf("failed to scan offline message row: %w", err)
		}
		msg, err := protocol.Parse([]byte(frame))
		if err != nil {
			s.logger.Error("Dropping undecodable offline message", "id", id)
			ids = append(ids, id)
			continue
		}
		ids = append(ids, id)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offline message rows: %w", err)
	}

	if len(ids) > 0 {
		err = s.executeWrite(func(db *sql.DB) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to begin transaction: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, "DELETE FROM offline_messages WHERE id = ?", id); err != nil {
					return fmt.Errorf("failed to delete offline message: %w", err)
				}
			}
			return tx.Commit()
		})
		if err != nil {
			return nil, err
		}
	}

	return msgs, nil
}

// PendingCount returns the number of queued messages, across all
// recipients.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_messages").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count offline messages: %w", err)
	}
	return count, nil
}

// HealthCheck validates connectivity to the underlying database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("offline store ping failed: %w", err)
	}
	return nil
}

// Close shuts the store down, waiting for in-flight writes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close offline store: %w", err)
	}
	return nil
}
