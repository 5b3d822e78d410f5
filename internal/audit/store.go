package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// HostCount is a denial count aggregated per host and reason.
type HostCount struct {
	Host   string `json:"host"`
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// Store persists denial events to SQLite on a flush interval so the
// audit trail survives restarts.
type Store struct {
	mu       sync.Mutex
	conn     *sqlite.Conn
	log      *Log
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// OpenStore opens or creates an audit database at the given path.
// Pass ":memory:" for a transient in-memory DB.
func OpenStore(dbPath string, log *Log, logger *slog.Logger, flushInterval time.Duration) (*Store, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	s := &Store{
		conn:     conn,
		log:      log,
		logger:   logger,
		interval: flushInterval,
		done:     make(chan struct{}),
	}

	if err := s.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.enablePending()
	return s, nil
}

// Start begins the background flush loop.
func (s *Store) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	if err := s.Flush(); err != nil {
		s.logger.Error("final audit flush failed", "error", err)
	}

	return s.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("audit flush failed", "error", err)
			}
		}
	}
}

// Flush writes all pending events and updates aggregate counters in one
// transaction.
func (s *Store) Flush() (err error) {
	events := s.log.TakePending()
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer sqlitex.Save(s.conn)(&err)

	for _, e := range events {
		err = sqlitex.Execute(s.conn, `
			INSERT OR IGNORE INTO denied_events (id, host, reason, client, method, mode, protocol, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{e.ID, e.Host, e.Reason, e.Client, e.Method, e.Mode, e.Protocol, e.Timestamp},
		})
		if err != nil {
			return fmt.Errorf("insert denied event %s: %w", e.ID, err)
		}

		err = sqlitex.Execute(s.conn, `
			INSERT INTO denied_counts (host, reason, count)
			VALUES (?, ?, 1)
			ON CONFLICT (host, reason) DO UPDATE SET
				count = count + 1
		`, &sqlitex.ExecOptions{
			Args: []any{e.Host, e.Reason},
		})
		if err != nil {
			return fmt.Errorf("upsert denied count for %q: %w", e.Host, err)
		}
	}

	return nil
}

// TopDenied returns the top n (host, reason) pairs by denial count.
func (s *Store) TopDenied(n int) []HostCount {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HostCount
	_ = sqlitex.Execute(s.conn, `
		SELECT host, reason, count FROM denied_counts
		ORDER BY count DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, HostCount{
				Host:   stmt.ColumnText(0),
				Reason: stmt.ColumnText(1),
				Count:  stmt.ColumnInt64(2),
			})
			return nil
		},
	})
	return out
}

// EventsSince returns persisted events with a timestamp at or after ts.
func (s *Store) EventsSince(ts int64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	_ = sqlitex.Execute(s.conn, `
		SELECT id, host, reason, client, method, mode, protocol, ts
		FROM denied_events WHERE ts >= ? ORDER BY ts
	`, &sqlitex.ExecOptions{
		Args: []any{ts},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, Event{
				ID:        stmt.ColumnText(0),
				Host:      stmt.ColumnText(1),
				Reason:    stmt.ColumnText(2),
				Client:    stmt.ColumnText(3),
				Method:    stmt.ColumnText(4),
				Mode:      stmt.ColumnText(5),
				Protocol:  stmt.ColumnText(6),
				Timestamp: stmt.ColumnInt64(7),
			})
			return nil
		},
	})
	return out
}

// ensureSchema creates the audit tables.
func (s *Store) ensureSchema() error {
	return sqlitex.ExecuteScript(s.conn, `
		CREATE TABLE IF NOT EXISTS denied_events (
			id       TEXT NOT NULL PRIMARY KEY,
			host     TEXT NOT NULL,
			reason   TEXT NOT NULL,
			client   TEXT NOT NULL DEFAULT '',
			method   TEXT NOT NULL DEFAULT '',
			mode     TEXT NOT NULL DEFAULT '',
			protocol TEXT NOT NULL,
			ts       INTEGER NOT NULL
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS denied_counts (
			host   TEXT NOT NULL,
			reason TEXT NOT NULL,
			count  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (host, reason)
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_denied_events_ts ON denied_events(ts);
	`, nil)
}
