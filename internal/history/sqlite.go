package history

import (
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite appends events to a local database file (modernc.org/sqlite,
// CGO-free). Use ":memory:" for tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at path and ensures the schema.
func NewSQLite(path string) (*SQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	if _, err := d.Exec(`CREATE TABLE IF NOT EXISTS service_events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		service TEXT NOT NULL,
		pid INTEGER NOT NULL,
		exit_code INTEGER NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	);`); err != nil {
		_ = d.Close()
		return nil, err
	}
	if _, err := d.Exec(`CREATE INDEX IF NOT EXISTS idx_service_events_service
		ON service_events(service);`); err != nil {
		_ = d.Close()
		return nil, err
	}
	return &SQLite{db: d}, nil
}

// Record appends one event. Errors are logged, never surfaced: the audit
// trail must not interfere with supervision.
func (s *SQLite) Record(e Event) {
	_, err := s.db.Exec(`INSERT INTO service_events(type, service, pid, exit_code, occurred_at)
		VALUES(?, ?, ?, ?, ?);`,
		string(e.Type), e.Service, e.PID, e.ExitCode, e.OccurredAt.UTC())
	if err != nil {
		slog.Warn("history record failed", "service", e.Service, "err", err)
	}
}

func (s *SQLite) Close() error { return s.db.Close() }
