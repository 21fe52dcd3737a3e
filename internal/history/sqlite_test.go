package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRecord(t *testing.T) {
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	now := time.Now().UTC()
	s.Record(Event{Type: EventStarted, Service: "resolver", PID: 4242, OccurredAt: now})
	s.Record(Event{Type: EventStopped, Service: "resolver", PID: 4242, ExitCode: 137, OccurredAt: now})

	rows, err := s.db.Query(`SELECT type, service, pid, exit_code FROM service_events ORDER BY id`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	var (
		typ, svc string
		pid, ec  int
	)
	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&typ, &svc, &pid, &ec))
	assert.Equal(t, "started", typ)
	assert.Equal(t, "resolver", svc)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, 0, ec)

	require.True(t, rows.Next())
	require.NoError(t, rows.Scan(&typ, &svc, &pid, &ec))
	assert.Equal(t, "stopped", typ)
	assert.Equal(t, 137, ec)

	assert.False(t, rows.Next())
	require.NoError(t, rows.Err())
}

func TestSQLitePersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	s.Record(Event{Type: EventStarted, Service: "dht", PID: 1, OccurredAt: time.Now()})
	require.NoError(t, s.Close())

	// Reopen and count.
	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM service_events`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteEmptyPath(t *testing.T) {
	_, err := NewSQLite("  ")
	assert.Error(t, err)
}
