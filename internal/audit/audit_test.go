package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndList(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []*Event{
		{Type: EventToolCall, ConsumerTag: "dev", Service: "github", Tool: "search", Status: "success", DurationMS: 12, Timestamp: base},
		{Type: EventConfigChange, Detail: map[string]any{"change": "tool-group-added"}, Timestamp: base.Add(time.Second)},
		{Type: EventToolCall, ConsumerTag: "ops", Service: "slack", Tool: "post", Status: "error", Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		require.NoError(t, l.Record(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "slack", all[0].Service)
	assert.Equal(t, "tool-group-added", all[1].Detail["change"])
	assert.True(t, all[2].Timestamp.Equal(base))

	calls, err := l.List(ctx, Filter{Type: EventToolCall, ConsumerTag: "dev"})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Tool)
	assert.Equal(t, int64(12), calls[0].DurationMS)

	since := base.Add(time.Second)
	recent, err := l.List(ctx, Filter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, EventToolCall, recent[0].Type)
}

func TestRecordGeneratesTimestamp(t *testing.T) {
	l := openTestLog(t)
	e := &Event{Type: EventSetupApplied}
	require.NoError(t, l.Record(context.Background(), e))
	assert.False(t, e.Timestamp.IsZero())
}

func TestRecordInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))

	l, err := New(db)
	require.NoError(t, err)

	err = l.Record(context.Background(), &Event{Type: EventToolCall})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting audit event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only"))

	_, err = New(db)
	assert.ErrorContains(t, err, "creating audit schema")
}

func TestListQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, type").WillReturnError(errors.New("locked"))

	l, err := New(db)
	require.NoError(t, err)
	_, err = l.List(context.Background(), Filter{Service: "github"})
	assert.ErrorContains(t, err, "querying audit events")
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 1000, normalizeLimit(5000))
	assert.Equal(t, 25, normalizeLimit(25))
}
