// Package audit keeps an append-only log of tool calls and configuration
// changes in SQLite
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timestampLayout is fixed width so stored timestamps sort lexically
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

type EventType string

const (
	EventToolCall           EventType = "tool_call"
	EventConfigChange       EventType = "config_change"
	EventTargetServerChange EventType = "target_server_change"
	EventSetupApplied       EventType = "setup_applied"
)

type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	ConsumerTag string         `json:"consumerTag,omitempty"`
	Service     string         `json:"service,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Status      string         `json:"status,omitempty"`
	DurationMS  int64          `json:"durationMs,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type        EventType
	ConsumerTag string
	Service     string
	Since       *time.Time
	Limit       int
}

// Recorder is what the gateway writes audit events through
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// Nop drops every event
type Nop struct{}

func (Nop) Record(context.Context, *Event) error { return nil }

type Log struct {
	db *sql.DB
}

// Open opens or creates the SQLite audit log at path
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	l, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	internal.LogInfoWithFields("audit", "Audit log initialized", map[string]interface{}{
		"path": path,
	})
	return l, nil
}

// New uses an open database, creating the schema if needed
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	if err := l.createSchema(); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return l, nil
}

func (l *Log) createSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			consumer_tag TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			ts TEXT NOT NULL,
			detail_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type, ts);
	`)
	return err
}

// Record appends e, generating its ID and timestamp when unset
func (l *Log) Record(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detail *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		s := string(data)
		detail = &s
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, consumer_tag, service, tool, status, duration_ms, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.ConsumerTag, e.Service, e.Tool, e.Status, e.DurationMS,
		e.Timestamp.UTC().Format(timestampLayout), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// List returns matching events, newest first
func (l *Log) List(ctx context.Context, f Filter) ([]Event, error) {
	query := `SELECT id, type, consumer_tag, service, tool, status, duration_ms, ts, detail_json
		FROM audit_events WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.ConsumerTag != "" {
		query += " AND consumer_tag = ?"
		args = append(args, f.ConsumerTag)
	}
	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
	}
	if f.Since != nil {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC().Format(timestampLayout))
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e      Event
			typ    string
			ts     string
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &typ, &e.ConsumerTag, &e.Service, &e.Tool, &e.Status, &e.DurationMS, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		e.Type = EventType(typ)
		if e.Timestamp, err = time.Parse(timestampLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}
