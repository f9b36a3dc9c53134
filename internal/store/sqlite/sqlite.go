// Package sqlite implements the audit and span stores on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/kvmbroker/internal/store"
)

// Store implements store.AuditStore and store.SpanStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ store.AuditStore = (*Store)(nil)
	_ store.SpanStore  = (*Store)(nil)
)

// Open opens (or creates) the database at dbPath and migrates the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("audit store opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			display TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			epoch INTEGER NOT NULL DEFAULT 0,
			from_state TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			vendor TEXT NOT NULL DEFAULT '',
			viewers INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_display ON transitions(display, id)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_created ON transitions(created_at)`,
		`CREATE TABLE IF NOT EXISTS spans (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT NOT NULL DEFAULT '',
			display TEXT NOT NULL,
			name TEXT NOT NULL,
			span_type TEXT NOT NULL,
			vendor TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_time)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Record appends a transition.
func (s *Store) Record(e store.AuditEvent) error {
	if err := store.ValidateEvent(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO transitions
		(display, session_id, epoch, from_state, state, vendor, viewers, category, reason, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Display, idString(e.SessionID), int64(e.Epoch), e.From, e.State, e.Vendor, e.Viewers,
		e.Category, e.Reason, store.TruncateMessage(e.Message), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// History returns the newest transitions for a display, newest first.
func (s *Store) History(display string, limit int) ([]store.AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, display, session_id, epoch, from_state, state, vendor, viewers,
		category, reason, message, created_at
		FROM transitions WHERE display = ? ORDER BY id DESC LIMIT ?`, display, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []store.AuditEvent
	for rows.Next() {
		var (
			e       store.AuditEvent
			sid     string
			epoch   int64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Display, &sid, &epoch, &e.From, &e.State, &e.Vendor, &e.Viewers,
			&e.Category, &e.Reason, &e.Message, &created); err != nil {
			return nil, err
		}
		e.SessionID = parseID(sid)
		e.Epoch = uint64(epoch)
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes transitions and spans older than before.
func (s *Store) Prune(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := before.UnixMilli()
	res, err := s.db.Exec(`DELETE FROM transitions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.Exec(`DELETE FROM spans WHERE start_time < ?`, cutoff); err != nil {
		return n, fmt.Errorf("prune spans: %w", err)
	}
	return n, nil
}

// BatchCreateSpans inserts spans in one transaction.
func (s *Store) BatchCreateSpans(spans []store.SpanData) error {
	if len(spans) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO spans
		(id, trace_id, parent_span_id, display, name, span_type, vendor, status, error, start_time, end_time, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range spans {
		parent := ""
		if sp.ParentSpanID != nil {
			parent = sp.ParentSpanID.String()
		}
		if _, err := stmt.Exec(sp.ID.String(), sp.TraceID.String(), parent, sp.Display, sp.Name, sp.SpanType,
			sp.Vendor, sp.Status, store.TruncateMessage(sp.Error),
			sp.StartTime.UnixMilli(), sp.EndTime.UnixMilli(), sp.DurationMS); err != nil {
			return fmt.Errorf("insert span %s: %w", sp.Name, err)
		}
	}
	return tx.Commit()
}

// ListSpans returns a trace's spans in start order.
func (s *Store) ListSpans(traceID uuid.UUID) ([]store.SpanData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, trace_id, parent_span_id, display, name, span_type, vendor, status, error,
		start_time, end_time, duration_ms
		FROM spans WHERE trace_id = ? ORDER BY start_time, rowid`, traceID.String())
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	var out []store.SpanData
	for rows.Next() {
		var (
			sp                store.SpanData
			id, trace, parent string
			startMS, endMS    int64
		)
		if err := rows.Scan(&id, &trace, &parent, &sp.Display, &sp.Name, &sp.SpanType, &sp.Vendor, &sp.Status,
			&sp.Error, &startMS, &endMS, &sp.DurationMS); err != nil {
			return nil, err
		}
		sp.ID = parseID(id)
		sp.TraceID = parseID(trace)
		if parent != "" {
			p := parseID(parent)
			sp.ParentSpanID = &p
		}
		sp.StartTime = time.UnixMilli(startMS)
		sp.EndTime = time.UnixMilli(endMS)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
