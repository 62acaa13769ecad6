package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
)

// SQLiteStorage persists the causality graph to SQLite.
// It is suitable for single-process production use.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a SQLite-backed journal storage.
// The path should be a file path (e.g., "./journal.db") or ":memory:" for
// testing.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal_signals (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			time TEXT NOT NULL,
			subject TEXT,
			data BLOB,
			extensions BLOB,
			position INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS journal_causes (
			effect_id TEXT PRIMARY KEY,
			cause_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_causes_cause
			ON journal_causes(cause_id)`,
		`CREATE TABLE IF NOT EXISTS journal_conversations (
			subject TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			position INTEGER PRIMARY KEY AUTOINCREMENT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_conversations_subject
			ON journal_conversations(subject)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStorage{db: db}, nil
}

// PutSignal implements Storage.
func (s *SQLiteStorage) PutSignal(ctx context.Context, sig *signal.Signal) error {
	data, err := json.Marshal(sig.Data)
	if err != nil {
		return fmt.Errorf("marshal signal data: %w", err)
	}
	exts, err := json.Marshal(sig.Extensions)
	if err != nil {
		return fmt.Errorf("marshal signal extensions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journal_signals (id, type, source, time, subject, data, extensions, position)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			COALESCE((SELECT MAX(position) FROM journal_signals), 0) + 1)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			source = excluded.source,
			time = excluded.time,
			subject = excluded.subject,
			data = excluded.data,
			extensions = excluded.extensions
	`, sig.ID, sig.Type, sig.Source, sig.Time.UTC().Format(time.RFC3339Nano),
		sig.Subject, data, exts)
	if err != nil {
		return fmt.Errorf("store signal: %w", err)
	}
	return nil
}

// GetSignal implements Storage.
func (s *SQLiteStorage) GetSignal(ctx context.Context, id string) (*signal.Signal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, source, time, subject, data, extensions
		FROM journal_signals WHERE id = ?
	`, id)

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, ErrSignalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load signal: %w", err)
	}
	return sig, nil
}

// PutCause implements Storage.
func (s *SQLiteStorage) PutCause(ctx context.Context, causeID, effectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_causes (effect_id, cause_id) VALUES (?, ?)
		ON CONFLICT(effect_id) DO UPDATE SET cause_id = excluded.cause_id
	`, effectID, causeID)
	if err != nil {
		return fmt.Errorf("store edge: %w", err)
	}
	return nil
}

// GetCause implements Storage.
func (s *SQLiteStorage) GetCause(ctx context.Context, effectID string) (string, error) {
	var causeID string
	err := s.db.QueryRowContext(ctx, `
		SELECT cause_id FROM journal_causes WHERE effect_id = ?
	`, effectID).Scan(&causeID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cause: %w", err)
	}
	return causeID, nil
}

// GetEffects implements Storage.
func (s *SQLiteStorage) GetEffects(ctx context.Context, causeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT effect_id FROM journal_causes WHERE cause_id = ?
	`, causeID)
	if err != nil {
		return nil, fmt.Errorf("load effects: %w", err)
	}
	defer rows.Close()

	var effects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		effects = append(effects, id)
	}
	return effects, rows.Err()
}

// PutConversation implements Storage.
func (s *SQLiteStorage) PutConversation(ctx context.Context, subject, signalID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_conversations (subject, signal_id) VALUES (?, ?)
	`, subject, signalID)
	if err != nil {
		return fmt.Errorf("index conversation: %w", err)
	}
	return nil
}

// GetConversation implements Storage.
func (s *SQLiteStorage) GetConversation(ctx context.Context, subject string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_id FROM journal_conversations
		WHERE subject = ? ORDER BY position
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllSignals implements Storage.
func (s *SQLiteStorage) AllSignals(ctx context.Context) ([]*signal.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source, time, subject, data, extensions
		FROM journal_signals ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var signals []*signal.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// Close implements Storage.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (*signal.Signal, error) {
	var (
		sig     signal.Signal
		ts      string
		subject sql.NullString
		data    []byte
		exts    []byte
	)
	if err := row.Scan(&sig.ID, &sig.Type, &sig.Source, &ts, &subject, &data, &exts); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse signal time: %w", err)
	}
	sig.Time = t
	sig.Subject = subject.String

	if len(data) > 0 {
		if err := json.Unmarshal(data, &sig.Data); err != nil {
			return nil, fmt.Errorf("unmarshal signal data: %w", err)
		}
	}
	if len(exts) > 0 {
		if err := json.Unmarshal(exts, &sig.Extensions); err != nil {
			return nil, fmt.Errorf("unmarshal signal extensions: %w", err)
		}
	}

	return &sig, nil
}
