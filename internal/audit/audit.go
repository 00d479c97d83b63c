// Package audit persists a timestamped log of gateway events — bus
// errors entered/cleared, watchdog expirations, config reloads — to a
// local SQLite file. It is an audit trail of events, not of process
// or I/O data: restarting the gateway never replays a prior I/O state
// from this store.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kbusgw/kbusmodbusgw/internal/secrets"
)

// Entry is one logged occurrence.
type Entry struct {
	ID        int64
	Kind      string
	Detail    string // JSON-encoded detail map
	Timestamp time.Time
}

// Log writes Entries to a SQLite database.
type Log struct {
	db     *sql.DB
	cipher *secrets.Cipher
}

// Open creates (if needed) and opens the audit database at dbPath.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	l := &Log{db: db}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// SetCipher wires c to encrypt every detail blob before it is written
// and decrypt it again on read. Optional; a nil Log.cipher (the
// default) stores detail as plain JSON, matching the original
// driver's syslog trail having no confidentiality guarantee either.
func (l *Log) SetCipher(c *secrets.Cipher) {
	l.cipher = c
}

func (l *Log) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}
	return nil
}

// Record appends one event. detail is marshaled to JSON; a nil map
// is stored as an empty detail string.
func (l *Log) Record(kind string, detail map[string]interface{}) error {
	var detailJSON string
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail: %w", err)
		}
		detailJSON = string(b)
	}

	if l.cipher != nil && detailJSON != "" {
		encrypted, err := l.cipher.Encrypt([]byte(detailJSON))
		if err != nil {
			return fmt.Errorf("audit: encrypt detail: %w", err)
		}
		detailJSON = encrypted
	}

	_, err := l.db.Exec(`INSERT INTO events (kind, detail) VALUES (?, ?)`, kind, detailJSON)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent events, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, kind, detail, created_at FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &detail, &e.Timestamp); err != nil {
			continue
		}
		e.Detail = detail.String
		if l.cipher != nil && e.Detail != "" {
			if plain, err := l.cipher.Decrypt(e.Detail); err == nil {
				e.Detail = string(plain)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
