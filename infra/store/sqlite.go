package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/csms/core/model"
)

// Config selects the persistence backend.
type Config struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend"`
	// Path is the database file location for the sqlite backend.
	Path string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Path == "" {
		c.Path = "csms.db"
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Backend != "sqlite" && c.Backend != "memory" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.Backend == "sqlite" && c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// SQLiteMessageStore persists the protocol message log to SQLite.
type SQLiteMessageStore struct {
	db *sql.DB
}

// NewSQLiteMessageStore opens or creates the database at path and ensures
// the schema.
func NewSQLiteMessageStore(path string) (*SQLiteMessageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        device_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        kind INTEGER NOT NULL,
        correlation_id TEXT,
        action TEXT,
        direction TEXT NOT NULL,
        ts INTEGER NOT NULL,
        payload TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_messages_device_seq ON messages(device_id, seq);`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteMessageStore{db: db}, nil
}

// Append writes one message row.
func (s *SQLiteMessageStore) Append(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(device_id, seq, kind, correlation_id, action, direction, ts, payload)
         VALUES(?,?,?,?,?,?,?,?)`,
		msg.DeviceID, msg.Sequence, int(msg.Kind), msg.CorrelationID, msg.Action,
		string(msg.Direction), msg.Timestamp.UnixMilli(), string(payload))
	return err
}

// Recent returns up to limit messages for the device, newest first.
func (s *SQLiteMessageStore) Recent(ctx context.Context, deviceID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, correlation_id, action, direction, ts, payload
         FROM messages WHERE device_id = ? ORDER BY seq DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		var (
			m       model.Message
			kind    int
			dir     string
			ts      int64
			payload string
		)
		if err := rows.Scan(&m.Sequence, &kind, &m.CorrelationID, &m.Action, &dir, &ts, &payload); err != nil {
			return nil, err
		}
		m.DeviceID = deviceID
		m.Kind = model.MessageKind(kind)
		m.Direction = model.Direction(dir)
		m.Timestamp = time.UnixMilli(ts)
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of seq %d: %w", m.Sequence, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastSequence returns the highest stored sequence for the device, or 0.
func (s *SQLiteMessageStore) LastSequence(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE device_id = ?`, deviceID).Scan(&seq)
	return seq, err
}

func (s *SQLiteMessageStore) Close() error { return s.db.Close() }

// SQLiteSessionStore persists billing sessions. The full session is kept as
// a JSON record next to the indexed scalars.
type SQLiteSessionStore struct {
	db *sql.DB
}

func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS charging_sessions (
        id TEXT PRIMARY KEY,
        device_id TEXT NOT NULL,
        status TEXT NOT NULL,
        record TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_device_status ON charging_sessions(device_id, status);`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteSessionStore{db: db}, nil
}

// Put inserts or replaces a session.
func (s *SQLiteSessionStore) Put(ctx context.Context, sess model.ChargingSession) error {
	record, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO charging_sessions(id, device_id, status, record) VALUES(?,?,?,?)
         ON CONFLICT(id) DO UPDATE SET device_id=excluded.device_id, status=excluded.status, record=excluded.record`,
		sess.ID, sess.DeviceID, string(sess.Status), string(record))
	return err
}

func (s *SQLiteSessionStore) ActiveSessions(ctx context.Context, deviceID string) ([]model.ChargingSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM charging_sessions WHERE device_id = ? AND status = ?`,
		deviceID, string(model.SessionActive))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChargingSession
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var sess model.ChargingSession
		if err := json.Unmarshal([]byte(record), &sess); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteSessionStore) StopSession(ctx context.Context, sess model.ChargingSession) error {
	return s.Put(ctx, sess)
}

func (s *SQLiteSessionStore) Close() error { return s.db.Close() }
