package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

// SQLiteStore keeps customers, security events and admin users in one file.
// Used for single-node deployments; timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL DEFAULT 'admin',
		is_active     INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customers (
		phone               TEXT PRIMARY KEY,
		name                TEXT NOT NULL DEFAULT '',
		preferences         TEXT NOT NULL DEFAULT '{}',
		created_at          INTEGER NOT NULL,
		last_interaction_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customer_interactions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		phone      TEXT NOT NULL REFERENCES customers(phone) ON DELETE CASCADE,
		message    TEXT NOT NULL,
		reply      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_phone ON customer_interactions(phone, id);

	CREATE TABLE IF NOT EXISTS security_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		ip         TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events(created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite migration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateCustomer(ctx context.Context, phone string, prefs map[string]string) (*entities.CustomerRecord, error) {
	rawPrefs, err := encodePreferences(prefs)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO customers (phone, preferences, created_at, last_interaction_at) VALUES (?, ?, ?, ?)`,
		phone, rawPrefs, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}
	inserted, _ := res.RowsAffected()

	c, err := s.loadCustomer(ctx, phone)
	if err != nil {
		return nil, err
	}
	c.Created = inserted == 1
	return c, nil
}

// GetCustomer returns nil when phone has no record.
func (s *SQLiteStore) GetCustomer(ctx context.Context, phone string) (*entities.CustomerRecord, error) {
	c, err := s.loadCustomer(ctx, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) loadCustomer(ctx context.Context, phone string) (*entities.CustomerRecord, error) {
	var (
		c                       entities.CustomerRecord
		prefsText               string
		createdAt, lastActivity int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT phone, name, preferences, created_at, last_interaction_at FROM customers WHERE phone = ?`, phone,
	).Scan(&c.Phone, &c.Name, &prefsText, &createdAt, &lastActivity)
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	if c.Preferences, err = decodePreferences([]byte(prefsText)); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.LastInteractionAt = fromMillis(lastActivity)

	rows, err := s.db.QueryContext(ctx, `
		SELECT message, reply, created_at FROM (
			SELECT id, message, reply, created_at FROM customer_interactions
			WHERE phone = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, phone, entities.MaxHistoryEntries)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	c.History = []entities.Interaction{}
	for rows.Next() {
		var (
			it entities.Interaction
			ts int64
		)
		if err := rows.Scan(&it.Message, &it.Reply, &ts); err != nil {
			return nil, err
		}
		it.Timestamp = fromMillis(ts)
		c.History = append(c.History, it)
	}
	return &c, rows.Err()
}

func (s *SQLiteStore) AppendInteraction(ctx context.Context, phone string, it entities.Interaction) error {
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now().UTC()
	}
	ts := it.Timestamp.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO customers (phone, created_at, last_interaction_at) VALUES (?, ?, ?)`,
		phone, ts, ts); err != nil {
		return fmt.Errorf("ensure customer: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO customer_interactions (phone, message, reply, created_at) VALUES (?, ?, ?, ?)`,
		phone, it.Message, it.Reply, ts); err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM customer_interactions
		WHERE phone = ? AND id NOT IN (
			SELECT id FROM customer_interactions WHERE phone = ? ORDER BY id DESC LIMIT ?
		)`, phone, phone, entities.MaxHistoryEntries); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE customers SET last_interaction_at = ? WHERE phone = ?`, ts, phone); err != nil {
		return fmt.Errorf("touch customer: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListCustomers(ctx context.Context, limit, offset int) ([]entities.CustomerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phone, name, preferences, created_at, last_interaction_at
		FROM customers ORDER BY last_interaction_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []entities.CustomerRecord{}
	for rows.Next() {
		var (
			c                       entities.CustomerRecord
			prefsText               string
			createdAt, lastActivity int64
		)
		if err := rows.Scan(&c.Phone, &c.Name, &prefsText, &createdAt, &lastActivity); err != nil {
			return nil, err
		}
		if c.Preferences, err = decodePreferences([]byte(prefsText)); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(createdAt)
		c.LastInteractionAt = fromMillis(lastActivity)
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *SQLiteStore) CountCustomers(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM customers").Scan(&count)
	return count, err
}

func (s *SQLiteStore) LogSecurityEvent(ctx context.Context, ev entities.SecurityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO security_events (kind, ip, detail, created_at) VALUES (?, ?, ?, ?)",
		ev.Kind, ev.IP, ev.Detail, ev.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) RecentSecurityEvents(ctx context.Context, limit int) ([]entities.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, ip, detail, created_at FROM security_events
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []entities.SecurityEvent{}
	for rows.Next() {
		var (
			ev entities.SecurityEvent
			ts int64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.IP, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.CreatedAt = fromMillis(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *entities.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, role, is_active, created_at) VALUES (?, ?, ?, ?, ?)",
		user.Username, user.PasswordHash, user.Role, user.IsActive, user.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	user.ID = int(id)
	return nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*entities.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, is_active, created_at FROM users WHERE username = ?", username))
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int) (*entities.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, role, is_active, created_at FROM users WHERE id = ?", id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*entities.User, error) {
	var (
		u  entities.User
		ts int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.IsActive, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(ts)
	return &u, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
