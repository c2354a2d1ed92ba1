package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

// CustomerRepository is the Postgres-backed customer and security-event store.
type CustomerRepository struct {
	db *pgxpool.Pool
}

func NewCustomerRepository(db *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) GetOrCreateCustomer(ctx context.Context, phone string, prefs map[string]string) (*entities.CustomerRecord, error) {
	rawPrefs, err := encodePreferences(prefs)
	if err != nil {
		return nil, err
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO customers (phone, preferences, created_at, last_interaction_at)
		VALUES ($1, $2::jsonb, NOW(), NOW())
		ON CONFLICT (phone) DO NOTHING
	`, phone, rawPrefs)
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}

	customer, err := r.loadCustomer(ctx, phone)
	if err != nil {
		return nil, err
	}
	customer.Created = tag.RowsAffected() == 1
	return customer, nil
}

// GetCustomer returns nil when phone has no record.
func (r *CustomerRepository) GetCustomer(ctx context.Context, phone string) (*entities.CustomerRecord, error) {
	c, err := r.loadCustomer(ctx, phone)
	if isNoRows(err) {
		return nil, nil
	}
	return c, err
}

func (r *CustomerRepository) loadCustomer(ctx context.Context, phone string) (*entities.CustomerRecord, error) {
	var (
		c        entities.CustomerRecord
		rawPrefs []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT phone, name, preferences, created_at, last_interaction_at
		FROM customers WHERE phone = $1
	`, phone).Scan(&c.Phone, &c.Name, &rawPrefs, &c.CreatedAt, &c.LastInteractionAt)
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	if c.Preferences, err = decodePreferences(rawPrefs); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT message, reply, created_at FROM (
			SELECT id, message, reply, created_at FROM customer_interactions
			WHERE phone = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC
	`, phone, entities.MaxHistoryEntries)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	c.History = []entities.Interaction{}
	for rows.Next() {
		var it entities.Interaction
		if err := rows.Scan(&it.Message, &it.Reply, &it.Timestamp); err != nil {
			return nil, err
		}
		c.History = append(c.History, it)
	}
	return &c, rows.Err()
}

// AppendInteraction adds one exchange and trims history, all in one transaction
// holding the customer row lock so concurrent appends cannot interleave.
func (r *CustomerRepository) AppendInteraction(ctx context.Context, phone string, it entities.Interaction) error {
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now().UTC()
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO customers (phone, created_at, last_interaction_at)
		VALUES ($1, $2, $2) ON CONFLICT (phone) DO NOTHING
	`, phone, it.Timestamp); err != nil {
		return fmt.Errorf("ensure customer: %w", err)
	}
	var locked string
	if err := tx.QueryRow(ctx, `SELECT phone FROM customers WHERE phone = $1 FOR UPDATE`, phone).Scan(&locked); err != nil {
		return fmt.Errorf("lock customer: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO customer_interactions (phone, message, reply, created_at) VALUES ($1, $2, $3, $4)
	`, phone, it.Message, it.Reply, it.Timestamp); err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM customer_interactions
		WHERE phone = $1 AND id NOT IN (
			SELECT id FROM customer_interactions WHERE phone = $1 ORDER BY id DESC LIMIT $2
		)
	`, phone, entities.MaxHistoryEntries); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE customers SET last_interaction_at = $2 WHERE phone = $1
	`, phone, it.Timestamp); err != nil {
		return fmt.Errorf("touch customer: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *CustomerRepository) ListCustomers(ctx context.Context, limit, offset int) ([]entities.CustomerRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT phone, name, preferences, created_at, last_interaction_at
		FROM customers ORDER BY last_interaction_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []entities.CustomerRecord{}
	for rows.Next() {
		var (
			c        entities.CustomerRecord
			rawPrefs []byte
		)
		if err := rows.Scan(&c.Phone, &c.Name, &rawPrefs, &c.CreatedAt, &c.LastInteractionAt); err != nil {
			return nil, err
		}
		if c.Preferences, err = decodePreferences(rawPrefs); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (r *CustomerRepository) CountCustomers(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM customers").Scan(&count)
	return count, err
}

func (r *CustomerRepository) LogSecurityEvent(ctx context.Context, ev entities.SecurityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx,
		"INSERT INTO security_events (kind, ip, detail, created_at) VALUES ($1, $2, $3, $4)",
		ev.Kind, ev.IP, ev.Detail, ev.CreatedAt)
	return err
}

func (r *CustomerRepository) RecentSecurityEvents(ctx context.Context, limit int) ([]entities.SecurityEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, ip, detail, created_at FROM security_events
		ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []entities.SecurityEvent{}
	for rows.Next() {
		var ev entities.SecurityEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.IP, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *CustomerRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *CustomerRepository) Close() {
	r.db.Close()
}

func encodePreferences(prefs map[string]string) (string, error) {
	if prefs == nil {
		prefs = map[string]string{}
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return "", fmt.Errorf("encode preferences: %w", err)
	}
	return string(raw), nil
}

func decodePreferences(raw []byte) (map[string]string, error) {
	prefs := map[string]string{}
	if len(raw) == 0 {
		return prefs, nil
	}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
