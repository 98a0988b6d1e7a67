package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// ListActiveProviders returns every Provider with active = true.
func (s *Store) ListActiveProviders(ctx context.Context) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, base_url, username, password, active, created_at, updated_at FROM providers WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Username, &p.Password, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProvider loads a single Provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (model.Provider, error) {
	var p model.Provider
	row := s.db.QueryRowContext(ctx, `SELECT id, name, base_url, username, password, active, created_at, updated_at FROM providers WHERE id = ?`, id)
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Username, &p.Password, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// CreateProviderUser mints a ProviderUser under a 6-char alphanumeric unique
// code, retrying on collision.
func (s *Store) CreateProviderUser(ctx context.Context, providerID, username, password string) (model.ProviderUser, error) {
	var out model.ProviderUser
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for attempt := 0; attempt < 10; attempt++ {
			code, err := randomUniqueCode()
			if err != nil {
				return err
			}
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM provider_users WHERE unique_code = ?`, code).Scan(&exists); err != nil {
				return err
			}
			if exists > 0 {
				continue
			}
			id := uuid.NewString()
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx, `INSERT INTO provider_users(id, provider_id, unique_code, username, password, created_at) VALUES (?,?,?,?,?,?)`,
				id, providerID, code, username, password, now); err != nil {
				return err
			}
			out = model.ProviderUser{ID: id, ProviderID: providerID, UniqueCode: code, Username: username, Password: password, CreatedAt: now}
			return nil
		}
		return errors.New("exhausted unique_code collision retries")
	})
	return out, err
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomUniqueCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 6)
	for i, c := range b {
		out[i] = codeAlphabet[int(c)%len(codeAlphabet)]
	}
	return string(out), nil
}

// GetProviderAutoSync returns the provider's sync schedule, or the zero value
// with sql.ErrNoRows if none is configured.
func (s *Store) GetProviderAutoSync(ctx context.Context, providerID string) (model.ProviderAutoSyncConfig, error) {
	var c model.ProviderAutoSyncConfig
	c.ProviderID = providerID
	var lastRun sql.NullTime
	row := s.db.QueryRowContext(ctx, `SELECT interval_minutes, last_run_at FROM provider_auto_sync_config WHERE provider_id = ?`, providerID)
	if err := row.Scan(&c.IntervalMinutes, &lastRun); err != nil {
		return c, err
	}
	if lastRun.Valid {
		c.LastRunAt = &lastRun.Time
	}
	return c, nil
}

// ListEligibleProviders returns active providers whose auto-sync schedule is
// due (last_run_at + interval <= now), or that have never run.
func (s *Store) ListEligibleProviders(ctx context.Context, now time.Time) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.base_url, p.username, p.password, p.active, p.created_at, p.updated_at
		FROM providers p
		JOIN provider_auto_sync_config c ON c.provider_id = p.id
		WHERE p.active = 1
		AND (c.last_run_at IS NULL OR datetime(c.last_run_at, '+' || c.interval_minutes || ' minutes') <= ?)
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.BaseURL, &p.Username, &p.Password, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchProviderAutoSync sets last_run_at = now regardless of sync outcome,
// so a provider that keeps failing doesn't get retried every tick.
func (s *Store) TouchProviderAutoSync(ctx context.Context, providerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE provider_auto_sync_config SET last_run_at = ? WHERE provider_id = ?`, now, providerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.ExecContext(ctx, `INSERT INTO provider_auto_sync_config(provider_id, interval_minutes, last_run_at) VALUES (?, 60, ?)`, providerID, now)
	}
	return err
}

// UpsertProviderAutoSync sets the interval for a provider, preserving last_run_at.
func (s *Store) UpsertProviderAutoSync(ctx context.Context, providerID string, intervalMinutes int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_auto_sync_config(provider_id, interval_minutes, last_run_at) VALUES (?, ?, NULL)
		ON CONFLICT(provider_id) DO UPDATE SET interval_minutes = excluded.interval_minutes
	`, providerID, intervalMinutes)
	return err
}

// CreateProvider inserts a new Provider.
func (s *Store) CreateProvider(ctx context.Context, p model.Provider) (model.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO providers(id, name, base_url, username, password, active, created_at, updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.BaseURL, p.Username, p.Password, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return model.Provider{}, fmt.Errorf("create provider: %w", err)
	}
	return p, nil
}
