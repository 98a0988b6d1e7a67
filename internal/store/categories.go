package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// SyncCategories reconciles the categories of one (provider, kind) against
// the upstream's latest response: upsert-and-mark-active for every returned
// row, and mark-inactive for every existing active row not present in the
// response.
func (s *Store) SyncCategories(ctx context.Context, providerID string, kind model.Kind, seen []model.Category) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		seenExtIDs := make(map[int64]bool, len(seen))
		for _, c := range seen {
			seenExtIDs[c.ExternalID] = true
			var existingID string
			var existingName string
			err := tx.QueryRowContext(ctx, `SELECT id, name FROM categories WHERE provider_id = ? AND kind = ? AND external_id = ?`,
				providerID, kind, c.ExternalID).Scan(&existingID, &existingName)
			switch {
			case err == sql.ErrNoRows:
				if _, err := tx.ExecContext(ctx, `INSERT INTO categories(id, provider_id, kind, external_id, name, active, created_at, updated_at) VALUES (?,?,?,?,?,1,?,?)`,
					uuid.NewString(), providerID, kind, c.ExternalID, c.Name, now, now); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if _, err := tx.ExecContext(ctx, `UPDATE categories SET name = ?, active = 1, updated_at = ? WHERE id = ?`, c.Name, now, existingID); err != nil {
					return err
				}
			}
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, external_id FROM categories WHERE provider_id = ? AND kind = ? AND active = 1`, providerID, kind)
		if err != nil {
			return err
		}
		var toDeactivate []string
		for rows.Next() {
			var id string
			var extID int64
			if err := rows.Scan(&id, &extID); err != nil {
				rows.Close()
				return err
			}
			if !seenExtIDs[extID] {
				toDeactivate = append(toDeactivate, id)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		for _, id := range toDeactivate {
			if _, err := tx.ExecContext(ctx, `UPDATE categories SET active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListActiveCategories returns active categories for a provider+kind.
func (s *Store) ListActiveCategories(ctx context.Context, providerID string, kind model.Kind) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, provider_id, kind, external_id, name, active, created_at, updated_at FROM categories WHERE provider_id = ? AND kind = ? AND active = 1`, providerID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Category
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.Kind, &c.ExternalID, &c.Name, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
