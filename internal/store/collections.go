package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// CreateCollection inserts a new, editor-managed curated Collection row.
// Collections are otherwise seeded by migration.
func (s *Store) CreateCollection(ctx context.Context, c model.Collection) (model.Collection, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	filtersJSON, err := json.Marshal(c.Filters)
	if err != nil {
		return model.Collection{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO collections(id, slug, name, source_type, source_id, filters, cache_ttl_s, enabled, order_index, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Slug, c.Name, c.SourceType, c.SourceID, string(filtersJSON), c.CacheTTLS, c.Enabled, c.OrderIndex, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return model.Collection{}, err
	}
	return c, nil
}

// ListEnabledCollections returns enabled Collections ordered by order_index.
func (s *Store) ListEnabledCollections(ctx context.Context) ([]model.Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, slug, name, source_type, source_id, filters, cache_ttl_s, enabled, order_index, created_at, updated_at
		FROM collections WHERE enabled = 1 ORDER BY order_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCollectionBySlug loads a Collection by its unique slug.
func (s *Store) GetCollectionBySlug(ctx context.Context, slug string) (model.Collection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, slug, name, source_type, source_id, filters, cache_ttl_s, enabled, order_index, created_at, updated_at
		FROM collections WHERE slug = ?`, slug)
	return scanCollectionRow(row)
}

func scanCollection(rows *sql.Rows) (model.Collection, error) {
	var c model.Collection
	var sourceID sql.NullString
	var filtersJSON sql.NullString
	var ttl sql.NullInt64
	if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.SourceType, &sourceID, &filtersJSON, &ttl, &c.Enabled, &c.OrderIndex, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.SourceID = sourceID.String
	if ttl.Valid {
		n := int(ttl.Int64)
		c.CacheTTLS = n
	}
	if filtersJSON.Valid && filtersJSON.String != "" {
		_ = json.Unmarshal([]byte(filtersJSON.String), &c.Filters)
	}
	return c, nil
}

func scanCollectionRow(row *sql.Row) (model.Collection, error) {
	var c model.Collection
	var sourceID sql.NullString
	var filtersJSON sql.NullString
	var ttl sql.NullInt64
	if err := row.Scan(&c.ID, &c.Slug, &c.Name, &c.SourceType, &sourceID, &filtersJSON, &ttl, &c.Enabled, &c.OrderIndex, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.SourceID = sourceID.String
	if ttl.Valid {
		n := int(ttl.Int64)
		c.CacheTTLS = n
	}
	if filtersJSON.Valid && filtersJSON.String != "" {
		_ = json.Unmarshal([]byte(filtersJSON.String), &c.Filters)
	}
	return c, nil
}

// GetCollectionCache loads a cached page, or sql.ErrNoRows if absent.
func (s *Store) GetCollectionCache(ctx context.Context, collectionID string, page int) (model.CollectionCache, error) {
	var c model.CollectionCache
	c.CollectionID, c.Page = collectionID, page
	row := s.db.QueryRowContext(ctx, `SELECT payload, expires_at, created_at, updated_at FROM collection_cache WHERE collection_id = ? AND page = ?`, collectionID, page)
	err := row.Scan(&c.Payload, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// UpsertCollectionCache writes a fresh cache entry with expires_at = now + ttl.
func (s *Store) UpsertCollectionCache(ctx context.Context, collectionID string, page int, payload []byte, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_cache(collection_id, page, payload, expires_at, created_at, updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(collection_id, page) DO UPDATE SET payload=excluded.payload, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		collectionID, page, payload, expiresAt, now, now)
	return err
}

// ListExpiredCollectionCaches returns every cache row whose Collection is
// enabled and whose expires_at <= now, for the background refresh sweep.
func (s *Store) ListExpiredCollectionCaches(ctx context.Context, now time.Time) ([]model.CollectionCache, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cc.collection_id, cc.page, cc.expires_at, cc.created_at, cc.updated_at
		FROM collection_cache cc JOIN collections c ON c.id = cc.collection_id
		WHERE c.enabled = 1 AND cc.expires_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CollectionCache
	for rows.Next() {
		var c model.CollectionCache
		if err := rows.Scan(&c.CollectionID, &c.Page, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
