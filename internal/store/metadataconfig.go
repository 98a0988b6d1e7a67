package store

import (
	"context"
	"database/sql"

	"github.com/mediacatalog/catalogd/internal/model"
)

// GetMetadataConfig loads the singleton MetadataConfig row, returning the
// zero value (disabled) if it has never been set.
func (s *Store) GetMetadataConfig(ctx context.Context) (model.MetadataConfig, error) {
	var c model.MetadataConfig
	var token, apiKey, region sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT enabled, token, api_key, language, region, rps FROM metadata_config WHERE id = 1`)
	err := row.Scan(&c.Enabled, &token, &apiKey, &c.Language, &region, &c.RPS)
	if err == sql.ErrNoRows {
		return model.MetadataConfig{Language: "en-US", RPS: 4}, nil
	}
	if err != nil {
		return c, err
	}
	c.Token, c.APIKey, c.Region = token.String, apiKey.String, region.String
	return c, nil
}

// SetMetadataConfig upserts the singleton MetadataConfig row.
func (s *Store) SetMetadataConfig(ctx context.Context, c model.MetadataConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata_config(id, enabled, token, api_key, language, region, rps) VALUES (1, ?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, token=excluded.token, api_key=excluded.api_key,
			language=excluded.language, region=excluded.region, rps=excluded.rps`,
		c.Enabled, c.Token, c.APIKey, c.Language, c.Region, c.RPS)
	return err
}
