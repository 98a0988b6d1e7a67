package store

import (
	"context"
	"database/sql"
)

// LocalMatch is the subset of a synced, active VodStream/SeriesItem row
// needed to augment a Collection Cache payload item: enough to build a play
// URL and attach local scoring/cast fields.
type LocalMatch struct {
	LocalID      string
	ExternalID   int64
	ContainerExt string // "" for series (episode-level extension isn't known here)
	VoteAverage  float64
	RawPayload   []byte
	ProviderID   string
	BaseURL      string
	Username     string
	Password     string
}

// FindSyncedVodByMetadataID joins vod_streams to its provider for the one
// active, synced row carrying metadataID, or sql.ErrNoRows.
func (s *Store) FindSyncedVodByMetadataID(ctx context.Context, metadataID int64) (LocalMatch, error) {
	var m LocalMatch
	row := s.db.QueryRowContext(ctx, `
		SELECT v.id, v.external_stream_id, v.container_ext, v.vote_average, v.raw_payload,
		       p.id, p.base_url, p.username, p.password
		FROM vod_streams v JOIN providers p ON p.id = v.provider_id
		WHERE v.metadata_id = ? AND v.active = 1 AND v.enrich_status = 'synced'
		ORDER BY v.updated_at DESC LIMIT 1`, metadataID)
	err := row.Scan(&m.LocalID, &m.ExternalID, &m.ContainerExt, &m.VoteAverage, &m.RawPayload,
		&m.ProviderID, &m.BaseURL, &m.Username, &m.Password)
	return m, err
}

// FindSyncedSeriesByMetadataID mirrors FindSyncedVodByMetadataID for series_items.
func (s *Store) FindSyncedSeriesByMetadataID(ctx context.Context, metadataID int64) (LocalMatch, error) {
	var m LocalMatch
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.external_series_id, s.vote_average, s.raw_payload,
		       p.id, p.base_url, p.username, p.password
		FROM series_items s JOIN providers p ON p.id = s.provider_id
		WHERE s.metadata_id = ? AND s.active = 1 AND s.enrich_status = 'synced'
		ORDER BY s.updated_at DESC LIMIT 1`, metadataID)
	err := row.Scan(&m.LocalID, &m.ExternalID, &m.VoteAverage, &m.RawPayload,
		&m.ProviderID, &m.BaseURL, &m.Username, &m.Password)
	return m, err
}

// IsNotFound reports whether err is the "no local match" sentinel.
func IsNotFound(err error) bool { return err == sql.ErrNoRows }
