package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// UpsertSeriesInput mirrors UpsertVodStreamInput for SeriesItem rows.
type UpsertSeriesInput struct {
	ExternalSeriesID   int64
	ExternalMetadataID *int64
	CategoryExtID      int64
	Name               string
	IconURL            string
}

// UpsertSeries mirrors UpsertVodStream's matching and migration-repair logic.
func (s *Store) UpsertSeries(ctx context.Context, providerID string, in UpsertSeriesInput) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx, `SELECT id FROM series_items WHERE provider_id = ? AND external_series_id = ?`, providerID, in.ExternalSeriesID).Scan(&id)
		if err == sql.ErrNoRows && in.ExternalMetadataID != nil {
			err = tx.QueryRowContext(ctx, `SELECT id FROM series_items WHERE provider_id = ? AND metadata_id = ?`, providerID, *in.ExternalMetadataID).Scan(&id)
			if err == nil {
				_, err = tx.ExecContext(ctx, `UPDATE series_items SET external_series_id = ?, name = ?, icon_url = ?, category_ext_id = ?, active = 1, updated_at = ? WHERE id = ?`,
					in.ExternalSeriesID, in.Name, in.IconURL, in.CategoryExtID, now, id)
				return err
			}
		}
		switch {
		case err == sql.ErrNoRows:
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO series_items(id, provider_id, external_series_id, category_ext_id, name, icon_url, active, created_at, updated_at)
				VALUES (?,?,?,?,?,?,1,?,?)`, id, providerID, in.ExternalSeriesID, in.CategoryExtID, in.Name, in.IconURL, now, now)
			return err
		case err != nil:
			return err
		default:
			_, err = tx.ExecContext(ctx, `UPDATE series_items SET name = ?, icon_url = ?, category_ext_id = ?, active = 1, updated_at = ? WHERE id = ?`,
				in.Name, in.IconURL, in.CategoryExtID, now, id)
			return err
		}
	})
	return id, err
}

// DeactivateMissingSeries mirrors DeactivateMissingVodStreams.
func (s *Store) DeactivateMissingSeries(ctx context.Context, providerID string, seenExtIDs map[int64]bool, deactivateMissing bool) error {
	if !deactivateMissing {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, external_series_id FROM series_items WHERE provider_id = ? AND active = 1`, providerID)
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
	now := time.Now().UTC()
	for _, id := range toDeactivate {
		if _, err := s.db.ExecContext(ctx, `UPDATE series_items SET active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
	}
	return nil
}

// DedupSeries collapses rows sharing (provider, external_series_id).
func (s *Store) DedupSeries(ctx context.Context, providerID string) error {
	return s.dedupEnrichable(ctx, "series_items", "external_series_id", providerID)
}

// ListEligibleSeriesCandidates mirrors ListEligibleVodCandidates for series.
func (s *Store) ListEligibleSeriesCandidates(ctx context.Context, overfetch int) ([]EligibleVodStream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, name, normalized_name, enrich_status, enrich_last_sync, enrich_error_kind, enrich_error_text, enrich_fail_count, metadata_id
		FROM series_items WHERE active = 1
		ORDER BY (enrich_last_sync IS NOT NULL), enrich_last_sync ASC, created_at ASC
		LIMIT ?`, overfetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEligible(rows)
}

// WriteSeriesSynced mirrors WriteVodSynced.
func (s *Store) WriteSeriesSynced(ctx context.Context, id string, h VodHydration, now time.Time) error {
	genresJSON, _ := json.Marshal(h.Genres)
	_, err := s.db.ExecContext(ctx, `UPDATE series_items SET
		metadata_id = ?, title = ?, overview = ?, release_date = ?, genres = ?, vote_average = ?,
		poster_path = ?, backdrop_path = ?, raw_payload = ?,
		enrich_status = ?, enrich_last_sync = ?, enrich_error_kind = NULL, enrich_error_text = NULL, enrich_fail_count = 0,
		updated_at = ?
		WHERE id = ?`,
		h.MetadataID, h.Title, h.Overview, h.ReleaseDate, string(genresJSON), h.VoteAverage,
		h.PosterPath, h.BackdropPath, h.RawPayload, model.StatusSynced, now, now, id)
	return err
}

// WriteSeriesFailure mirrors WriteVodFailure.
func (s *Store) WriteSeriesFailure(ctx context.Context, id string, status model.EnrichStatus, kind model.ErrorKind, text string, failCount int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE series_items SET
		enrich_status = ?, enrich_last_sync = ?, enrich_error_kind = ?, enrich_error_text = ?, enrich_fail_count = ?, updated_at = ?
		WHERE id = ?`, status, now, kind, text, failCount, now, id)
	return err
}

// UpsertSeason locates or creates a Season under a series by number.
func (s *Store) UpsertSeason(ctx context.Context, seriesID string, number int) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM seasons WHERE series_id = ? AND number = ?`, seriesID, number).Scan(&id)
	if err == sql.ErrNoRows {
		id = uuid.NewString()
		_, err = s.db.ExecContext(ctx, `INSERT INTO seasons(id, series_id, number, created_at) VALUES (?,?,?,?)`, id, seriesID, number, time.Now().UTC())
		return id, err
	}
	return id, err
}

// UpsertEpisode locates or creates an Episode under a season.
func (s *Store) UpsertEpisode(ctx context.Context, seasonID string, externalEpisodeID int64, title, containerExt string, durationSecs int, rawPayload []byte) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM episodes WHERE season_id = ? AND external_episode_id = ?`, seasonID, externalEpisodeID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = s.db.ExecContext(ctx, `INSERT INTO episodes(id, season_id, external_episode_id, title, container_ext, duration_secs, raw_payload, created_at)
			VALUES (?,?,?,?,?,?,?,?)`, id, seasonID, externalEpisodeID, title, containerExt, durationSecs, rawPayload, time.Now().UTC())
		return id, err
	case err != nil:
		return id, err
	default:
		_, err = s.db.ExecContext(ctx, `UPDATE episodes SET title = ?, container_ext = ?, duration_secs = ?, raw_payload = ? WHERE id = ?`,
			title, containerExt, durationSecs, rawPayload, id)
		return id, err
	}
}
