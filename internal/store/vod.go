package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// UpsertVodStreamInput is the upstream-observed shape for one VOD row.
type UpsertVodStreamInput struct {
	ExternalStreamID   int64
	ExternalMetadataID *int64 // present when upstream repairs a migration
	CategoryExtID      int64
	Name               string
	ContainerExt       string
	IconURL            string
}

// UpsertVodStream locates an existing row by (provider, ext_id); if absent
// and an external metadata id is present, falls back to matching by
// (provider, metadata_id) to repair ext_id migrations.
func (s *Store) UpsertVodStream(ctx context.Context, providerID string, in UpsertVodStreamInput) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx, `SELECT id FROM vod_streams WHERE provider_id = ? AND external_stream_id = ?`, providerID, in.ExternalStreamID).Scan(&id)
		if err == sql.ErrNoRows && in.ExternalMetadataID != nil {
			err = tx.QueryRowContext(ctx, `SELECT id FROM vod_streams WHERE provider_id = ? AND metadata_id = ?`, providerID, *in.ExternalMetadataID).Scan(&id)
			if err == nil {
				_, err = tx.ExecContext(ctx, `UPDATE vod_streams SET external_stream_id = ?, name = ?, container_ext = ?, icon_url = ?, category_ext_id = ?, active = 1, updated_at = ? WHERE id = ?`,
					in.ExternalStreamID, in.Name, in.ContainerExt, in.IconURL, in.CategoryExtID, now, id)
				return err
			}
		}
		switch {
		case err == sql.ErrNoRows:
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO vod_streams(id, provider_id, external_stream_id, category_ext_id, name, container_ext, icon_url, active, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,1,?,?)`, id, providerID, in.ExternalStreamID, in.CategoryExtID, in.Name, in.ContainerExt, in.IconURL, now, now)
			return err
		case err != nil:
			return err
		default:
			_, err = tx.ExecContext(ctx, `UPDATE vod_streams SET name = ?, container_ext = ?, icon_url = ?, category_ext_id = ?, active = 1, updated_at = ? WHERE id = ?`,
				in.Name, in.ContainerExt, in.IconURL, in.CategoryExtID, now, id)
			return err
		}
	})
	return id, err
}

// DeactivateMissingVodStreams mirrors DeactivateMissingLiveStreams for VOD.
func (s *Store) DeactivateMissingVodStreams(ctx context.Context, providerID string, seenExtIDs map[int64]bool, deactivateMissing bool) error {
	if !deactivateMissing {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, external_stream_id FROM vod_streams WHERE provider_id = ? AND active = 1`, providerID)
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
		if _, err := s.db.ExecContext(ctx, `UPDATE vod_streams SET active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
	}
	return nil
}

// DedupVodStreams collapses rows sharing (provider, external_stream_id):
// keep the most-recently-updated winner; if the loser is synced and the
// winner isn't, donate the loser's full enrichment block first.
func (s *Store) DedupVodStreams(ctx context.Context, providerID string) error {
	return s.dedupEnrichable(ctx, "vod_streams", "external_stream_id", providerID)
}

// dedupEnrichable implements the shared collapse-and-donate algorithm used by
// both VOD and series dedup.
func (s *Store) dedupEnrichable(ctx context.Context, table, extCol, providerID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, `+extCol+`, updated_at, enrich_status FROM `+table+` WHERE provider_id = ?`, providerID)
	if err != nil {
		return err
	}
	type row struct {
		id        string
		extID     int64
		updatedAt time.Time
		status    string
	}
	groups := map[int64][]row{}
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.extID, &r.updatedAt, &r.status); err != nil {
			rows.Close()
			return err
		}
		groups[r.extID] = append(groups[r.extID], r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, g := range groups {
			if len(g) < 2 {
				continue
			}
			sort.Slice(g, func(i, j int) bool {
				if !g[i].updatedAt.Equal(g[j].updatedAt) {
					return g[i].updatedAt.After(g[j].updatedAt)
				}
				return g[i].id > g[j].id
			})
			winner := g[0]
			if winner.status != string(model.StatusSynced) {
				for _, loser := range g[1:] {
					if loser.status == string(model.StatusSynced) {
						if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET
							title = l.title, overview = l.overview, release_date = l.release_date, genres = l.genres,
							vote_average = l.vote_average, poster_path = l.poster_path, backdrop_path = l.backdrop_path,
							raw_payload = l.raw_payload, enrich_status = l.enrich_status, enrich_last_sync = l.enrich_last_sync,
							enrich_error_kind = l.enrich_error_kind, enrich_error_text = l.enrich_error_text,
							enrich_fail_count = l.enrich_fail_count, metadata_id = l.metadata_id
							FROM (SELECT * FROM `+table+` WHERE id = ?) AS l WHERE `+table+`.id = ?`, loser.id, winner.id); err != nil {
							return err
						}
						break
					}
				}
			}
			for _, loser := range g[1:] {
				if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, loser.id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// EligibleVodStream is a candidate row for metadata enrichment. NormalizedName
// is an optional operator-supplied override of Name (same idea as
// live_streams.normalized_name); when present it is tried as a second search
// candidate.
type EligibleVodStream struct {
	ID             string
	ProviderID     string
	Name           string
	NormalizedName string
	Enrich         model.EnrichState
}

// CandidateTitles returns the titles to try against the metadata search
// endpoint, in order: Name first, then NormalizedName if it is set and
// differs from Name. The first candidate to yield a result wins.
func (r EligibleVodStream) CandidateTitles() []string {
	titles := []string{r.Name}
	if r.NormalizedName != "" && r.NormalizedName != r.Name {
		titles = append(titles, r.NormalizedName)
	}
	return titles
}

// ListEligibleVodCandidates orders by (last_sync asc nullsfirst, created_at
// asc) and returns up to overfetch rows; the caller applies the eligibility
// predicate and keeps the first target-sized slice.
func (s *Store) ListEligibleVodCandidates(ctx context.Context, overfetch int) ([]EligibleVodStream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, name, normalized_name, enrich_status, enrich_last_sync, enrich_error_kind, enrich_error_text, enrich_fail_count, metadata_id
		FROM vod_streams WHERE active = 1
		ORDER BY (enrich_last_sync IS NOT NULL), enrich_last_sync ASC, created_at ASC
		LIMIT ?`, overfetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEligible(rows)
}

func scanEligible(rows *sql.Rows) ([]EligibleVodStream, error) {
	var out []EligibleVodStream
	for rows.Next() {
		var r EligibleVodStream
		var normalizedName sql.NullString
		var lastSync sql.NullTime
		var errKind, errText sql.NullString
		var metadataID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ProviderID, &r.Name, &normalizedName, &r.Enrich.Status, &lastSync, &errKind, &errText, &r.Enrich.FailCount, &metadataID); err != nil {
			return nil, err
		}
		r.NormalizedName = normalizedName.String
		if lastSync.Valid {
			r.Enrich.LastSync = &lastSync.Time
		}
		r.Enrich.ErrorKind = model.ErrorKind(errKind.String)
		r.Enrich.ErrorText = errText.String
		if metadataID.Valid {
			r.Enrich.MetadataID = &metadataID.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VodHydration is the write side of a successful hydrate.
type VodHydration struct {
	MetadataID   int64
	Title        string
	Overview     string
	ReleaseDate  string
	Genres       []string
	VoteAverage  float64
	PosterPath   string
	BackdropPath string
	RawPayload   []byte
}

// WriteVodSynced stores a successful hydration and clears error state.
func (s *Store) WriteVodSynced(ctx context.Context, id string, h VodHydration, now time.Time) error {
	genresJSON, _ := json.Marshal(h.Genres)
	_, err := s.db.ExecContext(ctx, `UPDATE vod_streams SET
		metadata_id = ?, title = ?, overview = ?, release_date = ?, genres = ?, vote_average = ?,
		poster_path = ?, backdrop_path = ?, raw_payload = ?,
		enrich_status = ?, enrich_last_sync = ?, enrich_error_kind = NULL, enrich_error_text = NULL, enrich_fail_count = 0,
		updated_at = ?
		WHERE id = ?`,
		h.MetadataID, h.Title, h.Overview, h.ReleaseDate, string(genresJSON), h.VoteAverage,
		h.PosterPath, h.BackdropPath, h.RawPayload, model.StatusSynced, now, now, id)
	return err
}

// WriteVodFailure records a failed enrichment attempt, transitioning the
// row's enrich status to missing or failed.
func (s *Store) WriteVodFailure(ctx context.Context, id string, status model.EnrichStatus, kind model.ErrorKind, text string, failCount int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE vod_streams SET
		enrich_status = ?, enrich_last_sync = ?, enrich_error_kind = ?, enrich_error_text = ?, enrich_fail_count = ?, updated_at = ?
		WHERE id = ?`, status, now, kind, text, failCount, now, id)
	return err
}
