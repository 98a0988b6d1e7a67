package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// CreateEpgSource inserts a new, editor-managed EpgSource.
func (s *Store) CreateEpgSource(ctx context.Context, name, url string, active bool) (model.EpgSource, error) {
	now := time.Now().UTC()
	e := model.EpgSource{ID: uuid.NewString(), Name: name, URL: url, Active: active, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, `INSERT INTO epg_sources(id, name, url, active, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.Name, e.URL, e.Active, e.CreatedAt, e.UpdatedAt)
	return e, err
}

// ListActiveEpgSources returns every EpgSource with active = true.
func (s *Store) ListActiveEpgSources(ctx context.Context) ([]model.EpgSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, active, created_at, updated_at FROM epg_sources WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EpgSource
	for rows.Next() {
		var e model.EpgSource
		if err := rows.Scan(&e.ID, &e.Name, &e.URL, &e.Active, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEpgChannel locates or creates an EpgChannel under a source by xmltv
// id, updating display_name/icon on change.
func (s *Store) UpsertEpgChannel(ctx context.Context, tx *sql.Tx, sourceID, xmltvID, displayName, iconURL string) (string, error) {
	var id string
	var curName, curIcon string
	err := tx.QueryRowContext(ctx, `SELECT id, display_name, icon_url FROM epg_channels WHERE source_id = ? AND xmltv_id = ?`, sourceID, xmltvID).Scan(&id, &curName, &curIcon)
	now := time.Now().UTC()
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, `INSERT INTO epg_channels(id, source_id, xmltv_id, display_name, icon_url, created_at, updated_at) VALUES (?,?,?,?,?,?,?)`,
			id, sourceID, xmltvID, displayName, iconURL, now, now)
		return id, err
	case err != nil:
		return "", err
	default:
		if curName != displayName || curIcon != iconURL {
			_, err = tx.ExecContext(ctx, `UPDATE epg_channels SET display_name = ?, icon_url = ?, updated_at = ? WHERE id = ?`, displayName, iconURL, now, id)
		}
		return id, err
	}
}

// PurgeEpgPrograms deletes every EpgProgram belonging to source: the purge
// half of ingest's purge-and-reload.
func (s *Store) PurgeEpgPrograms(ctx context.Context, tx *sql.Tx, sourceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM epg_programs WHERE epg_source_id = ?`, sourceID)
	return err
}

// InsertEpgProgram inserts one program; (channel, start) collisions are
// ignored.
func (s *Store) InsertEpgProgram(ctx context.Context, tx *sql.Tx, sourceID, channelID string, start, stop time.Time, title, description, category string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO epg_programs(id, channel_id, epg_source_id, start_at, stop_at, title, description, category, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(channel_id, start_at) DO NOTHING`,
		uuid.NewString(), channelID, sourceID, start, stop, title, description, category, time.Now().UTC())
	return err
}

// WithTx exposes a transaction to callers that need to group purge+reload
// atomically (the per-source ingest lock guarantees exclusivity; the
// transaction guarantees atomicity against concurrent readers).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// ListEpgChannelsBySource returns every EpgChannel under a source, the
// candidate set for auto-match.
func (s *Store) ListEpgChannelsBySource(ctx context.Context, sourceID string) ([]model.EpgChannel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, xmltv_id, display_name, icon_url, created_at, updated_at
		FROM epg_channels WHERE source_id = ?`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EpgChannel
	for rows.Next() {
		var c model.EpgChannel
		if err := rows.Scan(&c.ID, &c.SourceID, &c.XMLTVID, &c.DisplayName, &c.IconURL, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DescriptionSource is one (title key -> overview) row used to backfill
// programs with no description.
type DescriptionSource struct {
	Name           string
	NormalizedName string
	MetadataTitle  string
	MetadataOverview string
}

// ListDescriptionSources returns the (name, normalized_name, title, overview)
// tuples from synced VodStream and SeriesItem rows, built once per ingest.
func (s *Store) ListDescriptionSources(ctx context.Context) ([]DescriptionSource, error) {
	var out []DescriptionSource
	for _, table := range []string{"vod_streams", "series_items"} {
		rows, err := s.db.QueryContext(ctx, `SELECT name, title, overview FROM `+table+` WHERE enrich_status = 'synced' AND overview != ''`)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var d DescriptionSource
			if err := rows.Scan(&d.Name, &d.MetadataTitle, &d.MetadataOverview); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
