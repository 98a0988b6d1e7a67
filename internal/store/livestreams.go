package store

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mediacatalog/catalogd/internal/model"
)

// UpsertLiveStreamInput is the upstream-observed shape for one live channel.
type UpsertLiveStreamInput struct {
	ExternalStreamID int64
	CategoryExtID    int64
	Name             string
	IconURL          string
	EPGChannelID     string // upstream's tvg/epg_channel_id hint, not a binding
	ChannelNumber    int
}

// UpsertLiveStream locates an existing row by (provider, ext_id), updates its
// mutable fields, or inserts a new one. Returns the row's id. The upstream
// epg_channel_id is stored only as a naming hint; binding to an actual
// EpgChannel is done by internal/epgmatch, not here.
func (s *Store) UpsertLiveStream(ctx context.Context, providerID string, in UpsertLiveStreamInput) (string, error) {
	var id string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var channelNumber *int64
		if in.ChannelNumber > 0 {
			n := int64(in.ChannelNumber)
			channelNumber = &n
		}
		err := tx.QueryRowContext(ctx, `SELECT id FROM live_streams WHERE provider_id = ? AND external_stream_id = ?`, providerID, in.ExternalStreamID).Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `INSERT INTO live_streams(id, provider_id, external_stream_id, category_ext_id, name, icon_url, channel_number, active, created_at, updated_at)
				VALUES (?,?,?,?,?,?,?,1,?,?)`, id, providerID, in.ExternalStreamID, in.CategoryExtID, in.Name, in.IconURL, channelNumber, now, now)
			return err
		case err != nil:
			return err
		default:
			_, err = tx.ExecContext(ctx, `UPDATE live_streams SET name = ?, icon_url = ?, category_ext_id = ?, active = 1, updated_at = ? WHERE id = ?`,
				in.Name, in.IconURL, in.CategoryExtID, now, id)
			return err
		}
	})
	return id, err
}

// DeactivateMissingLiveStreams marks inactive every active live stream of the
// provider whose external id was not in the set just synced, but only when
// deactivateMissing is true.
func (s *Store) DeactivateMissingLiveStreams(ctx context.Context, providerID string, seenExtIDs map[int64]bool, deactivateMissing bool) error {
	if !deactivateMissing {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, external_stream_id FROM live_streams WHERE provider_id = ? AND active = 1`, providerID)
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
		if _, err := s.db.ExecContext(ctx, `UPDATE live_streams SET active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return err
		}
	}
	return nil
}

// DedupLiveStreams collapses rows sharing (provider, external_stream_id),
// keeping the winner per the tie-break (updated_at desc, id desc) and
// deleting the rest.
func (s *Store) DedupLiveStreams(ctx context.Context, providerID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, external_stream_id, updated_at FROM live_streams WHERE provider_id = ?`, providerID)
	if err != nil {
		return err
	}
	type row struct {
		id        string
		extID     int64
		updatedAt time.Time
	}
	groups := map[int64][]row{}
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.extID, &r.updatedAt); err != nil {
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
			for _, loser := range g[1:] {
				if _, err := tx.ExecContext(ctx, `DELETE FROM live_streams WHERE id = ?`, loser.id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetLiveStream loads a single live stream row.
func (s *Store) GetLiveStream(ctx context.Context, id string) (model.LiveStream, error) {
	var ls model.LiveStream
	var channelNumber sql.NullInt64
	var alt1, alt2, alt3, epgSourceID sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT id, provider_id, external_stream_id, category_ext_id, name, icon_url, active, approved,
		channel_number, normalized_name, custom_logo_url, alt1_stream_id, alt2_stream_id, alt3_stream_id,
		epg_source_id, epg_channel_id, epg_time_offset_min, created_at, updated_at FROM live_streams WHERE id = ?`, id)
	if err := row.Scan(&ls.ID, &ls.ProviderID, &ls.ExternalStreamID, &ls.CategoryExtID, &ls.Name, &ls.IconURL, &ls.Active, &ls.Approved,
		&channelNumber, &ls.NormalizedName, &ls.CustomLogoURL, &alt1, &alt2, &alt3,
		&epgSourceID, &ls.EPGChannelID, &ls.EPGTimeOffsetMin, &ls.CreatedAt, &ls.UpdatedAt); err != nil {
		return ls, err
	}
	if channelNumber.Valid {
		n := int(channelNumber.Int64)
		ls.ChannelNumber = &n
	}
	if alt1.Valid {
		ls.Alt1StreamID = &alt1.String
	}
	if alt2.Valid {
		ls.Alt2StreamID = &alt2.String
	}
	if alt3.Valid {
		ls.Alt3StreamID = &alt3.String
	}
	if epgSourceID.Valid {
		ls.EPGSourceID = &epgSourceID.String
	}
	return ls, nil
}

// ListLiveStreamsByProvider returns active live streams for a provider,
// optionally restricted to those not yet bound to any EPG source.
func (s *Store) ListLiveStreamsByProvider(ctx context.Context, providerID string, unboundOnly bool) ([]model.LiveStream, error) {
	q := `SELECT id, provider_id, external_stream_id, category_ext_id, name, icon_url, active, approved,
		channel_number, normalized_name, custom_logo_url, alt1_stream_id, alt2_stream_id, alt3_stream_id,
		epg_source_id, epg_channel_id, epg_time_offset_min, created_at, updated_at
		FROM live_streams WHERE provider_id = ? AND active = 1`
	if unboundOnly {
		q += ` AND epg_source_id IS NULL`
	}
	rows, err := s.db.QueryContext(ctx, q, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LiveStream
	for rows.Next() {
		var ls model.LiveStream
		var channelNumber sql.NullInt64
		var alt1, alt2, alt3, epgSourceID sql.NullString
		if err := rows.Scan(&ls.ID, &ls.ProviderID, &ls.ExternalStreamID, &ls.CategoryExtID, &ls.Name, &ls.IconURL, &ls.Active, &ls.Approved,
			&channelNumber, &ls.NormalizedName, &ls.CustomLogoURL, &alt1, &alt2, &alt3,
			&epgSourceID, &ls.EPGChannelID, &ls.EPGTimeOffsetMin, &ls.CreatedAt, &ls.UpdatedAt); err != nil {
			return nil, err
		}
		if channelNumber.Valid {
			n := int(channelNumber.Int64)
			ls.ChannelNumber = &n
		}
		if alt1.Valid {
			ls.Alt1StreamID = &alt1.String
		}
		if alt2.Valid {
			ls.Alt2StreamID = &alt2.String
		}
		if alt3.Valid {
			ls.Alt3StreamID = &alt3.String
		}
		if epgSourceID.Valid {
			ls.EPGSourceID = &epgSourceID.String
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// BindLiveStreamEPG assigns (epg_source_id, epg_channel_id) on a live
// stream, from the EPG auto-match post-step.
func (s *Store) BindLiveStreamEPG(ctx context.Context, liveStreamID, epgSourceID, xmltvChannelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE live_streams SET epg_source_id = ?, epg_channel_id = ?, updated_at = ? WHERE id = ?`,
		epgSourceID, xmltvChannelID, time.Now().UTC(), liveStreamID)
	return err
}
