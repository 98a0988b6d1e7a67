package store

import "context"

const schemaVersion = 1

// migrate applies the full schema. A tiny embedded migration runner — not a
// framework — scaled down to this repo's single-binary deployment: there is
// one CREATE-IF-NOT-EXISTS pass rather than a versioned chain of migrations.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_users (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	unique_code TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_auto_sync_config (
	provider_id TEXT PRIMARY KEY REFERENCES providers(id),
	interval_minutes INTEGER NOT NULL,
	last_run_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS categories (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	kind TEXT NOT NULL,
	external_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(provider_id, kind, external_id)
);

CREATE TABLE IF NOT EXISTS live_streams (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	external_stream_id INTEGER NOT NULL,
	category_ext_id INTEGER,
	name TEXT NOT NULL,
	icon_url TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	approved INTEGER NOT NULL DEFAULT 0,
	channel_number INTEGER,
	normalized_name TEXT,
	custom_logo_url TEXT,
	alt1_stream_id TEXT,
	alt2_stream_id TEXT,
	alt3_stream_id TEXT,
	epg_source_id TEXT,
	epg_channel_id TEXT,
	epg_time_offset_min INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(provider_id, external_stream_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_live_streams_channel_number
	ON live_streams(provider_id, channel_number) WHERE channel_number IS NOT NULL;

CREATE TABLE IF NOT EXISTS vod_streams (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	external_stream_id INTEGER NOT NULL,
	category_ext_id INTEGER,
	name TEXT NOT NULL,
	normalized_name TEXT,
	container_ext TEXT,
	icon_url TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	title TEXT,
	overview TEXT,
	release_date TEXT,
	genres TEXT, -- JSON array
	vote_average REAL,
	poster_path TEXT,
	backdrop_path TEXT,
	raw_payload BLOB,
	enrich_status TEXT NOT NULL DEFAULT 'missing',
	enrich_last_sync TIMESTAMP,
	enrich_error_kind TEXT,
	enrich_error_text TEXT,
	enrich_fail_count INTEGER NOT NULL DEFAULT 0,
	metadata_id INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(provider_id, external_stream_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_vod_streams_metadata
	ON vod_streams(provider_id, metadata_id) WHERE metadata_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_vod_streams_eligibility
	ON vod_streams(enrich_status, enrich_last_sync);

CREATE TABLE IF NOT EXISTS series_items (
	id TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL REFERENCES providers(id),
	external_series_id INTEGER NOT NULL,
	category_ext_id INTEGER,
	name TEXT NOT NULL,
	normalized_name TEXT,
	icon_url TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	title TEXT,
	overview TEXT,
	release_date TEXT,
	genres TEXT,
	vote_average REAL,
	poster_path TEXT,
	backdrop_path TEXT,
	raw_payload BLOB,
	enrich_status TEXT NOT NULL DEFAULT 'missing',
	enrich_last_sync TIMESTAMP,
	enrich_error_kind TEXT,
	enrich_error_text TEXT,
	enrich_fail_count INTEGER NOT NULL DEFAULT 0,
	metadata_id INTEGER,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(provider_id, external_series_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_series_items_metadata
	ON series_items(provider_id, metadata_id) WHERE metadata_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_series_items_eligibility
	ON series_items(enrich_status, enrich_last_sync);

CREATE TABLE IF NOT EXISTS seasons (
	id TEXT PRIMARY KEY,
	series_id TEXT NOT NULL REFERENCES series_items(id),
	number INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(series_id, number)
);

CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	season_id TEXT NOT NULL REFERENCES seasons(id),
	external_episode_id INTEGER NOT NULL,
	title TEXT,
	container_ext TEXT,
	duration_secs INTEGER,
	raw_payload BLOB,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(season_id, external_episode_id)
);

CREATE TABLE IF NOT EXISTS epg_sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS epg_channels (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES epg_sources(id),
	xmltv_id TEXT NOT NULL,
	display_name TEXT NOT NULL,
	icon_url TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(source_id, xmltv_id)
);

CREATE TABLE IF NOT EXISTS epg_programs (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES epg_channels(id),
	epg_source_id TEXT NOT NULL,
	start_at TIMESTAMP NOT NULL,
	stop_at TIMESTAMP NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	category TEXT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(channel_id, start_at)
);
CREATE INDEX IF NOT EXISTS idx_epg_programs_source ON epg_programs(epg_source_id);

CREATE TABLE IF NOT EXISTS metadata_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enabled INTEGER NOT NULL DEFAULT 0,
	token TEXT,
	api_key TEXT,
	language TEXT NOT NULL DEFAULT 'en-US',
	region TEXT,
	rps REAL NOT NULL DEFAULT 4
);

CREATE TABLE IF NOT EXISTS collections (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT,
	filters TEXT, -- JSON object
	cache_ttl_s INTEGER,
	enabled INTEGER NOT NULL DEFAULT 1,
	order_index INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_cache (
	collection_id TEXT NOT NULL REFERENCES collections(id),
	page INTEGER NOT NULL,
	payload BLOB,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection_id, page)
);
`)
	if err != nil {
		return err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err = s.db.ExecContext(ctx, `INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion)
	}
	return err
}
