// Package model holds the shared domain types persisted by internal/store and
// operated on by the catalog synchronizer, enrichment pipeline, EPG ingest
// engine, and collection cache engine.
package model

import "time"

// Kind distinguishes the three typed buckets a Category/stream can belong to.
type Kind string

const (
	KindLive   Kind = "live"
	KindVOD    Kind = "vod"
	KindSeries Kind = "series"
)

// EnrichStatus is the per-item metadata enrichment state.
type EnrichStatus string

const (
	StatusMissing EnrichStatus = "missing"
	StatusSynced  EnrichStatus = "synced"
	StatusFailed  EnrichStatus = "failed"
)

// ErrorKind is the shared error taxonomy produced by internal/httpfetch and
// consumed by the enrichment cooldown arithmetic and structured logs.
type ErrorKind string

const (
	ErrOK          ErrorKind = "ok"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrServer      ErrorKind = "server"
	ErrTimeout     ErrorKind = "timeout"
	ErrNetwork     ErrorKind = "network"
	ErrAuth        ErrorKind = "auth"
	ErrNotFound    ErrorKind = "not_found"
	ErrInvalid     ErrorKind = "invalid"
	ErrUnknown     ErrorKind = "unknown"
)

// Retryable reports whether the fetcher should retry a request that failed
// with this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRateLimited, ErrServer, ErrTimeout, ErrNetwork:
		return true
	default:
		return false
	}
}

// Provider is an upstream Xtream-style IPTV account.
type Provider struct {
	ID        string
	Name      string
	BaseURL   string
	Username  string
	Password  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProviderUser is a multi-tenant credential pair under a Provider, minted
// with a short collision-checked unique code.
type ProviderUser struct {
	ID         string
	ProviderID string
	UniqueCode string // 6 alphanumeric chars; "ADMIN" is a distinguished alias
	Username   string
	Password   string
	CreatedAt  time.Time
}

// Category is a typed bucket under a Provider, keyed by (provider, kind, ext id).
type Category struct {
	ID         string
	ProviderID string
	Kind       Kind
	ExternalID int64
	Name       string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LiveStream is a channel under a Provider.
type LiveStream struct {
	ID               string
	ProviderID       string
	ExternalStreamID int64
	CategoryExtID    int64
	Name             string
	IconURL          string
	Active           bool
	Approved         bool
	ChannelNumber    *int
	NormalizedName   string
	CustomLogoURL    string
	Alt1StreamID     *string
	Alt2StreamID     *string
	Alt3StreamID     *string
	EPGSourceID      *string
	EPGChannelID     string // xmltv id
	EPGTimeOffsetMin int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EnrichState is the metadata enrichment state carried by VodStream/SeriesItem.
type EnrichState struct {
	Status     EnrichStatus
	LastSync   *time.Time
	ErrorKind  ErrorKind
	ErrorText  string
	FailCount  int
	MetadataID *int64
}

// VodStream is a movie under a Provider.
type VodStream struct {
	ID                 string
	ProviderID         string
	ExternalStreamID    int64
	CategoryExtID       int64
	Name                string
	ContainerExt        string
	IconURL             string
	Active              bool
	Title               string
	Overview            string
	ReleaseDate         string
	Genres              []string
	VoteAverage         float64
	PosterPath          string
	BackdropPath        string
	RawPayload          []byte
	Enrich              EnrichState
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SeriesItem is a TV show under a Provider.
type SeriesItem struct {
	ID               string
	ProviderID       string
	ExternalSeriesID int64
	CategoryExtID    int64
	Name             string
	IconURL          string
	Active           bool
	Title            string
	Overview         string
	ReleaseDate      string
	Genres           []string
	VoteAverage      float64
	PosterPath       string
	BackdropPath     string
	RawPayload       []byte
	Enrich           EnrichState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Season is owned by a SeriesItem.
type Season struct {
	ID         string
	SeriesID   string
	Number     int
	CreatedAt  time.Time
}

// Episode is owned by a Season.
type Episode struct {
	ID               string
	SeasonID         string
	ExternalEpisodeID int64
	Title            string
	ContainerExt     string
	DurationSecs     int
	RawPayload       []byte
	CreatedAt        time.Time
}

// EpgSource is an XMLTV feed.
type EpgSource struct {
	ID        string
	Name      string
	URL       string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpgChannel is a channel under an EpgSource.
type EpgChannel struct {
	ID          string
	SourceID    string
	XMLTVID     string
	DisplayName string
	IconURL     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EpgProgram is one show in the grid.
type EpgProgram struct {
	ID          string
	ChannelID   string
	EpgSourceID string // denormalized, for bulk purge
	Start       time.Time
	Stop        time.Time
	Title       string
	Description string
	Category    string
	CreatedAt   time.Time
}

// MetadataConfig is the singleton external metadata API configuration; see
// SPEC_FULL.md REDESIGN FLAGS §2 for why the Go-facing name drops the TMDB_
// prefix kept by the env vars.
type MetadataConfig struct {
	Enabled  bool
	Token    string
	APIKey   string
	Language string
	Region   string
	RPS      float64
}

// Collection is a curated home-screen row.
type Collection struct {
	ID         string
	Slug       string
	Name       string
	SourceType string // trending | list | discover | collection
	SourceID   string
	Filters    map[string]any
	CacheTTLS  int
	Enabled    bool
	OrderIndex int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CollectionCache is a cached page of a Collection's materialized items.
type CollectionCache struct {
	CollectionID string
	Page         int
	Payload      []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProviderAutoSyncConfig is the per-provider sync schedule.
type ProviderAutoSyncConfig struct {
	ProviderID      string
	IntervalMinutes int
	LastRunAt       *time.Time
}
