// Package collectioncache is the L2 Collection Cache Engine:
// materializes page-1..N of a curated Collection by calling the metadata API
// with source-specific parameters, caches the raw payload keyed by
// (collection_id, page), and serves it with stale-while-revalidate
// semantics. A background sweep refreshes every expired, enabled row.
//
// Grounded on internal/metadataclient's Trending/List/Discover/Collection
// calls (the source dispatch table) and internal/enrich's per-item isolation
// idiom, generalized here to per-row isolation in the sweep.
package collectioncache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/mediacatalog/catalogd/internal/metadataclient"
	"github.com/mediacatalog/catalogd/internal/metrics"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/providerclient"
	"github.com/mediacatalog/catalogd/internal/store"
)

const defaultTTL = time.Hour

// discoverSortWhitelist is the set of sort_by values /discover/{kind} accepts
//.
var discoverSortWhitelist = map[string]bool{
	"popularity.desc":             true,
	"popularity.asc":              true,
	"vote_average.desc":           true,
	"vote_average.asc":            true,
	"release_date.desc":           true,
	"release_date.asc":            true,
	"primary_release_date.desc":   true,
	"primary_release_date.asc":    true,
	"first_air_date.desc":         true,
	"first_air_date.asc":          true,
}

// discoverFilterWhitelist is the per-kind set of extra filter keys
// /discover/{kind} accepts, beyond sort_by/page.
var discoverFilterWhitelist = map[string]map[string]bool{
	"movie": {
		"vote_count.gte":          true,
		"with_genres":             true,
		"primary_release_date.gte": true,
		"primary_release_date.lte": true,
		"with_original_language":  true,
	},
	"tv": {
		"vote_count.gte":         true,
		"with_genres":            true,
		"first_air_date.gte":     true,
		"first_air_date.lte":     true,
		"with_original_language": true,
	},
}

// invalidErr marks a filter/dispatch error as the "invalid" error kind spec
// §4.5 names ("unknown keys are rejected with invalid").
type invalidErr struct{ msg string }

func (e *invalidErr) Error() string { return e.msg }

func invalid(format string, a ...any) error { return &invalidErr{fmt.Sprintf(format, a...)} }

// IsInvalid reports whether err is a rejected-filter/dispatch error.
func IsInvalid(err error) bool {
	_, ok := err.(*invalidErr)
	return ok
}

// ServeResult is the outcome of one Serve call.
type ServeResult struct {
	Payload  []byte
	Cached   bool
	Stale    bool
	ExpireAt time.Time
}

// Engine drives collection cache reads and refreshes.
type Engine struct {
	Store  *store.Store
	Client *metadataclient.Client

	// mu guards refreshing, which de-dupes concurrent background-refresh
	// schedules for the same (collection, page) fingerprint.
	mu         sync.Mutex
	refreshing map[string]bool
}

// NewEngine returns an Engine ready to serve.
func NewEngine(s *store.Store, c *metadataclient.Client) *Engine {
	return &Engine{Store: s, Client: c, refreshing: make(map[string]bool)}
}

func fingerprint(collectionID string, page int) string {
	return collectionID + "|" + strconv.Itoa(page)
}

// Serve implements the cache/serve/refresh decision for one (collection,
// page) request: a fresh hit returns immediately, a stale hit triggers a
// background refresh when staleWhileRevalidate is set, and a miss or a
// disallowed-stale hit refreshes synchronously.
func (e *Engine) Serve(ctx context.Context, col model.Collection, page int, staleWhileRevalidate bool) (ServeResult, error) {
	now := time.Now().UTC()
	cached, err := e.Store.GetCollectionCache(ctx, col.ID, page)
	switch {
	case err == nil:
		if cached.ExpiresAt.After(now) {
			metrics.CollectionCacheHits.WithLabelValues("fresh").Inc()
			return ServeResult{Payload: cached.Payload, Cached: true, Stale: false, ExpireAt: cached.ExpiresAt}, nil
		}
		if staleWhileRevalidate {
			metrics.CollectionCacheHits.WithLabelValues("stale").Inc()
			e.scheduleRefresh(col, page)
			return ServeResult{Payload: cached.Payload, Cached: true, Stale: true, ExpireAt: cached.ExpiresAt}, nil
		}
		// fall through to a synchronous refetch below
	case err == sql.ErrNoRows:
		metrics.CollectionCacheHits.WithLabelValues("miss").Inc()
	default:
		return ServeResult{}, err
	}

	payload, expiresAt, err := e.refresh(ctx, col, page, now)
	if err != nil {
		metrics.TmdbErrors.Inc()
		return ServeResult{Payload: []byte("{}"), Cached: false}, nil
	}
	return ServeResult{Payload: payload, Cached: false, ExpireAt: expiresAt}, nil
}

// scheduleRefresh runs a background refresh for (col, page), skipping if one
// is already in flight for the same fingerprint.
func (e *Engine) scheduleRefresh(col model.Collection, page int) {
	fp := fingerprint(col.ID, page)
	e.mu.Lock()
	if e.refreshing[fp] {
		e.mu.Unlock()
		return
	}
	e.refreshing[fp] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.refreshing, fp)
			e.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, _, err := e.refresh(ctx, col, page, time.Now().UTC()); err != nil {
			metrics.TmdbErrors.Inc()
			log.Printf("collectioncache: background refresh collection=%s page=%d: %v", col.ID, page, err)
		}
	}()
}

// refresh fetches upstream, builds the augmented payload, and upserts the
// cache row.
func (e *Engine) refresh(ctx context.Context, col model.Collection, page int, now time.Time) ([]byte, time.Time, error) {
	raw, err := e.fetchUpstream(ctx, col, page)
	if err != nil {
		return nil, time.Time{}, err
	}
	payload, err := e.augment(ctx, raw)
	if err != nil {
		return nil, time.Time{}, err
	}
	ttl := time.Duration(col.CacheTTLS) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	expiresAt := now.Add(ttl)
	if err := e.Store.UpsertCollectionCache(ctx, col.ID, page, payload, expiresAt); err != nil {
		return nil, time.Time{}, err
	}
	return payload, expiresAt, nil
}

// fetchUpstream dispatches to the metadata client by SourceType, validating
// filters against the allowed set for that source.
func (e *Engine) fetchUpstream(ctx context.Context, col model.Collection, page int) ([]byte, error) {
	switch col.SourceType {
	case "trending":
		timeWindow := stringFilter(col.Filters, "time_window", "day")
		if timeWindow != "day" && timeWindow != "week" {
			return nil, invalid("trending: time_window must be day or week, got %q", timeWindow)
		}
		kind := stringFilter(col.Filters, "kind", "all")
		if kind != "all" && kind != "movie" && kind != "tv" {
			return nil, invalid("trending: kind must be all/movie/tv, got %q", kind)
		}
		return e.Client.Trending(ctx, kind, timeWindow, page)

	case "list":
		kind := stringFilter(col.Filters, "kind", "")
		if kind != "movie" && kind != "tv" {
			return nil, invalid("list: kind must be movie or tv, got %q", kind)
		}
		listKey := stringFilter(col.Filters, "list_key", "")
		if listKey == "" {
			return nil, invalid("list: list_key is required")
		}
		return e.Client.List(ctx, kind, listKey, page)

	case "discover":
		kind := stringFilter(col.Filters, "kind", "")
		if kind != "movie" && kind != "tv" {
			return nil, invalid("discover: kind must be movie or tv, got %q", kind)
		}
		filters, err := buildDiscoverFilters(kind, col.Filters)
		if err != nil {
			return nil, err
		}
		return e.Client.Discover(ctx, kind, filters, page)

	case "collection":
		if page != 1 {
			return nil, invalid("collection: page must be 1, got %d", page)
		}
		if col.SourceID == "" {
			return nil, invalid("collection: source_id is required")
		}
		return e.Client.Collection(ctx, col.SourceID)

	default:
		return nil, invalid("unknown source_type %q", col.SourceType)
	}
}

func stringFilter(filters map[string]any, key, def string) string {
	if filters == nil {
		return def
	}
	if v, ok := filters[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// buildDiscoverFilters translates a Collection's filters map into whitelisted
// /discover query values, requiring vote_count.gte whenever sort_by is
// vote_average.desc so a handful of high-scoring, low-vote titles can't
// dominate the results.
func buildDiscoverFilters(kind string, filters map[string]any) (map[string][]string, error) {
	allowed := discoverFilterWhitelist[kind]
	out := map[string][]string{}
	sortBy := ""
	for k, v := range filters {
		if k == "kind" || k == "time_window" {
			continue
		}
		if k == "sort_by" {
			s, _ := v.(string)
			if !discoverSortWhitelist[s] {
				return nil, invalid("discover: sort_by %q is not whitelisted", s)
			}
			sortBy = s
			out["sort_by"] = []string{s}
			continue
		}
		if !allowed[k] {
			return nil, invalid("discover: filter key %q is not whitelisted for kind %q", k, kind)
		}
		out[k] = []string{fmt.Sprintf("%v", v)}
	}
	if sortBy == "vote_average.desc" {
		vc, ok := out["vote_count.gte"]
		minOK := false
		if ok && len(vc) == 1 {
			if n, err := strconv.Atoi(vc[0]); err == nil && n >= 50 {
				minOK = true
			}
		}
		if !minOK {
			return nil, invalid("discover: sort_by=vote_average.desc requires vote_count.gte >= 50")
		}
	}
	return out, nil
}

// upstreamItem is the subset of a TMDB-shaped list/discover/trending/
// collection item this engine needs before local augmentation.
type upstreamItem struct {
	ID               int64   `json:"id"`
	MediaType        string  `json:"media_type"`
	Title            string  `json:"title"`
	Name             string  `json:"name"`
	Overview         string  `json:"overview"`
	PosterPath       string  `json:"poster_path"`
	BackdropPath     string  `json:"backdrop_path"`
	VoteAverage      float64 `json:"vote_average"`
	ReleaseDate      string  `json:"release_date"`
	FirstAirDate     string  `json:"first_air_date"`
	OriginalLanguage string  `json:"original_language"`
}

// augmentedItem is one row of the cached payload served to viewers.
type augmentedItem struct {
	MetadataID       int64    `json:"metadata_id"`
	Kind             string   `json:"kind"`
	Title            string   `json:"title"`
	Overview         string   `json:"overview"`
	PosterPath       string   `json:"poster_path"`
	BackdropPath     string   `json:"backdrop_path"`
	VoteAverage      float64  `json:"vote_average"`
	OriginalLanguage string   `json:"original_language"`
	LocalID          string   `json:"local_id"`
	StreamURL        string   `json:"stream_url"`
	CastNames        []string `json:"cast_names,omitempty"`
}

type augmentedPayload struct {
	Items []augmentedItem `json:"items"`
}

// augment parses a raw upstream response (results[] or parts[]) and joins
// each item against a locally synced VodStream/SeriesItem; items with no
// local match are omitted.
func (e *Engine) augment(ctx context.Context, raw []byte) ([]byte, error) {
	var env struct {
		Results []upstreamItem `json:"results"`
		Parts   []upstreamItem `json:"parts"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("collectioncache: decode upstream payload: %w", err)
	}
	items := env.Results
	if len(items) == 0 {
		items = env.Parts
	}

	out := augmentedPayload{Items: make([]augmentedItem, 0, len(items))}
	for _, it := range items {
		kind := it.MediaType
		if kind == "" {
			if it.Name != "" && it.Title == "" {
				kind = "tv"
			} else {
				kind = "movie"
			}
		}
		if kind != "movie" && kind != "tv" {
			continue // "person" results from mixed trending feeds, e.g.
		}

		var match store.LocalMatch
		var err error
		if kind == "movie" {
			match, err = e.Store.FindSyncedVodByMetadataID(ctx, it.ID)
		} else {
			match, err = e.Store.FindSyncedSeriesByMetadataID(ctx, it.ID)
		}
		if err != nil {
			continue // no local copy; omit from the payload
		}

		title := it.Title
		if title == "" {
			title = it.Name
		}
		streamURL := ""
		if kind == "movie" {
			streamURL = providerclient.VodStreamURL(match.BaseURL, match.Username, match.Password, match.ExternalID, match.ContainerExt)
		}
		out.Items = append(out.Items, augmentedItem{
			MetadataID:       it.ID,
			Kind:             kind,
			Title:            title,
			Overview:         it.Overview,
			PosterPath:       it.PosterPath,
			BackdropPath:     it.BackdropPath,
			VoteAverage:      match.VoteAverage,
			OriginalLanguage: it.OriginalLanguage,
			LocalID:          match.LocalID,
			StreamURL:        streamURL,
			CastNames:        topCastNames(match.RawPayload, 10),
		})
	}
	return json.Marshal(out)
}

// topCastNames extracts up to n cast member names from a stored detail's raw
// JSON, fetched with append_to_response=credits.
func topCastNames(rawPayload []byte, n int) []string {
	if len(rawPayload) == 0 {
		return nil
	}
	var doc struct {
		Credits struct {
			Cast []struct {
				Name string `json:"name"`
			} `json:"cast"`
		} `json:"credits"`
	}
	if err := json.Unmarshal(rawPayload, &doc); err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i, c := range doc.Credits.Cast {
		if i >= n {
			break
		}
		if c.Name != "" {
			out = append(out, c.Name)
		}
	}
	return out
}

// RunSweep refreshes every expired, enabled cache row as a background
// refresh job, isolating per-row failures.
func (e *Engine) RunSweep(ctx context.Context) (refreshed, failed int) {
	expired, err := e.Store.ListExpiredCollectionCaches(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("collectioncache: sweep list expired: %v", err)
		return 0, 0
	}
	cols, err := e.Store.ListEnabledCollections(ctx)
	if err != nil {
		log.Printf("collectioncache: sweep list collections: %v", err)
		return 0, 0
	}
	byID := make(map[string]model.Collection, len(cols))
	for _, c := range cols {
		byID[c.ID] = c
	}

	for _, row := range expired {
		col, ok := byID[row.CollectionID]
		if !ok {
			continue
		}
		if _, _, err := e.refresh(ctx, col, row.Page, time.Now().UTC()); err != nil {
			metrics.TmdbErrors.Inc()
			log.Printf("collectioncache: sweep refresh collection=%s page=%d: %v", col.ID, row.Page, err)
			failed++
			continue
		}
		refreshed++
	}
	return refreshed, failed
}
