// Package catalogsync is the L2 Catalog Synchronizer: for each
// active Provider, periodically refreshes categories and then streams/series,
// converging the local store to the upstream's current state.
//
// Each provider's sync runs as one tick of a restart-with-backoff loop,
// fetching categories and then live/VOD/series streams one category at a
// time so a single category's failure doesn't abort the whole provider.
package catalogsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/providerclient"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
	"github.com/mediacatalog/catalogd/internal/store"
)

// DeactivateMissing controls whether a provider's sync deactivates rows
// absent from the latest response; the default leaves them active.
type DeactivateMissing struct {
	Live, VOD, Series bool
}

// Engine drives catalog sync for every active Provider on a schedule.
type Engine struct {
	Store      *store.Store
	Limiters   *ratelimit.Registry
	Deactivate DeactivateMissing
}

// NewEngine returns an Engine using the given store and per-origin limiter
// registry (one Limiter per provider base URL).
func NewEngine(s *store.Store, limiters *ratelimit.Registry) *Engine {
	return &Engine{Store: s, Limiters: limiters}
}

// CategoryResult records one category's fetch/apply outcome within a
// provider's run.
type CategoryResult struct {
	Kind       model.Kind
	ExternalID int64
	Name       string
	Count      int
	Err        string
}

// Result is one provider's sync-tick outcome.
type Result struct {
	ProviderID string
	Started    time.Time
	Finished   time.Time
	Details    []CategoryResult
	Err        error // top-level failure (e.g. categories call itself failed)
}

// RunTick computes eligible providers and syncs each in turn, isolating
// per-provider failures so one bad upstream doesn't abort the tick (spec
// §4.2 "Scheduling").
func (e *Engine) RunTick(ctx context.Context) []Result {
	now := time.Now().UTC()
	providers, err := e.Store.ListEligibleProviders(ctx, now)
	if err != nil {
		log.Printf("catalogsync: list eligible providers: %v", err)
		return nil
	}
	var results []Result
	for _, p := range providers {
		r := e.SyncProvider(ctx, p)
		results = append(results, r)
		if err := e.Store.TouchProviderAutoSync(ctx, p.ID, time.Now().UTC()); err != nil {
			log.Printf("catalogsync[%s]: touch auto sync: %v", p.Name, err)
		}
		if r.Err != nil {
			log.Printf("catalogsync[%s]: top-level failure: %v", p.Name, r.Err)
		}
	}
	return results
}

// SyncProvider runs the full categories-then-streams-then-dedup protocol for
// one Provider across all three Kinds.
func (e *Engine) SyncProvider(ctx context.Context, p model.Provider) Result {
	res := Result{ProviderID: p.ID, Started: time.Now().UTC()}
	defer func() { res.Finished = time.Now().UTC() }()

	fetcher := httpfetch.New(p.Name, 30*time.Second)
	limiter := e.Limiters.For(p.BaseURL)
	client := providerclient.New(p.BaseURL, p.Username, p.Password, fetcher, limiter)

	for _, kind := range []model.Kind{model.KindLive, model.KindVOD, model.KindSeries} {
		cats, err := client.GetCategories(ctx, kind)
		if err != nil {
			res.Err = fmt.Errorf("categories(%s): %w", kind, err)
			return res
		}
		if err := e.Store.SyncCategories(ctx, p.ID, kind, cats); err != nil {
			res.Err = fmt.Errorf("sync categories(%s): %w", kind, err)
			return res
		}
		active, err := e.Store.ListActiveCategories(ctx, p.ID, kind)
		if err != nil {
			res.Err = fmt.Errorf("list categories(%s): %w", kind, err)
			return res
		}
		for _, cat := range active {
			cr := CategoryResult{Kind: kind, ExternalID: cat.ExternalID, Name: cat.Name}
			count, err := e.syncCategory(ctx, client, p.ID, kind, cat.ExternalID)
			if err != nil {
				cr.Err = err.Error()
				log.Printf("catalogsync[%s]: category %s/%d fetch failed: %v", p.Name, kind, cat.ExternalID, err)
			}
			cr.Count = count
			res.Details = append(res.Details, cr)
		}
	}

	if err := e.Store.DedupLiveStreams(ctx, p.ID); err != nil {
		log.Printf("catalogsync[%s]: dedup live: %v", p.Name, err)
	}
	if err := e.Store.DedupVodStreams(ctx, p.ID); err != nil {
		log.Printf("catalogsync[%s]: dedup vod: %v", p.Name, err)
	}
	if err := e.Store.DedupSeries(ctx, p.ID); err != nil {
		log.Printf("catalogsync[%s]: dedup series: %v", p.Name, err)
	}
	return res
}

// syncCategory fetches and applies one category's streams/series, per kind.
// A category that fails to fetch is recorded at the caller and its existing
// rows are left untouched.
func (e *Engine) syncCategory(ctx context.Context, client *providerclient.Client, providerID string, kind model.Kind, categoryExtID int64) (int, error) {
	switch kind {
	case model.KindLive:
		rows, err := client.GetStreams(ctx, categoryExtID)
		if err != nil {
			return 0, err
		}
		seen := make(map[int64]bool, len(rows))
		for _, r := range rows {
			_, err := e.Store.UpsertLiveStream(ctx, providerID, store.UpsertLiveStreamInput{
				ExternalStreamID: r.StreamID,
				CategoryExtID:    r.CategoryExtID,
				Name:             r.Name,
				IconURL:          r.IconURL,
				EPGChannelID:     r.EPGChannelID,
				ChannelNumber:    r.ChannelNumber,
			})
			if err != nil {
				return len(seen), err
			}
			seen[r.StreamID] = true
		}
		if err := e.Store.DeactivateMissingLiveStreams(ctx, providerID, seen, e.Deactivate.Live); err != nil {
			return len(seen), err
		}
		return len(rows), nil

	case model.KindVOD:
		rows, err := client.GetVodStreams(ctx, categoryExtID)
		if err != nil {
			return 0, err
		}
		seen := make(map[int64]bool, len(rows))
		for _, r := range rows {
			_, err := e.Store.UpsertVodStream(ctx, providerID, store.UpsertVodStreamInput{
				ExternalStreamID:   r.StreamID,
				ExternalMetadataID: r.ExternalMetadataID,
				CategoryExtID:      r.CategoryExtID,
				Name:               r.Name,
				ContainerExt:       r.ContainerExt,
				IconURL:            r.IconURL,
			})
			if err != nil {
				return len(seen), err
			}
			seen[r.StreamID] = true
		}
		if err := e.Store.DeactivateMissingVodStreams(ctx, providerID, seen, e.Deactivate.VOD); err != nil {
			return len(seen), err
		}
		return len(rows), nil

	case model.KindSeries:
		rows, err := client.GetSeries(ctx, categoryExtID)
		if err != nil {
			return 0, err
		}
		seen := make(map[int64]bool, len(rows))
		for _, r := range rows {
			seriesID, err := e.Store.UpsertSeries(ctx, providerID, store.UpsertSeriesInput{
				ExternalSeriesID:   r.SeriesID,
				ExternalMetadataID: r.ExternalMetadataID,
				CategoryExtID:      r.CategoryExtID,
				Name:               r.Name,
				IconURL:            r.IconURL,
			})
			if err != nil {
				return len(seen), err
			}
			seen[r.SeriesID] = true
			if err := e.syncSeriesEpisodes(ctx, client, seriesID, r.SeriesID); err != nil {
				log.Printf("catalogsync: series %d episodes: %v", r.SeriesID, err)
			}
		}
		if err := e.Store.DeactivateMissingSeries(ctx, providerID, seen, e.Deactivate.Series); err != nil {
			return len(seen), err
		}
		return len(rows), nil
	}
	return 0, fmt.Errorf("unknown kind %q", kind)
}

func (e *Engine) syncSeriesEpisodes(ctx context.Context, client *providerclient.Client, seriesID string, seriesExtID int64) error {
	episodes, err := client.GetSeriesInfo(ctx, seriesExtID)
	if err != nil {
		return err
	}
	for _, ep := range episodes {
		seasonID, err := e.Store.UpsertSeason(ctx, seriesID, ep.SeasonNumber)
		if err != nil {
			return err
		}
		extEpisodeID, err := externalEpisodeID(ep.ID)
		if err != nil {
			continue
		}
		if _, err := e.Store.UpsertEpisode(ctx, seasonID, extEpisodeID, ep.Title, ep.ContainerExt, ep.DurationSecs, nil); err != nil {
			return err
		}
	}
	return nil
}

func externalEpisodeID(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
