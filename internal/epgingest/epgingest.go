// Package epgingest is the L2 EPG Ingest Engine: downloads and
// parses one EpgSource's XMLTV document, purges and reloads its programs
// under a process-wide per-source lock, optionally backfills missing
// descriptions from local metadata, and optionally auto-matches a
// provider's unbound LiveStreams against the source's channels. This engine
// owns EpgPrograms outright rather than proxying a live feed, so purge and
// reload is correct in a way a cache-and-serve model wouldn't be; description
// enrichment builds its title-to-overview lookup table once per run rather
// than querying per program.
package epgingest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mediacatalog/catalogd/internal/epgmatch"
	"github.com/mediacatalog/catalogd/internal/metadataclient"
	"github.com/mediacatalog/catalogd/internal/metrics"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
	"github.com/mediacatalog/catalogd/internal/store"
	"github.com/mediacatalog/catalogd/internal/xmltv"
)

// Config tunes one ingest run.
type Config struct {
	WindowHours         int  // default 24; clamped to [1,168] by xmltv.WindowFor
	EnrichMissingDesc   bool
	MaxDescLen          int     // 0 = unbounded
	AutoMatchProviderID string  // "" = skip the auto-match post-step
	MinMatchScore       float64 // 0 = epgmatch.DefaultMinScore
	DownloadTimeout     time.Duration
}

// Result is the per-source outcome returned by Sync.
type Result struct {
	SourceID  string
	Channels  int
	Programs  int
	Dropped   int
	Matched   int
	Unmatched int
	Err       error
	Started   time.Time
	Finished  time.Time
}

// Engine drives EPG ingest runs against the shared store.
type Engine struct {
	Store   *store.Store
	Limiter *ratelimit.NextSlotLimiter // paces the download step across sources

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-source ingest lock
}

// NewEngine returns an Engine ready to run, rate-limited to r downloads/sec
// (r <= 0 defaults to 1, via ratelimit.NewNextSlot).
func NewEngine(s *store.Store, r float64) *Engine {
	return &Engine{Store: s, Limiter: ratelimit.NewNextSlot(r), locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(sourceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sourceID] = l
	}
	return l
}

// RunTick syncs every active EpgSource sequentially, isolating per-source
// failures.
func (e *Engine) RunTick(ctx context.Context, cfg Config) []Result {
	sources, err := e.Store.ListActiveEpgSources(ctx)
	if err != nil {
		return []Result{{Err: err}}
	}
	results := make([]Result, 0, len(sources))
	for _, src := range sources {
		results = append(results, e.Sync(ctx, src, cfg))
	}
	return results
}

// Sync downloads, parses, and reloads one source under its ingest lock, then
// optionally runs description enrichment and auto-match.
func (e *Engine) Sync(ctx context.Context, src model.EpgSource, cfg Config) Result {
	lock := e.lockFor(src.ID)
	lock.Lock()
	defer lock.Unlock()

	res := Result{SourceID: src.ID, Started: time.Now().UTC()}
	defer func() { res.Finished = time.Now().UTC() }()

	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	if err := e.Limiter.Wait(ctx); err != nil {
		res.Err = fmt.Errorf("rate limit: %w", err)
		return res
	}
	r, cleanup, err := xmltv.Download(ctx, client, src.URL)
	if err != nil {
		metrics.EpgSyncErrors.WithLabelValues(src.ID).Inc()
		res.Err = fmt.Errorf("download: %w", err)
		return res
	}
	defer cleanup()

	var descLookup map[string]string
	if cfg.EnrichMissingDesc {
		descLookup, err = e.buildDescriptionLookup(ctx)
		if err != nil {
			res.Err = fmt.Errorf("description lookup: %w", err)
			return res
		}
	}

	window := xmltv.WindowFor(time.Now().UTC(), cfg.WindowHours)

	if err := e.purgeAndReload(ctx, src.ID, r, window, descLookup, cfg.MaxDescLen, &res); err != nil {
		metrics.EpgSyncErrors.WithLabelValues(src.ID).Inc()
		res.Err = err
		return res
	}

	if cfg.AutoMatchProviderID != "" {
		matched, unmatched, err := e.autoMatch(ctx, src.ID, cfg.AutoMatchProviderID, cfg.MinMatchScore)
		if err != nil {
			log.Printf("epgingest: auto-match source=%s provider=%s: %v", src.ID, cfg.AutoMatchProviderID, err)
		}
		res.Matched, res.Unmatched = matched, unmatched
	}

	return res
}

// purgeAndReload runs the whole parse-purge-insert cycle inside one
// transaction: the XMLTV document is
// authoritative, so every existing program for this source is deleted before
// the freshly parsed ones are inserted.
func (e *Engine) purgeAndReload(ctx context.Context, sourceID string, r io.Reader, window xmltv.Window, descLookup map[string]string, maxDescLen int, res *Result) error {
	return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.PurgeEpgPrograms(ctx, tx, sourceID); err != nil {
			return fmt.Errorf("purge: %w", err)
		}

		channelIDs := make(map[string]string) // xmltv id -> local epg_channels.id
		seenStarts := make(map[string]bool)    // "localChannelID|start" within this document

		err := xmltv.Parse(r, xmltv.Handler{
			OnChannel: func(c xmltv.Channel) error {
				id, err := e.Store.UpsertEpgChannel(ctx, tx, sourceID, c.ID, c.DisplayName, c.IconURL)
				if err != nil {
					return err
				}
				channelIDs[c.ID] = id
				res.Channels++
				return nil
			},
			OnProgramme: func(p xmltv.Programme) error {
				localID, ok := channelIDs[p.ChannelID]
				if !ok {
					return nil // programme for a channel we never saw a <channel> element for
				}
				if !window.InWindow(p.Start, p.Stop) {
					res.Dropped++
					return nil
				}
				key := localID + "|" + p.Start.Format(time.RFC3339)
				if seenStarts[key] {
					return nil
				}
				seenStarts[key] = true

				desc := p.Description
				if desc == "" && descLookup != nil {
					desc = descLookup[descriptionKey(p.Title)]
				}
				if maxDescLen > 0 && len(desc) > maxDescLen {
					desc = desc[:maxDescLen]
				}
				if err := e.Store.InsertEpgProgram(ctx, tx, sourceID, localID, p.Start, p.Stop, p.Title, desc, p.Category); err != nil {
					return err
				}
				res.Programs++
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("parse: %w", err)
		}
		return nil
	})
}

// buildDescriptionLookup builds a title-key -> overview table from every
// synced VodStream/SeriesItem, for backfilling missing EPG descriptions.
func (e *Engine) buildDescriptionLookup(ctx context.Context) (map[string]string, error) {
	sources, err := e.Store.ListDescriptionSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(sources))
	for _, s := range sources {
		if s.MetadataOverview == "" {
			continue
		}
		if k := descriptionKey(s.MetadataTitle); k != "" {
			out[k] = s.MetadataOverview
		}
		if k := descriptionKey(s.Name); k != "" {
			if _, exists := out[k]; !exists {
				out[k] = s.MetadataOverview
			}
		}
	}
	return out, nil
}

// descriptionKey is the cleaned-title, year-removed, casefolded lookup key.
func descriptionKey(title string) string {
	clean, _ := metadataclient.CleanTitle(title)
	return strings.ToLower(strings.TrimSpace(clean))
}

// autoMatch binds every unbound LiveStream of providerID to the best-scoring
// channel of source, as an optional post-step after a successful ingest.
func (e *Engine) autoMatch(ctx context.Context, sourceID, providerID string, minScore float64) (matched, unmatched int, err error) {
	channels, err := e.listSourceChannels(ctx, sourceID)
	if err != nil {
		return 0, 0, err
	}
	candidates := make([]epgmatch.Candidate, 0, len(channels))
	for _, c := range channels {
		candidates = append(candidates, epgmatch.Candidate{XMLTVID: c.XMLTVID, DisplayName: c.DisplayName})
	}

	streams, err := e.Store.ListLiveStreamsByProvider(ctx, providerID, true)
	if err != nil {
		return 0, 0, err
	}
	for _, ls := range streams {
		if ls.EPGSourceID != nil && *ls.EPGSourceID != sourceID {
			continue // already bound to a different source; auto-match never steals a binding
		}
		m, ok := epgmatch.Best(ls.Name, candidates, minScore)
		if !ok {
			unmatched++
			continue
		}
		if err := e.Store.BindLiveStreamEPG(ctx, ls.ID, sourceID, m.XMLTVID); err != nil {
			return matched, unmatched, err
		}
		matched++
	}
	metrics.EpgMatched.WithLabelValues("matched").Add(float64(matched))
	metrics.EpgMatched.WithLabelValues("unmatched").Add(float64(unmatched))
	return matched, unmatched, nil
}

// listSourceChannels loads every EpgChannel under sourceID for auto-match
// candidate generation.
func (e *Engine) listSourceChannels(ctx context.Context, sourceID string) ([]model.EpgChannel, error) {
	return e.Store.ListEpgChannelsBySource(ctx, sourceID)
}
