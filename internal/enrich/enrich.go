// Package enrich is the L2 Metadata Enrichment Pipeline:
// resolves local VodStream/SeriesItem rows to external metadata ids and
// hydrates their fields, subject to a cooldown-gated eligibility predicate
// and a bounded worker pool.
//
// Candidate resolution follows a local-lookup-then-act idiom, and the worker
// pool is a bounded goroutine fan-out.
package enrich

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mediacatalog/catalogd/internal/metadataclient"
	"github.com/mediacatalog/catalogd/internal/metrics"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/store"
)

// Cooldowns holds the tunable eligibility windows, overridable via the
// TMDB_COOLDOWN_*/TMDB_RESYNC_DAYS env vars.
type Cooldowns struct {
	Missing     time.Duration // default 15m
	Transient   time.Duration // default 15m
	FailedBase  time.Duration // default 120m, doubles per fail_count
	InvalidDays time.Duration // default 7d
	ResyncDays  time.Duration // default 14d
}

// DefaultCooldowns returns the built-in default cooldown windows.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Missing:     15 * time.Minute,
		Transient:   15 * time.Minute,
		FailedBase:  120 * time.Minute,
		InvalidDays: 7 * 24 * time.Hour,
		ResyncDays:  14 * 24 * time.Hour,
	}
}

// Eligible reports whether a candidate is due for (re)enrichment, by status.
func Eligible(now time.Time, e model.EnrichState, cd Cooldowns) bool {
	switch e.Status {
	case model.StatusMissing:
		return e.LastSync == nil || e.LastSync.Before(now.Add(-cd.Missing))
	case model.StatusFailed:
		return e.LastSync == nil || e.LastSync.Before(now.Add(-cooldownFailed(e.ErrorKind, e.FailCount, cd)))
	case model.StatusSynced:
		return e.LastSync != nil && e.LastSync.Before(now.Add(-cd.ResyncDays))
	default:
		return false
	}
}

// cooldownFailed computes the cooldown for a failed attempt, by error kind
// and fail count: transient kinds back off on the Transient window, terminal
// kinds (not-found/invalid) use InvalidDays, and anything else doubles
// FailedBase per retry.
func cooldownFailed(kind model.ErrorKind, failCount int, cd Cooldowns) time.Duration {
	switch kind {
	case model.ErrRateLimited, model.ErrTimeout, model.ErrServer, model.ErrNetwork:
		return cd.Transient
	case model.ErrNotFound, model.ErrInvalid:
		return cd.InvalidDays
	default:
		n := failCount
		if n < 1 {
			n = 1
		}
		return cd.FailedBase * time.Duration(1<<uint(n-1))
	}
}

// Config tunes one enrichment run.
type Config struct {
	Workers      int
	BatchMovies  int
	BatchSeries  int
	Cooldowns    Cooldowns
}

// DefaultConfig returns the built-in defaults for one enrichment run.
func DefaultConfig() Config {
	return Config{Workers: 2, BatchMovies: 20, BatchSeries: 20, Cooldowns: DefaultCooldowns()}
}

// Engine drives one enrichment run across VOD and series candidates.
type Engine struct {
	Store  *store.Store
	Client *metadataclient.Client
	Config Config
}

// NewEngine returns an Engine with DefaultConfig; callers may mutate Config
// before calling Run.
func NewEngine(s *store.Store, c *metadataclient.Client) *Engine {
	return &Engine{Store: s, Client: c, Config: DefaultConfig()}
}

// RunStats summarizes one enrichment run for the status endpoint.
type RunStats struct {
	Queued, Processed, Synced, Missing, Failed int
	Started, Finished                          time.Time
}

// AvgTimePerItem returns Finished-Started divided by Processed, or 0.
func (s RunStats) AvgTimePerItem() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return s.Finished.Sub(s.Started) / time.Duration(s.Processed)
}

// ThroughputPerSec returns Processed / elapsed seconds, or 0.
func (s RunStats) ThroughputPerSec() float64 {
	elapsed := s.Finished.Sub(s.Started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Processed) / elapsed
}

// candidate is the kind-agnostic unit of work a worker processes.
type candidate struct {
	kind model.Kind // KindVOD or KindSeries
	row  store.EligibleVodStream
}

// Run selects eligible candidates (over-fetched 5x to tolerate ineligible
// rows found during the batch query), fans them out across Config.Workers
// goroutines, and returns aggregate stats.
func (e *Engine) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{Started: time.Now().UTC()}
	defer func() { stats.Finished = time.Now().UTC() }()

	now := time.Now().UTC()
	var queue []candidate

	vodRows, err := e.Store.ListEligibleVodCandidates(ctx, e.Config.BatchMovies*5)
	if err != nil {
		return stats, err
	}
	for _, r := range vodRows {
		if len(queue) >= e.Config.BatchMovies {
			break
		}
		if Eligible(now, r.Enrich, e.Config.Cooldowns) {
			queue = append(queue, candidate{kind: model.KindVOD, row: r})
		}
	}

	seriesRows, err := e.Store.ListEligibleSeriesCandidates(ctx, e.Config.BatchSeries*5)
	if err != nil {
		return stats, err
	}
	seriesQueued := 0
	for _, r := range seriesRows {
		if seriesQueued >= e.Config.BatchSeries {
			break
		}
		if Eligible(now, r.Enrich, e.Config.Cooldowns) {
			queue = append(queue, candidate{kind: model.KindSeries, row: r})
			seriesQueued++
		}
	}

	stats.Queued = len(queue)
	if stats.Queued == 0 {
		return stats, nil
	}

	workers := e.Config.Workers
	if workers < 1 {
		workers = 1
	}
	work := make(chan candidate, len(queue))
	for _, c := range queue {
		work <- c
	}
	close(work)

	type providerKind struct {
		providerID string
		kind       model.Kind
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	touchedProviders := map[providerKind]bool{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				outcome := e.processOne(ctx, c)
				mu.Lock()
				stats.Processed++
				switch outcome {
				case model.StatusSynced:
					stats.Synced++
				case model.StatusMissing:
					stats.Missing++
				case model.StatusFailed:
					stats.Failed++
				}
				if outcome == model.StatusSynced {
					touchedProviders[providerKind{c.row.ProviderID, c.kind}] = true
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	metrics.EnrichProcessed.WithLabelValues("synced").Add(float64(stats.Synced))
	metrics.EnrichProcessed.WithLabelValues("missing").Add(float64(stats.Missing))
	metrics.EnrichProcessed.WithLabelValues("failed").Add(float64(stats.Failed))

	// Post-hydrate dedup: collapse rows sharing the new metadata_id within
	// each touched provider.
	for pk := range touchedProviders {
		var err error
		if pk.kind == model.KindVOD {
			err = e.Store.DedupVodStreams(ctx, pk.providerID)
		} else {
			err = e.Store.DedupSeries(ctx, pk.providerID)
		}
		if err != nil {
			log.Printf("enrich: post-hydrate dedup provider=%s: %v", pk.providerID, err)
		}
	}

	return stats, nil
}

// processOne runs the search -> score -> hydrate state machine for one
// candidate and writes its outcome in its own transactional unit of work.
//
// Name and NormalizedName (when set and distinct) are tried in order as
// search queries; the first candidate whose search returns a result wins, and
// only exhausting every candidate without a hit is treated as not-found. A
// hard search error on any candidate aborts the loop immediately — it is not
// itself a not-found outcome.
func (e *Engine) processOne(ctx context.Context, c candidate) model.EnrichStatus {
	start := time.Now()
	defer func() {
		metrics.EnrichItemDuration.Observe(time.Since(start).Seconds())
	}()

	var results []metadataclient.SearchResult
	var title string
	var year int
	var err error
	for _, raw := range c.row.CandidateTitles() {
		t, y := metadataclient.CleanTitle(raw)
		var res []metadataclient.SearchResult
		if c.kind == model.KindVOD {
			res, err = e.Client.SearchMovie(ctx, t, y)
		} else {
			res, err = e.Client.SearchSeries(ctx, t, y)
		}
		if err != nil {
			return e.writeFailure(ctx, c, classifyClientErr(err), err.Error())
		}
		if len(res) > 0 {
			title, year, results = t, y, res
			break
		}
	}

	idx := metadataclient.Best(title, year, results)
	if idx < 0 {
		return e.writeFailure(ctx, c, model.ErrNotFound, "no search results")
	}

	var detail metadataclient.Detail
	if c.kind == model.KindVOD {
		detail, err = e.Client.MovieDetail(ctx, results[idx].ID)
	} else {
		detail, err = e.Client.SeriesDetail(ctx, results[idx].ID)
	}
	if err != nil {
		return e.writeFailure(ctx, c, classifyClientErr(err), err.Error())
	}

	h := store.VodHydration{
		MetadataID:   detail.ID,
		Title:        detail.Title,
		Overview:     detail.Overview,
		ReleaseDate:  detail.ReleaseDate,
		Genres:       detail.Genres,
		VoteAverage:  detail.VoteAverage,
		PosterPath:   detail.PosterPath,
		BackdropPath: detail.BackdropPath,
		RawPayload:   detail.Raw,
	}
	now := time.Now().UTC()
	if c.kind == model.KindVOD {
		err = e.Store.WriteVodSynced(ctx, c.row.ID, h, now)
	} else {
		err = e.Store.WriteSeriesSynced(ctx, c.row.ID, h, now)
	}
	if err != nil {
		log.Printf("enrich: write synced %s: %v", c.row.ID, err)
		return model.StatusFailed
	}
	return model.StatusSynced
}

func (e *Engine) writeFailure(ctx context.Context, c candidate, kind model.ErrorKind, text string) model.EnrichStatus {
	status := model.StatusFailed
	if kind == model.ErrNotFound {
		status = model.StatusMissing
	}
	failCount := c.row.Enrich.FailCount + 1
	if status == model.StatusMissing {
		failCount = 0
	}
	now := time.Now().UTC()
	var err error
	if c.kind == model.KindVOD {
		err = e.Store.WriteVodFailure(ctx, c.row.ID, status, kind, text, failCount, now)
	} else {
		err = e.Store.WriteSeriesFailure(ctx, c.row.ID, status, kind, text, failCount, now)
	}
	if err != nil {
		log.Printf("enrich: write failure %s: %v", c.row.ID, err)
	}
	return status
}

// classifyClientErr maps a metadataclient error into the shared ErrorKind
// taxonomy. metadataclient.Error keeps only the HTTP status of a failed
// fetch, so the kind is derived from that status here; Status 0 with no
// Decode error means no response arrived (timeout or connection failure) and
// classifies as ErrNetwork. A response that failed to decode (Decode set,
// Status 0) is malformed upstream data, not an unknown failure, so it
// classifies as ErrInvalid. Non-Error values are ErrUnknown.
func classifyClientErr(err error) model.ErrorKind {
	if me, ok := err.(*metadataclient.Error); ok {
		switch {
		case me.Decode != nil:
			return model.ErrInvalid
		case me.Status == 0:
			return model.ErrNetwork
		case me.Status == 429:
			return model.ErrRateLimited
		case me.Status == 401 || me.Status == 403:
			return model.ErrAuth
		case me.Status == 404:
			return model.ErrNotFound
		case me.Status >= 500:
			return model.ErrServer
		default:
			return model.ErrInvalid
		}
	}
	return model.ErrUnknown
}
