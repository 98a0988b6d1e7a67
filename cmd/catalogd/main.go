// Command catalogd runs the media catalog daemon: it syncs provider
// catalogs, enriches them against an external metadata API, ingests XMLTV
// EPG documents, and serves curated collection pages from cache, all as
// in-process loops supervised under one process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediacatalog/catalogd/internal/catalogsync"
	"github.com/mediacatalog/catalogd/internal/collectioncache"
	"github.com/mediacatalog/catalogd/internal/config"
	"github.com/mediacatalog/catalogd/internal/enrich"
	"github.com/mediacatalog/catalogd/internal/epgingest"
	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/metadataclient"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
	"github.com/mediacatalog/catalogd/internal/store"
	"github.com/mediacatalog/catalogd/internal/supervisor"
)

func main() {
	for _, p := range []string{".env", "../.env", "../../.env"} {
		_ = config.LoadEnvFile(p)
	}
	cfg := config.Load()

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mc, err := s.GetMetadataConfig(ctx)
	if err != nil {
		log.Fatalf("load metadata config: %v", err)
	}
	rps := cfg.TmdbRPS
	if mc.RPS > 0 {
		rps = mc.RPS
	}
	metadataLimiter := ratelimit.New(rps, cfg.TmdbBurst)
	metadataFetcher := httpfetch.New("metadata", 20*time.Second)
	metadataClient := metadataclient.New(mc.Token, mc.APIKey, mc.Language, mc.Region, metadataFetcher, metadataLimiter)

	providerLimiters := ratelimit.NewRegistry(8, 16)

	catalogEngine := catalogsync.NewEngine(s, providerLimiters)
	enrichEngine := enrich.NewEngine(s, metadataClient)
	enrichEngine.Config.Workers = cfg.TmdbSyncWorkers
	enrichEngine.Config.BatchMovies = cfg.TmdbAutoSyncBatchMovies
	enrichEngine.Config.BatchSeries = cfg.TmdbAutoSyncBatchSeries
	if cfg.TmdbCooldownMissingDays > 0 {
		enrichEngine.Config.Cooldowns.Missing = time.Duration(cfg.TmdbCooldownMissingDays * 24 * float64(time.Hour))
	}
	if cfg.TmdbCooldownFailedDays > 0 {
		enrichEngine.Config.Cooldowns.FailedBase = time.Duration(cfg.TmdbCooldownFailedDays * 24 * float64(time.Hour))
	}
	if cfg.TmdbCooldownTransientDays > 0 {
		enrichEngine.Config.Cooldowns.Transient = time.Duration(cfg.TmdbCooldownTransientDays * 24 * float64(time.Hour))
	}
	// The minute-scale override wins over TmdbCooldownTransientDays.
	if cfg.TmdbAutoSyncCooldownMinutes > 0 {
		enrichEngine.Config.Cooldowns.Transient = time.Duration(cfg.TmdbAutoSyncCooldownMinutes) * time.Minute
	}
	if cfg.TmdbCooldownInvalidDays > 0 {
		enrichEngine.Config.Cooldowns.InvalidDays = time.Duration(cfg.TmdbCooldownInvalidDays*24) * time.Hour
	}
	if cfg.TmdbResyncDays > 0 {
		enrichEngine.Config.Cooldowns.ResyncDays = time.Duration(cfg.TmdbResyncDays*24) * time.Hour
	}

	epgEngine := epgingest.NewEngine(s, cfg.EpgDownloadRPS)
	epgCfg := epgingest.Config{
		WindowHours:       cfg.EpgAutoSyncWindowHours,
		EnrichMissingDesc: cfg.EpgEnrichMissingDesc,
		MaxDescLen:        cfg.EpgEnrichMaxDescLen,
	}

	collectionEngine := collectioncache.NewEngine(s, metadataClient)

	loops := []supervisor.Loop{
		{
			Name:     "catalogsync",
			Interval: 10 * time.Minute,
			Tick: func(ctx context.Context) (bool, error) {
				results := catalogEngine.RunTick(ctx)
				return len(results) == 0, nil
			},
		},
		{
			Name:         "enrich",
			Interval:     cfg.TmdbAutoSyncInterval,
			IdleInterval: time.Duration(cfg.TmdbAutoSyncIdleMinutes) * time.Minute,
			Tick: func(ctx context.Context) (bool, error) {
				if !cfg.TmdbAutoSync || !mc.Enabled {
					return true, nil
				}
				stats, err := enrichEngine.Run(ctx)
				if err != nil {
					return false, err
				}
				return stats.Processed == 0, nil
			},
		},
		{
			Name:         "epgingest",
			Interval:     cfg.EpgAutoSyncInterval,
			IdleInterval: 5 * time.Minute,
			Tick: func(ctx context.Context) (bool, error) {
				if !cfg.EpgAutoSync {
					return true, nil
				}
				results := epgEngine.RunTick(ctx, epgCfg)
				return len(results) == 0, nil
			},
		},
		{
			Name:     "collectioncache",
			Interval: time.Minute,
			Tick: func(ctx context.Context) (bool, error) {
				refreshed, failed := collectionEngine.RunSweep(ctx)
				return refreshed == 0 && failed == 0, nil
			},
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	addr := ":9090"
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Printf("catalogd: status endpoint listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("catalogd: status server: %v", err)
		}
	}()

	log.Printf("catalogd: starting supervisor loops")
	if err := supervisor.Run(ctx, loops, supervisor.Config{RestartDelay: 10 * time.Second}); err != nil {
		log.Printf("catalogd: supervisor: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Printf("catalogd: shut down")
	os.Exit(0)
}
