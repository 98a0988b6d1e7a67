package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.DatabaseURL != "catalogd.db" {
		t.Errorf("DatabaseURL default: got %q", c.DatabaseURL)
	}
	if c.EpgAutoSync {
		t.Error("EpgAutoSync should default false")
	}
	if c.EpgAutoSyncInterval != 30*time.Minute {
		t.Errorf("EpgAutoSyncInterval default: got %v", c.EpgAutoSyncInterval)
	}
	if c.EpgAutoSyncWindowHours != 24 {
		t.Errorf("EpgAutoSyncWindowHours default: got %d", c.EpgAutoSyncWindowHours)
	}
	if c.TmdbSyncWorkers != 2 {
		t.Errorf("TmdbSyncWorkers default: got %d", c.TmdbSyncWorkers)
	}
	if c.TmdbRPS != 4 {
		t.Errorf("TmdbRPS default: got %v", c.TmdbRPS)
	}
	if c.TmdbBurst != 8 {
		t.Errorf("TmdbBurst default: got %d", c.TmdbBurst)
	}
	if c.TmdbCooldownInvalidDays != 7 || c.TmdbResyncDays != 14 {
		t.Errorf("cooldown/resync defaults: invalid=%v resync=%v", c.TmdbCooldownInvalidDays, c.TmdbResyncDays)
	}
	if c.EpgDownloadRPS != 1 {
		t.Errorf("EpgDownloadRPS default: got %v", c.EpgDownloadRPS)
	}
}

func TestEpgDownloadRPSOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("EPG_DOWNLOAD_RPS", "0.5")
	c := Load()
	if c.EpgDownloadRPS != 0.5 {
		t.Errorf("EpgDownloadRPS: got %v", c.EpgDownloadRPS)
	}
}

func TestEpgAutoSyncIntervalFloorsAt60Seconds(t *testing.T) {
	os.Clearenv()
	os.Setenv("EPG_AUTO_SYNC_MINUTES", "0")
	c := Load()
	if c.EpgAutoSyncInterval != time.Minute {
		t.Errorf("EpgAutoSyncInterval: got %v, want floor of 60s", c.EpgAutoSyncInterval)
	}
}

func TestEpgAutoSyncWindowHoursClamps(t *testing.T) {
	os.Clearenv()
	os.Setenv("EPG_AUTO_SYNC_HOURS", "0")
	c := Load()
	if c.EpgAutoSyncWindowHours != 1 {
		t.Errorf("window hours low clamp: got %d, want 1", c.EpgAutoSyncWindowHours)
	}
	os.Setenv("EPG_AUTO_SYNC_HOURS", "999")
	c = Load()
	if c.EpgAutoSyncWindowHours != 168 {
		t.Errorf("window hours high clamp: got %d, want 168", c.EpgAutoSyncWindowHours)
	}
}

func TestEpgEnrichSettings(t *testing.T) {
	os.Clearenv()
	os.Setenv("EPG_ENRICH_MISSING_DESC", "1")
	os.Setenv("EPG_ENRICH_MAX_DESC_LEN", "240")
	c := Load()
	if !c.EpgEnrichMissingDesc {
		t.Error("EpgEnrichMissingDesc should be true")
	}
	if c.EpgEnrichMaxDescLen != 240 {
		t.Errorf("EpgEnrichMaxDescLen: got %d", c.EpgEnrichMaxDescLen)
	}
}

func TestTmdbAutoSyncBatchSizes(t *testing.T) {
	os.Clearenv()
	os.Setenv("TMDB_AUTO_SYNC", "true")
	os.Setenv("TMDB_AUTO_SYNC_MINUTES", "15")
	os.Setenv("TMDB_AUTO_SYNC_BATCH_MOVIES", "50")
	os.Setenv("TMDB_AUTO_SYNC_BATCH_SERIES", "30")
	c := Load()
	if !c.TmdbAutoSync {
		t.Error("TmdbAutoSync should be true")
	}
	if c.TmdbAutoSyncInterval != 15*time.Minute {
		t.Errorf("TmdbAutoSyncInterval: got %v", c.TmdbAutoSyncInterval)
	}
	if c.TmdbAutoSyncBatchMovies != 50 || c.TmdbAutoSyncBatchSeries != 30 {
		t.Errorf("batch sizes: movies=%d series=%d", c.TmdbAutoSyncBatchMovies, c.TmdbAutoSyncBatchSeries)
	}
}

func TestTmdbAutoSyncBatchSizesRejectNonPositive(t *testing.T) {
	os.Clearenv()
	os.Setenv("TMDB_AUTO_SYNC_BATCH_MOVIES", "0")
	os.Setenv("TMDB_SYNC_WORKERS", "-1")
	c := Load()
	if c.TmdbAutoSyncBatchMovies != 20 {
		t.Errorf("TmdbAutoSyncBatchMovies should fall back to 20, got %d", c.TmdbAutoSyncBatchMovies)
	}
	if c.TmdbSyncWorkers != 2 {
		t.Errorf("TmdbSyncWorkers should fall back to 2, got %d", c.TmdbSyncWorkers)
	}
}

func TestVLCBinIsRecognizedButUnused(t *testing.T) {
	os.Clearenv()
	os.Setenv("VLC_BIN", "/usr/bin/vlc")
	c := Load()
	if c.VLCBin != "/usr/bin/vlc" {
		t.Errorf("VLCBin: got %q", c.VLCBin)
	}
}

func TestLoadEnvFileSeedsProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/.env"
	if err := os.WriteFile(path, []byte("DATABASE_URL=\"/data/catalogd.db\"\n# comment\nTMDB_RPS=2.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Clearenv()
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	c := Load()
	if c.DatabaseURL != "/data/catalogd.db" {
		t.Errorf("DatabaseURL from .env: got %q", c.DatabaseURL)
	}
	if c.TmdbRPS != 2.5 {
		t.Errorf("TmdbRPS from .env: got %v", c.TmdbRPS)
	}
}
