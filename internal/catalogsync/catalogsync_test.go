package catalogsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
	"github.com/mediacatalog/catalogd/internal/store"
)

func xtreamStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/player_api.php", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "get_live_categories":
			w.Write([]byte(`[{"category_id":"1","category_name":"News"}]`))
		case "get_vod_categories":
			w.Write([]byte(`[{"category_id":"1","category_name":"Movies"}]`))
		case "get_series_categories":
			w.Write([]byte(`[{"category_id":"1","category_name":"Drama"}]`))
		case "get_live_streams":
			w.Write([]byte(`[{"num":"1","name":"CNN","stream_id":10,"category_id":"1"}]`))
		case "get_vod_streams":
			w.Write([]byte(`[{"stream_id":20,"name":"Dune","container_extension":"mkv","category_id":"1"}]`))
		case "get_series":
			w.Write([]byte(`[{"series_id":30,"name":"Severance","category_id":"1"}]`))
		case "get_series_info":
			w.Write([]byte(`{"episodes":{"1":[{"id":"1001","season_num":1,"title":"Good News About Hell"}]}}`))
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncProviderConvergesAllKinds(t *testing.T) {
	srv := xtreamStub(t)
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p, err := s.CreateProvider(context.Background(), model.Provider{Name: "stub", BaseURL: srv.URL, Username: "u", Password: "p", Active: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	e := NewEngine(s, ratelimit.NewRegistry(1000, 10))
	res := e.SyncProvider(context.Background(), p)
	if res.Err != nil {
		t.Fatalf("SyncProvider: %v", res.Err)
	}

	liveCats, err := s.ListActiveCategories(context.Background(), p.ID, model.KindLive)
	if err != nil || len(liveCats) != 1 {
		t.Fatalf("liveCats=%+v err=%v", liveCats, err)
	}

	live, err := s.ListLiveStreamsByProvider(context.Background(), p.ID, false)
	if err != nil || len(live) != 1 || live[0].Name != "CNN" {
		t.Fatalf("live=%+v err=%v", live, err)
	}

	vodCandidates, err := s.ListEligibleVodCandidates(context.Background(), 10)
	if err != nil || len(vodCandidates) != 1 || vodCandidates[0].Name != "Dune" {
		t.Fatalf("vodCandidates=%+v err=%v", vodCandidates, err)
	}

	seriesCandidates, err := s.ListEligibleSeriesCandidates(context.Background(), 10)
	if err != nil || len(seriesCandidates) != 1 || seriesCandidates[0].Name != "Severance" {
		t.Fatalf("seriesCandidates=%+v err=%v", seriesCandidates, err)
	}
}

func TestSyncProviderCategoryFailureIsIsolated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/player_api.php", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "get_live_categories":
			w.Write([]byte(`[{"category_id":"1","category_name":"News"},{"category_id":"2","category_name":"Sports"}]`))
		case "get_vod_categories", "get_series_categories":
			w.Write([]byte(`[]`))
		case "get_live_streams":
			if r.URL.Query().Get("category_id") == "2" {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`[{"num":"1","name":"CNN","stream_id":10,"category_id":"1"}]`))
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s, err := store.Open(filepath.Join(t.TempDir(), "sync2.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	p, err := s.CreateProvider(context.Background(), model.Provider{Name: "stub2", BaseURL: srv.URL, Username: "u", Password: "p", Active: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	e := NewEngine(s, ratelimit.NewRegistry(1000, 10))
	e.Limiters.Configure(srv.URL, 1000, 10)
	res := e.SyncProvider(context.Background(), p)
	if res.Err != nil {
		t.Fatalf("top-level should not fail on a single category error: %v", res.Err)
	}
	var failed int
	for _, d := range res.Details {
		if d.Err != "" {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("expected exactly 1 failed category detail, got %d (%+v)", failed, res.Details)
	}

	live, err := s.ListLiveStreamsByProvider(context.Background(), p.ID, false)
	if err != nil || len(live) != 1 {
		t.Fatalf("live=%+v err=%v, want the News category's stream to have synced despite Sports failing", live, err)
	}
}
