package collectioncache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/metadataclient"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
	"github.com/mediacatalog/catalogd/internal/store"
)

type rewriteTransport struct {
	base string
	rt   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.base
	return t.rt.RoundTrip(req)
}

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := httpfetch.New("metadata", 2*time.Second)
	l := ratelimit.New(1000, 10)
	c := metadataclient.New("test-token", "", "", "", f, l)
	c.SetTransport(rewriteTransport{base: srv.Listener.Addr().String(), rt: http.DefaultTransport})

	return NewEngine(s, c), s
}

func TestBuildDiscoverFiltersRejectsUnknownKey(t *testing.T) {
	_, err := buildDiscoverFilters("movie", map[string]any{"nonsense_key": "1"})
	if !IsInvalid(err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestBuildDiscoverFiltersRequiresVoteCountForVoteAverageSort(t *testing.T) {
	_, err := buildDiscoverFilters("movie", map[string]any{"sort_by": "vote_average.desc"})
	if !IsInvalid(err) {
		t.Fatalf("expected invalid error without vote_count.gte, got %v", err)
	}
	_, err = buildDiscoverFilters("movie", map[string]any{"sort_by": "vote_average.desc", "vote_count.gte": "49"})
	if !IsInvalid(err) {
		t.Fatalf("expected invalid error for vote_count.gte < 50, got %v", err)
	}
	filters, err := buildDiscoverFilters("movie", map[string]any{"sort_by": "vote_average.desc", "vote_count.gte": "50"})
	if err != nil {
		t.Fatalf("buildDiscoverFilters: %v", err)
	}
	if filters["sort_by"][0] != "vote_average.desc" {
		t.Fatalf("filters=%v", filters)
	}
}

func TestBuildDiscoverFiltersRejectsUnknownSortBy(t *testing.T) {
	_, err := buildDiscoverFilters("movie", map[string]any{"sort_by": "nonsense.desc"})
	if !IsInvalid(err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestFetchUpstreamRejectsBadCollectionPage(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})
	col := model.Collection{SourceType: "collection", SourceID: "10"}
	_, err := e.fetchUpstream(context.Background(), col, 2)
	if !IsInvalid(err) {
		t.Fatalf("expected invalid error for page != 1, got %v", err)
	}
}

func TestFetchUpstreamRejectsUnknownSourceType(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := e.fetchUpstream(context.Background(), model.Collection{SourceType: "bogus"}, 1)
	if !IsInvalid(err) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestServeReturnsFreshCacheWithoutUpstreamCall(t *testing.T) {
	called := false
	e, s := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	ctx := context.Background()

	col, err := s.CreateCollection(ctx, model.Collection{Slug: "trending-all", Name: "Trending", SourceType: "trending", CacheTTLS: 3600, Enabled: true})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := s.UpsertCollectionCache(ctx, col.ID, 1, []byte(`{"items":[]}`), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("UpsertCollectionCache: %v", err)
	}
	res, err := e.Serve(ctx, col, 1, false)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !res.Cached || res.Stale {
		t.Fatalf("result=%+v, want cached=true stale=false", res)
	}
	if called {
		t.Fatal("upstream should not be called for a fresh cache hit")
	}
}

func TestServeStaleWhileRevalidateReturnsStaleAndSchedulesRefresh(t *testing.T) {
	hits := make(chan struct{}, 1)
	e, s := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case hits <- struct{}{}:
		default:
		}
		w.Write([]byte(`{"results":[]}`))
	})
	ctx := context.Background()
	col, err := s.CreateCollection(ctx, model.Collection{Slug: "trending-all", Name: "Trending", SourceType: "trending", CacheTTLS: 3600, Enabled: true})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := s.UpsertCollectionCache(ctx, col.ID, 1, []byte(`{"items":["old"]}`), time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("UpsertCollectionCache: %v", err)
	}
	res, err := e.Serve(ctx, col, 1, true)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !res.Cached || !res.Stale {
		t.Fatalf("result=%+v, want cached=true stale=true", res)
	}
	if !strings.Contains(string(res.Payload), "old") {
		t.Fatalf("expected stale payload to be the old one, got %s", res.Payload)
	}
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("expected background refresh to call upstream")
	}
}

func TestServeOnUpstreamFailureReturnsEmptyPayload(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	col := model.Collection{ID: "col-err", SourceType: "trending"}
	res, err := e.Serve(context.Background(), col, 1, false)
	if err != nil {
		t.Fatalf("Serve should not itself error on upstream failure: %v", err)
	}
	if res.Cached {
		t.Fatalf("result=%+v, want cached=false", res)
	}
	if string(res.Payload) != "{}" {
		t.Fatalf("payload=%s, want {}", res.Payload)
	}
}

func TestAugmentOmitsItemsWithoutLocalMatch(t *testing.T) {
	e, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})
	raw := []byte(`{"results":[{"id":1,"title":"No Local Copy","media_type":"movie"}]}`)
	out, err := e.augment(context.Background(), raw)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	var got augmentedPayload
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Items) != 0 {
		t.Fatalf("items=%+v, want none (no local match)", got.Items)
	}
}

func TestAugmentIncludesLocallyMatchedMovie(t *testing.T) {
	e, s := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	p, err := s.CreateProvider(ctx, model.Provider{Name: "p", BaseURL: "http://p", Username: "u", Password: "pw", Active: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	vodID, err := s.UpsertVodStream(ctx, p.ID, store.UpsertVodStreamInput{ExternalStreamID: 42, Name: "Dune", ContainerExt: "mkv"})
	if err != nil {
		t.Fatalf("UpsertVodStream: %v", err)
	}
	if err := s.WriteVodSynced(ctx, vodID, store.VodHydration{
		MetadataID: 1, Title: "Dune", Overview: "Desert planet", VoteAverage: 8.1,
		RawPayload: []byte(`{"credits":{"cast":[{"name":"Timothee Chalamet"},{"name":"Zendaya"}]}}`),
	}, time.Now()); err != nil {
		t.Fatalf("WriteVodSynced: %v", err)
	}

	raw := []byte(`{"results":[{"id":1,"title":"Dune","media_type":"movie","overview":"Desert planet"}]}`)
	out, err := e.augment(ctx, raw)
	if err != nil {
		t.Fatalf("augment: %v", err)
	}
	var got augmentedPayload
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("items=%+v, want 1", got.Items)
	}
	item := got.Items[0]
	if item.LocalID != vodID || item.VoteAverage != 8.1 {
		t.Fatalf("item=%+v", item)
	}
	if !strings.Contains(item.StreamURL, "/movie/u/pw/42.mkv") {
		t.Fatalf("stream_url=%q", item.StreamURL)
	}
	if len(item.CastNames) != 2 || item.CastNames[0] != "Timothee Chalamet" {
		t.Fatalf("cast_names=%v", item.CastNames)
	}
}

func TestRunSweepRefreshesExpiredEnabledRows(t *testing.T) {
	e, s := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	ctx := context.Background()

	col, err := s.CreateCollection(ctx, model.Collection{Slug: "trending-all", Name: "Trending", SourceType: "trending", CacheTTLS: 3600, Enabled: true})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := s.UpsertCollectionCache(ctx, col.ID, 1, []byte(`{}`), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("UpsertCollectionCache: %v", err)
	}
	refreshed, failed := e.RunSweep(ctx)
	if refreshed != 1 || failed != 0 {
		t.Fatalf("refreshed=%d failed=%d, want 1/0", refreshed, failed)
	}
	row, err := s.GetCollectionCache(ctx, col.ID, 1)
	if err != nil {
		t.Fatalf("GetCollectionCache: %v", err)
	}
	if !row.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected sweep to have refreshed expires_at into the future, got %v", row.ExpiresAt)
	}
}

func TestRunSweepSkipsRowsForDisabledCollections(t *testing.T) {
	e, s := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	ctx := context.Background()

	col, err := s.CreateCollection(ctx, model.Collection{Slug: "disabled-row", Name: "Disabled", SourceType: "trending", CacheTTLS: 3600, Enabled: false})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if err := s.UpsertCollectionCache(ctx, col.ID, 1, []byte(`{}`), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("UpsertCollectionCache: %v", err)
	}
	refreshed, failed := e.RunSweep(ctx)
	if refreshed != 0 || failed != 0 {
		t.Fatalf("refreshed=%d failed=%d, want 0/0 (disabled collection's rows aren't swept)", refreshed, failed)
	}
}
