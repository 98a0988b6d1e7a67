package epgingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func xmltvDoc(now time.Time) string {
	fmtT := func(t time.Time) string { return t.Format("20060102150405 -0700") }
	return `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="espn.us"><display-name>ESPN HD</display-name></channel>
  <channel id="cnn.us"><display-name>CNN International</display-name></channel>
  <programme start="` + fmtT(now.Add(time.Hour)) + `" stop="` + fmtT(now.Add(2*time.Hour)) + `" channel="espn.us">
    <title>Sportscenter</title>
  </programme>
  <programme start="` + fmtT(now.Add(-48*time.Hour)) + `" stop="` + fmtT(now.Add(-47*time.Hour)) + `" channel="espn.us">
    <title>Too old, out of window</title>
  </programme>
  <programme start="` + fmtT(now.Add(3*time.Hour)) + `" stop="` + fmtT(now.Add(3*time.Hour)) + `" channel="cnn.us">
    <title>Zero-length, dropped</title>
  </programme>
</tv>`
}

func TestSyncPurgesAndReloadsWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(xmltvDoc(now)))
	}))
	defer srv.Close()

	src, err := s.CreateEpgSource(ctx, "test-guide", srv.URL, true)
	if err != nil {
		t.Fatalf("CreateEpgSource: %v", err)
	}

	e := NewEngine(s, 1000)
	res := e.Sync(ctx, src, Config{WindowHours: 24})
	if res.Err != nil {
		t.Fatalf("Sync: %v", res.Err)
	}
	if res.Channels != 2 {
		t.Fatalf("channels=%d, want 2", res.Channels)
	}
	if res.Programs != 1 {
		t.Fatalf("programs=%d, want 1 (one in-window, one too old, one zero-length)", res.Programs)
	}
	if res.Dropped != 2 {
		t.Fatalf("dropped=%d, want 2", res.Dropped)
	}

	// Second sync with a document that no longer has the old channel and has
	// no programme elements: this run must insert no programs.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><tv><channel id="espn.us"><display-name>ESPN</display-name></channel></tv>`))
	}))
	defer srv2.Close()
	src.URL = srv2.URL
	res2 := e.Sync(ctx, src, Config{WindowHours: 24})
	if res2.Err != nil {
		t.Fatalf("second Sync: %v", res2.Err)
	}
	if res2.Programs != 0 {
		t.Fatalf("second run programs=%d, want 0 (no programme elements)", res2.Programs)
	}
}

func TestSyncDropsSecondCollisionWithinDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	fmtT := func(t time.Time) string { return t.Format("20060102150405 -0700") }

	doc := `<?xml version="1.0"?>
<tv>
  <channel id="espn.us"><display-name>ESPN</display-name></channel>
  <programme start="` + fmtT(now.Add(time.Hour)) + `" stop="` + fmtT(now.Add(2*time.Hour)) + `" channel="espn.us"><title>First</title></programme>
  <programme start="` + fmtT(now.Add(time.Hour)) + `" stop="` + fmtT(now.Add(3*time.Hour)) + `" channel="espn.us"><title>Duplicate start, ignored</title></programme>
</tv>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(doc)) }))
	defer srv.Close()

	src, _ := s.CreateEpgSource(ctx, "dup-guide", srv.URL, true)
	e := NewEngine(s, 1000)
	res := e.Sync(ctx, src, Config{WindowHours: 24})
	if res.Err != nil {
		t.Fatalf("Sync: %v", res.Err)
	}
	if res.Programs != 1 {
		t.Fatalf("programs=%d, want 1 (second collision ignored)", res.Programs)
	}
}

func TestAutoMatchBindsUnboundLiveStreams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.CreateProvider(ctx, model.Provider{Name: "p", BaseURL: "http://p", Username: "u", Password: "pw", Active: true})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	lsID, err := s.UpsertLiveStream(ctx, p.ID, store.UpsertLiveStreamInput{ExternalStreamID: 1, Name: "ESPN HD"})
	if err != nil {
		t.Fatalf("UpsertLiveStream: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><tv><channel id="espn.us"><display-name>ESPN</display-name></channel></tv>`))
	}))
	defer srv.Close()
	src, err := s.CreateEpgSource(ctx, "guide", srv.URL, true)
	if err != nil {
		t.Fatalf("CreateEpgSource: %v", err)
	}

	e := NewEngine(s, 1000)
	res := e.Sync(ctx, src, Config{WindowHours: 24, AutoMatchProviderID: p.ID})
	if res.Err != nil {
		t.Fatalf("Sync: %v", res.Err)
	}
	if res.Matched != 1 || res.Unmatched != 0 {
		t.Fatalf("matched=%d unmatched=%d, want 1/0", res.Matched, res.Unmatched)
	}

	ls, err := s.GetLiveStream(ctx, lsID)
	if err != nil {
		t.Fatalf("GetLiveStream: %v", err)
	}
	if ls.EPGSourceID == nil || *ls.EPGSourceID != src.ID || ls.EPGChannelID != "espn.us" {
		t.Fatalf("live stream not bound: %+v", ls)
	}
}

func TestAutoMatchSkipsStreamsBoundToAnotherSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, _ := s.CreateProvider(ctx, model.Provider{Name: "p", BaseURL: "http://p", Username: "u", Password: "pw", Active: true})
	lsID, _ := s.UpsertLiveStream(ctx, p.ID, store.UpsertLiveStreamInput{ExternalStreamID: 1, Name: "ESPN"})
	if err := s.BindLiveStreamEPG(ctx, lsID, "other-source", "espn.other"); err != nil {
		t.Fatalf("BindLiveStreamEPG: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><tv><channel id="espn.us"><display-name>ESPN</display-name></channel></tv>`))
	}))
	defer srv.Close()
	src, _ := s.CreateEpgSource(ctx, "guide", srv.URL, true)

	e := NewEngine(s, 1000)
	res := e.Sync(ctx, src, Config{WindowHours: 24, AutoMatchProviderID: p.ID})
	if res.Err != nil {
		t.Fatalf("Sync: %v", res.Err)
	}
	if res.Matched != 0 {
		t.Fatalf("matched=%d, want 0 (already bound elsewhere)", res.Matched)
	}
	ls, _ := s.GetLiveStream(ctx, lsID)
	if *ls.EPGSourceID != "other-source" {
		t.Fatalf("binding should be untouched, got %+v", ls)
	}
}
