package providerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := httpfetch.New("test", 2*time.Second)
	l := ratelimit.New(1000, 10)
	return New(srv.URL, "user", "pass", f, l)
}

func TestGetCategories(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") != "get_vod_categories" {
			t.Fatalf("action=%q", r.URL.Query().Get("action"))
		}
		w.Write([]byte(`[{"category_id":"1","category_name":"Movies"},{"category_id":2,"category_name":"Kids"}]`))
	})
	cats, err := c.GetCategories(context.Background(), model.KindVOD)
	if err != nil {
		t.Fatalf("GetCategories: %v", err)
	}
	if len(cats) != 2 || cats[0].ExternalID != 1 || cats[1].ExternalID != 2 {
		t.Fatalf("cats=%+v", cats)
	}
}

func TestGetStreamsNumericOrStringNum(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"num":"5","name":"CNN","stream_id":100,"epg_channel_id":"cnn.us"}]`))
	})
	rows, err := c.GetStreams(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetStreams: %v", err)
	}
	if len(rows) != 1 || rows[0].ChannelNumber != 5 || rows[0].EPGChannelID != "cnn.us" {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestGetVodStreamsTmdbIDOptional(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"stream_id":1,"name":"Dune","container_extension":"mkv","tmdb_id":"438631"},{"stream_id":2,"name":"NoMeta"}]`))
	})
	rows, err := c.GetVodStreams(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetVodStreams: %v", err)
	}
	if rows[0].ExternalMetadataID == nil || *rows[0].ExternalMetadataID != 438631 {
		t.Fatalf("row0 meta id = %v", rows[0].ExternalMetadataID)
	}
	if rows[1].ExternalMetadataID != nil {
		t.Fatalf("row1 should have nil metadata id, got %v", rows[1].ExternalMetadataID)
	}
}

func TestGetSeriesInfoSeasonKeyedAndFlat(t *testing.T) {
	keyed := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"episodes":{"1":[{"id":"e1","season_num":1,"title":"Pilot","container_extension":"mkv"}]}}`))
	})
	eps, err := keyed.GetSeriesInfo(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetSeriesInfo (keyed): %v", err)
	}
	if len(eps) != 1 || eps[0].SeasonNumber != 1 || eps[0].Title != "Pilot" {
		t.Fatalf("eps=%+v", eps)
	}

	flat := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"episodes":[{"id":"e2","season_num":2,"title":"Flat"}]}`))
	})
	eps2, err := flat.GetSeriesInfo(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetSeriesInfo (flat): %v", err)
	}
	if len(eps2) != 1 || eps2[0].SeasonNumber != 2 {
		t.Fatalf("eps2=%+v", eps2)
	}
}

func TestStreamBaseFallsBackToBaseURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"server_info":{}}`))
	})
	base, err := c.StreamBase(context.Background())
	if err != nil {
		t.Fatalf("StreamBase: %v", err)
	}
	if base != c.BaseURL {
		t.Fatalf("base=%q want %q", base, c.BaseURL)
	}
}

func TestGetCategoriesUnknownKind(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach server for unknown kind")
	})
	if _, err := c.GetCategories(context.Background(), model.Kind("bogus")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
