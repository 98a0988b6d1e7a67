package metadataclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
)

func TestCleanTitle(t *testing.T) {
	cases := []struct {
		in        string
		wantTitle string
		wantYear  int
	}{
		{"Dune.mkv", "Dune", 0},
		{"Dune (2021)", "Dune", 2021},
		{"Blade Runner [1982].mp4", "Blade Runner", 1982},
		{"  Arrival   (2016)  ", "Arrival", 2016},
		{"NoYear", "NoYear", 0},
	}
	for _, c := range cases {
		title, year := CleanTitle(c.in)
		if title != c.wantTitle || year != c.wantYear {
			t.Errorf("CleanTitle(%q) = (%q, %d), want (%q, %d)", c.in, title, year, c.wantTitle, c.wantYear)
		}
	}
}

func TestScoreExactMatchBeatsSubstring(t *testing.T) {
	exact := Score("Dune", 2021, SearchResult{Title: "Dune", ReleaseYear: 2021})
	substr := Score("Dune", 2021, SearchResult{Title: "Dune Part Two", ReleaseYear: 2021})
	if exact <= substr {
		t.Fatalf("exact=%v should beat substring=%v", exact, substr)
	}
}

func TestBestPicksHighestScore(t *testing.T) {
	results := []SearchResult{
		{Title: "Dune Part Two", ReleaseYear: 2024, Popularity: 50},
		{Title: "Dune", ReleaseYear: 2021, Popularity: 10},
	}
	idx := Best("Dune", 2021, results)
	if idx != 1 {
		t.Fatalf("Best idx=%d, want 1", idx)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := httpfetch.New("metadata", 2*time.Second)
	l := ratelimit.New(1000, 10)
	c := New("test-token", "", "en-US", "US", f, l)
	return c, srv
}

// rewriteTransport points the client's fetcher at an httptest server by swapping
// apiBase via a custom RoundTripper, since apiBase is a package constant.
type rewriteTransport struct {
	base string
	rt   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.base
	return t.rt.RoundTrip(req)
}

func TestSearchMovieUsesBearerAuth(t *testing.T) {
	var gotAuth string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"results":[{"id":1,"title":"Dune","release_date":"2021-10-21","popularity":80.5,"vote_count":1000,"vote_average":8.0}]}`))
	})
	c.fetcher.Client.Transport = rewriteTransport{base: srv.Listener.Addr().String(), rt: http.DefaultTransport}

	results, err := c.SearchMovie(context.Background(), "Dune", 2021)
	if err != nil {
		t.Fatalf("SearchMovie: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1 || results[0].ReleaseYear != 2021 {
		t.Fatalf("results=%+v", results)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestMovieDetailParsesGenres(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":1,"title":"Dune","overview":"Desert planet","release_date":"2021-10-21","vote_average":8.0,"genres":[{"id":1,"name":"Sci-Fi"},{"id":2,"name":"Adventure"}]}`))
	})
	c.fetcher.Client.Transport = rewriteTransport{base: srv.Listener.Addr().String(), rt: http.DefaultTransport}

	d, err := c.MovieDetail(context.Background(), 1)
	if err != nil {
		t.Fatalf("MovieDetail: %v", err)
	}
	if len(d.Genres) != 2 || d.Genres[0] != "Sci-Fi" {
		t.Fatalf("genres=%v", d.Genres)
	}
}
