// Package metadataclient is the L1 client for the external metadata API
// (TMDB-shaped: search/detail/genres/trending/list/discover/collection). See
// SPEC_FULL.md REDESIGN FLAGS §2 for why the Go-facing name is generic while
// the env vars stay TMDB_*-prefixed.
//
// Every call shares one small token-auth-then-typed-call request helper, and
// the genre id -> name lookup is built once and cached in-process.
package metadataclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
)

const apiBase = "https://api.themoviedb.org/3"

// Client is a rate-limited, retrying client for the metadata API, authorized
// either by bearer token or api_key query param.
type Client struct {
	Token    string
	APIKey   string
	Language string
	Region   string

	fetcher *httpfetch.Fetcher
	limiter *ratelimit.Limiter

	mu         sync.Mutex
	genres     map[int]string // movie+tv genre id -> name, 24h TTL cache
	genresAt   time.Time
}

// New returns a Client sharing the given fetcher/limiter (one per process,
// since there is exactly one external metadata origin).
func New(token, apiKey, language, region string, fetcher *httpfetch.Fetcher, limiter *ratelimit.Limiter) *Client {
	return &Client{Token: token, APIKey: apiKey, Language: language, Region: region, fetcher: fetcher, limiter: limiter}
}

// SetTransport overrides the client's underlying transport; used by tests in
// other packages that need to point Client at a local httptest server.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.fetcher.Client.Transport = rt
}

// Error wraps a non-ok httpfetch.Result with the path that produced it, or a
// response body that failed to decode (Status 0, Decode set).
type Error struct {
	Path   string
	Status int
	Decode error
}

func (e *Error) Error() string {
	if e.Decode != nil {
		return fmt.Sprintf("metadataclient: %s -> %v", e.Path, e.Decode)
	}
	return fmt.Sprintf("metadataclient: %s -> status %d", e.Path, e.Status)
}

func (e *Error) Unwrap() error { return e.Decode }

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if q == nil {
		q = url.Values{}
	}
	headers := map[string]string{}
	if c.Token != "" {
		headers["Authorization"] = "Bearer " + c.Token
	} else {
		q.Set("api_key", c.APIKey)
	}
	if c.Language != "" {
		q.Set("language", c.Language)
	}
	u := apiBase + path
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	res := c.fetcher.Get(ctx, u, headers)
	if !res.OK() {
		return nil, &Error{Path: path, Status: res.StatusCode}
	}
	return res.Body, nil
}

// SearchResult is one row of a /search/{movie,tv} response, trimmed to the
// fields this package's Score function needs.
type SearchResult struct {
	ID          int64
	Title       string
	ReleaseYear int
	Popularity  float64
	VoteCount   int
	VoteAverage float64
}

// SearchMovie queries /search/movie with an optional year hint and region.
func (c *Client) SearchMovie(ctx context.Context, query string, year int) ([]SearchResult, error) {
	q := url.Values{"query": {query}}
	if year > 0 {
		q.Set("year", strconv.Itoa(year))
	}
	if c.Region != "" {
		q.Set("region", c.Region)
	}
	return c.search(ctx, "/search/movie", q, "title", "release_date")
}

// SearchSeries queries /search/tv with an optional first_air_date_year hint.
func (c *Client) SearchSeries(ctx context.Context, query string, year int) ([]SearchResult, error) {
	q := url.Values{"query": {query}}
	if year > 0 {
		q.Set("first_air_date_year", strconv.Itoa(year))
	}
	return c.search(ctx, "/search/tv", q, "name", "first_air_date")
}

func (c *Client) search(ctx context.Context, path string, q url.Values, titleKey, dateKey string) ([]SearchResult, error) {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Path: path, Decode: err}
	}
	out := make([]SearchResult, 0, len(raw.Results))
	for _, r := range raw.Results {
		sr := SearchResult{
			ID:          int64(asFloat(r["id"])),
			Title:       asString(r[titleKey]),
			Popularity:  asFloat(r["popularity"]),
			VoteCount:   int(asFloat(r["vote_count"])),
			VoteAverage: asFloat(r["vote_average"]),
		}
		if d := asString(r[dateKey]); len(d) >= 4 {
			if y, err := strconv.Atoi(d[:4]); err == nil {
				sr.ReleaseYear = y
			}
		}
		out = append(out, sr)
	}
	return out, nil
}

// Detail is the hydrated detail shape stored by internal/store:
// title/overview/release-date/poster/backdrop/vote/genres plus the full raw
// object for forward-compatible fields.
type Detail struct {
	ID           int64
	Title        string
	Overview     string
	ReleaseDate  string
	PosterPath   string
	BackdropPath string
	VoteAverage  float64
	Genres       []string
	Raw          []byte
}

// MovieDetail fetches /movie/{id} with append_to_response.
func (c *Client) MovieDetail(ctx context.Context, id int64) (Detail, error) {
	return c.detail(ctx, fmt.Sprintf("/movie/%d", id), "credits,videos,images,release_dates", "title", "release_date")
}

// SeriesDetail fetches /tv/{id} with append_to_response.
func (c *Client) SeriesDetail(ctx context.Context, id int64) (Detail, error) {
	return c.detail(ctx, fmt.Sprintf("/tv/%d", id), "credits,videos,images,content_ratings", "name", "first_air_date")
}

func (c *Client) detail(ctx context.Context, path, appendTo, titleKey, dateKey string) (Detail, error) {
	body, err := c.get(ctx, path, url.Values{"append_to_response": {appendTo}})
	if err != nil {
		return Detail{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Detail{}, &Error{Path: path, Decode: err}
	}
	d := Detail{
		ID:           int64(asFloat(raw["id"])),
		Title:        asString(raw[titleKey]),
		Overview:     asString(raw["overview"]),
		ReleaseDate:  asString(raw[dateKey]),
		PosterPath:   asString(raw["poster_path"]),
		BackdropPath: asString(raw["backdrop_path"]),
		VoteAverage:  asFloat(raw["vote_average"]),
		Raw:          body,
	}
	if genres, ok := raw["genres"].([]any); ok {
		for _, g := range genres {
			if m, ok := g.(map[string]any); ok {
				d.Genres = append(d.Genres, asString(m["name"]))
			}
		}
	}
	return d, nil
}

// Genres returns the combined movie+tv genre id->name map, refreshed at most
// every 24h.
func (c *Client) Genres(ctx context.Context) (map[int]string, error) {
	c.mu.Lock()
	if c.genres != nil && time.Since(c.genresAt) < 24*time.Hour {
		defer c.mu.Unlock()
		return c.genres, nil
	}
	c.mu.Unlock()

	out := map[int]string{}
	for _, kind := range []string{"movie", "tv"} {
		body, err := c.get(ctx, "/genre/"+kind+"/list", nil)
		if err != nil {
			return nil, err
		}
		var raw struct {
			Genres []struct {
				ID   int    `json:"id"`
				Name string `json:"name"`
			} `json:"genres"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, &Error{Path: "/genre/" + kind + "/list", Decode: err}
		}
		for _, g := range raw.Genres {
			out[g.ID] = g.Name
		}
	}

	c.mu.Lock()
	c.genres, c.genresAt = out, time.Now()
	c.mu.Unlock()
	return out, nil
}

// Trending fetches /trending/{kind}/{time_window}.
func (c *Client) Trending(ctx context.Context, kind, timeWindow string, page int) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("/trending/%s/%s", kind, timeWindow), url.Values{"page": {strconv.Itoa(page)}})
}

// List fetches /{kind}/{list_key} (e.g. /movie/popular, /tv/top_rated).
func (c *Client) List(ctx context.Context, kind, listKey string, page int) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("/%s/%s", kind, listKey), url.Values{"page": {strconv.Itoa(page)}})
}

// Discover fetches /discover/{kind} with caller-supplied, already-whitelisted filters.
func (c *Client) Discover(ctx context.Context, kind string, filters url.Values, page int) ([]byte, error) {
	q := url.Values{}
	for k, v := range filters {
		q[k] = v
	}
	q.Set("page", strconv.Itoa(page))
	return c.get(ctx, "/discover/"+kind, q)
}

// Collection fetches /collection/{id}.
func (c *Client) Collection(ctx context.Context, id string) ([]byte, error) {
	return c.get(ctx, "/collection/"+id, nil)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

// CleanTitle strips known container-extension suffixes and extracts a
// trailing 4-digit year in parentheses or brackets. Idempotent: calling it
// again on its own output is a no-op.
func CleanTitle(raw string) (title string, year int) {
	s := strings.TrimSpace(raw)
	for _, ext := range []string{".mp4", ".mkv", ".avi", ".ts", ".m3u8", ".mov"} {
		if strings.HasSuffix(strings.ToLower(s), ext) {
			s = s[:len(s)-len(ext)]
		}
	}
	s = strings.TrimSpace(s)

	// Find the last (YYYY) or [YYYY] at the end of the string.
	for {
		trimmed := strings.TrimSpace(s)
		if len(trimmed) < 6 {
			break
		}
		last := trimmed[len(trimmed)-1]
		var open byte
		switch last {
		case ')':
			open = '('
		case ']':
			open = '['
		default:
			break
		}
		if open == 0 {
			break
		}
		idx := strings.LastIndexByte(trimmed, rune(open))
		if idx < 0 {
			break
		}
		inner := trimmed[idx+1 : len(trimmed)-1]
		if len(inner) == 4 {
			if y, err := strconv.Atoi(inner); err == nil && y > 1880 && y < 2100 {
				year = y
				s = strings.TrimSpace(trimmed[:idx])
				continue
			}
		}
		break
	}
	title = collapseWhitespace(s)
	if title != collapseWhitespace(raw) {
		// Stripping one suffix can expose another ("Dune.mkv (2021)"), so
		// clean again until nothing changes.
		var y int
		title, y = CleanTitle(title)
		if year == 0 {
			year = y
		}
	}
	return title, year
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Score ranks a SearchResult against the wanted title/year using a weighted
// formula of exact/substring title match plus year proximity.
func Score(wantedTitle string, wantedYear int, r SearchResult) float64 {
	var score float64
	want := strings.ToLower(strings.TrimSpace(wantedTitle))
	cand := strings.ToLower(strings.TrimSpace(r.Title))
	if want == cand {
		score += 200
	} else if strings.Contains(cand, want) {
		score += 80
	}
	if wantedYear > 0 && r.ReleaseYear > 0 {
		diff := wantedYear - r.ReleaseYear
		if diff < 0 {
			diff = -diff
		}
		if bonus := 60 - 10*diff; bonus > 0 {
			score += float64(bonus)
		}
	}
	score += 2 * r.Popularity
	score += 0.02 * float64(r.VoteCount)
	return score
}

// Best returns the index of the highest-scoring result, or -1 if empty.
func Best(wantedTitle string, wantedYear int, results []SearchResult) int {
	best := -1
	var bestScore float64
	for i, r := range results {
		s := Score(wantedTitle, wantedYear, r)
		if best == -1 || s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}
