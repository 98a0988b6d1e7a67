// Package providerclient is the L1 Xtream-style upstream client: discrete
// player_api.php actions (get_live_categories, get_live_streams,
// get_vod_streams, get_series, get_series_info, ...) built on
// internal/httpfetch and internal/ratelimit, exposed as per-action methods
// rather than a one-shot full-catalog fetch so internal/catalogsync can call
// them independently per Category.
package providerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mediacatalog/catalogd/internal/httpfetch"
	"github.com/mediacatalog/catalogd/internal/model"
	"github.com/mediacatalog/catalogd/internal/ratelimit"
)

// Client talks to one Provider's player_api.php, rate-limited per provider
// origin and retried per internal/httpfetch's typed error taxonomy.
type Client struct {
	BaseURL  string
	Username string
	Password string

	fetcher *httpfetch.Fetcher
	limiter *ratelimit.Limiter
}

// New returns a Client for one Provider, sharing fetcher/limiter instances
// pulled from the caller's per-origin registries.
func New(baseURL, username, password string, fetcher *httpfetch.Fetcher, limiter *ratelimit.Limiter) *Client {
	return &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		Username: username,
		Password: password,
		fetcher:  fetcher,
		limiter:  limiter,
	}
}

// Error wraps a non-ok httpfetch.Result with the action that produced it.
type Error struct {
	Action string
	Kind   model.ErrorKind
	Status int
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider client: action=%s kind=%s status=%d", e.Action, e.Kind, e.Status)
}

func (c *Client) get(ctx context.Context, action string, extra url.Values) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("username", c.Username)
	q.Set("password", c.Password)
	if action != "" {
		q.Set("action", action)
	}
	for k, v := range extra {
		q[k] = v
	}
	res := c.fetcher.Get(ctx, c.BaseURL+"/player_api.php?"+q.Encode(), nil)
	if !res.OK() {
		return nil, &Error{Action: action, Kind: res.Kind, Status: res.StatusCode}
	}
	return res.Body, nil
}

// ServerInfo is the subset of the bare player_api.php handshake this client
// uses to resolve the stream base.
type ServerInfo struct {
	URL       string
	ServerURL string
}

// Handshake performs the unauthenticated-action request and returns the
// stream base URL to construct play URLs from.
func (c *Client) Handshake(ctx context.Context) (ServerInfo, error) {
	body, err := c.get(ctx, "", nil)
	if err != nil {
		return ServerInfo{}, err
	}
	var data struct {
		ServerInfo struct {
			URL       string `json:"url"`
			ServerURL string `json:"server_url"`
		} `json:"server_info"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return ServerInfo{}, fmt.Errorf("decode handshake: %w", err)
	}
	return ServerInfo{URL: data.ServerInfo.URL, ServerURL: data.ServerInfo.ServerURL}, nil
}

// StreamBase returns the resolved stream base, falling back to BaseURL when
// the upstream omits server_info.
func (c *Client) StreamBase(ctx context.Context) (string, error) {
	info, err := c.Handshake(ctx)
	if err != nil {
		return "", err
	}
	base := info.ServerURL
	if base == "" {
		base = info.URL
	}
	if base == "" {
		base = c.BaseURL
	}
	return strings.TrimSuffix(base, "/"), nil
}

// GetCategories fetches one of get_live_categories / get_vod_categories /
// get_series_categories depending on kind.
func (c *Client) GetCategories(ctx context.Context, kind model.Kind) ([]model.Category, error) {
	action := map[model.Kind]string{
		model.KindLive:   "get_live_categories",
		model.KindVOD:     "get_vod_categories",
		model.KindSeries: "get_series_categories",
	}[kind]
	if action == "" {
		return nil, fmt.Errorf("providerclient: unknown category kind %q", kind)
	}
	body, err := c.get(ctx, action, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		CategoryID   jsonNumStr `json:"category_id"`
		CategoryName string     `json:"category_name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", action, err)
	}
	out := make([]model.Category, 0, len(raw))
	for _, r := range raw {
		out = append(out, model.Category{Kind: kind, ExternalID: int64(r.CategoryID), Name: r.CategoryName})
	}
	return out, nil
}

// LiveStreamRow is one raw get_live_streams entry, pre-mapping to model.LiveStream.
type LiveStreamRow struct {
	StreamID      int64
	Name          string
	IconURL       string
	CategoryExtID int64
	EPGChannelID  string
	ChannelNumber int
}

// GetStreams fetches get_live_streams for one category. Called once per
// Category so a single category's failure doesn't abort the sync.
func (c *Client) GetStreams(ctx context.Context, categoryExtID int64) ([]LiveStreamRow, error) {
	body, err := c.get(ctx, "get_live_streams", url.Values{"category_id": {strconv.FormatInt(categoryExtID, 10)}})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Num          jsonNumStr `json:"num"`
		Name         string     `json:"name"`
		StreamID     int64      `json:"stream_id"`
		StreamIcon   string     `json:"stream_icon"`
		EpgChannelID string     `json:"epg_channel_id"`
		CategoryID   jsonNumStr `json:"category_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode get_live_streams: %w", err)
	}
	out := make([]LiveStreamRow, 0, len(raw))
	for _, r := range raw {
		out = append(out, LiveStreamRow{
			StreamID:      r.StreamID,
			Name:          r.Name,
			IconURL:       r.StreamIcon,
			CategoryExtID: int64(r.CategoryID),
			EPGChannelID:  strings.TrimSpace(r.EpgChannelID),
			ChannelNumber: int(r.Num),
		})
	}
	return out, nil
}

// VodStreamRow is one raw get_vod_streams entry.
type VodStreamRow struct {
	StreamID           int64
	Name               string
	IconURL            string
	ContainerExt       string
	CategoryExtID      int64
	ExternalMetadataID *int64
}

// GetVodStreams fetches get_vod_streams for one category.
func (c *Client) GetVodStreams(ctx context.Context, categoryExtID int64) ([]VodStreamRow, error) {
	body, err := c.get(ctx, "get_vod_streams", url.Values{"category_id": {strconv.FormatInt(categoryExtID, 10)}})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		StreamID    int64      `json:"stream_id"`
		Name        string     `json:"name"`
		StreamIcon  string     `json:"stream_icon"`
		Container   string     `json:"container_extension"`
		CategoryID  jsonNumStr `json:"category_id"`
		TmdbID      jsonNumStr `json:"tmdb_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode get_vod_streams: %w", err)
	}
	out := make([]VodStreamRow, 0, len(raw))
	for _, r := range raw {
		ext := r.Container
		if ext == "" {
			ext = "mp4"
		}
		row := VodStreamRow{
			StreamID:      r.StreamID,
			Name:          r.Name,
			IconURL:       r.StreamIcon,
			ContainerExt:  ext,
			CategoryExtID: int64(r.CategoryID),
		}
		if r.TmdbID > 0 {
			id := int64(r.TmdbID)
			row.ExternalMetadataID = &id
		}
		out = append(out, row)
	}
	return out, nil
}

// SeriesRow is one raw get_series entry.
type SeriesRow struct {
	SeriesID           int64
	Name               string
	IconURL            string
	CategoryExtID      int64
	ExternalMetadataID *int64
}

// GetSeries fetches get_series for one category.
func (c *Client) GetSeries(ctx context.Context, categoryExtID int64) ([]SeriesRow, error) {
	body, err := c.get(ctx, "get_series", url.Values{"category_id": {strconv.FormatInt(categoryExtID, 10)}})
	if err != nil {
		return nil, err
	}
	var raw []struct {
		SeriesID   int64      `json:"series_id"`
		Name       string     `json:"name"`
		Cover      string     `json:"cover"`
		CategoryID jsonNumStr `json:"category_id"`
		TmdbID     jsonNumStr `json:"tmdb"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode get_series: %w", err)
	}
	out := make([]SeriesRow, 0, len(raw))
	for _, r := range raw {
		row := SeriesRow{SeriesID: r.SeriesID, Name: r.Name, IconURL: r.Cover, CategoryExtID: int64(r.CategoryID)}
		if r.TmdbID > 0 {
			id := int64(r.TmdbID)
			row.ExternalMetadataID = &id
		}
		out = append(out, row)
	}
	return out, nil
}

// EpisodeRow is one raw get_series_info episode entry.
type EpisodeRow struct {
	ID           string
	SeasonNumber int
	Title        string
	ContainerExt string
	DurationSecs int
	RawPayload   []byte
}

// rawEpisode is one get_series_info episode entry, however the upstream
// panel shapes the enclosing episodes structure (map-of-season or flat list).
type rawEpisode struct {
	ID         string     `json:"id"`
	SeasonNum  jsonNumStr `json:"season_num"`
	Title      string     `json:"title"`
	Container  string     `json:"container_extension"`
	Info       struct {
		DurationSecs jsonNumStr `json:"duration_secs"`
	} `json:"info"`
}

// GetSeriesInfo fetches get_series_info and returns its episodes flattened
// across seasons (internal/store.UpsertSeason/UpsertEpisode group them back
// up by season number).
func (c *Client) GetSeriesInfo(ctx context.Context, seriesExtID int64) ([]EpisodeRow, error) {
	body, err := c.get(ctx, "get_series_info", url.Values{"series_id": {strconv.FormatInt(seriesExtID, 10)}})
	if err != nil {
		return nil, err
	}
	var info struct {
		Episodes json.RawMessage `json:"episodes"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode get_series_info: %w", err)
	}

	var flat []rawEpisode
	// episodes arrives as {"1":[...],"2":[...]} (keyed by season number) on
	// most panels; fall back to a flat array for the rest.
	var bySeason map[string][]rawEpisode
	if err := json.Unmarshal(info.Episodes, &bySeason); err == nil {
		for _, eps := range bySeason {
			flat = append(flat, eps...)
		}
	} else if err := json.Unmarshal(info.Episodes, &flat); err != nil {
		return nil, fmt.Errorf("decode get_series_info episodes: %w", err)
	}

	out := make([]EpisodeRow, 0, len(flat))
	for _, ep := range flat {
		ext := ep.Container
		if ext == "" {
			ext = "mp4"
		}
		out = append(out, EpisodeRow{
			ID:           ep.ID,
			SeasonNumber: int(ep.SeasonNum),
			Title:        ep.Title,
			ContainerExt: ext,
			DurationSecs: int(ep.Info.DurationSecs),
		})
	}
	return out, nil
}

// jsonNumStr unmarshals a JSON value that may arrive as a string, an int, or
// a float into an int64-backed type (Xtream panels are inconsistent here).
type jsonNumStr int64

func (n *jsonNumStr) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = jsonNumStr(int64(f))
	return nil
}

// VodStreamURL builds a movie play URL: {base}/movie/{u}/{p}/{stream_id}.{ext}
//.
func VodStreamURL(base, username, password string, streamID int64, ext string) string {
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("%s/movie/%s/%s/%d.%s", strings.TrimSuffix(base, "/"), username, password, streamID, ext)
}

// EpisodeStreamURL builds a series episode play URL:
// {base}/series/{u}/{p}/{episode_id}.{ext}.
func EpisodeStreamURL(base, username, password string, episodeID int64, ext string) string {
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("%s/series/%s/%s/%d.%s", strings.TrimSuffix(base, "/"), username, password, episodeID, ext)
}
