// Package spotify polls the Spotify Web API for playlist adds and new
// releases and turns them into signal envelopes and track registry entries.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/chartpulse/chartpulse/internal/platform/observability"
)

const adapterName = "spotify"

// Client is an authenticated, rate-limited Spotify Web API client using the
// client-credentials flow.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// ClientConfig carries the credentials and endpoints for the client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	TokenURL     string
	RPS          float64
}

// NewClient builds a client whose transport refreshes the app token
// automatically.
func NewClient(ctx context.Context, cfg ClientConfig) *Client {
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}

	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}

	return &Client{
		httpClient: creds.Client(ctx),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// NewClientWithHTTP builds a client over a caller-supplied transport, used
// by tests with httptest servers.
func NewClientWithHTTP(httpClient *http.Client, baseURL string, rps float64) *Client {
	if rps <= 0 {
		rps = 1000
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// wire types, per the Web API reference

type wireArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireAlbum struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Artists     []wireArtist `json:"artists"`
	ReleaseDate string       `json:"release_date"`
}

type wireTrack struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Artists    []wireArtist `json:"artists"`
	Popularity int          `json:"popularity"`
}

type wirePlaylistItem struct {
	AddedAt string    `json:"added_at"`
	Track   wireTrack `json:"track"`
}

type playlistTracksResponse struct {
	Items []wirePlaylistItem `json:"items"`
	Next  *string            `json:"next"`
}

type newReleasesResponse struct {
	Albums struct {
		Items []wireAlbum `json:"items"`
	} `json:"albums"`
}

type albumTracksResponse struct {
	Items []wireTrack `json:"items"`
}

// PlaylistTracks fetches one page of a playlist's items.
func (c *Client) PlaylistTracks(ctx context.Context, playlistID string, limit, offset int) (playlistTracksResponse, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))
	query.Set("fields", "items(added_at,track(id,name,popularity,artists(id,name))),next")

	var out playlistTracksResponse
	err := c.get(ctx, fmt.Sprintf("/playlists/%s/tracks", playlistID), query, &out)

	return out, err
}

// NewReleases fetches the most recent album releases.
func (c *Client) NewReleases(ctx context.Context, limit int) (newReleasesResponse, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	var out newReleasesResponse
	err := c.get(ctx, "/browse/new-releases", query, &out)

	return out, err
}

// AlbumTracks fetches the track list of one album.
func (c *Client) AlbumTracks(ctx context.Context, albumID string) (albumTracksResponse, error) {
	var out albumTracksResponse
	err := c.get(ctx, fmt.Sprintf("/albums/%s/tracks", albumID), nil, &out)

	return out, err
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("spotify rate limit wait: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("spotify request %s: %w", path, err)
	}

	started := time.Now()

	resp, err := c.httpClient.Do(req)

	observability.AdapterFetchDuration.WithLabelValues(adapterName).Observe(time.Since(started).Seconds())

	if err != nil {
		observability.AdapterFetches.WithLabelValues(adapterName, "error").Inc()

		return fmt.Errorf("spotify fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.AdapterFetches.WithLabelValues(adapterName, strconv.Itoa(resp.StatusCode)).Inc()

		return fmt.Errorf("spotify fetch %s: status %d", path, resp.StatusCode)
	}

	observability.AdapterFetches.WithLabelValues(adapterName, "ok").Inc()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("spotify decode %s: %w", path, err)
	}

	return nil
}
