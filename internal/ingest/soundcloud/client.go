// Package soundcloud polls the Soundcloud trending charts and converts
// engagement growth into signal envelopes.
package soundcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/chartpulse/chartpulse/internal/platform/observability"
)

const adapterName = "soundcloud"

// Client is a rate-limited client for the api-v2 charts endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	limiter    *rate.Limiter
}

// NewClient builds a charts client. clientID is Soundcloud's public API key
// passed on every request.
func NewClient(httpClient *http.Client, baseURL, clientID string, rps float64) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if rps <= 0 {
		rps = 1
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type wireUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type wireChartTrack struct {
	ID            int64    `json:"id"`
	Title         string   `json:"title"`
	User          wireUser `json:"user"`
	PlaybackCount int64    `json:"playback_count"`
	LikesCount    int64    `json:"likes_count"`
	RepostsCount  int64    `json:"reposts_count"`
	CreatedAt     string   `json:"created_at"`
	LastModified  string   `json:"last_modified"`
	Genre         string   `json:"genre"`
}

type wireChartItem struct {
	Score float64        `json:"score"`
	Track wireChartTrack `json:"track"`
}

type chartsResponse struct {
	Collection []wireChartItem `json:"collection"`
}

// TrendingChart fetches the trending chart for one genre.
func (c *Client) TrendingChart(ctx context.Context, genre string, limit int) (chartsResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return chartsResponse{}, fmt.Errorf("soundcloud rate limit wait: %w", err)
	}

	query := url.Values{}
	query.Set("kind", "trending")
	query.Set("genre", genre)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("client_id", c.clientID)

	endpoint := c.baseURL + "/charts?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return chartsResponse{}, fmt.Errorf("soundcloud request: %w", err)
	}

	started := time.Now()

	resp, err := c.httpClient.Do(req)

	observability.AdapterFetchDuration.WithLabelValues(adapterName).Observe(time.Since(started).Seconds())

	if err != nil {
		observability.AdapterFetches.WithLabelValues(adapterName, "error").Inc()

		return chartsResponse{}, fmt.Errorf("soundcloud fetch charts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.AdapterFetches.WithLabelValues(adapterName, strconv.Itoa(resp.StatusCode)).Inc()

		return chartsResponse{}, fmt.Errorf("soundcloud fetch charts: status %d", resp.StatusCode)
	}

	observability.AdapterFetches.WithLabelValues(adapterName, "ok").Inc()

	var out chartsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return chartsResponse{}, fmt.Errorf("soundcloud decode charts: %w", err)
	}

	return out, nil
}
