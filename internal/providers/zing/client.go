// Package zing talks to the zing-api sidecar that fronts the Zing MP3 catalog.
package zing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zingrelay/internal/domain"
	"zingrelay/internal/metrics"
)

const (
	defaultBaseURL = "http://zing-api:5555"
	defaultTimeout = 10 * time.Second
	unknownArtist  = "Unknown"
	maxBodyBytes   = 2 << 20
)

type Client struct {
	baseURL string
	http    *http.Client
}

type Config struct {
	BaseURL string
	Client  *http.Client
}

type songItem struct {
	EncodeID     string `json:"encodeId"`
	Title        string `json:"title"`
	ArtistsNames string `json:"artistsNames"`
	ThumbnailM   string `json:"thumbnailM"`
	Thumbnail    string `json:"thumbnail"`
}

type searchResponse struct {
	Data struct {
		Songs []songItem `json:"songs"`
	} `json:"data"`
}

type songResponse struct {
	Data map[string]any `json:"data"`
	URL  any            `json:"url"`
}

// linkExtractor pulls a playable URL out of a song response, or "".
type linkExtractor func(songResponse) string

// linkExtractors are tried in order; the first non-empty result wins.
var linkExtractors = []linkExtractor{
	func(r songResponse) string { return playableURL(r.Data["128"]) },
	func(r songResponse) string { return playableURL(r.URL) },
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Search returns the upstream candidates for query in upstream order.
func (c *Client) Search(ctx context.Context, query string) ([]domain.Track, error) {
	params := url.Values{"q": {query}}
	var response searchResponse
	if err := c.getJSON(ctx, "search", "/api/search?"+params.Encode(), &response, false); err != nil {
		return nil, err
	}

	tracks := make([]domain.Track, 0, len(response.Data.Songs))
	for _, song := range response.Data.Songs {
		if strings.TrimSpace(song.EncodeID) == "" {
			continue
		}
		artist := song.ArtistsNames
		if artist == "" {
			artist = unknownArtist
		}
		thumbnail := song.ThumbnailM
		if thumbnail == "" {
			thumbnail = song.Thumbnail
		}
		tracks = append(tracks, domain.Track{
			ID:        song.EncodeID,
			Title:     song.Title,
			Artist:    artist,
			Thumbnail: thumbnail,
		})
	}
	return tracks, nil
}

// StreamLink asks upstream for a playable URL. ok is false when upstream
// answered but exposed no link, which is how restricted tracks look.
func (c *Client) StreamLink(ctx context.Context, trackID string) (link string, ok bool, err error) {
	params := url.Values{"id": {trackID}}
	var response songResponse
	// zing-api reports restricted songs with a non-2xx JSON body.
	if err := c.getJSON(ctx, "song", "/api/song?"+params.Encode(), &response, true); err != nil {
		return "", false, err
	}
	for _, extract := range linkExtractors {
		if link := extract(response); link != "" {
			return link, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) getJSON(ctx context.Context, operation, path string, dest any, acceptErrorBody bool) error {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.UpstreamRequestsTotal.WithLabelValues(operation, status).Inc()
		metrics.UpstreamRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if (resp.StatusCode < 200 || resp.StatusCode > 299) && !acceptErrorBody {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("zing %s HTTP %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("zing %s decode: %w", operation, err)
	}
	status = "ok"
	return nil
}

func playableURL(value any) string {
	raw, ok := value.(string)
	if !ok {
		return ""
	}
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	return raw
}
