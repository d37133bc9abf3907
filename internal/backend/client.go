// Package backend talks to the paginated feed API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FetchAllLimit and above asks the backend for the whole result set in one page.
const FetchAllLimit = 1000

// ErrUnexpectedStatus is returned for any non-200 response.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Query describes one page request.
type Query struct {
	// Coordinates scopes the public feed; nil for the personal feed.
	Coordinates *model.Coordinates
	// AuthorID scopes the personal feed.
	AuthorID string
	Cursor   string
	Limit    int
	Page     int
}

// FetchAll reports whether q asks for the unpaginated result set.
func (q Query) FetchAll() bool {
	return q.Limit >= FetchAllLimit
}

// Page is one decoded response.
type Page struct {
	Items       []model.RawItem
	Cursor      string
	TotalItems  int
	CurrentPage int
	// Dropped counts items that could not be decoded at all.
	Dropped int
}

type pageRequest struct {
	Longitude string          `json:"longitude,omitempty"`
	Latitude  string          `json:"latitude,omitempty"`
	AuthorID  string          `json:"authorId,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Limit     int             `json:"limit"`
	Page      int             `json:"page,omitempty"`
}

type pageResponse struct {
	Items       []json.RawMessage `json:"items"`
	Cursor      json.RawMessage   `json:"cursor"`
	LastKey     json.RawMessage   `json:"lastKey"`
	TotalItems  int               `json:"totalItems"`
	CurrentPage int               `json:"currentPage"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Path    string
	Timeout time.Duration
	// RatePerSecond limits outgoing requests; 0 disables limiting.
	RatePerSecond float64
	Burst         int
}

// Client fetches pages from one feed endpoint.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient creates a client for cfg.BaseURL + cfg.Path.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.Path, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// FetchPage requests one page. In fetch-all mode the returned cursor is always "".
func (c *Client) FetchPage(ctx context.Context, q Query) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(encodeQuery(q))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pr pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	page := &Page{
		Items:       make([]model.RawItem, 0, len(pr.Items)),
		TotalItems:  pr.TotalItems,
		CurrentPage: pr.CurrentPage,
	}
	// One bad record must not cost the whole page.
	for i, raw := range pr.Items {
		var it model.RawItem
		if err := json.Unmarshal(raw, &it); err != nil {
			page.Dropped++
			c.log.Debug("undecodable item skipped", zap.Int("index", i), zap.Error(err))
			continue
		}
		page.Items = append(page.Items, it)
	}
	if !q.FetchAll() {
		page.Cursor = decodeCursor(pr.Cursor)
		if page.Cursor == "" {
			page.Cursor = decodeCursor(pr.LastKey)
		}
	}

	c.log.Debug("page fetched",
		zap.String("request_id", reqID),
		zap.Int("items", len(page.Items)),
		zap.Int("dropped", page.Dropped),
		zap.Bool("fetch_all", q.FetchAll()),
		zap.Bool("has_more", page.Cursor != ""),
		zap.Duration("took", time.Since(start)),
	)
	return page, nil
}

func encodeQuery(q Query) pageRequest {
	pr := pageRequest{
		AuthorID: q.AuthorID,
		Cursor:   encodeCursor(q.Cursor),
		Limit:    q.Limit,
		Page:     q.Page,
	}
	if q.Coordinates != nil {
		pr.Longitude, pr.Latitude = q.Coordinates.Format()
	}
	return pr
}

// decodeCursor flattens an opaque cursor to a string. Null or absent becomes "",
// a JSON string becomes its value, anything else keeps its raw JSON text.
func decodeCursor(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// encodeCursor reverses decodeCursor.
func encodeCursor(cursor string) json.RawMessage {
	if cursor == "" {
		return nil
	}
	if (strings.HasPrefix(cursor, "{") || strings.HasPrefix(cursor, "[")) && json.Valid([]byte(cursor)) {
		return json.RawMessage(cursor)
	}
	b, _ := json.Marshal(cursor)
	return b
}
