// Package feed talks to the Adafruit IO REST API: it reads watering schedules
// from one feed and publishes controller status to another.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public Adafruit IO endpoint.
const DefaultBaseURL = "https://io.adafruit.com"

// DefaultTimeout bounds every request so a slow feed cannot stall the cycle.
const DefaultTimeout = 5 * time.Second

// maxErrorBody caps how much of an error response is kept for logging.
const maxErrorBody = 512

// ErrNotFound is returned when the feed does not exist.
var ErrNotFound = errors.New("feed not found")

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed: unexpected status %d: %s", e.Code, e.Body)
}

// Handle identifies an initialized feed. Obtain one from Client.Init.
type Handle struct {
	Name string
	Key  string
}

// Client is an Adafruit IO REST client for one account.
type Client struct {
	baseURL  string
	username string
	key      string
	http     *http.Client
}

// NewClient creates a client. An empty baseURL selects DefaultBaseURL and a
// zero timeout selects DefaultTimeout.
func NewClient(baseURL, username, key string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		key:      key,
		http:     &http.Client{Timeout: timeout},
	}
}

type feedJSON struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

type dataJSON struct {
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Init looks up a feed by name or key, creating it if it does not exist.
// Call once at startup; the returned Handle is used for all later writes.
func (c *Client) Init(ctx context.Context, name string) (Handle, error) {
	var f feedJSON
	err := c.do(ctx, http.MethodGet, c.feedPath(name), nil, &f)
	if errors.Is(err, ErrNotFound) {
		body := map[string]feedJSON{"feed": {Name: name}}
		err = c.do(ctx, http.MethodPost, c.userPath("feeds"), body, &f)
		if err != nil {
			return Handle{}, fmt.Errorf("create feed %q: %w", name, err)
		}
	} else if err != nil {
		return Handle{}, fmt.Errorf("get feed %q: %w", name, err)
	}
	if f.Key == "" {
		f.Key = name
	}
	if f.Name == "" {
		f.Name = name
	}
	return Handle{Name: f.Name, Key: f.Key}, nil
}

// Latest returns the newest data point of a feed, or nil if it has none.
func (c *Client) Latest(ctx context.Context, feedKey string) (*DataPoint, error) {
	var points []dataJSON
	path := c.feedPath(feedKey) + "/data?limit=1"
	if err := c.do(ctx, http.MethodGet, path, nil, &points); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return &DataPoint{Value: points[0].Value, CreatedAt: points[0].CreatedAt}, nil
}

// Send appends a value to a feed.
func (c *Client) Send(ctx context.Context, h Handle, value string) error {
	body := map[string]string{"value": value}
	if err := c.do(ctx, http.MethodPost, c.feedPath(h.Key)+"/data", body, nil); err != nil {
		return fmt.Errorf("send to feed %q: %w", h.Key, err)
	}
	return nil
}

// DataPoint is one value stored in a feed.
type DataPoint struct {
	Value     string
	CreatedAt time.Time
}

func (c *Client) userPath(rest string) string {
	return "/api/v2/" + url.PathEscape(c.username) + "/" + rest
}

func (c *Client) feedPath(key string) string {
	return c.userPath("feeds/" + url.PathEscape(key))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-AIO-Key", c.key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
