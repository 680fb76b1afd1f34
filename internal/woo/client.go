package woo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"woosync/internal/models"

	"github.com/rs/zerolog"
)

// Transient marks a failure worth retrying: network errors, timeouts
// and 5xx responses from the sink.
var ErrTransient = errors.New("transient sink error")

// ErrAuthFailed means the sink rejected our consumer credentials.
var ErrAuthFailed = errors.New("sink authentication failed")

// APIError is a non-retryable sink rejection (4xx other than auth).
type APIError struct {
	Status int
	Code   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sink returned status %d (%s): %s", e.Status, e.Code, e.Body)
}

// Client speaks the sink's REST API (v3-style, basic-auth consumer
// key/secret). Responses are decoded into the caller's type; the client
// owns only transport, auth and error classification.
type Client struct {
	baseURL string
	key     string
	secret  string

	httpClient *http.Client
	logger     *zerolog.Logger
}

func NewClient(instance *models.Instance, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL:    instance.SinkURL,
		key:        instance.SinkKey,
		secret:     instance.SinkSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + "/wp-json/wc/v3/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal sink request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build sink request: %w", err)
	}
	req.SetBasicAuth(c.key, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading sink response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailed
	case resp.StatusCode >= 400:
		apiErr := &APIError{Status: resp.StatusCode, Body: truncate(string(data), 500)}
		var wcErr struct {
			Code string `json:"code"`
		}
		if json.Unmarshal(data, &wcErr) == nil {
			apiErr.Code = wcErr.Code
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode sink response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Get fetches a resource.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post creates a resource.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Put updates a resource.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, body, out)
}

// Delete removes a resource. force=true skips the sink's trash bin.
func (c *Client) Delete(ctx context.Context, path string, force bool) error {
	query := url.Values{}
	if force {
		query.Set("force", "true")
	}
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

// GetByID fetches one entity of a collection, nil when it is gone.
func (c *Client) GetByID(ctx context.Context, collection string, id int64, out any) error {
	err := c.Get(ctx, collection+"/"+strconv.FormatInt(id, 10), nil, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

// ErrNotFound means the sink has no entity under that id.
var ErrNotFound = errors.New("sink entity not found")
