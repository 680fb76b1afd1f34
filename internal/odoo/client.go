package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"woosync/internal/models"

	"github.com/rs/zerolog"
)

// ErrAuthFailed means the source rejected our credentials.
var ErrAuthFailed = errors.New("source authentication failed")

// Client speaks the source system's JSON-RPC API. It authenticates
// lazily and caches the user id; a 401-equivalent response invalidates
// the session so the next call re-authenticates.
type Client struct {
	url      string
	database string
	username string
	password string

	httpClient *http.Client
	logger     *zerolog.Logger

	mu  sync.Mutex
	uid int64
}

func NewClient(instance *models.Instance, logger *zerolog.Logger) *Client {
	return &Client{
		url:        instance.SourceURL,
		database:   instance.SourceDB,
		username:   instance.SourceUsername,
		password:   instance.SourcePassword,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("source rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to unmarshal rpc result: %w", err)
		}
	}
	return nil
}

// authenticate logs in and caches the user id.
func (c *Client) authenticate(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}

	var result any
	err := c.call(ctx, "common", "login", []any{c.database, c.username, c.password}, &result)
	if err != nil {
		return 0, err
	}

	// A failed login returns false instead of a numeric uid.
	uid, ok := result.(float64)
	if !ok || uid == 0 {
		return 0, ErrAuthFailed
	}
	c.uid = int64(uid)
	c.logger.Debug().Int64("uid", c.uid).Str("db", c.database).Msg("Source session established")
	return c.uid, nil
}

// ExecuteKw invokes model.method with positional args and kwargs.
func (c *Client) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	err = c.call(ctx, "object", "execute_kw",
		[]any{c.database, uid, c.password, model, method, args, kwargs}, out)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == 100 {
			// Session expired, force a fresh login on the next call.
			c.mu.Lock()
			c.uid = 0
			c.mu.Unlock()
		}
		return err
	}
	return nil
}

// SearchRead fetches records matching a domain filter.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit, offset int, out any) error {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if offset > 0 {
		kwargs["offset"] = offset
	}
	return c.ExecuteKw(ctx, model, "search_read", []any{domain}, kwargs, out)
}

// SearchCount counts records matching a domain filter.
func (c *Client) SearchCount(ctx context.Context, model string, domain []any) (int, error) {
	var count int
	if err := c.ExecuteKw(ctx, model, "search_count", []any{domain}, nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// Create inserts one record and returns its id.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	var id int64
	if err := c.ExecuteKw(ctx, model, "create", []any{values}, nil, &id); err != nil {
		return 0, err
	}
	return id, nil
}
