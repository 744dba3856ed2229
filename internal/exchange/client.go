// Package exchange implements the derivatives-exchange REST client.
//
// The client signs requests with HMAC-SHA256 (or api-key only), rate-limits
// by call class, and retries transient failures. Endpoints:
//   - Products:          GET    /v2/products            — instrument metadata
//   - Ticker:            GET    /v2/tickers?symbol=X    — entry-price fallback
//   - OrdersPage:        GET    /v2/orders              — open orders, cursor-paginated
//   - PlaceOrder:        POST   /v2/orders              — single market/limit order
//   - PlaceBatch:        POST   /v2/orders/batch        — take-profit legs
//   - CancelOrder:       DELETE /v2/orders              — one order by id
//   - CancelAllOrders:   DELETE /v2/orders/all          — everything, every symbol
//   - Positions:         GET    /v2/positions           — falls back to /v2/positions/margined
//   - CloseAllPositions: POST   /v2/positions/close_all — flatten the account
//
// Every request gets a fresh signature per attempt (the signature binds the
// timestamp), up to 3 attempts with 300ms linear backoff on HTTP 429/5xx or
// an envelope error carrying one of those codes.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"delta-relay/internal/config"
	"delta-relay/pkg/types"
)

const (
	maxAttempts      = 3
	retryBackoffStep = 300 * time.Millisecond
)

// transientCodes are retryable both as HTTP statuses and as envelope error codes.
var transientCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RequestObserver receives one callback per completed HTTP attempt, for
// instrumentation. path is the route without query parameters.
type RequestObserver func(method, path string, status int)

// Client is the exchange REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and signing.
type Client struct {
	http    *resty.Client
	signer  *Signer
	rl      *RateLimiter
	dryRun  bool // when true, mutating methods return fake success without HTTP calls
	observe RequestObserver
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting, retry, and per-attempt
// signing installed as a request hook.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	c := &Client{
		signer: NewSigner(cfg.Exchange),
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}

	c.http = resty.New().
		SetBaseURL(strings.TrimRight(cfg.Exchange.BaseURL, "/")).
		SetTimeout(cfg.Exchange.Timeout).
		SetRetryCount(maxAttempts-1).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			return time.Duration(resp.Request.Attempt) * retryBackoffStep, nil
		}).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return transientCodes[r.StatusCode()] || isTransientEnvelope(r.Body())
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	// The hook runs on every attempt, so retries sign with a fresh timestamp.
	c.http.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		for k, v := range c.signer.Headers(r.Method, r.URL, r.QueryParam.Encode(), bodyString(r.Body)) {
			r.SetHeader(k, v)
		}
		return nil
	})

	c.http.OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
		if c.observe != nil {
			c.observe(r.Request.Method, r.Request.RawRequest.URL.Path, r.StatusCode())
		}
		return nil
	})

	return c
}

// SetRequestObserver installs the instrumentation callback. Call before the
// client is shared across goroutines.
func (c *Client) SetRequestObserver(fn RequestObserver) {
	c.observe = fn
}

// bodyString extracts the exact bytes resty will send, for signing.
// do() always sets the body as pre-marshaled json.RawMessage.
func bodyString(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case json.RawMessage:
		return string(b)
	case []byte:
		return string(b)
	case string:
		return b
	default:
		return ""
	}
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Context json.RawMessage `json:"context"`
}

// codeInt parses the error code, which the exchange serves as a number or a
// numeric string. Returns 0 when it is neither.
func (e *apiError) codeInt() int {
	if e == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.Trim(string(e.Code), `"`))
	if err != nil {
		return 0
	}
	return n
}

func (e *apiError) codeText() string {
	if e == nil || len(e.Code) == 0 {
		return "unknown"
	}
	return strings.Trim(string(e.Code), `"`)
}

type envelope struct {
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *apiError       `json:"error"`
	Meta    struct {
		After string `json:"after"`
	} `json:"meta"`
}

// isTransientEnvelope reports whether a 200-level body still carries a
// retryable failure (success=false with a transient code).
func isTransientEnvelope(body []byte) bool {
	var env envelope
	if json.Unmarshal(body, &env) != nil {
		return false
	}
	if env.Success == nil || *env.Success {
		return false
	}
	return transientCodes[env.Error.codeInt()]
}

// do performs one logical request: rate-limit, marshal, execute with retry,
// and decode the envelope. Errors embed method, URL, status, and body.
func (c *Client) do(ctx context.Context, bucket *TokenBucket, method, path string, query url.Values, payload any) (*envelope, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		req.SetBody(json.RawMessage(body))
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	if jerr := json.Unmarshal(resp.Body(), &env); jerr != nil || (env.Success == nil && env.Result == nil) {
		// Non-envelope gateway response; treat the whole body as the result.
		env = envelope{Result: append(json.RawMessage(nil), resp.Body()...)}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, resp.Request.URL, resp.StatusCode(), resp.String())
	}
	if env.Success != nil && !*env.Success {
		return nil, fmt.Errorf("%s %s: exchange error code %s: %s", method, resp.Request.URL, env.Error.codeText(), resp.String())
	}
	return &env, nil
}

// Products fetches the full instrument list.
func (c *Client) Products(ctx context.Context) ([]types.Product, error) {
	env, err := c.do(ctx, c.rl.Queries, http.MethodGet, "/v2/products", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []types.Product
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return rows, nil
}

// Ticker fetches the ticker for one symbol. The gateway serves a single
// object for an exact symbol match and an array otherwise; both are handled.
func (c *Client) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	env, err := c.do(ctx, c.rl.Queries, http.MethodGet, "/v2/tickers", q, nil)
	if err != nil {
		return nil, err
	}

	var row types.Ticker
	if err := json.Unmarshal(env.Result, &row); err == nil && (row.Symbol != "" || row.Price() > 0) {
		return &row, nil
	}

	var rows []types.Ticker
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, fmt.Errorf("decode ticker: %s", string(env.Result))
	}
	for _, r := range rows {
		if strings.EqualFold(r.Symbol, symbol) {
			return &r, nil
		}
	}
	if len(rows) > 0 {
		return &rows[0], nil
	}
	return nil, fmt.Errorf("ticker %s: no rows", symbol)
}

// OrdersPage fetches one page of orders in the given states. Returns the rows
// and the cursor for the next page ("" when this was the last page).
func (c *Client) OrdersPage(ctx context.Context, states, after string) ([]types.Order, string, error) {
	q := url.Values{}
	q.Set("states", states)
	q.Set("page_size", "200")
	if after != "" {
		q.Set("after", after)
	}
	env, err := c.do(ctx, c.rl.Queries, http.MethodGet, "/v2/orders", q, nil)
	if err != nil {
		return nil, "", err
	}
	var rows []types.Order
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, "", fmt.Errorf("decode orders: %w", err)
	}
	return rows, env.Meta.After, nil
}

// PlaceOrder submits a single order.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.ProductSymbol, "side", req.Side, "size", req.Size, "type", req.OrderType)
		return &types.Order{
			ProductSymbol: req.ProductSymbol,
			Side:          req.Side,
			Size:          types.FlexFloat(req.Size),
			OrderType:     req.OrderType,
			State:         "dry_run",
			ClientOrderID: req.ClientOrderID,
		}, nil
	}

	env, err := c.do(ctx, c.rl.Orders, http.MethodPost, "/v2/orders", nil, req)
	if err != nil {
		return nil, err
	}
	var row types.Order
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &row); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
	}
	c.logger.Info("order placed",
		"symbol", req.ProductSymbol, "side", req.Side, "size", req.Size, "id", row.ID)
	return &row, nil
}

// PlaceBatch submits the take-profit legs in one call.
func (c *Client) PlaceBatch(ctx context.Context, req types.BatchRequest) ([]types.Order, error) {
	if len(req.Orders) == 0 {
		return nil, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place batch",
			"symbol", req.ProductSymbol, "legs", len(req.Orders))
		rows := make([]types.Order, len(req.Orders))
		for i, leg := range req.Orders {
			rows[i] = types.Order{
				ProductID:     req.ProductID,
				ProductSymbol: req.ProductSymbol,
				Side:          leg.Side,
				Size:          types.FlexFloat(leg.Size),
				OrderType:     leg.OrderType,
				State:         "dry_run",
				ClientOrderID: leg.ClientOrderID,
			}
		}
		return rows, nil
	}

	env, err := c.do(ctx, c.rl.Orders, http.MethodPost, "/v2/orders/batch", nil, req)
	if err != nil {
		return nil, err
	}
	var rows []types.Order
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &rows); err != nil {
			// Some gateway versions wrap the created rows one level deeper.
			var wrapped struct {
				Orders []types.Order `json:"orders"`
			}
			if err2 := json.Unmarshal(env.Result, &wrapped); err2 != nil {
				return nil, fmt.Errorf("decode batch result: %w", err)
			}
			rows = wrapped.Orders
		}
	}
	c.logger.Info("batch placed", "symbol", req.ProductSymbol, "legs", len(req.Orders))
	return rows, nil
}

// CancelOrder cancels one order by id (and product id, which the exchange
// requires on deletes).
func (c *Client) CancelOrder(ctx context.Context, req types.DeleteOrderRequest) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "id", req.ID, "product_id", req.ProductID)
		return nil
	}
	_, err := c.do(ctx, c.rl.Orders, http.MethodDelete, "/v2/orders", nil, req)
	return err
}

// CancelAllOrders cancels every open order across all symbols.
func (c *Client) CancelAllOrders(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return nil
	}
	if _, err := c.do(ctx, c.rl.Orders, http.MethodDelete, "/v2/orders/all", nil, nil); err != nil {
		return err
	}
	c.logger.Warn("all orders cancelled")
	return nil
}

// Positions fetches all open positions. The plain endpoint rejects calls on
// some gateway configurations, so the margined variant is the fallback.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	env, err := c.do(ctx, c.rl.Queries, http.MethodGet, "/v2/positions", nil, nil)
	if err != nil {
		c.logger.Debug("positions endpoint failed, trying margined", "error", err)
		env, err = c.do(ctx, c.rl.Queries, http.MethodGet, "/v2/positions/margined", nil, nil)
		if err != nil {
			return nil, err
		}
	}

	var rows []types.Position
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		var single types.Position
		if err2 := json.Unmarshal(env.Result, &single); err2 != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		rows = []types.Position{single}
	}
	return rows, nil
}

// CloseAllPositions flattens the whole account in one call.
func (c *Client) CloseAllPositions(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close all positions")
		return nil
	}
	if _, err := c.do(ctx, c.rl.Orders, http.MethodPost, "/v2/positions/close_all", nil, nil); err != nil {
		return err
	}
	c.logger.Warn("all positions closed")
	return nil
}
