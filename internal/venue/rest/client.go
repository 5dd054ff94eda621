// Package rest is a venue client for exchanges that speak a signed JSON REST
// API. It turns HTTP outcomes into classified venue errors and refuses
// acknowledgements it cannot validate.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/crossarb/internal/crypto"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

const maxErrorBody = 4096

// SharedLimiter is a request budget shared with other processes that use the
// same credential.
type SharedLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Config describes one REST venue.
type Config struct {
	ID      string
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second for this process. Zero disables it.
	RateLimit float64
	Burst     int
	// SharedLimit caps requests per SharedWindow across processes when a
	// SharedLimiter is attached.
	SharedLimit  int
	SharedWindow time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSharedLimiter attaches a cross-process request budget.
func WithSharedLimiter(l SharedLimiter) Option {
	return func(c *Client) { c.shared = l }
}

// Client implements domain.Venue over HTTP.
type Client struct {
	cfg     Config
	base    *url.URL
	auth    *crypto.HMACAuth
	http    *http.Client
	limiter *rate.Limiter
	shared  SharedLimiter
	logger  *slog.Logger
}

// New creates a Client. auth may be nil for venues whose reads are public;
// order calls then fail with an unauthorized error from the venue.
func New(cfg Config, auth *crypto.HMACAuth, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("rest: venue id is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rest: venue %s: invalid base url %q", cfg.ID, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SharedWindow <= 0 {
		cfg.SharedWindow = time.Second
	}

	c := &Client{
		cfg:    cfg,
		base:   base,
		auth:   auth,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(slog.String("component", "venue"), slog.String("venue", cfg.ID)),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ID returns the venue id.
func (c *Client) ID() string { return c.cfg.ID }

// PlaceOrder submits req. The venue deduplicates on ClientID, so a retry after
// a timeout returns the original order instead of creating another.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	const op = "place_order"
	body := orderRequest{
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Type:     string(req.Type),
		Amount:   req.Amount,
		Price:    req.Price,
	}
	var resp orderResponse
	if err := c.do(ctx, op, http.MethodPost, "/api/v1/orders", nil, body, &resp); err != nil {
		return domain.OrderHandle{}, err
	}
	if resp.ClientID != "" && resp.ClientID != req.ClientID {
		return domain.OrderHandle{}, &domain.MalformedResponseError{
			Venue: c.cfg.ID, Op: op, Reason: "client id mismatch: sent " + req.ClientID + ", got " + resp.ClientID,
		}
	}
	price := resp.Price
	if price.IsZero() {
		price = resp.AvgPrice
	}
	amount := resp.Amount
	if amount.IsZero() {
		amount = req.Amount
	}
	return domain.NewOrderHandle(c.cfg.ID, resp.OrderID, req.ClientID, price, amount)
}

// GetOrderStatus queries one order by venue id.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.OrderStatus, error) {
	const op = "order_status"
	var resp orderResponse
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, op, http.MethodGet, "/api/v1/orders/"+url.PathEscape(orderID), q, nil, &resp); err != nil {
		return domain.OrderStatus{}, err
	}
	return resp.status(c.cfg.ID, op)
}

// FindOrder looks an order up by client id.
func (c *Client) FindOrder(ctx context.Context, symbol, clientID string) (domain.OrderStatus, error) {
	const op = "find_order"
	var resp orderResponse
	q := url.Values{"symbol": {symbol}, "client_id": {clientID}}
	err := c.do(ctx, op, http.MethodGet, "/api/v1/orders", q, nil, &resp)
	var ve *domain.VenueError
	if errors.As(err, &ve) && ve.HTTP == http.StatusNotFound {
		return domain.OrderStatus{}, fmt.Errorf("rest: %s order %s: %w", c.cfg.ID, clientID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrderStatus{}, err
	}
	return resp.status(c.cfg.ID, op)
}

// CancelOrder cancels a resting order. Cancelling an order that is already
// gone is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	q := url.Values{"symbol": {symbol}}
	err := c.do(ctx, "cancel_order", http.MethodDelete, "/api/v1/orders/"+url.PathEscape(orderID), q, nil, nil)
	var ve *domain.VenueError
	if errors.As(err, &ve) && ve.HTTP == http.StatusNotFound {
		return nil
	}
	return err
}

// OpenOrders lists resting orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderStatus, error) {
	const op = "open_orders"
	var resp openOrdersResponse
	if err := c.do(ctx, op, http.MethodGet, "/api/v1/orders/open", url.Values{"symbol": {symbol}}, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.OrderStatus, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		st, err := o.status(c.cfg.ID, op)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// GetBalance returns the free balance of asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	const op = "balance"
	var resp balanceResponse
	if err := c.do(ctx, op, http.MethodGet, "/api/v1/balances/"+url.PathEscape(asset), nil, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Free.IsNegative() {
		return decimal.Zero, &domain.MalformedResponseError{Venue: c.cfg.ID, Op: op, Reason: "negative balance " + resp.Free.String()}
	}
	return resp.Free, nil
}

// GetOrderBook fetches up to depth levels per side.
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBookSnapshot, error) {
	const op = "order_book"
	var resp bookResponse
	q := url.Values{"symbol": {symbol}, "depth": {strconv.Itoa(depth)}}
	if err := c.do(ctx, op, http.MethodGet, "/api/v1/book", q, nil, &resp); err != nil {
		return domain.OrderBookSnapshot{}, err
	}
	snap := domain.OrderBookSnapshot{
		Venue:     c.cfg.ID,
		Symbol:    symbol,
		Bids:      levels(resp.Bids),
		Asks:      levels(resp.Asks),
		Timestamp: time.Now(),
	}
	if resp.Timestamp > 0 {
		snap.Timestamp = time.UnixMilli(resp.Timestamp)
	}
	if err := snap.CheckLevels(); err != nil {
		return domain.OrderBookSnapshot{}, &domain.MalformedResponseError{Venue: c.cfg.ID, Op: op, Reason: err.Error()}
	}
	return snap.Truncate(depth), nil
}

// do sends one request and decodes a 2xx body into out. Every failure comes
// back as a *domain.VenueError or *domain.MalformedResponseError.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if err := c.wait(ctx, op); err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return domain.Persistent(c.cfg.ID, op, "encode request", domain.WithCause(err))
		}
	}

	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return domain.Persistent(c.cfg.ID, op, "build request", domain.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth.Sign(req, payload)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.MalformedResponseError{Venue: c.cfg.ID, Op: op, Reason: "decode body: " + err.Error()}
	}
	return nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if c.shared != nil && c.cfg.SharedLimit > 0 {
		ok, err := c.shared.Allow(ctx, c.cfg.ID, c.cfg.SharedLimit, c.cfg.SharedWindow)
		if err != nil {
			// The shared budget is advisory; the local limiter still applies.
			c.logger.WarnContext(ctx, "shared rate limiter unavailable", slog.String("error", err.Error()))
		} else if !ok {
			return domain.Transient(c.cfg.ID, op, "shared request budget exhausted", domain.WithCode(domain.CodeRateLimited))
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.Transient(c.cfg.ID, op, "rate limiter wait", domain.WithCode(domain.CodeRateLimited), domain.WithCause(err))
		}
	}
	return nil
}

func (c *Client) transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.Persistent(c.cfg.ID, op, "request cancelled", domain.WithCause(err))
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.Transient(c.cfg.ID, op, "request timed out", domain.WithCode(domain.CodeTimeout), domain.WithCause(err))
	}
	return domain.Transient(c.cfg.ID, op, "transport failure", domain.WithCode(domain.CodeUnavailable), domain.WithCause(err))
}

// statusError maps a non-2xx response: 429 and 5xx are transient, 408 is a
// timeout, everything else is persistent.
func (c *Client) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	opts := []domain.VenueErrorOption{domain.WithHTTP(resp.StatusCode)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Transient(c.cfg.ID, op, msg, append(opts, domain.WithCode(domain.CodeRateLimited))...)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return domain.Transient(c.cfg.ID, op, msg, append(opts, domain.WithCode(domain.CodeTimeout))...)
	case resp.StatusCode >= 500:
		return domain.Transient(c.cfg.ID, op, msg, append(opts, domain.WithCode(domain.CodeUnavailable))...)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Persistent(c.cfg.ID, op, msg, append(opts, domain.WithCode(domain.CodeUnauthorized))...)
	}

	code := body.Code
	if code == "" && resp.StatusCode != http.StatusNotFound {
		code = domain.CodeInvalidOrder
	}
	return domain.Persistent(c.cfg.ID, op, msg, append(opts, domain.WithCode(code))...)
}

var _ domain.Venue = (*Client)(nil)
