// Package client is a Go client for the ammd HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/phenomenon0/sportsamm/pkg/amm/parlay"
	"github.com/phenomenon0/sportsamm/pkg/amm/pool"
	"github.com/phenomenon0/sportsamm/pkg/amm/pricing"
	"github.com/phenomenon0/sportsamm/pkg/api"
	"github.com/phenomenon0/sportsamm/pkg/domain"
)

const (
	DefaultBaseURL = "http://localhost:8080"

	// Stay under the server's default per-IP limit.
	defaultRateLimit = 10.0
	defaultBurst     = 5
)

// Error is a non-2xx answer. It unwraps to the matching domain sentinel so callers
// can use errors.Is as they would against the AMM itself.
type Error struct {
	Status int
	Class  string
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Class, e.Msg)
}

func (e *Error) Unwrap() error {
	switch e.Class {
	case "validation":
		return domain.ErrValidation
	case "not_found":
		return domain.ErrNotFound
	case "cap_exceeded":
		return domain.ErrCapExceeded
	case "deposit_cap_exceeded":
		return domain.ErrDepositCapExceeded
	case "slippage_exceeded":
		return domain.ErrSlippageExceeded
	case "state":
		return domain.ErrState
	case "insufficient_liquidity":
		return domain.ErrInsufficientLiquidity
	case "not_whitelisted":
		return domain.ErrNotWhitelisted
	case "insufficient_stake":
		return domain.ErrInsufficientStake
	}
	return nil
}

// Client is an ammd API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures the client.
type Option func(*Client)

func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarketsFilter narrows ListMarkets; empty fields match everything.
type MarketsFilter struct {
	Status string
	Kind   string
}

func (c *Client) ListMarkets(ctx context.Context, f MarketsFilter) ([]api.MarketView, error) {
	params := url.Values{}
	if f.Status != "" {
		params.Set("status", f.Status)
	}
	if f.Kind != "" {
		params.Set("kind", f.Kind)
	}
	var out []api.MarketView
	return out, c.get(ctx, "/api/v1/markets", params, &out)
}

func (c *Client) GetMarket(ctx context.Context, addr common.Address) (api.MarketView, error) {
	var out api.MarketView
	return out, c.get(ctx, "/api/v1/markets/"+addr.Hex(), nil, &out)
}

func (c *Client) Children(ctx context.Context, addr common.Address) ([]api.MarketView, error) {
	var out []api.MarketView
	return out, c.get(ctx, "/api/v1/markets/"+addr.Hex()+"/children", nil, &out)
}

// Quote prices amount of position on a market. position is an index or a side name.
func (c *Client) Quote(ctx context.Context, addr common.Address, position string, side domain.TradeSide, amount decimal.Decimal) (pricing.Quote, error) {
	params := url.Values{}
	params.Set("position", position)
	params.Set("side", string(side))
	params.Set("amount", amount.String())
	var out pricing.Quote
	return out, c.get(ctx, "/api/v1/markets/"+addr.Hex()+"/quote", params, &out)
}

func (c *Client) Available(ctx context.Context, addr common.Address, position string) (api.Availability, error) {
	params := url.Values{}
	params.Set("position", position)
	var out api.Availability
	return out, c.get(ctx, "/api/v1/markets/"+addr.Hex()+"/available", params, &out)
}

// Trades returns the newest trades first; limit zero returns the whole history.
func (c *Client) Trades(ctx context.Context, addr common.Address, limit int) ([]domain.TradeEvent, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	var out []domain.TradeEvent
	return out, c.get(ctx, "/api/v1/markets/"+addr.Hex()+"/trades", params, &out)
}

// Parlay returns a live ticket.
func (c *Client) Parlay(ctx context.Context, id string) (parlay.Parlay, error) {
	var out parlay.Parlay
	return out, c.get(ctx, "/api/v1/parlays/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Pool(ctx context.Context) (pool.Status, error) {
	var out pool.Status
	return out, c.get(ctx, "/api/v1/pool", nil, &out)
}

func (c *Client) Round(ctx context.Context, n int) (pool.RoundInfo, error) {
	var out pool.RoundInfo
	return out, c.get(ctx, "/api/v1/pool/rounds/"+strconv.Itoa(n), nil, &out)
}

// History returns the closed rounds recorded in the journal.
func (c *Client) History(ctx context.Context) ([]domain.RoundEvent, error) {
	var out []domain.RoundEvent
	return out, c.get(ctx, "/api/v1/pool/history", nil, &out)
}

// get performs a GET request with rate limiting.
func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var er api.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			return &Error{Status: resp.StatusCode, Class: er.Class, Msg: er.Error}
		}
		return &Error{Status: resp.StatusCode, Class: "unknown", Msg: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsUnavailable reports whether err is a route the server has not configured.
func IsUnavailable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusServiceUnavailable
}
