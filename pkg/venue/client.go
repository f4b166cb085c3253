// Package venue contains the concrete adapters for the trading venue:
// an HTTP client implementing model.OrderGateway and a websocket feed
// implementing model.MarketFeed.
//
// The client owns session handling. Login exchanges credentials plus a
// freshly generated TOTP for a bearer token; every venue error is mapped
// to one of the model sentinel errors so callers can reason about retry
// safety without knowing HTTP.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"tradecore/internal/model"
)

// ClientConfig configures the venue HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string // base32 seed for session TOTP
	Timeout    time.Duration
}

// Client is the REST order gateway.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string

	// SessionExpiryHook, if set, is called when the venue rejects the
	// session token. The engine uses it to suspend new entries.
	SessionExpiryHook func()
}

// NewClient creates a venue client. Call Login before placing orders.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login establishes a session. The TOTP is generated from the
// configured seed at call time so the client can re-login unattended.
func (c *Client) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"client_code": c.cfg.ClientCode,
		"password":    c.cfg.Password,
		"totp":        code,
	})

	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("login: %w: empty access token", model.ErrAuth)
	}

	c.mu.Lock()
	c.accessToken = out.AccessToken
	c.mu.Unlock()
	return nil
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PlaceOrder submits an order. The correlation id rides in the request
// body and as an idempotency header, so resubmitting after an ambiguous
// failure is safe.
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	var out placeOrderResponse
	if err := c.doAuthed(ctx, http.MethodPost, "/orders", req.CorrelationID, body, &out); err != nil {
		return "", err
	}
	if out.Status == "REJECTED" {
		return "", fmt.Errorf("%w: %s", model.ErrRejected, out.Message)
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("%w: no order id in response", model.ErrRejected)
	}
	return out.OrderID, nil
}

// GetOpenPositions returns the venue's open positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]model.VenuePosition, error) {
	var out struct {
		Positions []model.VenuePosition `json:"positions"`
	}
	if err := c.doAuthed(ctx, http.MethodGet, "/positions", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func (c *Client) doAuthed(ctx context.Context, method, path, idempotencyKey string, body []byte, out any) error {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token == "" {
		return fmt.Errorf("%w: not logged in", model.ErrAuth)
	}
	return c.request(ctx, method, path, token, idempotencyKey, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	return c.request(ctx, method, path, "", "", body, out)
}

func (c *Client) request(ctx context.Context, method, path, token, idempotencyKey string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Client-side timeouts surface as url.Error with Timeout() true,
		// which model.IsTransient already understands.
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapStatus(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// mapStatus translates venue HTTP failures into model sentinels.
func (c *Client) mapStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if c.SessionExpiryHook != nil {
			c.SessionExpiryHook()
		}
		return fmt.Errorf("%w: status %d: %s", model.ErrAuth, status, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", model.ErrRateLimited, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", model.ErrTimeout, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", model.ErrDisconnected, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", model.ErrRejected, status, msg)
	}
}
