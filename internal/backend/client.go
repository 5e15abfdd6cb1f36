// Package backend is the agent's client for the outreach HTTP API.
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

	"github.com/cenkalti/backoff/v4"

	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
)

// APIKeyHeader carries the shared key on token exchange.
const APIKeyHeader = "X-Outreach-Key"

var ErrRejected = errors.New("backend rejected request")

type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Envelope is the JSON shape of every API response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Retries int
	APIKey  string
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
	// Backoff overrides the retry schedule.
	Backoff func() backoff.BackOff
}

type Client struct {
	base    string
	http    *http.Client
	retries int
	apiKey  string
	backoff func() backoff.BackOff
	log     *logging.Logger
}

func New(opts Options, log *logging.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	bo := opts.Backoff
	if bo == nil {
		bo = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		retries: opts.Retries,
		apiKey:  opts.APIKey,
		backoff: bo,
		log:     log.With("module", "backend"),
	}
}

func (c *Client) ExchangeToken(ctx context.Context, uid string) (Token, error) {
	var tok Token
	err := c.post(ctx, "/auth/token", "", map[string]string{"uid": uid}, &tok)
	return tok, err
}

func (c *Client) StoreProfile(ctx context.Context, token, uid string, p *models.Profile) error {
	return c.post(ctx, "/storeProfile", token, map[string]any{"uid": uid, "data": p}, nil)
}

func (c *Client) StoreMessages(ctx context.Context, token, uid string, data json.RawMessage) error {
	return c.post(ctx, "/storeMessages", token, map[string]any{"uid": uid, "data": data}, nil)
}

// post sends body as JSON and decodes the envelope's data into out. Network
// errors and 5xx responses are retried; 4xx responses are not.
func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.apiKey != "" {
			req.Header.Set(APIKeyHeader, c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warn("backend request failed", "path", path, "attempt", attempt, "err", err)
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		var env Envelope
		if jerr := json.Unmarshal(raw, &env); jerr != nil && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("decode %s response (%d): %w", path, resp.StatusCode, jerr))
		}
		switch {
		case resp.StatusCode >= 500:
			c.log.Warn("backend server error", "path", path, "status", resp.StatusCode, "attempt", attempt)
			return fmt.Errorf("%s: status %d", path, resp.StatusCode)
		case resp.StatusCode >= 400 || !env.Success:
			msg := env.Error
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrRejected, path, msg))
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s data: %w", path, err))
			}
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), uint64(max(c.retries, 0))), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return err
	}
	c.log.Debug("backend request ok", "path", path, "attempts", attempt)
	return nil
}
