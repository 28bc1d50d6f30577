// Package coordinator talks to the remote grading service that owns records.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxAttempts     = 3
	defaultInitialInterval = 2 * time.Second
	defaultMultiplier      = 2

	successCode = "Success"
)

// Config holds coordinator credentials and retry settings.
type Config struct {
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
}

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver func(op string, err error, wait time.Duration)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetryObserver installs a retry hook, typically a metrics counter.
func WithRetryObserver(fn RetryObserver) Option {
	return func(c *Client) {
		c.onRetry = fn
	}
}

// Client is the unauthenticated coordinator client. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	cfg     Config
	http    *http.Client
	onRetry RetryObserver
}

// New creates a client rooted at baseURL.
func New(baseURL string, cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the response shape of every coordinator endpoint.
type envelope struct {
	ErrorCode string          `json:"error_code"`
	ErrorMsg  string          `json:"error_msg"`
	Data      json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	return e.ErrorCode == successCode
}

// errExhausted marks a call whose attempts all failed at the transport level.
var errExhausted = errors.New("coordinator request attempts exhausted")

// call sends the request built by build until it yields a decodable response
// envelope or attempts run out. The builder runs once per attempt.
func (c *Client) call(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) (envelope, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialInterval
	policy.Multiplier = defaultMultiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxAttempts-1)), ctx)

	var env envelope
	attempt := func() error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body failed: %w", err)
		}
		var decoded envelope
		if err := json.Unmarshal(body, &decoded); err != nil || decoded.ErrorCode == "" {
			if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("unexpected response (status %d): %s", resp.StatusCode, truncateBody(body)))
		}
		env = decoded
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn(ctx, "coordinator call failed, retrying", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		if c.onRetry != nil {
			c.onRetry(op, err, wait)
		}
	}
	if err := backoff.RetryNotify(attempt, bo, notify); err != nil {
		return envelope{}, fmt.Errorf("%w: %s: %w", errExhausted, op, err)
	}
	return env, nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// Login exchanges the configured username and password for an access token.
func (c *Client) Login(ctx context.Context) (*AuthedClient, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)
	form.Set("scope", "")
	form.Set("client_id", "")
	form.Set("client_secret", "")
	endpoint := c.baseURL + "/auth/login?response_type=json"

	env, err := c.call(ctx, "login", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build request failed: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.LoginFailed, "failed to request to login")
	}
	if !env.ok() {
		return nil, appErr.Newf(appErr.LoginFailed, "failed to login with error code %s", env.ErrorCode)
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(env.Data, &tokens); err != nil || tokens.AccessToken == "" {
		return nil, appErr.Newf(appErr.LoginFailed, "failed to login: malformed token response")
	}
	return newAuthedClient(c, tokens.AccessToken), nil
}
