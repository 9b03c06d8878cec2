package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra"
)

// Client is the V5 REST API client (Boundary Layer). It signs private calls,
// retries transport failures and validates the response envelope.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	timeout    time.Duration
	maxRetries int
	backoff    infra.Backoff
	logger     *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets how many times a transport failure is retried and the first delay.
func WithRetry(maxRetries int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoff = infra.Backoff{Base: base, Max: base << 4}
	}
}

// WithTimeout bounds every single HTTP attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRecvWindow sets the signed recv window in milliseconds.
func WithRecvWindow(ms int) ClientOption {
	return func(c *Client) { c.signer = NewSigner(ms) }
}

// NewClient creates a new V5 API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:     NewSigner(DefaultRecvWindow),
		timeout:    10 * time.Second,
		maxRetries: 3,
		backoff:    infra.Backoff{Base: time.Second, Max: 16 * time.Second},
		logger:     slog.Default().With("module", "bybit_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get issues a GET. A nil creds makes it an unsigned public call.
func (c *Client) get(ctx context.Context, path string, query url.Values, creds *domain.Credentials, out any) (time.Time, error) {
	return c.do(ctx, http.MethodGet, path, query.Encode(), nil, creds, out)
}

// post issues a signed POST with a JSON body.
func (c *Client) post(ctx context.Context, path string, body any, creds *domain.Credentials, out any) (time.Time, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal %s: %w", path, err)
	}
	return c.do(ctx, http.MethodPost, path, "", payload, creds, out)
}

// do runs the request with retries and decodes the envelope result into out.
// It returns the server time reported in the envelope.
func (c *Client) do(ctx context.Context, method, path, rawQuery string, body []byte, creds *domain.Credentials, out any) (time.Time, error) {
	var (
		env *envelope
		err error
	)
	for attempt := 0; ; attempt++ {
		env, err = c.send(ctx, method, path, rawQuery, body, creds)
		if err == nil {
			break
		}
		if !domain.IsRetriable(err) || attempt >= c.maxRetries {
			return time.Time{}, err
		}

		c.logger.Warn("Request failed, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
		if sleepErr := c.backoff.Sleep(ctx, attempt); sleepErr != nil {
			return time.Time{}, fmt.Errorf("%w (retry aborted: %v)", err, sleepErr)
		}
	}

	if env.RetCode != 0 {
		return time.Time{}, &domain.ExchangeError{Code: env.RetCode, Message: env.RetMsg}
	}

	serverTime := time.Now()
	if env.Time > 0 {
		serverTime = time.UnixMilli(env.Time)
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return serverTime, fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return serverTime, nil
}

// send performs one HTTP attempt. The attempt has its own deadline and is not
// cut short by cancellation of the caller's context.
func (c *Client) send(ctx context.Context, method, path, rawQuery string, body []byte, creds *domain.Credentials) (*envelope, error) {
	op := method + " " + path

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	reqURL := c.baseURL + path
	if rawQuery != "" {
		reqURL += "?" + rawQuery
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, reqURL, bodyReader)
	if err != nil {
		return nil, domain.NewFatalNetworkError(op, err)
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Sign Request (fresh timestamp per attempt)
	if creds != nil {
		payload := rawQuery
		if method != http.MethodGet {
			payload = string(body)
		}
		for k, v := range c.signer.GenerateHeaders(*creds, payload) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError(op, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewNetworkError(op, fmt.Errorf("status=%d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("status=%d invalid envelope: %w", resp.StatusCode, err))
	}
	if resp.StatusCode != http.StatusOK && env.RetCode == 0 {
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(data)))
	}
	return &env, nil
}
