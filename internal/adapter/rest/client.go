package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"paracord-validate/internal/domain"
	"paracord-validate/internal/infra/config"
)

// Client is the REST surface the validation scenarios drive nodes through.
// It owns bearer-token injection, request pacing, and expected-status checks;
// TLS verification can be disabled for self-signed lab deployments.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Options shapes a single request.
type Options struct {
	Token    string            // Authorization: Bearer, when non-empty
	Headers  map[string]string // extra headers, set verbatim
	Expected []int             // acceptable statuses; empty means any 2xx
}

// NewClient builds a Client from HTTP config. A zero timeout falls back to
// 20s; a zero rate disables pacing entirely.
func NewClient(cfg config.HTTPConfig, insecureTLS bool, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	if insecureTLS {
		hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{http: hc, limiter: limiter, logger: logger}
}

// RequestJSON sends a JSON payload (nil for no body) and returns the status
// and response body. A status outside opts.Expected (or outside 2xx when
// Expected is empty) is an ErrUnexpectedStatus carrying the response text.
func (c *Client) RequestJSON(ctx context.Context, method, url string, payload any, opts Options) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyOptions(req, opts)

	status, respBody, err := c.do(req)
	if err != nil {
		return 0, nil, err
	}
	if !statusAllowed(status, opts.Expected) {
		return status, respBody, fmt.Errorf("%s %s: %w: %d: %s",
			method, url, domain.ErrUnexpectedStatus, status, snippet(respBody))
	}
	return status, respBody, nil
}

// RequestRaw sends the exact body bytes with only the caller's headers and
// returns whatever comes back, with no status judgement. The transport
// negative probes depend on both properties: the signature covers the exact
// bytes, and rejection statuses are the assertion subject.
func (c *Client) RequestRaw(ctx context.Context, method, url string, body []byte, hdr http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.do(req)
}

// Upload sends a multipart body with the given content type, for asset
// endpoints like custom emoji.
func (c *Client) Upload(ctx context.Context, url string, contentType string, body []byte, opts Options) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.applyOptions(req, opts)

	status, respBody, err := c.do(req)
	if err != nil {
		return 0, nil, err
	}
	if !statusAllowed(status, opts.Expected) {
		return status, respBody, fmt.Errorf("POST %s: %w: %d: %s",
			url, domain.ErrUnexpectedStatus, status, snippet(respBody))
	}
	return status, respBody, nil
}

func (c *Client) applyOptions(req *http.Request, opts Options) {
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return 0, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debug("rest call", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)
	return resp.StatusCode, body, nil
}

func statusAllowed(status int, expected []int) bool {
	if len(expected) == 0 {
		return status >= 200 && status < 300
	}
	for _, s := range expected {
		if status == s {
			return true
		}
	}
	return false
}

// snippet truncates a response body for error messages.
func snippet(body []byte) string {
	const max = 300
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
