package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// DefaultPoolSize is the HTTP connection pool size per provider.
const DefaultPoolSize = 4

// jsonClient performs JSON requests against a provider with a per-request
// timeout, optional rate limiting and error classification.
type jsonClient struct {
	provider  ProviderType
	client    *http.Client
	transport *http.Transport
	timeout   time.Duration
	limiter   *rateLimiter
}

func newJSONClient(provider ProviderType, timeout time.Duration, rps float64, poolSize int) *jsonClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	// IdleConnTimeout is short because ingest runs are short-lived.
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		MaxConnsPerHost:     poolSize * 2,
		IdleConnTimeout:     10 * time.Second,
	}

	// No http.Client.Timeout: it would override the per-request context.
	return &jsonClient{
		provider:  provider,
		client:    &http.Client{Transport: transport},
		transport: transport,
		timeout:   timeout,
		limiter:   newRateLimiter(rps),
	}
}

// post sends in as JSON and decodes the 200 response into out.
func (c *jsonClient) post(ctx context.Context, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, header, body, out)
}

// get decodes the 200 response of a GET into out.
func (c *jsonClient) get(ctx context.Context, url string, header http.Header, out any) error {
	return c.do(ctx, http.MethodGet, url, header, nil, out)
}

func (c *jsonClient) do(ctx context.Context, method, url string, header http.Header, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("embedding_request",
		slog.String("provider", c.provider.String()),
		slog.String("method", method),
		slog.Duration("timeout", c.timeout),
		slog.Int("bytes", len(body)))

	// Run the request in a goroutine so cancellation returns promptly.
	resultCh := make(chan error, 1)
	go func() {
		resp, err := c.client.Do(req)
		if err != nil {
			resultCh <- err
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resultCh <- c.statusError(resp.StatusCode, resp.Header, respBody)
			return
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			resultCh <- ragerrors.MalformedResponseError(
				fmt.Sprintf("%s returned an undecodable response: %v", c.provider, err)).
				WithDetail("provider", c.provider.String())
			return
		}
		resultCh <- nil
	}()

	var callErr error
	select {
	case <-reqCtx.Done():
		c.transport.CloseIdleConnections()
		callErr = reqCtx.Err()
	case callErr = <-resultCh:
	}
	if callErr == nil {
		return nil
	}
	return c.classify(ctx, reqCtx, callErr)
}

// classify maps transport failures onto the error taxonomy. Caller
// cancellation is returned as is; a per-request timeout is transient.
func (c *jsonClient) classify(parent, reqCtx context.Context, err error) error {
	var re *ragerrors.RagError
	if errors.As(err, &re) {
		return err
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	if reqCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return ragerrors.TransientProviderError(ragerrors.ErrCodeNetworkTimeout,
			fmt.Sprintf("%s request timed out after %s", c.provider, c.timeout), err).
			WithDetail("provider", c.provider.String())
	}
	return ragerrors.TransientProviderError(ragerrors.ErrCodeNetworkUnavailable,
		fmt.Sprintf("%s request failed", c.provider), err).
		WithDetail("provider", c.provider.String())
}

// statusError classifies a non-200 response.
func (c *jsonClient) statusError(status int, header http.Header, body []byte) error {
	msg := fmt.Sprintf("%s returned status %d: %s", c.provider, status, truncate(string(body), 200))
	return classifyStatus(c.provider, status, msg, func() {
		c.limiter.Backoff(parseRetryAfter(header))
	})
}

// classifyStatus maps an HTTP status code from any provider onto the error
// taxonomy. onRateLimit runs for 429 responses.
func classifyStatus(provider ProviderType, status int, msg string, onRateLimit func()) error {
	var err *ragerrors.RagError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err = ragerrors.New(ragerrors.ErrCodeProviderRejected, msg, nil).
			WithSuggestion("Check the API key for the " + provider.String() + " provider")
	case status == http.StatusTooManyRequests:
		if onRateLimit != nil {
			onRateLimit()
		}
		err = ragerrors.TransientProviderError(ragerrors.ErrCodeRateLimited, msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		err = ragerrors.TransientProviderError(ragerrors.ErrCodeNetworkTimeout, msg, nil)
	case status >= 500:
		err = ragerrors.TransientProviderError(ragerrors.ErrCodeProviderServer, msg, nil)
	default:
		err = ragerrors.New(ragerrors.ErrCodeEmbeddingFailed, msg, nil)
	}
	return err.WithDetail("provider", provider.String()).WithDetail("status", fmt.Sprint(status))
}

// Close releases pooled connections.
func (c *jsonClient) Close() {
	c.transport.CloseIdleConnections()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
