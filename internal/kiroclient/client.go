// Package kiroclient performs the outbound HTTP exchange with the
// CodeWhisperer/Kiro upstream: base-URL selection, masquerade headers,
// zstd response decompression, and error classification. Follows the
// executor shape (Execute/ExecuteStream/Refresh over a single HTTP client)
// generalized to a single provider family.
package kiroclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-gateway/kirogate/internal/config"
	"github.com/kiro-gateway/kirogate/internal/util"
)

const (
	generateAssistantResponsePath = "/generateAssistantResponse"
	amazonQBaseURL                = "https://codewhisperer.us-east-1.amazonaws.com"
	defaultBaseURL                = "https://codewhisperer.us-east-1.amazonaws.com"
)

// Client issues conversationState requests against the upstream service and
// returns the raw (already decompressed) event-stream body for C1 to decode.
// It owns its own in-place retry loop for a single account's connection:
// socket-level errors reset the connection pool and retry after a fixed
// sleep, while HTTP 429/5xx responses retry with exponential backoff. This
// is separate from (and sits underneath) the orchestrator's account
// failover loop, which only ever sees an error once this loop gives up.
type Client struct {
	httpClient *http.Client
	baseURL    string

	socketRetryMax int
	backoffBase    time.Duration
}

const (
	defaultSocketRetryMax = 8
	defaultBackoffBase    = 3 * time.Second
	socketRetrySleep      = 1 * time.Second
)

// New builds a Client, wiring the SOCKS5/HTTP proxy dialer
// (internal/util/proxy.go) when cfg.ProxyURL is set.
func New(cfg *config.Config) (*Client, error) {
	base := &http.Client{Timeout: 120 * time.Second}
	httpClient, err := util.SetProxy(cfg, base)
	if err != nil {
		return nil, err
	}

	socketRetryMax := cfg.SocketRetryMaxAttempts
	if socketRetryMax <= 0 {
		socketRetryMax = defaultSocketRetryMax
	}
	backoffBase := defaultBackoffBase
	if cfg.RequestBaseDelaySeconds > 0 {
		backoffBase = time.Duration(cfg.RequestBaseDelaySeconds * float64(time.Second))
	}

	return &Client{httpClient: httpClient, socketRetryMax: socketRetryMax, backoffBase: backoffBase}, nil
}

// WithBaseURL overrides the upstream base URL, bypassing model-based
// selection. Used by tests to point the client at an httptest.Server.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

// BaseURLForModel selects the upstream host by model family. Both known
// families currently resolve to the same CodeWhisperer endpoint; the
// selector is kept distinct because upstream has historically split
// Amazon Q Developer Pro traffic onto its own host.
func BaseURLForModel(model string) string {
	if strings.HasPrefix(model, "amazonq") {
		return amazonQBaseURL
	}
	return defaultBaseURL
}

// Send posts a conversationState payload and returns the response body
// reader (already zstd-decompressed if the upstream compressed it) along
// with the status code. The caller is responsible for closing the body.
//
// Two retry mechanisms run here, both scoped to this one account/connection:
// a socket-error loop (connection reset/timeout/aborted retry up to
// socketRetryMax times, each attempt closing idle connections and sleeping
// 1s) and an HTTP 429/5xx loop (exponential backoff, backoffBase * 2^attempt).
// Anything else - auth challenges, fatal-account, client-request errors -
// returns immediately for the orchestrator's account failover to handle.
func (c *Client) Send(ctx context.Context, model, accessToken string, body []byte) (io.ReadCloser, int, error) {
	base := c.baseURL
	if base == "" {
		base = BaseURLForModel(model)
	}
	url := base + generateAssistantResponsePath

	var lastErr error
	var lastStatus int
	socketAttempt := 0
	backoffAttempt := 0

	for {
		reader, status, err := c.sendOnce(ctx, url, accessToken, body)
		if err == nil {
			return reader, status, nil
		}
		lastErr = err
		lastStatus = status

		if isSocketError(err) {
			if socketAttempt >= c.socketRetryMax {
				return nil, lastStatus, lastErr
			}
			socketAttempt++
			log.WithError(err).WithField("attempt", socketAttempt).Warn("kiroclient: socket error, resetting connection pool and retrying")
			c.httpClient.CloseIdleConnections()
			if !sleepCtx(ctx, socketRetrySleep) {
				return nil, lastStatus, ctx.Err()
			}
			continue
		}

		if isRetryableTransient(err, status) {
			if backoffAttempt >= c.socketRetryMax {
				return nil, lastStatus, lastErr
			}
			delay := c.backoffBase * time.Duration(1<<uint(backoffAttempt))
			backoffAttempt++
			log.WithError(err).WithField("attempt", backoffAttempt).WithField("delay", delay).Warn("kiroclient: transient upstream status, backing off and retrying")
			if !sleepCtx(ctx, delay) {
				return nil, lastStatus, ctx.Err()
			}
			continue
		}

		return nil, lastStatus, lastErr
	}
}

// sendOnce performs exactly one HTTP attempt.
func (c *Client) sendOnce(ctx context.Context, url, accessToken string, body []byte) (io.ReadCloser, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	applyMasqueradeHeaders(req, accessToken, "application/vnd.amazon.eventstream")
	req.Header.Set("x-amz-content-sha256", "UNSIGNED-PAYLOAD")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &Error{Class: ClassTransient, Message: "request failed", Err: err}
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		class := classifyStatus(resp.StatusCode, string(snippet))
		log.WithFields(log.Fields{"status": resp.StatusCode, "class": class}).Warn("kiroclient: upstream returned error status")
		return nil, resp.StatusCode, &Error{Class: class, StatusCode: resp.StatusCode, Message: string(snippet)}
	}

	reader, err := decompressingReader(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, resp.StatusCode, &Error{Class: ClassTransient, Message: "decompress response", Err: err}
	}
	return reader, resp.StatusCode, nil
}

// isSocketError reports whether err is a connection-level failure (reset,
// timeout, refused, aborted) rather than a successfully-received HTTP status.
func isSocketError(err error) bool {
	var kiroErr *Error
	if errors.As(err, &kiroErr) && kiroErr.StatusCode != 0 {
		return false // a real HTTP response came back; not a socket failure
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "EOF")
}

// isRetryableTransient reports whether err is a pure-rate-limit (429) or
// 5xx response classified ClassTransient - quota-exhaustion 429s are
// reclassified ClassFatalAccount by classifyStatus and must not loop here.
func isRetryableTransient(err error, status int) bool {
	if status != http.StatusTooManyRequests && status < 500 {
		return false
	}
	var kiroErr *Error
	if errors.As(err, &kiroErr) {
		return kiroErr.Class == ClassTransient
	}
	return false
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// decompressingReader wraps resp.Body in a zstd decoder when the upstream
// signals zstd content-encoding, otherwise returns the body unchanged.
func decompressingReader(resp *http.Response) (io.ReadCloser, error) {
	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "zstd") {
		return resp.Body, nil
	}
	dec, err := zstd.NewReader(resp.Body)
	if err != nil {
		return nil, err
	}
	return zstdReadCloser{dec: dec, body: resp.Body}, nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	body io.ReadCloser
}

func (z zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z zstdReadCloser) Close() error {
	z.dec.Close()
	return z.body.Close()
}
