package asm

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"azvm/internal/logging"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	// DefaultManagementURL is the public service management endpoint.
	DefaultManagementURL = "https://management.core.windows.net"

	// apiVersion is sent as x-ms-version on every request.
	apiVersion = "2013-03-01"

	requestTimeout = 30 * time.Second
)

// Client talks to the service management API for one subscription.
// Authentication is the subscription's management certificate presented as
// a TLS client certificate.
type Client struct {
	subscriptionID string
	managementURL  string
	httpClient     *http.Client
	clock          clock.Clock
	logger         *zap.Logger
	pollInterval   time.Duration
}

// Option adjusts a Client during construction.
type Option func(*Client)

// WithManagementURL overrides the management endpoint.
func WithManagementURL(url string) Option {
	return func(c *Client) { c.managementURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient substitutes the transport, bypassing certificate loading.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock substitutes the clock used for operation polling.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger attaches a logger for request-level debug output.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPollInterval overrides the delay between operation status probes.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient builds a management API client for the subscription. certPath
// must point at a PEM file holding both the certificate and its private
// key unless WithHTTPClient supplies a ready transport.
func NewClient(subscriptionID, certPath string, opts ...Option) (*Client, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription id must not be empty")
	}

	c := &Client{
		subscriptionID: subscriptionID,
		managementURL:  DefaultManagementURL,
		clock:          clock.WallClock,
		logger:         zap.NewNop(),
		pollInterval:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		cert, err := tls.LoadX509KeyPair(certPath, certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load management certificate from %s: %w", certPath, err)
		}
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		}

		// Retry only transport-level failures. HTTP-level outcomes,
		// including 5xx, surface unchanged so the callers' own polling
		// stays the single retry policy.
		retryClient := retryablehttp.NewClient()
		retryClient.HTTPClient = &http.Client{Transport: transport, Timeout: requestTimeout}
		retryClient.RetryMax = 2
		retryClient.RetryWaitMax = 2 * time.Second
		retryClient.Logger = nil
		retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return err != nil, nil
		}
		c.httpClient = retryClient.StandardClient()
	}

	return c, nil
}

// do issues one management API request. body, when non-nil, is marshaled
// as the XML payload. Responses with status >= 400 are turned into *Error.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		data, err := xml.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = strings.NewReader(xml.Header + string(data))
	}

	url := c.managementURL + "/" + c.subscriptionID + path
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("x-ms-version", apiVersion)
	req.Header.Set("x-ms-client-request-id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}

	c.logger.Debug("Calling management API",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("client_request_id", requestID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management API request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := decodeError(resp)
		c.logger.Debug("Management API returned an error",
			zap.String("path", path),
			zap.Int("status_code", apiErr.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("message", logging.Truncate(apiErr.Message)))
		return nil, apiErr
	}
	return resp, nil
}

// decodeError parses the <Error> body of a failed response, falling back
// to the raw text when the body is not the documented shape.
func decodeError(resp *http.Response) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(data) == 0 {
		apiErr.Message = resp.Status
		return apiErr
	}
	if err := xml.Unmarshal(data, apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// decodeBody drains the response into v and closes it.
func decodeBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := xml.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// discardBody drains responses whose payload is not consumed so the
// connection can be reused.
func discardBody(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// operationID extracts the asynchronous operation handle of a mutation.
func operationID(resp *http.Response) OperationID {
	return OperationID(resp.Header.Get("x-ms-request-id"))
}
