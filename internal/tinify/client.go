// Package tinify is a small client for the TinyPNG/TinyJPG compression API.
package tinify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// DefaultEndpoint is the public API root.
const DefaultEndpoint = "https://api.tinify.com"

// Error is returned for every failed API interaction. Status is the HTTP
// status code, or 0 when the request never got a response.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (HTTP %d/%s)", e.Message, e.Status, e.Kind)
}

// Code returns the numeric code recorded alongside a failed compression.
func (e *Error) Code() int { return e.Status }

// IsAccountError reports whether the key is invalid or the quota is exhausted.
func (e *Error) IsAccountError() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusTooManyRequests
}

// ShrinkResult describes a compressed image held by the API.
type ShrinkResult struct {
	InputSize  int64
	InputType  string
	OutputSize int64
	OutputType string
	Location   string
}

type shrinkResponse struct {
	Input struct {
		Size int64  `json:"size"`
		Type string `json:"type"`
	} `json:"input"`
	Output struct {
		Size int64  `json:"size"`
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"output"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the API with a single key. It is safe for concurrent use.
type Client struct {
	key        string
	endpoint   string
	httpClient *http.Client
	logger     logrus.FieldLogger

	maxRetries uint64
	retryBase  time.Duration

	mu    sync.RWMutex
	count int
	known bool
}

// Option customises a Client.
type Option func(*Client)

// WithEndpoint overrides the API root, used by tests.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets how often transient failures are retried and the initial backoff.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryBase = base
	}
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client authenticating with key.
func NewClient(key string, opts ...Option) *Client {
	c := &Client{
		key:        key,
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logrus.StandardLogger(),
		maxRetries: 3,
		retryBase:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompressionCount returns the monthly usage reported by the last API response.
func (c *Client) CompressionCount() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count, c.known
}

// Validate checks the key with an empty shrink request, which the API answers
// with a client error for valid keys and an account error otherwise.
func (c *Client) Validate(ctx context.Context) error {
	_, err := c.Shrink(ctx, nil)
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && !apiErr.IsAccountError() {
		return nil
	}
	return err
}

// Shrink uploads data and returns where the compressed result can be fetched.
func (c *Client) Shrink(ctx context.Context, data []byte) (*ShrinkResult, error) {
	resp, body, err := c.do(ctx, http.MethodPost, c.endpoint+"/shrink", data)
	if err != nil {
		return nil, err
	}

	var parsed shrinkResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Status: resp.StatusCode, Kind: "ParseError", Message: "Error while parsing response: " + err.Error()}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		location = parsed.Output.URL
	}

	return &ShrinkResult{
		InputSize:  parsed.Input.Size,
		InputType:  parsed.Input.Type,
		OutputSize: parsed.Output.Size,
		OutputType: parsed.Output.Type,
		Location:   location,
	}, nil
}

// Download fetches the compressed image behind location.
func (c *Client) Download(ctx context.Context, location string) ([]byte, error) {
	_, body, err := c.do(ctx, http.MethodGet, location, nil)
	return body, err
}

// CompressFile compresses the file at path and overwrites it with the result.
func (c *Client) CompressFile(ctx context.Context, path string) (*ShrinkResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to read %s: %v", path, err)}
	}

	result, err := c.Shrink(ctx, data)
	if err != nil {
		return nil, err
	}

	compressed, err := c.Download(ctx, result.Location)
	if err != nil {
		return nil, err
	}

	if err := writeAtomic(path, compressed); err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to write %s: %v", path, err)}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	var (
		resp    *http.Response
		payload []byte
	)

	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return &Error{Message: err.Error()}
		}
		req.SetBasicAuth("api", c.key)
		req.Header.Set("User-Agent", "image-compressor-go")

		r, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.WithError(err).WithField("url", url).Debug("Tinify request failed, retrying")
			return retry.RetryableError(&Error{Message: "Error while connecting: " + err.Error()})
		}
		defer r.Body.Close()

		data, err := io.ReadAll(r.Body)
		if err != nil {
			return retry.RetryableError(&Error{Message: "Error while reading response: " + err.Error()})
		}

		c.recordCount(r.Header.Get("Compression-Count"))

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp, payload = r, data
			return nil
		}

		apiErr := parseError(r.StatusCode, data)
		if r.StatusCode >= 500 {
			c.logger.WithField("status", r.StatusCode).Debug("Tinify server error, retrying")
			return retry.RetryableError(apiErr)
		}
		return apiErr
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, payload, nil
}

func (c *Client) recordCount(header string) {
	if header == "" {
		return
	}
	n, err := strconv.Atoi(header)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.count, c.known = n, true
	c.mu.Unlock()
}

func parseError(status int, body []byte) *Error {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Message == "" {
		return &Error{Status: status, Kind: "ParseError", Message: "Error while parsing response"}
	}
	return &Error{Status: status, Kind: parsed.Error, Message: parsed.Message}
}

// writeAtomic replaces path via a sibling temp file so readers never see a
// partially written image.
func writeAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tinify-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
