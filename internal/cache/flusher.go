// Package cache invalidates downstream caches after files were rewritten.
package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/config"
)

// Flusher drops cached pages that may embed outdated file sizes.
type Flusher interface {
	Flush(ctx context.Context, scope string) error
}

// NopFlusher does nothing. It is used when no flush URL is configured.
type NopFlusher struct{}

// Flush implements Flusher.
func (NopFlusher) Flush(context.Context, string) error { return nil }

// WebhookFlusher asks the host platform to clear its page cache by POSTing
// to a URL.
type WebhookFlusher struct {
	url     string
	timeout time.Duration
	client  *http.Client
	retries uint64
	logger  logrus.FieldLogger
}

// NewFlusher returns a WebhookFlusher when a flush URL is configured and a
// NopFlusher otherwise.
func NewFlusher(cfg config.CacheConfig, logger logrus.FieldLogger) Flusher {
	if cfg.FlushURL == "" {
		return NopFlusher{}
	}
	return NewWebhookFlusher(cfg.FlushURL, cfg.FlushTimeout, logger)
}

// NewWebhookFlusher returns a flusher posting to url.
func NewWebhookFlusher(url string, timeout time.Duration, logger logrus.FieldLogger) *WebhookFlusher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookFlusher{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		retries: 2,
		logger:  logger,
	}
}

// Flush implements Flusher. Server errors are retried, client errors are not.
func (f *WebhookFlusher) Flush(ctx context.Context, scope string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(f.retries, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, nil)
		if err != nil {
			return err
		}
		q := req.URL.Query()
		q.Set("scope", scope)
		req.URL.RawQuery = q.Encode()

		resp, err := f.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("cache flush returned %s", resp.Status))
		case resp.StatusCode >= 300:
			return fmt.Errorf("cache flush returned %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flushing cache %q: %w", scope, err)
	}

	f.logger.WithField("scope", scope).Debug("Cache flushed")
	return nil
}
