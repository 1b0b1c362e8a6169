package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
)

func TestNewFlusher(t *testing.T) {
	assert.IsType(t, NopFlusher{}, NewFlusher(config.CacheConfig{}, logger.Discard()))
	assert.IsType(t, &WebhookFlusher{}, NewFlusher(config.CacheConfig{FlushURL: "http://cms.local/flush"}, logger.Discard()))
	assert.NoError(t, NopFlusher{}.Flush(context.Background(), "pages"))
}

func TestWebhookFlusher_PostsScope(t *testing.T) {
	var gotMethod, gotScope string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotScope = r.URL.Query().Get("scope")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := NewWebhookFlusher(srv.URL, time.Second, logger.Discard())
	require.NoError(t, f.Flush(context.Background(), "pages"))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "pages", gotScope)
}

func TestWebhookFlusher_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewWebhookFlusher(srv.URL, 5*time.Second, logger.Discard())
	require.NoError(t, f.Flush(context.Background(), "pages"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWebhookFlusher_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewWebhookFlusher(srv.URL, time.Second, logger.Discard())
	err := f.Flush(context.Background(), "pages")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
