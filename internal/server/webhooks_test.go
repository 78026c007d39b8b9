package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_FileStoredSigned(t *testing.T) {
	var got WebhookPayload
	var sig, event string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get("X-Webhook-Signature")
		event = r.Header.Get("X-Webhook-Event")
		assert.Equal(t, webhookSignature(body, "s3cret"), sig)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wh := NewWebhook(WebhookConfig{URL: ts.URL, Secret: "s3cret"})
	m := Manifest{FileSize: 7, URL: "http://h/x.txt", Until: time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, wh.FileStored(context.Background(), StoredFile{Name: "x.txt"}, m))

	assert.Equal(t, "file.uploaded", event)
	assert.Equal(t, WebhookEventFileUploaded, got.Event)
	assert.Equal(t, "x.txt", got.Data["name"])
	assert.Equal(t, "2026-01-08T00:00:00Z", got.Data["until"])
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wh := NewWebhook(WebhookConfig{URL: ts.URL, RetryCount: 3})
	wh.backoff = func(int) time.Duration { return time.Millisecond }

	require.NoError(t, wh.FileExpired(context.Background(), "old.txt", time.Now()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhook_GivesUp(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	wh := NewWebhook(WebhookConfig{URL: ts.URL, RetryCount: 2})
	wh.backoff = func(int) time.Duration { return time.Millisecond }

	err := wh.FileExpired(context.Background(), "old.txt", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSignature(t *testing.T) {
	assert.Equal(t, "sha256=a777724d943eb48dc69bca8a4a6d57a04db3f9ec7e1de4e581e860265bdf3032", webhookSignature([]byte("{}"), "key"))
	assert.NotEqual(t, webhookSignature([]byte("{}"), "a"), webhookSignature([]byte("{}"), "b"))
}
