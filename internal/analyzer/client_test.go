package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/apperr"
)

func TestAnalyzeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, analyzePath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.example.com/a.png", body["image_url"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"predictions": {"is_ai_generated": true, "confidence": 0.92},
			"tampering": {"detected": true, "mask_base64": "AAAA", "edited_area_ratio": 0.1, "edited_pixels": 420}
		}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/").Analyze(context.Background(), "https://cdn.example.com/a.png")
	require.NoError(t, err)
	assert.True(t, res.IsAIGenerated)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.True(t, res.Tampering.Edited())
	assert.Equal(t, int64(420), res.Tampering.EditedPixels)
}

func TestAnalyzeFailuresAreExternal(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{name: "server error", status: http.StatusBadGateway, payload: `upstream down`},
		{name: "malformed json", status: http.StatusOK, payload: `{"predictions":`},
		{name: "missing fields", status: http.StatusOK, payload: `{"predictions":{},"tampering":{}}`},
		{name: "confidence out of range", status: http.StatusOK, payload: `{"predictions":{"is_ai_generated":false,"confidence":1.5},"tampering":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Analyze(context.Background(), "https://x/y.png")
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrExternal)
			assert.True(t, apperr.Retryable(err))
		})
	}
}

func TestAnalyzeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, WithTimeouts(50*time.Millisecond, 0))
	start := time.Now()
	_, err := client.Analyze(context.Background(), "https://x/y.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrExternal)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPing(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	assert.NoError(t, NewClient(ok.URL).Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.Error(t, NewClient(down.URL).Ping(context.Background()))
}
