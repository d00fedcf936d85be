package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		assert.Equal(t, "buy", r.URL.Query().Get("side"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"0.53"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{})
	var out struct {
		Price string `json:"price"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/price", map[string]any{"side": "buy"}, &out))
	assert.Equal(t, "0.53", out.Price)
}

func TestClient_StatusErrorAndRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{RetryCount: 2})
	err := c.GetJSON(context.Background(), "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	// 404 不重试
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls got=%d want=1", got)
	}
}

func TestClient_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-API-KEY"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "buy", body["side"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{})
	var out map[string]any
	require.NoError(t, c.PostJSON(context.Background(), "/orders", map[string]string{"X-API-KEY": "k"}, map[string]any{"side": "buy"}, &out))
	assert.Equal(t, true, out["ok"])
}
