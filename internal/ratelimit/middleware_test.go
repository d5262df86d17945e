package ratelimit

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDeniesWithJSONRPCError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	h := Middleware(m, IPKeyFunc, logger)(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/cstp", nil)
	first.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	second := httptest.NewRequest(http.MethodPost, "/cstp", nil)
	second.RemoteAddr = "10.0.0.1:5001"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, second)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2.0", body.JSONRPC)
	assert.Equal(t, -32002, body.Error.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	h := Middleware(m, func(*http.Request) string { return "" }, logger)(okHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cstp", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestTokenKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/cstp", nil)
	r.RemoteAddr = "10.0.0.9:1234"
	assert.Equal(t, "ip:10.0.0.9", TokenKeyFunc(r))

	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "token:abc123", TokenKeyFunc(r))
}
