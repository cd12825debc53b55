package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(2)
	handler := RequestID(limiter.Middleware(ok))

	send := func(forwardedFor string) *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, "/api/jobs/generate-text", nil)
		request.Header.Set("X-Forwarded-For", forwardedFor)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1, 172.16.0.1").Code)

	limited := send("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "30", limited.Header().Get("Retry-After"))
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(limited.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.NotEmpty(t, body.RequestID)

	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code)
}

func TestRateLimiterRefillsAndForgetsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(1)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))

	now = now.Add(61 * time.Second)
	assert.True(t, limiter.Allow("a"))

	now = now.Add(5 * time.Minute)
	limiter.Allow("b")
	limiter.mu.Lock()
	_, stillTracked := limiter.visitors["a"]
	limiter.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestClientIP(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", ClientIP(request))

	request.Header.Set("X-Real-Ip", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(request))

	request.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(request))
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	handler := RequestID(Auth("secret")(ok))

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"missing token", "/api/jobs/x", "", http.StatusUnauthorized},
		{"wrong token", "/api/jobs/x", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/api/jobs/x", "Bearer secret", http.StatusOK},
		{"stream query token", "/api/jobs/x/stream?access_token=secret", "", http.StatusOK},
		{"query token elsewhere", "/api/jobs/x?access_token=secret", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				request.Header.Set("Authorization", tc.header)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)
			assert.Equal(t, tc.want, recorder.Code)
		})
	}

	open := Auth("")(ok)
	recorder := httptest.NewRecorder()
	open.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestRequestIDReplacesUnusableValues(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("X-Request-Id", "client-123")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	assert.Equal(t, "client-123", seen)

	request.Header.Set("X-Request-Id", "bad value\"")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.NotEqual(t, "bad value\"", seen)
	assert.Equal(t, seen, recorder.Header().Get("X-Request-Id"))
}

func TestTraceLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	handler := RequestID(Trace(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusAccepted)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/jobs/generate-image", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &entry))
	assert.Equal(t, "request", entry["message"])
	assert.Equal(t, float64(http.StatusAccepted), entry["status"])
	assert.Equal(t, "/api/jobs/generate-image", entry["path"])
	assert.NotEmpty(t, entry["request_id"])
}
