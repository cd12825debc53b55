package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

const gardenOrigin = "https://garden.example.com"

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	nextCalled := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{gardenOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusTeapot)
	}))

	request := httptest.NewRequest(http.MethodOptions, "/api/jobs/generate-text", nil)
	request.Header.Set("Origin", gardenOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.False(t, nextCalled, "preflight short-circuits the chain")
	assert.Equal(t, gardenOrigin, recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSAllowsActualRequestFromAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"*"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodGet, "/api/jobs/abc/stream", nil)
	request.Header.Set("Origin", gardenOrigin)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Request-Id", recorder.Header().Get("Access-Control-Expose-Headers"))
}

func TestCORSIgnoresDisallowedOrigin(t *testing.T) {
	nextCalled := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{gardenOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodOptions, "/api/jobs/generate-text", nil)
	request.Header.Set("Origin", "https://evil.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, nextCalled, "disallowed preflight passes through")
	assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSSubdomainPattern(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://*.garden.dev"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]bool{
		"https://preview-42.garden.dev": true,
		"https://garden.dev":            false,
		"http://preview-42.garden.dev":  false,
		"https://evilgarden.dev":        false,
	}
	for origin, allowed := range cases {
		request := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
		request.Header.Set("Origin", origin)
		recorder := httptest.NewRecorder()

		handler.ServeHTTP(recorder, request)

		if allowed {
			assert.Equal(t, origin, recorder.Header().Get("Access-Control-Allow-Origin"), origin)
		} else {
			assert.Empty(t, recorder.Header().Get("Access-Control-Allow-Origin"), origin)
		}
	}
}

func TestCORSExposedHeadersAreConfigurable(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{gardenOrigin},
		ExposedHeaders: []string{"X-Request-Id", " Retry-After "},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodPost, "/api/jobs/generate-text", nil)
	request.Header.Set("Origin", gardenOrigin)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	assert.Equal(t, "X-Request-Id, Retry-After", recorder.Header().Get("Access-Control-Expose-Headers"))
}
