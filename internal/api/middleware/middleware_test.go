package middleware_test

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/speakwise/analysis-service/backend/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(middleware.UserIDFromContext(r.Context())))
	})
}

func TestIdentity(t *testing.T) {
	handler := middleware.Identity(echoUser())

	t.Run("stores the caller", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/analyses", nil)
		req.Header.Set(middleware.UserIDHeader, "  user-42 ")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-42", w.Body.String())
	})

	t.Run("rejects anonymous requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/analyses", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), middleware.UserIDHeader)
	})

	t.Run("health check is public", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	t.Run("configured origin is echoed", func(t *testing.T) {
		handler := middleware.CORS([]string{"https://app.example.com"})(ok)
		req := httptest.NewRequest("GET", "/api/analyses", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), middleware.UserIDHeader)
	})

	t.Run("unknown origin gets no grant", func(t *testing.T) {
		handler := middleware.CORS([]string{"https://app.example.com"})(ok)
		req := httptest.NewRequest("GET", "/api/analyses", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		called := false
		handler := middleware.CORS([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
		req := httptest.NewRequest("OPTIONS", "/api/analyses", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.False(t, called)
	})
}

func TestCacheControl(t *testing.T) {
	handler := middleware.CacheControl(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		path string
		want string
	}{
		{"/api/analyses/5d1e7d36-0f5c-4bd5-a3a4-5b0e3e0f9a11", "private, max-age=300"},
		{"/api/analyses", "private, no-cache"},
		{"/api/analyses/recent", "private, no-cache"},
		{"/api/analyses/search", "private, no-cache"},
		{"/health", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
			assert.Equal(t, tt.want, w.Header().Get("Cache-Control"))
		})
	}
}

func TestCacheControl_OnlySuccessfulReadsAreReusable(t *testing.T) {
	const path = "/api/analyses/5d1e7d36-0f5c-4bd5-a3a4-5b0e3e0f9a11"

	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"ok", http.StatusOK, "private, max-age=300"},
		{"forbidden", http.StatusForbidden, "private, no-cache"},
		{"not found", http.StatusNotFound, "private, no-cache"},
		{"storage fault", http.StatusInternalServerError, "private, no-cache"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := middleware.CacheControl(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{}`))
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Cache-Control"))
			assert.Equal(t, middleware.UserIDHeader, w.Header().Get("Vary"))
		})
	}

	t.Run("implicit 200 on write", func(t *testing.T) {
		handler := middleware.CacheControl(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		assert.Equal(t, "private, max-age=300", w.Header().Get("Cache-Control"))
	})
}

func TestCompression(t *testing.T) {
	handler := middleware.Compression(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))

	req := httptest.NewRequest("GET", "/api/analyses", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, string(body))
}

func TestRecovery(t *testing.T) {
	handler := middleware.Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/analyses", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestObservabilityMiddleware_RecordsMatchedRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("GET /api/analyses/{id}", middleware.CaptureRoute(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	handler := middleware.ObservabilityMiddleware(nil)(middleware.Identity(mux))

	req := httptest.NewRequest("GET", "/api/analyses/abc", nil)
	req.Header.Set(middleware.UserIDHeader, "U")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}
