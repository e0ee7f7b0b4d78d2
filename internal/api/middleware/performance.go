package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"
)

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		gz, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return gz
	},
}

// Compression gzips responses for clients that accept it. Transcripts make
// history pages large, so it sits in front of every /api route.
func Compression(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(gz)
		gz.Reset(w)
		defer gz.Close()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")

		next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, writer: gz}, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}

// CacheControl marks analysis responses as private to the caller. A stored
// analysis never changes, so a successful single-analysis read may be reused by
// the browser; errors, history, recent and search results may not.
func CacheControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Cache-Control", "private, no-cache")
		w.Header().Add("Vary", UserIDHeader)
		if !isSingleAnalysisPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cw := &cacheControlWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)
		if !cw.decided {
			cw.decide(http.StatusOK)
		}
	})
}

// cacheControlWriter allows browser reuse only once the status is known to be 200
type cacheControlWriter struct {
	http.ResponseWriter
	decided bool
}

func (w *cacheControlWriter) decide(status int) {
	w.decided = true
	if status == http.StatusOK {
		w.Header().Set("Cache-Control", "private, max-age=300")
	}
}

func (w *cacheControlWriter) WriteHeader(status int) {
	if !w.decided {
		w.decide(status)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *cacheControlWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.decide(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *cacheControlWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func isSingleAnalysisPath(path string) bool {
	id, ok := strings.CutPrefix(path, "/api/analyses/")
	return ok && id != "" && id != "recent" && id != "search" && !strings.Contains(id, "/")
}
