// Package server exposes the HTTP API: resolution, the HLS relay, and
// subtitle normalization.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasvieira/streamfinder/internal/cache"
	"github.com/lucasvieira/streamfinder/internal/extractor"
	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/proxy"
	"github.com/lucasvieira/streamfinder/internal/subtitle"
	"github.com/lucasvieira/streamfinder/internal/util"
)

// StreamResolver is the resolution surface the handlers depend on.
type StreamResolver interface {
	Resolve(ctx context.Context, key models.ContentKey, skipCache bool) (*models.UnifiedResolution, error)
	Invalidate(key models.ContentKey) error
	InvalidateProvider(key models.ContentKey, provider string)
}

// Server wires the HTTP surface over the resolution and proxy layers.
type Server struct {
	addr     string
	resolver StreamResolver
	proxy    *proxy.Proxy
	subs     *subtitle.Fetcher
	cache    *cache.Cache
	pool     *extractor.Pool
}

// New assembles a server. cache and pool feed /healthz and may be nil in
// tests.
func New(addr string, res StreamResolver, prox *proxy.Proxy, subs *subtitle.Fetcher, c *cache.Cache, pool *extractor.Pool) *Server {
	return &Server{
		addr:     addr,
		resolver: res,
		proxy:    prox,
		subs:     subs,
		cache:    c,
		pool:     pool,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/proxy/playlist", s.handlePlaylist)
	mux.HandleFunc("/proxy/segment", s.handleSegment)
	mux.HandleFunc("/subtitles", s.handleSubtitle)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return logRequests(mux)
}

// Run blocks until ctx is cancelled or the listener fails. Shutdown
// drains in-flight requests for up to ten seconds.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		util.Info("listening", "addr", s.addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		util.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.Warn("shutdown", "error", err)
		}
		<-serverErr
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		util.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", lw.bytes,
			"dur", time.Since(start).Round(time.Millisecond).String())
	})
}
