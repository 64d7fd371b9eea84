package server

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/proxy"
	"github.com/lucasvieira/streamfinder/internal/resolver"
	"github.com/lucasvieira/streamfinder/internal/subtitle"
	"github.com/lucasvieira/streamfinder/internal/util"
)

// keyFromQuery parses type/id/season/episode query parameters.
func keyFromQuery(q url.Values) (models.ContentKey, bool) {
	key := models.ContentKey{
		Type: models.MediaType(q.Get("type")),
		ID:   q.Get("id"),
	}
	key.Season, _ = strconv.Atoi(q.Get("season"))
	key.Episode, _ = strconv.Atoi(q.Get("episode"))
	return key, key.Valid()
}

func boolParam(q url.Values, name string) bool {
	switch q.Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// handleResolve serves GET (resolve) and DELETE (invalidate).
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	key, ok := keyFromQuery(r.URL.Query())
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid content key: need type=movie|tv, id, and season/episode for tv")
		return
	}

	switch r.Method {
	case http.MethodGet:
		// The browser UI reads misses and errors too.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		start := time.Now()
		res, err := s.resolver.Resolve(r.Context(), key, boolParam(r.URL.Query(), "skipCache"))
		resolveDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			resolveTotal.WithLabelValues("error").Inc()
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if res.Metadata.SuccessCount == 0 {
			resolveTotal.WithLabelValues("miss").Inc()
			writeJSON(w, http.StatusNotFound, res)
			return
		}
		resolveTotal.WithLabelValues("hit").Inc()
		writeJSON(w, http.StatusOK, res)

	case http.MethodDelete:
		if err := s.resolver.Invalidate(key); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// proxyRoute builds the rewritten-URI target for one upstream resource,
// carrying the request's header context and invalidation identity along.
func proxyRoute(q url.Values) proxy.RouteFunc {
	referer := q.Get("referer")
	origin := q.Get("origin")
	key := q.Get("key")
	prov := q.Get("provider")

	return func(kind proxy.ResourceKind, absolute string) string {
		out := url.Values{}
		out.Set("url", absolute)
		if referer != "" {
			out.Set("referer", referer)
		}
		if origin != "" {
			out.Set("origin", origin)
		}
		if key != "" {
			out.Set("key", key)
		}
		if prov != "" {
			out.Set("provider", prov)
		}
		path := "/proxy/segment"
		if kind == proxy.ResourcePlaylist {
			path = "/proxy/playlist"
		}
		return path + "?" + out.Encode()
	}
}

// invalidateFor drops the cache entry a dead proxy URL came from, when
// the request carried its identity.
func (s *Server) invalidateFor(q url.Values) {
	key, ok := models.ParseContentKey(q.Get("key"))
	if !ok {
		return
	}
	upstreamInvalidations.Inc()
	if prov := q.Get("provider"); prov != "" {
		s.resolver.InvalidateProvider(key, prov)
		return
	}
	_ = s.resolver.Invalidate(key)
}

// rejectionStatus relays the upstream's own status when the proxy saw a
// permanent rejection, falling back to 502.
func rejectionStatus(err error) int {
	var rej *proxy.RejectionError
	if errors.As(err, &rej) {
		return rej.StatusCode
	}
	return http.StatusBadGateway
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	body, err := s.proxy.FetchPlaylist(r.Context(), rawURL, q.Get("referer"), q.Get("origin"), proxyRoute(q))
	if err != nil {
		if errors.Is(err, proxy.ErrUpstreamRejected) {
			proxyRequests.WithLabelValues("playlist", "rejected").Inc()
			s.invalidateFor(q)
			writeError(w, rejectionStatus(err), "upstream rejected the playlist request")
			return
		}
		proxyRequests.WithLabelValues("playlist", "error").Inc()
		util.Warn("proxy: playlist fetch failed", "url", rawURL, "error", err)
		writeError(w, http.StatusBadGateway, "playlist fetch failed")
		return
	}

	proxyRequests.WithLabelValues("playlist", "ok").Inc()
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	err := s.proxy.StreamSegment(r.Context(), w, rawURL, q.Get("referer"), q.Get("origin"), r.Header.Get("Range"))
	if err != nil {
		if errors.Is(err, proxy.ErrUpstreamRejected) {
			proxyRequests.WithLabelValues("segment", "rejected").Inc()
			s.invalidateFor(q)
			writeError(w, rejectionStatus(err), "upstream rejected the segment request")
			return
		}
		proxyRequests.WithLabelValues("segment", "error").Inc()
		util.Warn("proxy: segment fetch failed", "url", rawURL, "error", err)
		writeError(w, http.StatusBadGateway, "segment fetch failed")
		return
	}
	proxyRequests.WithLabelValues("segment", "ok").Inc()
}

func (s *Server) handleSubtitle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	ref := models.SubtitleRef{
		URL:          rawURL,
		LanguageCode: q.Get("lang"),
		Format:       models.SubtitleFormat(q.Get("format")),
	}
	if ref.Format == "" {
		ref.Format = models.FormatFromURL(rawURL)
	}

	res, err := s.subs.Fetch(r.Context(), ref)
	if err != nil {
		outcome := "error"
		status := http.StatusBadGateway
		if errors.Is(err, subtitle.ErrMalformed) {
			outcome = "malformed"
			status = http.StatusUnprocessableEntity
		}
		subtitleRequests.WithLabelValues(outcome).Inc()
		util.Warn("subtitle fetch failed", "url", rawURL, "error", err)
		writeError(w, status, "subtitle fetch failed")
		return
	}

	subtitleRequests.WithLabelValues("ok").Inc()
	contentType := "text/vtt; charset=utf-8"
	if res.Format == models.SubtitleASS {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if res.Language != "" {
		w.Header().Set("Content-Language", res.Language)
	}
	_, _ = w.Write([]byte(res.Body))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.cache != nil {
		body["cacheEntries"] = s.cache.Len()
	}
	if s.pool != nil {
		body["browserSessionsInUse"] = s.pool.InUse()
		body["browserSessionsMax"] = s.pool.Size()
	}
	writeJSON(w, http.StatusOK, body)
}

var _ StreamResolver = (*resolver.Resolver)(nil)
