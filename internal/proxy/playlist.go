// Package proxy relays HLS traffic for streams whose CDNs validate
// Referer and Origin. Playlists are rewritten so every URI they mention
// routes back through the proxy; segments stream through untouched.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/lucasvieira/streamfinder/internal/util"
)

// ErrUpstreamRejected means the CDN answered with a permanent status:
// the cached stream URL this request came from is dead.
var ErrUpstreamRejected = errors.New("upstream rejected the request")

// RejectionError carries the upstream status that triggered a rejection,
// so the handler can answer the player with the same code.
type RejectionError struct {
	StatusCode int
	Status     string
}

func (e *RejectionError) Error() string {
	return "upstream rejected the request: " + e.Status
}

func (e *RejectionError) Unwrap() error { return ErrUpstreamRejected }

// IsPermanentStatus reports whether an upstream status invalidates the
// resolution that produced the URL. 5xx from these CDNs almost always
// means an expired signature, not a transient fault.
func IsPermanentStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// ResourceKind tells the route builder which proxy endpoint a rewritten
// URI should hit.
type ResourceKind int

const (
	// ResourcePlaylist is a nested manifest needing its own rewrite pass.
	ResourcePlaylist ResourceKind = iota
	// ResourceSegment is opaque media: segments, keys, init maps.
	ResourceSegment
)

// RouteFunc maps an absolute upstream URL onto a proxy-local path.
type RouteFunc func(kind ResourceKind, absolute string) string

// Tags whose URI attribute references a nested playlist.
var playlistURITags = []string{"#EXT-X-MEDIA", "#EXT-X-I-FRAME-STREAM-INF"}

// Tags whose URI attribute references opaque media.
var segmentURITags = []string{"#EXT-X-KEY", "#EXT-X-SESSION-KEY", "#EXT-X-MAP"}

// Options tunes upstream behavior.
type Options struct {
	UpstreamTimeout time.Duration
	PerHostRPS      float64
	// PlaylistCacheSize bounds the upstream-text cache. Cached manifests
	// expire per entry: finished content under PlaylistVODTTL, rotating
	// live playlists under PlaylistLiveTTL.
	PlaylistCacheSize int
	PlaylistVODTTL    time.Duration
	PlaylistLiveTTL   time.Duration
}

// Proxy fetches upstream HLS resources with synthesized headers, a
// per-host rate limit, and a TTL-classed playlist cache.
type Proxy struct {
	client    *http.Client
	opts      Options
	playlists *expirable.LRU[string, cachedPlaylist]
	now       func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a proxy.
func New(opts Options) *Proxy {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 20 * time.Second
	}
	if opts.PerHostRPS <= 0 {
		opts.PerHostRPS = 25
	}
	if opts.PlaylistCacheSize <= 0 {
		opts.PlaylistCacheSize = 512
	}
	if opts.PlaylistVODTTL <= 0 {
		opts.PlaylistVODTTL = 30 * time.Minute
	}
	if opts.PlaylistLiveTTL <= 0 {
		opts.PlaylistLiveTTL = 10 * time.Second
	}
	return &Proxy{
		client: util.GetSharedClient(),
		opts:   opts,
		// The LRU's own TTL is the hard upper bound; per-entry expiry
		// does the VOD/live distinction.
		playlists: expirable.NewLRU[string, cachedPlaylist](opts.PlaylistCacheSize, nil, opts.PlaylistVODTTL),
		now:       time.Now,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// FetchPlaylist downloads a manifest and rewrites it. The upstream text
// is cached briefly; the rewrite runs per request because the route
// carries per-request header context.
func (p *Proxy) FetchPlaylist(ctx context.Context, rawURL, referer, origin string, route RouteFunc) (string, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing playlist URL")
	}
	if err := p.waitHost(ctx, base.Host); err != nil {
		return "", err
	}

	cacheKey := rawURL + "|" + referer
	cached, hit := p.playlists.Get(cacheKey)
	if hit && p.now().After(cached.expiresAt) {
		p.playlists.Remove(cacheKey)
		hit = false
	}
	if !hit {
		var body string
		body, base, err = p.fetchText(ctx, rawURL, referer, origin)
		if err != nil {
			return "", err
		}
		ttl := p.opts.PlaylistLiveTTL
		if PlaylistIsVOD(body) {
			ttl = p.opts.PlaylistVODTTL
		}
		cached = cachedPlaylist{body: body, base: base, expiresAt: p.now().Add(ttl)}
		p.playlists.Add(cacheKey, cached)
	}

	return RewritePlaylist(cached.body, cached.base, route), nil
}

// cachedPlaylist keeps the upstream text with its post-redirect base, so
// a cache hit resolves relative URIs the same way the first fetch did.
// expiresAt carries the VOD/live TTL class the body was filed under.
type cachedPlaylist struct {
	body      string
	base      *url.URL
	expiresAt time.Time
}

func (p *Proxy) fetchText(ctx context.Context, rawURL, referer, origin string) (string, *url.URL, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.UpstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, errors.Wrap(err, "creating playlist request")
	}
	synthesizeHeaders(req, referer, origin)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, errors.Wrap(err, "fetching playlist")
	}
	defer func() { _ = resp.Body.Close() }()

	if IsPermanentStatus(resp.StatusCode) {
		return "", nil, errors.Wrap(&RejectionError{StatusCode: resp.StatusCode, Status: resp.Status}, "playlist fetch")
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, errors.Errorf("playlist fetch returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", nil, errors.Wrap(err, "reading playlist body")
	}

	// Redirects move the resolution base for relative URIs.
	return string(raw), resp.Request.URL, nil
}

// RewritePlaylist maps every URI in manifest text onto proxy routes,
// resolving relative references against base. Text that does not look
// like a manifest passes through unmodified: a broken rewrite is worse
// for the player than a direct upstream URI.
func RewritePlaylist(body string, base *url.URL, route RouteFunc) string {
	lines := strings.Split(body, "\n")
	if !looksLikeManifest(lines) {
		util.Warn("proxy: not a manifest, passing through", "base", base.String())
		return body
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = rewriteTagURI(trimmed, base, route)
		default:
			kind := ResourceSegment
			if isPlaylistPath(trimmed) {
				kind = ResourcePlaylist
			}
			lines[i] = route(kind, resolve(base, trimmed))
		}
	}
	return strings.Join(lines, "\n")
}

// PlaylistIsVOD reports whether manifest text describes finished content.
// Master playlists count as VOD: their variants do not rotate.
func PlaylistIsVOD(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "#EXT-X-ENDLIST",
			strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:VOD"),
			strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			return true
		}
	}
	return false
}

func looksLikeManifest(lines []string) bool {
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" {
			return strings.HasPrefix(t, "#EXTM3U")
		}
	}
	return false
}

// rewriteTagURI rewrites the URI="..." attribute on tags that carry one.
func rewriteTagURI(line string, base *url.URL, route RouteFunc) string {
	kind := ResourceSegment
	matched := false
	for _, tag := range playlistURITags {
		if strings.HasPrefix(line, tag+":") {
			kind = ResourcePlaylist
			matched = true
			break
		}
	}
	if !matched {
		for _, tag := range segmentURITags {
			if strings.HasPrefix(line, tag+":") {
				matched = true
				break
			}
		}
	}
	if !matched {
		return line
	}

	const attr = `URI="`
	start := strings.Index(line, attr)
	if start < 0 {
		return line
	}
	start += len(attr)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return line
	}
	end += start

	return line[:start] + route(kind, resolve(base, line[start:end])) + line[end:]
}

func isPlaylistPath(ref string) bool {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return strings.HasSuffix(strings.ToLower(ref), ".m3u8")
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// waitHost applies the per-host rate limit.
func (p *Proxy) waitHost(ctx context.Context, host string) error {
	p.mu.Lock()
	lim, ok := p.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.opts.PerHostRPS), int(p.opts.PerHostRPS))
		p.limiters[host] = lim
	}
	p.mu.Unlock()
	return lim.Wait(ctx)
}
