// Package resolver orchestrates multi-provider stream resolution: one
// original-audio track plus optional dub and latino tracks, resolved
// concurrently through the cache's single-flight path.
package resolver

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/cache"
	"github.com/lucasvieira/streamfinder/internal/extractor"
	"github.com/lucasvieira/streamfinder/internal/metadata"
	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/provider"
	"github.com/lucasvieira/streamfinder/internal/proxy"
	"github.com/lucasvieira/streamfinder/internal/util"
)

// ErrInvalidKey means the request does not identify playable content.
var ErrInvalidKey = errors.New("invalid content key")

// Extractor is the browser-extraction surface the resolver depends on.
type Extractor interface {
	Extract(ctx context.Context, target extractor.Target, timeout time.Duration) ([]models.StreamCandidate, error)
}

// APIResolver is the direct-API surface per provider.
type APIResolver interface {
	Resolve(ctx context.Context, key models.ContentKey) (*models.ProviderStream, error)
}

// MetadataSource supplies origin metadata; *metadata.Client satisfies it.
type MetadataSource interface {
	IsConfigured() bool
	Details(ctx context.Context, key models.ContentKey) (*metadata.Details, error)
}

// Options tunes the orchestration budget.
type Options struct {
	// Ceiling bounds the whole resolve call; tracks still in flight at the
	// ceiling are dropped from the response but keep running to warm the
	// cache.
	Ceiling time.Duration
	// ExtractTimeout bounds a single browser extraction session.
	ExtractTimeout time.Duration
}

// Resolver fans a content key out across the provider registry and folds
// the per-track winners into one response.
type Resolver struct {
	cache    *cache.Cache
	registry *provider.Registry
	engine   Extractor
	meta     MetadataSource
	client   *http.Client
	opts     Options

	// newAPI is swappable in tests.
	newAPI func(cfg provider.Config) APIResolver

	mu         sync.Mutex
	apiClients map[string]APIResolver
}

// New assembles a resolver.
func New(c *cache.Cache, reg *provider.Registry, engine Extractor, meta MetadataSource, opts Options) *Resolver {
	if opts.Ceiling <= 0 {
		opts.Ceiling = 45 * time.Second
	}
	if opts.ExtractTimeout <= 0 {
		opts.ExtractTimeout = 35 * time.Second
	}
	return &Resolver{
		cache:      c,
		registry:   reg,
		engine:     engine,
		meta:       meta,
		client:     util.GetFastClient(),
		opts:       opts,
		newAPI:     func(cfg provider.Config) APIResolver { return provider.NewAPIClient(cfg) },
		apiClients: make(map[string]APIResolver),
	}
}

// Resolve resolves every track for a content key. It returns as soon as
// the original track settles (or the ceiling elapses); dub and latino
// results present at that moment are included, and stragglers finish in
// the background so their results land in the cache for the next call.
func (r *Resolver) Resolve(ctx context.Context, key models.ContentKey, skipCache bool) (*models.UnifiedResolution, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}
	start := time.Now()

	det := r.lookupMetadata(ctx, key)
	suppressDub := det != nil && det.IsEnglishOrigin()
	if suppressDub {
		util.Debug("resolve: english origin, dub track suppressed", "key", key.String())
	}

	res := &models.UnifiedResolution{}
	var mu sync.Mutex
	originalCh := make(chan struct{})

	// Track work outlives the request: a caller hanging up must not waste
	// the browser session already probing on its behalf.
	bgCtx, bgCancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Ceiling)

	var wg sync.WaitGroup
	runTrack := func(track provider.Track, slot **models.ProviderStream, done chan<- struct{}) {
		defer wg.Done()
		stream := r.resolveTrack(bgCtx, key, track, skipCache)
		mu.Lock()
		*slot = stream
		mu.Unlock()
		if done != nil {
			close(done)
		}
	}

	wg.Add(1)
	go runTrack(provider.TrackOriginal, &res.Original, originalCh)
	if !suppressDub {
		wg.Add(1)
		go runTrack(provider.TrackDub, &res.EnglishDub, nil)
	}
	wg.Add(1)
	go runTrack(provider.TrackLatino, &res.Latino, nil)

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
		bgCancel()
	}()

	select {
	case <-originalCh:
	case <-allDone:
	case <-time.After(r.opts.Ceiling):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	out := &models.UnifiedResolution{
		Original:   res.Original,
		EnglishDub: res.EnglishDub,
		Latino:     res.Latino,
	}
	mu.Unlock()

	out.Metadata.ElapsedMs = time.Since(start).Milliseconds()
	for _, s := range []*models.ProviderStream{out.Original, out.EnglishDub, out.Latino} {
		if s != nil {
			out.Metadata.SuccessCount++
		}
	}
	if det != nil && det.IsAnime() {
		out.Metadata.IsAnime = true
		out.Metadata.AnimeTitle = det.AnimeTitle()
	}

	util.Info("resolve: finished",
		"key", key.String(),
		"successes", out.Metadata.SuccessCount,
		"elapsedMs", out.Metadata.ElapsedMs)
	return out, nil
}

// Invalidate drops every cached entry for the key, across providers.
func (r *Resolver) Invalidate(key models.ContentKey) error {
	if !key.Valid() {
		return ErrInvalidKey
	}
	r.cache.InvalidateAll(key)
	return nil
}

// InvalidateProvider drops one provider's cached entry for the key.
// Called when a proxied fetch proves the entry dead.
func (r *Resolver) InvalidateProvider(key models.ContentKey, provider string) {
	r.cache.Invalidate(key, provider)
}

// lookupMetadata is best effort: resolution proceeds without origin
// metadata when TMDB is unconfigured or unreachable.
func (r *Resolver) lookupMetadata(ctx context.Context, key models.ContentKey) *metadata.Details {
	if r.meta == nil || !r.meta.IsConfigured() {
		return nil
	}
	metaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	det, err := r.meta.Details(metaCtx, key)
	if err != nil {
		util.Warn("resolve: metadata lookup failed", "key", key.String(), "error", err)
		return nil
	}
	return det
}

// resolveTrack walks the track's providers in priority order and returns
// the first winner, or nil when every provider fails.
func (r *Resolver) resolveTrack(ctx context.Context, key models.ContentKey, track provider.Track, skipCache bool) *models.ProviderStream {
	for _, cfg := range r.registry.ForTrack(track) {
		if ctx.Err() != nil {
			return nil
		}
		stream, err := r.resolveProvider(ctx, key, cfg, skipCache)
		if err != nil {
			util.Debug("resolve: provider failed",
				"provider", cfg.Name, "track", string(track), "key", key.String(), "error", err)
			continue
		}
		return stream
	}
	return nil
}

// resolveProvider runs one provider through the single-flight cache.
// Definitive misses are cached negatively; blocked domains and timeouts
// are not cached, so a later attempt can retry.
func (r *Resolver) resolveProvider(ctx context.Context, key models.ContentKey, cfg provider.Config, skipCache bool) (*models.ProviderStream, error) {
	resolve := func(ctx context.Context) (*cache.Entry, error) {
		stream, err := r.fetch(ctx, key, cfg)
		if err != nil {
			if errors.Is(err, extractor.ErrNotFound) || errors.Is(err, provider.ErrNoStream) {
				r.cache.Put(&cache.Entry{
					Key:      key,
					Provider: cfg.Name,
					TTL:      r.cache.Policy().Negative,
					Negative: true,
				})
			}
			return nil, err
		}

		vod := r.classifyStream(ctx, stream)
		return &cache.Entry{
			Key:       key,
			Provider:  cfg.Name,
			StreamURL: stream.StreamURL,
			SourceURL: stream.SourceURL,
			Referer:   stream.Referer,
			Subtitles: stream.Subtitles,
			TTL:       r.cache.Policy().Positive(vod),
		}, nil
	}

	var (
		entry     *cache.Entry
		fromCache bool
		err       error
	)
	if skipCache {
		entry, err = resolve(ctx)
	} else {
		entry, fromCache, err = r.cache.Do(ctx, key, cfg.Name, resolve)
	}
	if err != nil {
		return nil, err
	}
	if entry.Negative {
		return nil, errors.Wrapf(extractor.ErrNotFound, "provider %s (negative cache)", cfg.Name)
	}
	if skipCache {
		r.cache.Put(entry)
	}

	return &models.ProviderStream{
		Provider:  entry.Provider,
		StreamURL: entry.StreamURL,
		SourceURL: entry.SourceURL,
		Referer:   entry.Referer,
		Subtitles: entry.Subtitles,
		Cached:    fromCache,
	}, nil
}

// fetch performs the actual provider work: direct API decode, or a full
// browser extraction session.
func (r *Resolver) fetch(ctx context.Context, key models.ContentKey, cfg provider.Config) (*models.ProviderStream, error) {
	if cfg.Kind == provider.KindAPI {
		return r.apiFor(cfg).Resolve(ctx, key)
	}

	target := extractor.Target{
		URL:            cfg.TargetURL(key),
		PlaySelectors:  cfg.PlaySelectors,
		XPathFallbacks: cfg.XPathFallbacks,
		PlayerScript:   cfg.PlayerScript,
	}
	candidates, err := r.engine.Extract(ctx, target, r.opts.ExtractTimeout)
	if err != nil {
		return nil, err
	}

	return &models.ProviderStream{
		Provider:  cfg.Name,
		StreamURL: candidates[0].URL,
		SourceURL: target.URL,
		Referer:   cfg.Referer,
	}, nil
}

func (r *Resolver) apiFor(cfg provider.Config) APIResolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.apiClients[cfg.Name]; ok {
		return c
	}
	c := r.newAPI(cfg)
	r.apiClients[cfg.Name] = c
	return c
}

// classifyStream fetches the head of the manifest and reports whether it
// is VOD. Fetch failures classify as live so the entry gets the short
// TTL.
func (r *Resolver) classifyStream(ctx context.Context, stream *models.ProviderStream) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stream.StreamURL, nil)
	if err != nil {
		return false
	}
	if stream.Referer != "" {
		req.Header.Set("Referer", stream.Referer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return false
	}
	return proxy.PlaylistIsVOD(string(body))
}
