package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasvieira/streamfinder/internal/cache"
	"github.com/lucasvieira/streamfinder/internal/extractor"
	"github.com/lucasvieira/streamfinder/internal/metadata"
	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/provider"
)

type fakeEngine struct {
	mu    sync.Mutex
	seen  []string
	calls atomic.Int32
	fn    func(url string) ([]models.StreamCandidate, error)
}

func (f *fakeEngine) Extract(_ context.Context, target extractor.Target, _ time.Duration) ([]models.StreamCandidate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, target.URL)
	f.mu.Unlock()
	return f.fn(target.URL)
}

func (f *fakeEngine) sawHost(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.seen {
		if len(u) >= len("https://")+len(host) && u[len("https://"):len("https://")+len(host)] == host {
			return true
		}
	}
	return false
}

type fakeAPI struct {
	calls atomic.Int32
	fn    func() (*models.ProviderStream, error)
}

func (f *fakeAPI) Resolve(context.Context, models.ContentKey) (*models.ProviderStream, error) {
	f.calls.Add(1)
	return f.fn()
}

type fakeMeta struct {
	det *metadata.Details
}

func (f *fakeMeta) IsConfigured() bool { return true }
func (f *fakeMeta) Details(context.Context, models.ContentKey) (*metadata.Details, error) {
	return f.det, nil
}

func testPolicy() cache.TTLPolicy {
	return cache.TTLPolicy{VOD: 30 * time.Minute, Live: 30 * time.Second, Negative: 6 * time.Hour}
}

func testOpts() Options {
	return Options{Ceiling: 3 * time.Second, ExtractTimeout: time.Second}
}

// vodServer serves a finished manifest so positive entries classify VOD.
func vodServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func movieKey() models.ContentKey {
	return models.ContentKey{Type: models.MediaTypeMovie, ID: "603"}
}

func TestResolveAllTracks(t *testing.T) {
	manifest := vodServer(t).URL + "/master.m3u8"

	reg := provider.NewRegistry(
		provider.Config{Name: "videasy", Track: provider.TrackOriginal, Kind: provider.KindAPI,
			MovieURL: "https://videasy.test/movie/{id}"},
		provider.Config{Name: "vidfast", Track: provider.TrackDub, Kind: provider.KindBrowser,
			MovieURL: "https://vidfast.test/movie/{id}", Referer: "https://vidfast.test/"},
		provider.Config{Name: "hdlatino", Track: provider.TrackLatino, Kind: provider.KindBrowser,
			MovieURL: "https://hdlatino.test/pelicula/{id}"},
	)
	engine := &fakeEngine{fn: func(string) ([]models.StreamCandidate, error) {
		return []models.StreamCandidate{{URL: manifest, Score: 180}}, nil
	}}
	api := &fakeAPI{fn: func() (*models.ProviderStream, error) {
		return &models.ProviderStream{StreamURL: manifest}, nil
	}}

	c := cache.New(testPolicy())
	r := New(c, reg, engine, nil, testOpts())
	r.newAPI = func(provider.Config) APIResolver { return api }

	res, err := r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	require.NotNil(t, res.Original)
	assert.Equal(t, "videasy", res.Original.Provider)
	assert.Equal(t, manifest, res.Original.StreamURL)
	assert.False(t, res.Original.Cached)

	// Side tracks finish in the background and land in the cache.
	require.Eventually(t, func() bool { return c.Len() >= 3 }, 2*time.Second, 10*time.Millisecond)

	res, err = r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metadata.SuccessCount)
	assert.True(t, res.Original.Cached)
	require.NotNil(t, res.EnglishDub)
	assert.Equal(t, "vidfast", res.EnglishDub.Provider)
	require.NotNil(t, res.Latino)
	assert.Equal(t, "hdlatino", res.Latino.Provider)

	// One API hit and two browser sessions total across both calls.
	assert.Equal(t, int32(1), api.calls.Load())
	assert.Equal(t, int32(2), engine.calls.Load())
}

func TestResolveDubSuppressedForEnglishOrigin(t *testing.T) {
	manifest := vodServer(t).URL + "/master.m3u8"

	reg := provider.NewRegistry(
		provider.Config{Name: "videasy", Track: provider.TrackOriginal, Kind: provider.KindAPI,
			MovieURL: "https://videasy.test/movie/{id}"},
		provider.Config{Name: "vidfast", Track: provider.TrackDub, Kind: provider.KindBrowser,
			MovieURL: "https://vidfast.test/movie/{id}"},
		provider.Config{Name: "hdlatino", Track: provider.TrackLatino, Kind: provider.KindBrowser,
			MovieURL: "https://hdlatino.test/pelicula/{id}"},
	)
	engine := &fakeEngine{fn: func(string) ([]models.StreamCandidate, error) {
		return []models.StreamCandidate{{URL: manifest, Score: 180}}, nil
	}}
	api := &fakeAPI{fn: func() (*models.ProviderStream, error) {
		return &models.ProviderStream{StreamURL: manifest}, nil
	}}
	meta := &fakeMeta{det: &metadata.Details{OriginalLanguage: "en", OriginCountries: []string{"US"}}}

	c := cache.New(testPolicy())
	r := New(c, reg, engine, meta, testOpts())
	r.newAPI = func(provider.Config) APIResolver { return api }

	res, err := r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	require.NotNil(t, res.Original)
	assert.Nil(t, res.EnglishDub)

	// Latino still runs; the dub site is never touched.
	require.Eventually(t, func() bool { return engine.sawHost("hdlatino.test") },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, engine.sawHost("vidfast.test"))
}

func TestResolveAllProvidersFail(t *testing.T) {
	reg := provider.NewRegistry(
		provider.Config{Name: "videasy", Track: provider.TrackOriginal, Kind: provider.KindAPI,
			MovieURL: "https://videasy.test/movie/{id}"},
		provider.Config{Name: "vidlink", Track: provider.TrackOriginal, Kind: provider.KindBrowser,
			MovieURL: "https://vidlink.test/movie/{id}", Priority: 1},
	)
	engine := &fakeEngine{fn: func(string) ([]models.StreamCandidate, error) {
		return nil, extractor.ErrNotFound
	}}
	api := &fakeAPI{fn: func() (*models.ProviderStream, error) {
		return nil, provider.ErrNoStream
	}}

	c := cache.New(testPolicy())
	r := New(c, reg, engine, nil, testOpts())
	r.newAPI = func(provider.Config) APIResolver { return api }

	res, err := r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Metadata.SuccessCount)
	assert.Nil(t, res.Original)

	// Both failures are definitive and cached negatively: the next call
	// touches neither provider again.
	entry, ok := c.Get(movieKey(), "videasy")
	require.True(t, ok)
	assert.True(t, entry.Negative)

	res, err = r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Metadata.SuccessCount)
	assert.Equal(t, int32(1), api.calls.Load())
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestResolveBlockedDomainNotCached(t *testing.T) {
	reg := provider.NewRegistry(
		provider.Config{Name: "vidlink", Track: provider.TrackOriginal, Kind: provider.KindBrowser,
			MovieURL: "https://vidlink.test/movie/{id}"},
	)
	engine := &fakeEngine{fn: func(string) ([]models.StreamCandidate, error) {
		return nil, extractor.ErrBlockedDomain
	}}

	c := cache.New(testPolicy())
	r := New(c, reg, engine, nil, testOpts())

	_, err := r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)

	// Config errors are retryable: no cache write, so both calls probe.
	assert.Equal(t, int32(2), engine.calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestResolveSkipCacheForcesFresh(t *testing.T) {
	manifest := vodServer(t).URL + "/master.m3u8"

	reg := provider.NewRegistry(
		provider.Config{Name: "videasy", Track: provider.TrackOriginal, Kind: provider.KindAPI,
			MovieURL: "https://videasy.test/movie/{id}"},
	)
	api := &fakeAPI{fn: func() (*models.ProviderStream, error) {
		return &models.ProviderStream{StreamURL: manifest}, nil
	}}

	c := cache.New(testPolicy())
	r := New(c, reg, nil, nil, testOpts())
	r.newAPI = func(provider.Config) APIResolver { return api }

	_, err := r.Resolve(context.Background(), movieKey(), false)
	require.NoError(t, err)
	require.Equal(t, int32(1), api.calls.Load())

	res, err := r.Resolve(context.Background(), movieKey(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.calls.Load())
	assert.False(t, res.Original.Cached)

	// The fresh result replaced the cached entry.
	entry, ok := c.Get(movieKey(), "videasy")
	require.True(t, ok)
	assert.Equal(t, manifest, entry.StreamURL)
}

func TestResolveInvalidKey(t *testing.T) {
	r := New(cache.New(testPolicy()), provider.NewRegistry(), nil, nil, testOpts())

	_, err := r.Resolve(context.Background(), models.ContentKey{Type: models.MediaTypeTV, ID: "1396"}, false)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestInvalidateDropsAllProviders(t *testing.T) {
	c := cache.New(testPolicy())
	c.Put(&cache.Entry{Key: movieKey(), Provider: "videasy", StreamURL: "a", TTL: time.Hour})
	c.Put(&cache.Entry{Key: movieKey(), Provider: "vidfast", StreamURL: "b", TTL: time.Hour})

	r := New(c, provider.NewRegistry(), nil, nil, testOpts())
	require.NoError(t, r.Invalidate(movieKey()))
	assert.Equal(t, 0, c.Len())
}
