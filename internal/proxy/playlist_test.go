package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoute(kind ResourceKind, absolute string) string {
	path := "/proxy/segment"
	if kind == ResourcePlaylist {
		path = "/proxy/playlist"
	}
	return path + "?url=" + url.QueryEscape(absolute)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func testOpts() Options {
	return Options{
		UpstreamTimeout:   5 * time.Second,
		PerHostRPS:        100,
		PlaylistCacheSize: 16,
		PlaylistVODTTL:    time.Hour,
		PlaylistLiveTTL:   10 * time.Second,
	}
}

func TestRewriteMediaPlaylist(t *testing.T) {
	base := mustParse(t, "https://h.example/a/b/index.m3u8")
	body := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x1234",
		"#EXTINF:4.0,",
		"../seg/001.ts",
		"#EXTINF:4.0,",
		"https://cdn.example/seg/002.ts",
		"#EXT-X-ENDLIST",
		"",
	}, "\n")

	out := RewritePlaylist(body, base, testRoute)
	lines := strings.Split(out, "\n")

	// Rewriting changes URIs, never the manifest shape.
	require.Len(t, lines, 9)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-ENDLIST", lines[7])

	// Relative reference resolves against the playlist directory.
	assert.Equal(t,
		"/proxy/segment?url="+url.QueryEscape("https://h.example/a/seg/001.ts"),
		lines[4])
	assert.Equal(t,
		"/proxy/segment?url="+url.QueryEscape("https://cdn.example/seg/002.ts"),
		lines[6])

	// Key URIs route as opaque media, with surrounding attributes intact.
	assert.Equal(t,
		"#EXT-X-KEY:METHOD=AES-128,URI=\"/proxy/segment?url="+
			url.QueryEscape("https://h.example/a/b/key.bin")+"\",IV=0x1234",
		lines[2])
}

func TestRewriteMasterPlaylist(t *testing.T) {
	base := mustParse(t, "https://h.example/master.m3u8")
	body := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID=\"aud\",URI=\"audio/en.m3u8\"",
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,AUDIO=\"aud\"",
		"low/index.m3u8",
		"#EXT-X-I-FRAME-STREAM-INF:BANDWIDTH=100000,URI=\"iframe.m3u8\"",
	}, "\n")

	out := RewritePlaylist(body, base, testRoute)
	lines := strings.Split(out, "\n")

	// Variant and alternate-rendition URIs route back through the
	// playlist endpoint so they get their own rewrite pass.
	assert.Contains(t, lines[1], "/proxy/playlist?url="+url.QueryEscape("https://h.example/audio/en.m3u8"))
	assert.Equal(t, "/proxy/playlist?url="+url.QueryEscape("https://h.example/low/index.m3u8"), lines[3])
	assert.Contains(t, lines[4], "/proxy/playlist?url="+url.QueryEscape("https://h.example/iframe.m3u8"))
}

func TestRewriteMapURI(t *testing.T) {
	base := mustParse(t, "https://h.example/v/index.m3u8")
	body := "#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:4.0,\nseg1.m4s\n"

	out := RewritePlaylist(body, base, testRoute)
	assert.Contains(t, out, "#EXT-X-MAP:URI=\"/proxy/segment?url="+url.QueryEscape("https://h.example/v/init.mp4")+"\"")
}

func TestRewriteMalformedPassthrough(t *testing.T) {
	base := mustParse(t, "https://h.example/x")
	body := "<html><body>error page</body></html>"

	assert.Equal(t, body, RewritePlaylist(body, base, testRoute))
}

func TestFetchPlaylistSynthesizesHeadersAndCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "https://player.example/", r.Header.Get("Referer"))
		assert.Equal(t, "https://player.example", r.Header.Get("Origin"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Chrome")
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"))
	}))
	defer srv.Close()

	p := New(testOpts())
	for i := 0; i < 2; i++ {
		out, err := p.FetchPlaylist(context.Background(), srv.URL+"/index.m3u8",
			"https://player.example/", "", testRoute)
		require.NoError(t, err)
		assert.Contains(t, out, "/proxy/segment?url="+url.QueryEscape(srv.URL+"/seg1.ts"))
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchPlaylistTTLClasses(t *testing.T) {
	vodBody := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n"
	liveBody := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"

	var vodHits, liveHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/vod") {
			vodHits.Add(1)
			_, _ = w.Write([]byte(vodBody))
			return
		}
		liveHits.Add(1)
		_, _ = w.Write([]byte(liveBody))
	}))
	defer srv.Close()

	p := New(testOpts())
	current := time.Now()
	p.now = func() time.Time { return current }

	fetch := func(path string) {
		t.Helper()
		_, err := p.FetchPlaylist(context.Background(), srv.URL+path, "", "", testRoute)
		require.NoError(t, err)
	}

	fetch("/vod/index.m3u8")
	fetch("/live/index.m3u8")

	// Past the live TTL but well inside the VOD one: only the rotating
	// playlist goes back upstream.
	current = current.Add(30 * time.Second)
	fetch("/vod/index.m3u8")
	fetch("/live/index.m3u8")
	assert.Equal(t, int32(1), vodHits.Load())
	assert.Equal(t, int32(2), liveHits.Load())

	// Past the VOD TTL everything refetches.
	current = current.Add(2 * time.Hour)
	fetch("/vod/index.m3u8")
	assert.Equal(t, int32(2), vodHits.Load())
}

func TestPlaylistIsVOD(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"endlist", "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n#EXT-X-ENDLIST\n", true},
		{"playlist type vod", "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:4.0,\nseg1.ts\n", true},
		{"master", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n", true},
		{"live media playlist", "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:100\n#EXTINF:4.0,\nseg100.ts\n", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlaylistIsVOD(tt.body))
		})
	}
}

func TestFetchPlaylistPermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	p := New(testOpts())
	_, err := p.FetchPlaylist(context.Background(), srv.URL+"/index.m3u8", "", "", testRoute)
	assert.ErrorIs(t, err, ErrUpstreamRejected)
}

func TestStreamSegmentRangePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=0-99", r.Header.Get("Range"))
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 0-99/1000")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	p := New(testOpts())
	rec := httptest.NewRecorder()
	err := p.StreamSegment(context.Background(), rec, srv.URL+"/seg1.ts", "", "", "bytes=0-99")
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes 0-99/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, 100, rec.Body.Len())
}

func TestStreamSegmentPermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	p := New(testOpts())
	rec := httptest.NewRecorder()
	err := p.StreamSegment(context.Background(), rec, srv.URL+"/seg1.ts", "", "", "")
	require.ErrorIs(t, err, ErrUpstreamRejected)

	// Nothing was committed, so the handler can still shape the error
	// response.
	assert.Equal(t, 0, rec.Body.Len())
}

func TestIsPermanentStatus(t *testing.T) {
	for _, code := range []int{403, 404, 410, 500, 502, 503} {
		assert.True(t, IsPermanentStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 206, 301, 429, 504} {
		assert.False(t, IsPermanentStatus(code), "status %d", code)
	}
}
