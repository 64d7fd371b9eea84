package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasvieira/streamfinder/internal/models"
)

func TestTargetURLTemplates(t *testing.T) {
	cfg := Config{
		MovieURL: "https://example.test/movie/{id}",
		TVURL:    "https://example.test/tv/{id}/{season}/{episode}",
	}

	tests := []struct {
		name string
		key  models.ContentKey
		want string
	}{
		{
			name: "movie",
			key:  models.ContentKey{Type: models.MediaTypeMovie, ID: "603"},
			want: "https://example.test/movie/603",
		},
		{
			name: "tv episode",
			key:  models.ContentKey{Type: models.MediaTypeTV, ID: "1396", Season: 2, Episode: 7},
			want: "https://example.test/tv/1396/2/7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.TargetURL(tt.key))
		})
	}
}

func TestRegistryForTrackOrdersByPriority(t *testing.T) {
	reg := NewRegistry(
		Config{Name: "b", Track: TrackOriginal, Priority: 1},
		Config{Name: "a", Track: TrackOriginal, Priority: 0},
		Config{Name: "c", Track: TrackDub, Priority: 0},
	)

	original := reg.ForTrack(TrackOriginal)
	require.Len(t, original, 2)
	assert.Equal(t, "a", original[0].Name)
	assert.Equal(t, "b", original[1].Name)

	assert.Len(t, reg.ForTrack(TrackLatino), 0)
}

func TestRegistryDefaultsCoverAllTracks(t *testing.T) {
	reg := NewRegistry()

	assert.NotEmpty(t, reg.ForTrack(TrackOriginal))
	assert.NotEmpty(t, reg.ForTrack(TrackDub))
	assert.NotEmpty(t, reg.ForTrack(TrackLatino))

	// The original track keeps an API provider ahead of the browser one.
	original := reg.ForTrack(TrackOriginal)
	assert.Equal(t, KindAPI, original[0].Kind)
}

func TestRegistryAllowedHostsDedupes(t *testing.T) {
	reg := NewRegistry(
		Config{Name: "a", Hosts: []string{"one.test", "two.test"}},
		Config{Name: "b", Hosts: []string{"two.test", "three.test"}},
	)
	assert.Equal(t, []string{"one.test", "two.test", "three.test"}, reg.AllowedHosts())
}

func TestAPIClientResolve(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/movie/603", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<div class="server-item" data-hash="abc123">Server 1</div>
		</body></html>`))
	})
	mux.HandleFunc("/decode", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "abc123", r.URL.Query().Get("hash"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"file": "https://cdn.example/stream/master.m3u8",
			"tracks": [
				{"file": "https://cdn.example/subs/en.vtt", "label": "English", "kind": "captions"},
				{"file": "https://cdn.example/thumbs.vtt", "label": "thumbnails", "kind": "thumbnails"}
			]
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewAPIClient(Config{
		Name:     "videasy",
		Track:    TrackOriginal,
		Kind:     KindAPI,
		MovieURL: srv.URL + "/movie/{id}",
		Referer:  srv.URL + "/",
	})
	client.apiBase = srv.URL + "/decode"

	stream, err := client.Resolve(context.Background(), models.ContentKey{Type: models.MediaTypeMovie, ID: "603"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example/stream/master.m3u8", stream.StreamURL)
	assert.Equal(t, "videasy", stream.Provider)
	require.Len(t, stream.Subtitles, 1)
	assert.Equal(t, "en", stream.Subtitles[0].LanguageCode)
	assert.Equal(t, models.SubtitleVTT, stream.Subtitles[0].Format)
}

func TestAPIClientResolveNoStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/movie/999", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewAPIClient(Config{
		Name:     "videasy",
		MovieURL: srv.URL + "/movie/{id}",
	})
	client.apiBase = srv.URL + "/decode"
	client.maxRetries = 0

	_, err := client.Resolve(context.Background(), models.ContentKey{Type: models.MediaTypeMovie, ID: "999"})
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestAPIClientResolveEmptySources(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/movie/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div data-hash="zzz"></div>`))
	})
	mux.HandleFunc("/decode", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"file": "", "sources": []}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewAPIClient(Config{Name: "videasy", MovieURL: srv.URL + "/movie/{id}"})
	client.apiBase = srv.URL + "/decode"

	_, err := client.Resolve(context.Background(), models.ContentKey{Type: models.MediaTypeMovie, ID: "1"})
	assert.ErrorIs(t, err, ErrNoStream)
}
