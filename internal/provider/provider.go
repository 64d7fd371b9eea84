// Package provider holds the data-driven configuration records for the
// third-party player sites, and the direct-API client used for the fast
// resolution path. Adding or removing a provider means editing a record
// here, not the orchestration code.
package provider

import (
	"sort"
	"strconv"
	"strings"

	"github.com/lucasvieira/streamfinder/internal/models"
)

// Track is the audio track a provider serves.
type Track string

const (
	TrackOriginal Track = "original"
	TrackDub      Track = "dub"
	TrackLatino   Track = "latino"
)

// Kind selects the resolution strategy for a provider.
type Kind string

const (
	// KindAPI providers expose a decode endpoint reachable with plain HTTP.
	KindAPI Kind = "api"
	// KindBrowser providers only reveal the manifest to a real browser.
	KindBrowser Kind = "browser"
)

// Config describes one player site. URL templates use {id}, {season} and
// {episode} tokens.
type Config struct {
	Name     string
	Track    Track
	Kind     Kind
	MovieURL string
	TVURL    string

	// Header expectations for the upstream CDN once a manifest is found.
	Referer string
	Origin  string

	// Hosts this provider may navigate to; contributes to the browser
	// allow-list.
	Hosts []string

	// Playback-start simulation hints for browser providers.
	PlaySelectors  []string
	XPathFallbacks []string
	PlayerScript   string

	// Lower sorts first within a track.
	Priority int
}

// TargetURL renders the player page URL for a content key.
func (c Config) TargetURL(key models.ContentKey) string {
	tpl := c.MovieURL
	if key.Type == models.MediaTypeTV {
		tpl = c.TVURL
	}
	r := strings.NewReplacer(
		"{id}", key.ID,
		"{season}", strconv.Itoa(key.Season),
		"{episode}", strconv.Itoa(key.Episode),
	)
	return r.Replace(tpl)
}

// Defaults is the built-in provider set. The "original" track has a fast
// API provider first and a browser provider as fallback; dub and latino
// each resolve from their own dedicated site.
func Defaults() []Config {
	return []Config{
		{
			Name:     "videasy",
			Track:    TrackOriginal,
			Kind:     KindAPI,
			MovieURL: "https://player.videasy.net/movie/{id}",
			TVURL:    "https://player.videasy.net/tv/{id}/{season}/{episode}",
			Referer:  "https://player.videasy.net/",
			Origin:   "https://player.videasy.net",
			Hosts:    []string{"player.videasy.net", "videasy.net"},
			Priority: 0,
		},
		{
			Name:          "vidlink",
			Track:         TrackOriginal,
			Kind:          KindBrowser,
			MovieURL:      "https://vidlink.pro/movie/{id}",
			TVURL:         "https://vidlink.pro/tv/{id}/{season}/{episode}",
			Referer:       "https://vidlink.pro/",
			Origin:        "https://vidlink.pro",
			Hosts:         []string{"vidlink.pro"},
			PlaySelectors: []string{".jw-icon-display", "#player-button"},
			Priority:      1,
		},
		{
			Name:           "vidfast",
			Track:          TrackDub,
			Kind:           KindBrowser,
			MovieURL:       "https://vidfast.pro/movie/{id}?autoPlay=true",
			TVURL:          "https://vidfast.pro/tv/{id}/{season}/{episode}?autoPlay=true",
			Referer:        "https://vidfast.pro/",
			Origin:         "https://vidfast.pro",
			Hosts:          []string{"vidfast.pro"},
			PlaySelectors:  []string{".vjs-big-play-button"},
			XPathFallbacks: []string{"//button[contains(@class,'play')]"},
			Priority:       0,
		},
		{
			Name:          "hdlatino",
			Track:         TrackLatino,
			Kind:          KindBrowser,
			MovieURL:      "https://hdlatino.vip/pelicula/{id}",
			TVURL:         "https://hdlatino.vip/serie/{id}/{season}/{episode}",
			Referer:       "https://hdlatino.vip/",
			Origin:        "https://hdlatino.vip",
			Hosts:         []string{"hdlatino.vip"},
			PlaySelectors: []string{".play-button", ".jw-icon-display"},
			Priority:      0,
		},
	}
}

// Registry is the read-only provider lookup used by the resolver.
type Registry struct {
	configs []Config
}

// NewRegistry builds a registry; with no arguments it carries Defaults.
func NewRegistry(configs ...Config) *Registry {
	if len(configs) == 0 {
		configs = Defaults()
	}
	return &Registry{configs: configs}
}

// ForTrack returns the providers serving a track, priority order.
func (r *Registry) ForTrack(track Track) []Config {
	var out []Config
	for _, c := range r.configs {
		if c.Track == track {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// ByName looks a provider up by name.
func (r *Registry) ByName(name string) (Config, bool) {
	for _, c := range r.configs {
		if c.Name == name {
			return c, true
		}
	}
	return Config{}, false
}

// AllowedHosts collects every navigable host across providers, for the
// browser allow-list.
func (r *Registry) AllowedHosts() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range r.configs {
		for _, h := range c.Hosts {
			if _, dup := seen[h]; !dup {
				seen[h] = struct{}{}
				out = append(out, h)
			}
		}
	}
	return out
}
