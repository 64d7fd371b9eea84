// Package models contains the shared data types for stream resolution
package models

import (
	"fmt"
	"strings"
	"time"
)

// MediaType represents the type of media (movie or TV show)
type MediaType string

const (
	MediaTypeMovie MediaType = "movie"
	MediaTypeTV    MediaType = "tv"
)

// ContentKey identifies one piece of playable content. Season and Episode
// are zero for movies. The key, together with a provider name, partitions
// the resolution cache.
type ContentKey struct {
	Type    MediaType `json:"type"`
	ID      string    `json:"id"`
	Season  int       `json:"season,omitempty"`
	Episode int       `json:"episode,omitempty"`
}

// String renders a stable cache-partition key, e.g. "movie:603" or
// "tv:1396:s2e7".
func (k ContentKey) String() string {
	if k.Type == MediaTypeTV {
		return fmt.Sprintf("%s:%s:s%de%d", k.Type, k.ID, k.Season, k.Episode)
	}
	return fmt.Sprintf("%s:%s", k.Type, k.ID)
}

// ParseContentKey parses the String form back into a key. Used when a
// proxy URL carries its originating key for cache invalidation.
func ParseContentKey(s string) (ContentKey, bool) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && MediaType(parts[0]) == MediaTypeMovie:
		k := ContentKey{Type: MediaTypeMovie, ID: parts[1]}
		return k, k.Valid()
	case len(parts) == 3 && MediaType(parts[0]) == MediaTypeTV:
		k := ContentKey{Type: MediaTypeTV, ID: parts[1]}
		if n, _ := fmt.Sscanf(parts[2], "s%de%d", &k.Season, &k.Episode); n == 2 {
			return k, k.Valid()
		}
	}
	return ContentKey{}, false
}

// Valid reports whether the key carries enough information to resolve.
func (k ContentKey) Valid() bool {
	if k.ID == "" {
		return false
	}
	switch k.Type {
	case MediaTypeMovie:
		return true
	case MediaTypeTV:
		return k.Season > 0 && k.Episode > 0
	}
	return false
}

// SubtitleFormat is the detected on-the-wire subtitle format.
type SubtitleFormat string

const (
	SubtitleVTT SubtitleFormat = "vtt"
	SubtitleSRT SubtitleFormat = "srt"
	SubtitleASS SubtitleFormat = "ass"
)

// FormatFromURL guesses a subtitle format from the file extension.
// Content sniffing later can override the guess.
func FormatFromURL(rawURL string) SubtitleFormat {
	lower := strings.ToLower(rawURL)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".srt"):
		return SubtitleSRT
	case strings.HasSuffix(lower, ".ass"), strings.HasSuffix(lower, ".ssa"):
		return SubtitleASS
	default:
		return SubtitleVTT
	}
}

// SubtitleRef points at one subtitle track offered by a provider.
type SubtitleRef struct {
	URL          string         `json:"url"`
	LanguageCode string         `json:"languageCode"`
	Label        string         `json:"label"`
	Format       SubtitleFormat `json:"format"`
}

// ProviderStream is one resolved playable stream from a single provider.
type ProviderStream struct {
	Provider  string        `json:"provider"`
	StreamURL string        `json:"streamUrl"`
	SourceURL string        `json:"sourceUrl,omitempty"`
	Referer   string        `json:"referer,omitempty"`
	Subtitles []SubtitleRef `json:"subtitles,omitempty"`
	Cached    bool          `json:"cached"`
}

// ResolutionMeta carries per-resolve diagnostics surfaced to the caller.
type ResolutionMeta struct {
	ElapsedMs    int64  `json:"elapsedMs"`
	SuccessCount int    `json:"successCount"`
	IsAnime      bool   `json:"isAnime"`
	AnimeTitle   string `json:"animeTitle,omitempty"`
}

// UnifiedResolution aggregates up to three independently resolved audio
// tracks for one content key. Every track field is optional; a resolution
// with SuccessCount zero is the "unavailable" signal, never an error.
type UnifiedResolution struct {
	Original   *ProviderStream `json:"original,omitempty"`
	EnglishDub *ProviderStream `json:"englishDub,omitempty"`
	Latino     *ProviderStream `json:"latino,omitempty"`
	Metadata   ResolutionMeta  `json:"metadata"`
}

// CandidateSource records which interception phase produced a candidate.
type CandidateSource string

const (
	SourceRequest  CandidateSource = "request"
	SourceResponse CandidateSource = "response"
	SourceDOM      CandidateSource = "dom"
	SourceFinished CandidateSource = "finished"
)

// StreamCandidate is a manifest URL observed during one extraction session.
// Candidates are transient; only the best-scoring one is promoted into a
// cache entry.
type StreamCandidate struct {
	URL    string          `json:"url"`
	Source CandidateSource `json:"source"`
	Score  int             `json:"score"`
	Seen   time.Time       `json:"-"`
}
