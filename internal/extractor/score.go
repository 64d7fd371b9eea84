package extractor

import (
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lucasvieira/streamfinder/internal/models"
)

// cdnProxySuffixes are serverless-edge hostname patterns providers hide
// their real manifest behind; a match is a strong signal the URL is the
// playable one rather than an ad or telemetry beacon.
var cdnProxySuffixes = []string{
	".workers.dev",
	".pages.dev",
	".b-cdn.net",
	".global.ssl.fastly.net",
}

var playlistKeywords = []string{"m3u8", "master", "playlist", "hls"}

// LooksLikePlaylist reports whether a URL plausibly references an HLS
// playlist: a .m3u8 path, or a .txt path masquerading as one.
func LooksLikePlaylist(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	if strings.HasSuffix(p, ".m3u8") {
		return true
	}
	if strings.HasSuffix(p, ".txt") {
		probe := p + "?" + strings.ToLower(u.RawQuery)
		for _, kw := range playlistKeywords {
			if strings.Contains(probe, kw) {
				return true
			}
		}
	}
	return false
}

// Score ranks a candidate manifest URL. The heuristic is deterministic:
// +100 for a .m3u8 path, +50 for a master/playlist filename, +30 for a
// known CDN-proxy hostname, -20 for an "index" decoy filename.
func Score(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	p := strings.ToLower(u.Path)
	base := path.Base(p)
	score := 0

	if strings.HasSuffix(p, ".m3u8") {
		score += 100
	}
	if strings.Contains(base, "master") || strings.Contains(base, "playlist") {
		score += 50
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range cdnProxySuffixes {
		if strings.HasSuffix(host, suffix) {
			score += 30
			break
		}
	}
	if strings.HasPrefix(base, "index") {
		score -= 20
	}
	return score
}

// Collector deduplicates and scores candidates observed during one
// extraction session. First-seen order is preserved so that scoring ties
// resolve deterministically.
type Collector struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	candidates []models.StreamCandidate
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{seen: make(map[string]struct{})}
}

// Add records a candidate URL once; repeats of the same URL are ignored no
// matter which phase observed them.
func (c *Collector) Add(rawURL string, source models.CandidateSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[rawURL]; dup {
		return
	}
	c.seen[rawURL] = struct{}{}
	c.candidates = append(c.candidates, models.StreamCandidate{
		URL:    rawURL,
		Source: source,
		Score:  Score(rawURL),
		Seen:   time.Now(),
	})
}

// BestScore returns the highest score seen so far, or -1 when empty.
func (c *Collector) BestScore() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	best := -1
	for _, cand := range c.candidates {
		if cand.Score > best {
			best = cand.Score
		}
	}
	return best
}

// Candidates returns the collected set ordered by score descending; ties
// keep first-seen order. Re-running the same network trace yields the same
// ordering.
func (c *Collector) Candidates() []models.StreamCandidate {
	c.mu.Lock()
	out := make([]models.StreamCandidate, len(c.candidates))
	copy(out, c.candidates)
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Len reports how many unique candidates were observed.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}
