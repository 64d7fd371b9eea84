package extractor

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/util"
)

var (
	// ErrNotFound means the full probe budget was spent without observing a
	// single manifest candidate. Cached negatively by the resolver.
	ErrNotFound = errors.New("no manifest candidate found")

	// ErrNavigationTimeout means the player page never finished loading
	// within the deadline. Transient; the next caller retries naturally via
	// a cache miss.
	ErrNavigationTimeout = errors.New("navigation timed out")
)

// probeState is the extraction state machine. One owned timer, explicit
// exhaustion: Navigating -> Probing -> CandidateFound | Exhausted.
type probeState int

const (
	stateNavigating probeState = iota
	stateProbing
	stateCandidateFound
	stateExhausted
)

// defaultPlayScript nudges every common virtual-player API after the click
// attempts; some providers gate the manifest request behind any of these.
const defaultPlayScript = `(() => {
	document.querySelectorAll('video').forEach(v => {
		try { v.muted = true; v.play(); } catch (e) {}
	});
	if (window.jwplayer) { try { jwplayer().play(); } catch (e) {} }
	if (window.player && typeof window.player.play === 'function') {
		try { window.player.play(); } catch (e) {}
	}
})()`

// defaultPlaySelectors cover the play-button markup seen across embed
// players; provider configs prepend their own.
var defaultPlaySelectors = []string{
	".jw-icon-display",
	".vjs-big-play-button",
	"button[aria-label='Play']",
	".plyr__control--overlaid",
	"#player .play",
}

var defaultXPathFallbacks = []string{
	"//button[contains(@class,'play')]",
	"//div[contains(@class,'play-button')]",
}

// Target describes one extraction attempt against a player page.
type Target struct {
	URL            string
	PlaySelectors  []string
	XPathFallbacks []string
	PlayerScript   string
}

// Config tunes the probe loop.
type Config struct {
	ProbeRounds    int
	ProbeDelay     time.Duration
	EarlyExitScore int
}

// DefaultConfig mirrors the empirically settled probe budget.
func DefaultConfig() Config {
	return Config{
		ProbeRounds:    7,
		ProbeDelay:     400 * time.Millisecond,
		EarlyExitScore: 150,
	}
}

// Engine runs extraction sessions against pooled browser sessions. It is
// purely functional from the caller's perspective: no state persists across
// calls, and the browser session is released on every exit path.
type Engine struct {
	pool  *Pool
	allow *Allowlist
	cfg   Config
}

// NewEngine assembles an engine over a session pool and navigation
// allow-list.
func NewEngine(pool *Pool, allow *Allowlist, cfg Config) *Engine {
	if cfg.ProbeRounds <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{pool: pool, allow: allow, cfg: cfg}
}

// Extract navigates to the target player page, intercepts network traffic,
// simulates playback-start interactions, and returns the observed manifest
// candidates ordered best-first. The timeout covers the whole session,
// navigation included; cancellation mid-probe still releases the session.
func (e *Engine) Extract(ctx context.Context, target Target, timeout time.Duration) ([]models.StreamCandidate, error) {
	if err := e.allow.Check(target.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, release, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquiring browser session")
	}
	defer release()

	collector := NewCollector()
	sess.OnNetwork(func(ev NetworkEvent) {
		if LooksLikePlaylist(ev.URL) {
			collector.Add(ev.URL, ev.Phase)
		}
	})

	state := stateNavigating
	started := time.Now()

	if err := sess.Navigate(ctx, target.URL); err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, errors.Wrap(ErrNavigationTimeout, target.URL)
		case ctx.Err() != nil:
			// Caller hung up; that is not a player-page timeout.
			return nil, errors.Wrapf(ctx.Err(), "navigation to %s interrupted", target.URL)
		}
		return nil, errors.Wrapf(err, "navigating to %s", target.URL)
	}

	state = stateProbing
	selectors := append(append([]string{}, target.PlaySelectors...), defaultPlaySelectors...)
	xpaths := append(append([]string{}, target.XPathFallbacks...), defaultXPathFallbacks...)

	// Created stopped; each round arms it for its own inter-probe wait.
	timer := time.NewTimer(e.cfg.ProbeDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for round := 0; round < e.cfg.ProbeRounds && state == stateProbing; round++ {
		if collector.BestScore() >= e.cfg.EarlyExitScore {
			state = stateCandidateFound
			break
		}
		if ctx.Err() != nil {
			state = stateExhausted
			break
		}

		// Click attempts can each spend the per-frame wait, so the
		// deadline is re-checked between them.
		clicked := false
		for _, sel := range selectors {
			if ctx.Err() != nil {
				break
			}
			if sess.Click(sel) {
				clicked = true
				break
			}
		}
		if !clicked {
			for _, xp := range xpaths {
				if ctx.Err() != nil {
					break
				}
				if sess.Click("xpath=" + xp) {
					break
				}
			}
		}
		if ctx.Err() != nil {
			state = stateExhausted
			break
		}

		_ = sess.Evaluate(defaultPlayScript)
		if target.PlayerScript != "" {
			_ = sess.Evaluate(target.PlayerScript)
		}
		for _, u := range sess.ProbeDOM() {
			if LooksLikePlaylist(u) {
				collector.Add(u, models.SourceDOM)
			}
		}

		if collector.BestScore() >= e.cfg.EarlyExitScore {
			state = stateCandidateFound
			break
		}

		timer.Reset(e.cfg.ProbeDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			state = stateExhausted
		}
	}

	if state == stateProbing {
		state = stateExhausted
	}

	candidates := collector.Candidates()
	util.Debug("extraction finished",
		"url", target.URL,
		"state", stateName(state),
		"candidates", len(candidates),
		"elapsed", time.Since(started).Round(time.Millisecond))

	if len(candidates) == 0 {
		return nil, errors.Wrap(ErrNotFound, target.URL)
	}
	return candidates, nil
}

func stateName(s probeState) string {
	switch s {
	case stateNavigating:
		return "navigating"
	case stateProbing:
		return "probing"
	case stateCandidateFound:
		return "candidate-found"
	case stateExhausted:
		return "exhausted"
	}
	return "unknown"
}
