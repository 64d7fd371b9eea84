// Package extractor drives a pooled headless browser to turn an opaque
// player page into a scored set of HLS manifest candidates.
package extractor

import (
	"context"

	"github.com/lucasvieira/streamfinder/internal/models"
)

// NetworkEvent is one observed request lifecycle event.
type NetworkEvent struct {
	URL   string
	Phase models.CandidateSource
}

// BrowserSession is the narrow capability surface the engine needs from a
// browser page. Keeping it this small lets the extraction algorithm run
// against a fake implementation in tests, no real browser required.
//
// OnNetwork must be called before Navigate so interception is installed
// ahead of the first request. Close must be idempotent.
type BrowserSession interface {
	// OnNetwork registers an observer for request/response/finished events.
	OnNetwork(fn func(NetworkEvent))

	// Navigate drives the page to rawURL, honoring the context deadline.
	Navigate(ctx context.Context, rawURL string) error

	// Click attempts the selector in the main document and in every
	// embedded frame; it reports whether any click landed. Selectors may
	// carry an "xpath=" prefix.
	Click(selector string) bool

	// Evaluate runs a script in the main document and every frame.
	// Per-frame failures are ignored.
	Evaluate(script string) error

	// ProbeDOM scrapes currently-set media element sources from the page.
	ProbeDOM() []string

	// Close releases the underlying page and browser context.
	Close() error
}

// SessionFactory creates a fresh session; the pool owns its lifecycle.
type SessionFactory func(ctx context.Context) (BrowserSession, error)
