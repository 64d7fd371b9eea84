package extractor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/util"
)

const sessionUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// frameClickTimeout bounds each individual click attempt; the engine's own
// retry loop provides the real budget.
const frameClickTimeout = 800 * time.Millisecond

const domProbeScript = `(() => {
	const out = [];
	document.querySelectorAll('video, video source').forEach(el => {
		if (el.src && el.src.startsWith('http')) out.push(el.src);
	});
	if (window.jwplayer) {
		try {
			const pl = jwplayer().getPlaylist() || [];
			pl.forEach(it => { if (it.file) out.push(it.file); });
		} catch (e) {}
	}
	return JSON.stringify(out);
})()`

// Launcher owns the singleton browser process; sessions are cheap
// per-extraction browser contexts on top of it.
type Launcher struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	navTimeout time.Duration
}

// NewLauncher starts the playwright driver and launches headless Chromium.
// navTimeout caps page navigation; zero means 20s.
func NewLauncher(navTimeout time.Duration) (*Launcher, error) {
	if navTimeout <= 0 {
		navTimeout = 20 * time.Second
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, errors.Wrap(err, "starting playwright driver")
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-dev-shm-usage",
			"--mute-audio",
			"--autoplay-policy=no-user-gesture-required",
			"--disable-background-networking",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, errors.Wrap(err, "launching chromium")
	}
	return &Launcher{pw: pw, browser: browser, navTimeout: navTimeout}, nil
}

// NewSession creates an isolated browser context with one page.
func (l *Launcher) NewSession(_ context.Context) (BrowserSession, error) {
	bctx, err := l.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(sessionUserAgent),
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating browser context")
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, errors.Wrap(err, "creating page")
	}
	return &playwrightSession{bctx: bctx, page: page, navTimeout: l.navTimeout}, nil
}

// Close tears down the browser process and the driver.
func (l *Launcher) Close() error {
	if err := l.browser.Close(); err != nil {
		_ = l.pw.Stop()
		return err
	}
	return l.pw.Stop()
}

type playwrightSession struct {
	bctx       playwright.BrowserContext
	page       playwright.Page
	navTimeout time.Duration

	mu        sync.Mutex
	observers []func(NetworkEvent)
	closed    bool
}

func (s *playwrightSession) emit(url string, phase models.CandidateSource) {
	s.mu.Lock()
	obs := make([]func(NetworkEvent), len(s.observers))
	copy(obs, s.observers)
	s.mu.Unlock()
	for _, fn := range obs {
		fn(NetworkEvent{URL: url, Phase: phase})
	}
}

func (s *playwrightSession) OnNetwork(fn func(NetworkEvent)) {
	s.mu.Lock()
	first := len(s.observers) == 0
	s.observers = append(s.observers, fn)
	s.mu.Unlock()

	if !first {
		return
	}
	s.page.On("request", func(req playwright.Request) {
		s.emit(req.URL(), models.SourceRequest)
	})
	s.page.On("response", func(resp playwright.Response) {
		s.emit(resp.URL(), models.SourceResponse)
	})
	s.page.On("requestfinished", func(req playwright.Request) {
		s.emit(req.URL(), models.SourceFinished)
	})
}

func (s *playwrightSession) Navigate(ctx context.Context, rawURL string) error {
	timeout := s.navTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return ctx.Err()
	}
	_, err := s.page.Goto(rawURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	return err
}

func (s *playwrightSession) Click(selector string) bool {
	clicked := false
	for _, frame := range s.page.Frames() {
		err := frame.Click(selector, playwright.FrameClickOptions{
			Timeout: playwright.Float(float64(frameClickTimeout.Milliseconds())),
			Force:   playwright.Bool(true),
		})
		if err == nil {
			clicked = true
		}
	}
	return clicked
}

func (s *playwrightSession) Evaluate(script string) error {
	var firstErr error
	for _, frame := range s.page.Frames() {
		if _, err := frame.Evaluate(script); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *playwrightSession) ProbeDOM() []string {
	var urls []string
	for _, frame := range s.page.Frames() {
		v, err := frame.Evaluate(domProbeScript)
		if err != nil {
			continue
		}
		raw, ok := v.(string)
		if !ok || raw == "" {
			continue
		}
		var found []string
		if err := json.Unmarshal([]byte(raw), &found); err != nil {
			continue
		}
		urls = append(urls, found...)
	}
	return urls
}

func (s *playwrightSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.page.Close(); err != nil && !strings.Contains(err.Error(), "closed") {
		util.Debug("extractor: page close", "error", err)
	}
	return s.bctx.Close()
}
