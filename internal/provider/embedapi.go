package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/util"
)

const (
	apiUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0"

	// Decode endpoint that unwraps a server hash into direct sources.
	decodeAPIBase = "https://api.videasy.net/decode"
)

// ErrNoStream means the provider answered but has no stream for this
// content. Callers treat this as a definitive miss.
var ErrNoStream = errors.New("provider has no stream for this content")

// APIClient resolves streams from providers that expose a decode API,
// skipping the browser entirely.
type APIClient struct {
	client     *http.Client
	cfg        Config
	apiBase    string
	userAgent  string
	maxRetries int
	retryDelay time.Duration
}

// NewAPIClient builds a client for an API-kind provider config.
func NewAPIClient(cfg Config) *APIClient {
	return &APIClient{
		client:     util.GetFastClient(),
		cfg:        cfg,
		apiBase:    decodeAPIBase,
		userAgent:  apiUserAgent,
		maxRetries: 2,
		retryDelay: 300 * time.Millisecond,
	}
}

// Name returns the provider name this client serves.
func (c *APIClient) Name() string { return c.cfg.Name }

// Resolve fetches the player page, picks a server hash, and decodes it
// into a playable stream with subtitle tracks.
func (c *APIClient) Resolve(ctx context.Context, key models.ContentKey) (*models.ProviderStream, error) {
	pageURL := c.cfg.TargetURL(key)
	util.Debug("api resolve", "provider", c.cfg.Name, "url", pageURL)

	hash, err := c.fetchServerHash(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	stream, err := c.decodeSource(ctx, hash)
	if err != nil {
		return nil, err
	}

	stream.Provider = c.cfg.Name
	stream.SourceURL = pageURL
	stream.Referer = c.cfg.Referer
	return stream, nil
}

// fetchServerHash parses the player page for the first usable server
// entry. Retries transient failures the same way searches do.
func (c *APIClient) fetchServerHash(ctx context.Context, pageURL string) (string, error) {
	var lastErr error
	attempts := c.maxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		c.decorateRequest(req)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("failed to make request: %w", err)
			if c.shouldRetry(attempt) {
				c.sleep()
				continue
			}
			return "", lastErr
		}

		if resp.StatusCode == http.StatusNotFound {
			_ = resp.Body.Close()
			return "", ErrNoStream
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("server returned: %s", resp.Status)
			_ = resp.Body.Close()
			if c.shouldRetry(attempt) {
				c.sleep()
				continue
			}
			return "", lastErr
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to parse HTML: %w", err)
			if c.shouldRetry(attempt) {
				c.sleep()
				continue
			}
			return "", lastErr
		}

		if c.isChallengePage(doc) {
			lastErr = errors.New("provider returned a challenge page")
			if c.shouldRetry(attempt) {
				c.sleep()
				continue
			}
			return "", lastErr
		}

		hash := c.pickServerHash(doc)
		if hash == "" {
			return "", ErrNoStream
		}
		return hash, nil
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrNoStream
}

func (c *APIClient) pickServerHash(doc *goquery.Document) string {
	var hash string
	doc.Find(".server-item, [data-hash]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if h, ok := s.Attr("data-hash"); ok && h != "" {
			hash = h
			return false
		}
		return true
	})
	return hash
}

// decodeSource calls the decode API and maps its payload onto a stream.
func (c *APIClient) decodeSource(ctx context.Context, hash string) (*models.ProviderStream, error) {
	apiURL := fmt.Sprintf("%s?hash=%s", c.apiBase, url.QueryEscape(hash))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.decorateRequest(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("decode API returned: %s", resp.Status)
	}

	var result struct {
		File    string `json:"file"`
		Sources []struct {
			File string `json:"file"`
			Type string `json:"type"`
		} `json:"sources"`
		Tracks []struct {
			File    string `json:"file"`
			Label   string `json:"label"`
			Kind    string `json:"kind"`
			Default bool   `json:"default"`
		} `json:"tracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	stream := &models.ProviderStream{}

	if result.File != "" {
		stream.StreamURL = result.File
	} else {
		for _, source := range result.Sources {
			if source.File == "" {
				continue
			}
			stream.StreamURL = source.File
			break
		}
	}
	if stream.StreamURL == "" {
		return nil, ErrNoStream
	}

	for _, track := range result.Tracks {
		if track.Kind != "captions" && track.Kind != "subtitles" {
			continue
		}
		stream.Subtitles = append(stream.Subtitles, models.SubtitleRef{
			URL:          track.File,
			Label:        track.Label,
			LanguageCode: languageFromLabel(track.Label),
			Format:       models.FormatFromURL(track.File),
		})
	}

	return stream, nil
}

func (c *APIClient) decorateRequest(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if c.cfg.Referer != "" {
		req.Header.Set("Referer", c.cfg.Referer)
	}
}

func (c *APIClient) shouldRetry(attempt int) bool {
	return attempt < c.maxRetries
}

func (c *APIClient) sleep() {
	if c.retryDelay > 0 {
		time.Sleep(c.retryDelay)
	}
}

func (c *APIClient) isChallengePage(doc *goquery.Document) bool {
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	if strings.Contains(title, "just a moment") {
		return true
	}
	if doc.Find("#cf-wrapper").Length() > 0 || doc.Find("#challenge-form").Length() > 0 {
		return true
	}
	body := strings.ToLower(doc.Text())
	return strings.Contains(body, "cf-error") || strings.Contains(body, "cloudflare")
}

func languageFromLabel(label string) string {
	label = strings.ToLower(label)
	languages := map[string]string{
		"english":    "en",
		"spanish":    "es",
		"latino":     "es",
		"portuguese": "pt",
		"french":     "fr",
		"german":     "de",
		"italian":    "it",
		"japanese":   "ja",
		"korean":     "ko",
		"chinese":    "zh",
		"arabic":     "ar",
		"russian":    "ru",
	}
	for lang, code := range languages {
		if strings.Contains(label, lang) {
			return code
		}
	}
	return label
}
