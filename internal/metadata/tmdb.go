// Package metadata looks content up on TMDB to steer track selection:
// English-origin titles skip the dub hunt, and anime titles are flagged
// so players can route them to anime-specific pipelines.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/util"
)

const tmdbBaseURL = "https://api.themoviedb.org/3"

// ErrNotConfigured means no TMDB API key is set. Resolution still works,
// it just loses the origin-aware shortcuts.
var ErrNotConfigured = errors.New("TMDB API key not configured")

var englishOriginCountries = map[string]bool{
	"US": true, "GB": true, "CA": true, "AU": true, "NZ": true, "IE": true,
}

// Details is the slice of a TMDB details payload that resolution cares
// about.
type Details struct {
	Title            string
	OriginalTitle    string
	OriginalLanguage string
	OriginCountries  []string
	Genres           []string
}

// IsEnglishOrigin reports whether the title was produced in English.
func (d *Details) IsEnglishOrigin() bool {
	if d.OriginalLanguage == "en" {
		return true
	}
	for _, c := range d.OriginCountries {
		if englishOriginCountries[c] {
			return true
		}
	}
	return false
}

// IsAnime reports whether the title is Japanese animation.
func (d *Details) IsAnime() bool {
	if d.OriginalLanguage != "ja" {
		return false
	}
	for _, g := range d.Genres {
		if g == "Animation" {
			return true
		}
	}
	return false
}

// AnimeTitle returns the romanized/original title for anime lookups.
func (d *Details) AnimeTitle() string {
	if d.OriginalTitle != "" {
		return d.OriginalTitle
	}
	return d.Title
}

// Client is a slim TMDB details client with an in-process cache. Details
// for a title never change mid-session so entries live for the process
// lifetime.
type Client struct {
	client  *http.Client
	apiKey  string
	baseURL string

	mu    sync.RWMutex
	cache map[string]*Details
}

// NewClient builds a TMDB client. An empty key yields a client whose
// Details always returns ErrNotConfigured.
func NewClient(apiKey string) *Client {
	if apiKey == "" {
		util.Debug("TMDB API key not set, origin-aware track selection disabled")
	}
	return &Client{
		client:  util.GetFastClient(),
		apiKey:  apiKey,
		baseURL: tmdbBaseURL,
		cache:   make(map[string]*Details),
	}
}

// IsConfigured returns true if the TMDB API key is configured.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Details fetches origin metadata for a content key.
func (c *Client) Details(ctx context.Context, key models.ContentKey) (*Details, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	cacheKey := string(key.Type) + ":" + key.ID
	c.mu.RLock()
	if d, ok := c.cache[cacheKey]; ok {
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	endpoint := fmt.Sprintf("%s/%s/%s?language=en-US", c.baseURL, key.Type, key.ID)
	body, err := c.makeRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get details: %w", err)
	}

	var payload struct {
		Title            string   `json:"title"`
		Name             string   `json:"name"`
		OriginalTitle    string   `json:"original_title"`
		OriginalName     string   `json:"original_name"`
		OriginalLanguage string   `json:"original_language"`
		OriginCountry    []string `json:"origin_country"`
		Genres           []struct {
			Name string `json:"name"`
		} `json:"genres"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse details: %w", err)
	}

	d := &Details{
		Title:            payload.Title,
		OriginalTitle:    payload.OriginalTitle,
		OriginalLanguage: payload.OriginalLanguage,
		OriginCountries:  payload.OriginCountry,
	}
	// TV payloads use name/original_name instead of title fields.
	if d.Title == "" {
		d.Title = payload.Name
	}
	if d.OriginalTitle == "" {
		d.OriginalTitle = payload.OriginalName
	}
	for _, g := range payload.Genres {
		d.Genres = append(d.Genres, g.Name)
	}

	c.mu.Lock()
	c.cache[cacheKey] = d
	c.mu.Unlock()

	return d, nil
}

func (c *Client) makeRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"&api_key="+c.apiKey, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("TMDB API returned status: %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}
