package subtitle

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/util"
)

// Subtitle files stay small; the cap guards against a mislabeled video
// URL landing here.
const maxSubtitleBytes = 4 << 20

// Fetcher downloads and normalizes provider subtitle tracks.
type Fetcher struct {
	client *http.Client
}

// NewFetcher builds a fetcher over the shared HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{client: util.GetSharedClient()}
}

// Fetch downloads one subtitle track and normalizes it. The ref's format
// is only a hint; content sniffing decides.
func (f *Fetcher) Fetch(ctx context.Context, ref models.SubtitleRef) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subtitle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subtitle upstream returned: %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSubtitleBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read subtitle body: %w", err)
	}

	res, err := Normalize(raw, ref.Format)
	if err != nil {
		return nil, err
	}
	if res.Language == "" {
		res.Language = ref.LanguageCode
	}
	return res, nil
}
