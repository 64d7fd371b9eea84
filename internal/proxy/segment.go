package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/util"
)

// Response headers worth relaying to the player.
var segmentRelayHeaders = []string{
	"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges",
}

// StreamSegment relays one media resource to w, passing a Range header
// through so players can seek. No body bytes are written before the
// upstream status is known, which keeps the error paths clean.
func (p *Proxy) StreamSegment(ctx context.Context, w http.ResponseWriter, rawURL, referer, origin, rangeHeader string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "parsing segment URL")
	}
	if err := p.waitHost(ctx, u.Host); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "creating segment request")
	}
	synthesizeHeaders(req, referer, origin)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetching segment")
	}
	defer func() { _ = resp.Body.Close() }()

	if IsPermanentStatus(resp.StatusCode) {
		return errors.Wrap(&RejectionError{StatusCode: resp.StatusCode, Status: resp.Status}, "segment fetch")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return errors.Errorf("segment fetch returned %s", resp.Status)
	}

	for _, h := range segmentRelayHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// The player hung up or the CDN cut the stream; either way the
		// response is already committed.
		util.Debug("proxy: segment copy interrupted", "url", rawURL, "error", err)
	}
	return nil
}
