package proxy

import (
	"net/http"
	"net/url"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// synthesizeHeaders makes the request look like the player page issued
// it. An explicit origin wins; otherwise it derives from the referer,
// since CDNs that check one usually check both.
func synthesizeHeaders(req *http.Request, referer, origin string) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "*/*")

	if referer != "" {
		req.Header.Set("Referer", referer)
		if origin == "" {
			if u, err := url.Parse(referer); err == nil && u.Scheme != "" && u.Host != "" {
				origin = u.Scheme + "://" + u.Host
			}
		}
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
}
