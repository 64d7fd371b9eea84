package extractor

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ErrBlockedDomain marks a navigation target outside the allow-list. Fatal:
// never retried and never cached as a retryable failure.
var ErrBlockedDomain = errors.New("target domain not allow-listed")

// Allowlist restricts browser navigation to known provider domains. A match
// is exact or any-subdomain; IP-literal hosts are always rejected, which
// closes the obvious SSRF hole of pointing the headless browser at
// link-local metadata endpoints.
type Allowlist struct {
	domains map[string]struct{}
}

// NewAllowlist builds an allow-list from lowercase domain names.
func NewAllowlist(domains ...string) *Allowlist {
	a := &Allowlist{domains: make(map[string]struct{})}
	a.Add(domains...)
	return a
}

// Add registers more allowed domains.
func (a *Allowlist) Add(domains ...string) {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			a.domains[d] = struct{}{}
		}
	}
}

// Check validates a navigation target before the browser ever sees it.
func (a *Allowlist) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(ErrBlockedDomain, "unparseable target %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrBlockedDomain, "scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.Wrap(ErrBlockedDomain, "empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return errors.Wrapf(ErrBlockedDomain, "ip literal %s", host)
	}
	if _, ok := a.domains[host]; ok {
		return nil
	}
	for d := range a.domains {
		if strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return errors.Wrapf(ErrBlockedDomain, "host %s", host)
}
