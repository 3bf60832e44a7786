package authkit

import (
	"net/http"
	"net/url"

	"golang.org/x/net/publicsuffix"

	"go.pilab.hu/authkit/internal/httputil"
)

// DefaultAllow is the default authorization policy: loopback redirect
// hosts are always allowed for local development; anything else must be
// same-site with the effective request host.
func DefaultAllow(req AllowRequest, r *http.Request) (bool, error) {
	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		return false, nil
	}
	host := target.Hostname()
	if host == "" {
		return false, nil
	}
	if host == "localhost" || host == "127.0.0.1" {
		return true, nil
	}

	return isDomainMatch(host, httputil.Host(r)), nil
}

// isDomainMatch reports whether two hosts share a registrable domain.
// Sharing only the public suffix is not enough: a.example.com matches
// b.example.com, but evil.co.uk never matches bank.co.uk even though
// both end in the two-label suffix co.uk. No case-folding is applied.
func isDomainMatch(a, b string) bool {
	if a == b {
		return true
	}

	domainA, err := publicsuffix.EffectiveTLDPlusOne(a)
	if err != nil {
		return false
	}
	domainB, err := publicsuffix.EffectiveTLDPlusOne(b)
	if err != nil {
		return false
	}

	return domainA == domainB
}
