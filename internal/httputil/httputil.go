// Package httputil resolves the effective request host and origin,
// honoring proxy forwarding headers.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// Host returns the effective host (without port) of the request,
// preferring the X-Forwarded-Host override a fronting proxy sets.
func Host(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if i := strings.IndexByte(host, ','); i >= 0 {
		host = strings.TrimSpace(host[:i])
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Origin returns scheme://host for the request, honoring
// X-Forwarded-Proto and X-Forwarded-Host.
func Origin(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}

// Secure reports whether the request arrived over HTTPS, directly or
// via a terminating proxy.
func Secure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
