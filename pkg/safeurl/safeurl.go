// Package safeurl validates stream URLs before any outbound request is made.
//
// The relay and the proxy both accept arbitrary station URLs from the
// catalogue, so every target is checked against an SSRF policy: http/https
// only, and never an address inside the local or private network.
package safeurl

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Result is the outcome of validating a single URL. Reason is only set when
// Valid is false.
type Result struct {
	Valid  bool
	Reason string
}

func reject(format string, args ...interface{}) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that raw is a well-formed http or https URL whose host does
// not point at a local, private, or link-local address.
func Validate(raw string) Result {
	u, err := url.Parse(raw)
	if err != nil {
		return reject("malformed URL: %v", err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return reject("unsupported scheme %q, only http and https are allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return reject("URL has no host")
	}

	if strings.EqualFold(host, "localhost") {
		return reject("localhost is not allowed")
	}

	// Hostnames that are not IP literals pass; the policy blocks direct
	// addressing of internal ranges. IsPrivate covers 10.0.0.0/8,
	// 172.16.0.0/12 and 192.168.0.0/16.
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return reject("loopback address %s is not allowed", host)
		case ip.IsUnspecified():
			return reject("unspecified address %s is not allowed", host)
		case ip.IsPrivate():
			return reject("private address %s is not allowed", host)
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return reject("link-local address %s is not allowed", host)
		}
	}

	return Result{Valid: true}
}
