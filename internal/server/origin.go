// Package server normalizes and validates HTTP origins for the admin
// websocket stream to enforce configured access control.
package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is the normalized allow-list derived from Config.AllowedOrigins.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	policy := &originPolicy{allowed: make(map[string]struct{})}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			policy.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		policy.allowed[normalized] = struct{}{}
	}

	return policy
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

func (p *originPolicy) check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		// No Origin header means a non-browser client; the allow-list only
		// guards against cross-site browser requests.
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	if _, exists := p.allowed[normalized]; exists {
		return true
	}

	log.Printf("Blocked websocket subscription from disallowed origin: %q", originHeader)
	return false
}
