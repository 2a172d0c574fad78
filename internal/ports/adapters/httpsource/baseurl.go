package httpsource

import (
	"fmt"
	"net/url"
	"strings"
)

func normalizeBaseURL(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// ValidateBaseURL accepts absolute https URLs without userinfo, query or
// fragment whose host is allowed. An empty allow-list allows only the base host.
func ValidateBaseURL(baseURL string, allowedHosts []string) error {
	baseURL = normalizeBaseURL(baseURL)

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid source base URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("invalid source base URL %q: absolute URL with host is required", baseURL)
	}
	if u.User != nil {
		return fmt.Errorf("invalid source base URL %q: userinfo is not allowed", baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid source base URL %q: query and fragment are not allowed", baseURL)
	}
	if strings.ToLower(u.Scheme) != "https" {
		return fmt.Errorf("invalid source base URL %q: https is required", baseURL)
	}

	host := strings.ToLower(u.Hostname())
	if !hostAllowed(host, normalizeAllowedHosts(allowedHosts, host)) {
		return fmt.Errorf("invalid source base URL %q: host %q is not in source.allowed_hosts", baseURL, host)
	}
	return nil
}

func hostAllowed(host string, allowed map[string]struct{}) bool {
	_, ok := allowed[strings.ToLower(host)]
	return ok
}

func normalizeAllowedHosts(allowedHosts []string, fallback string) map[string]struct{} {
	out := make(map[string]struct{}, len(allowedHosts))
	for _, h := range allowedHosts {
		v := strings.ToLower(strings.TrimSpace(h))
		v = strings.TrimPrefix(v, "http://")
		v = strings.TrimPrefix(v, "https://")
		v = strings.Trim(v, "/")
		if v == "" {
			continue
		}
		if i := strings.Index(v, ":"); i >= 0 {
			v = v[:i]
		}
		out[v] = struct{}{}
	}
	if len(out) == 0 && fallback != "" {
		out[fallback] = struct{}{}
	}
	return out
}
