package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultCORSMaxAgeSeconds = 600
)

var (
	defaultCORSAllowedMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
	}
	defaultCORSAllowedHeaders = []string{
		"Accept",
		"Authorization",
		"Cache-Control",
		"Content-Type",
		"Last-Event-ID",
		"X-Request-Id",
	}
	defaultCORSExposedHeaders = []string{
		"X-Request-Id",
	}
)

// CORSConfig lists the cross-origin rules for the browser client. An origin
// entry may be "*", an exact origin, or a subdomain pattern such as
// "https://*.example.com".
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAgeSeconds  int
}

type originPolicy struct {
	any      bool
	exact    []string
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	domain string
}

func newOriginPolicy(origins []string) originPolicy {
	var policy originPolicy
	for _, origin := range normalizeStringList(origins) {
		if origin == "*" {
			policy.any = true
			continue
		}
		scheme, host, ok := strings.Cut(origin, "://")
		if ok && strings.HasPrefix(host, "*.") {
			policy.suffixes = append(policy.suffixes, originSuffix{
				scheme: strings.ToLower(scheme),
				domain: strings.ToLower(host[1:]),
			})
			continue
		}
		policy.exact = append(policy.exact, strings.TrimSuffix(origin, "/"))
	}
	return policy
}

func (p originPolicy) allows(origin string) bool {
	if p.any || containsFold(p.exact, origin) {
		return true
	}
	scheme, host, ok := strings.Cut(strings.ToLower(origin), "://")
	if !ok {
		return false
	}
	for _, suffix := range p.suffixes {
		// The bare parent domain does not match its own wildcard.
		if scheme == suffix.scheme && strings.HasSuffix(host, suffix.domain) && len(host) > len(suffix.domain) {
			return true
		}
	}
	return false
}

func listOrDefault(values, fallback []string) string {
	list := normalizeStringList(values)
	if len(list) == 0 {
		list = fallback
	}
	return strings.Join(list, ", ")
}

// CORS answers preflight requests and sets the allow-origin header for the
// configured origins. Requests from other origins pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newOriginPolicy(cfg.AllowedOrigins)

	maxAgeSeconds := cfg.MaxAgeSeconds
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = defaultCORSMaxAgeSeconds
	}

	allowMethodsValue := listOrDefault(cfg.AllowedMethods, defaultCORSAllowedMethods)
	allowHeadersValue := listOrDefault(cfg.AllowedHeaders, defaultCORSAllowedHeaders)
	exposeHeadersValue := listOrDefault(cfg.ExposedHeaders, defaultCORSExposedHeaders)
	maxAgeValue := strconv.Itoa(maxAgeSeconds)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			header.Set("Access-Control-Expose-Headers", exposeHeadersValue)
			if policy.any {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				header.Add("Vary", "Access-Control-Request-Method")
				header.Add("Vary", "Access-Control-Request-Headers")
				header.Set("Access-Control-Allow-Methods", allowMethodsValue)
				header.Set("Access-Control-Allow-Headers", allowHeadersValue)
				header.Set("Access-Control-Max-Age", maxAgeValue)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func normalizeStringList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		result = append(result, value)
	}
	return result
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
