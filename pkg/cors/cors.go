// Package cors answers cross origin requests for the query endpoint.
package cors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Enabled          bool
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultConfig allows every origin, which is what the gateway does unless an
// allow list is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead},
		AllowHeaders: []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-Id"},
		MaxAge:       5 * time.Minute,
	}
}

var schemas = []string{"http://", "https://"}

func (c Config) Validate() error {
	if len(c.AllowOrigins) == 0 {
		return errors.New("cors: at least one allowed origin is required")
	}
	for _, origin := range c.AllowOrigins {
		if origin == "*" {
			if c.AllowCredentials {
				return errors.New("cors: credentials cannot be allowed for all origins")
			}
			continue
		}
		valid := false
		for _, schema := range schemas {
			if strings.HasPrefix(origin, schema) {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("cors: bad origin %q: origins must contain '*' or start with http:// or https://", origin)
		}
	}
	return nil
}

type cors struct {
	allowAll         bool
	origins          map[string]struct{}
	patterns         []originPattern
	normalHeaders    http.Header
	preflightHeaders http.Header
	handler          http.Handler
}

// New returns a middleware answering preflight requests and decorating the
// responses of allowed origins. Requests from other origins are rejected with 403.
func New(config Config) (func(http.Handler) http.Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		c := &cors{
			origins:          map[string]struct{}{},
			normalHeaders:    normalHeaders(config),
			preflightHeaders: preflightHeaders(config),
			handler:          next,
		}
		for _, origin := range config.AllowOrigins {
			switch {
			case origin == "*":
				c.allowAll = true
			case strings.Contains(origin, "*"):
				c.patterns = append(c.patterns, compilePattern(strings.ToLower(origin)))
			default:
				c.origins[strings.ToLower(origin)] = struct{}{}
			}
		}
		return c
	}, nil
}

func (c *cors) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// not a CORS request
		c.handler.ServeHTTP(w, r)
		return
	}

	if origin == "http://"+r.Host || origin == "https://"+r.Host {
		// same origin request with an Origin header, e.g. from fetch
		c.handler.ServeHTTP(w, r)
		return
	}

	if !c.allowed(strings.ToLower(origin)) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	header := w.Header()
	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		for key, value := range c.preflightHeaders {
			header[key] = value
		}
		if !c.allowAll {
			header.Set("Access-Control-Allow-Origin", origin)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for key, value := range c.normalHeaders {
		header[key] = value
	}
	if !c.allowAll {
		header.Set("Access-Control-Allow-Origin", origin)
	}
	c.handler.ServeHTTP(w, r)
}

func (c *cors) allowed(origin string) bool {
	if c.allowAll {
		return true
	}
	if _, ok := c.origins[origin]; ok {
		return true
	}
	for _, p := range c.patterns {
		if p.match(origin) {
			return true
		}
	}
	return false
}

func normalHeaders(config Config) http.Header {
	headers := make(http.Header)
	if config.AllowCredentials {
		headers.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(config.ExposeHeaders) > 0 {
		headers.Set("Access-Control-Expose-Headers", strings.Join(normalize(config.ExposeHeaders), ","))
	}
	if allowsAll(config) {
		headers.Set("Access-Control-Allow-Origin", "*")
	} else {
		headers.Set("Vary", "Origin")
	}
	return headers
}

func preflightHeaders(config Config) http.Header {
	headers := make(http.Header)
	if config.AllowCredentials {
		headers.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(config.AllowMethods) > 0 {
		headers.Set("Access-Control-Allow-Methods", strings.Join(upper(config.AllowMethods), ","))
	}
	if len(config.AllowHeaders) > 0 {
		headers.Set("Access-Control-Allow-Headers", strings.Join(normalize(config.AllowHeaders), ","))
	}
	if config.MaxAge > 0 {
		headers.Set("Access-Control-Max-Age", strconv.FormatInt(int64(config.MaxAge/time.Second), 10))
	}
	if allowsAll(config) {
		headers.Set("Access-Control-Allow-Origin", "*")
	} else {
		// origin dependent answers must not be cached for other origins
		headers.Add("Vary", "Origin")
		headers.Add("Vary", "Access-Control-Request-Method")
		headers.Add("Vary", "Access-Control-Request-Headers")
	}
	return headers
}

func allowsAll(config Config) bool {
	for _, origin := range config.AllowOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, v := range values {
		v = http.CanonicalHeaderKey(strings.TrimSpace(v))
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func upper(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToUpper(strings.TrimSpace(v)))
	}
	return out
}
