// Package config binds broker and connector configuration from
// environment variables with flag overrides, following the corpus's
// env-default-then-flag-override idiom.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrokerConfig holds configuration for the broker process.
type BrokerConfig struct {
	APIAddr    string // external OpenAI-compatible HTTP API
	DuplexAddr string // internal connector duplex endpoint
	HealthAddr string // /health and /metrics, on their own listener (not shared with APIAddr)
	DuplexPath string

	// ConnectorTokens maps an accepted connector token to its bound
	// upstream credential (empty string means no credential is
	// injected for that token).
	ConnectorTokens map[string]string

	// UserKeys is the set of accepted external caller bearer keys. An
	// empty set disables auth entirely, matching the teacher's
	// empty-API-key-disables-auth convention.
	UserKeys []string

	UpstreamTimeout time.Duration
	DrainTimeout    time.Duration

	MaxChunkBytes   int
	MaxRequestBytes int

	PerRequestChunkBuffer int
}

// BindFlags populates defaults from environment variables and binds
// command line flags so main can call flag.Parse().
func (c *BrokerConfig) BindFlags() {
	c.APIAddr = getEnv("API_ADDR", ":8443")
	c.DuplexAddr = getEnv("DUPLEX_ADDR", ":8444")
	c.HealthAddr = getEnv("HEALTH_ADDR", ":8080")
	c.DuplexPath = getEnv("DUPLEX_PATH", "/ws")

	c.ConnectorTokens = parseTokenCredentialPairs(getEnv("CONNECTOR_TOKENS", ""))
	c.UserKeys = splitNonEmpty(getEnv("USER_KEYS", ""))

	c.UpstreamTimeout = getDuration("UPSTREAM_TIMEOUT", 300*time.Second)
	c.DrainTimeout = getDuration("DRAIN_TIMEOUT", 30*time.Second)

	c.MaxChunkBytes = getInt("MAX_CHUNK_BYTES", 256*1024)
	c.MaxRequestBytes = getInt("MAX_REQUEST_BYTES", 8*1024*1024)
	c.PerRequestChunkBuffer = getInt("CHUNK_BUFFER", 8)

	flag.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "listen address for the external OpenAI-compatible API")
	flag.StringVar(&c.DuplexAddr, "duplex-addr", c.DuplexAddr, "listen address for the connector duplex endpoint")
	flag.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "listen address for /health and /metrics")
	flag.StringVar(&c.DuplexPath, "duplex-path", c.DuplexPath, "path connectors use to establish the duplex session")
	flag.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "maximum duration to wait for an upstream response")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "bounded interval to let in-flight requests finish on shutdown")
	flag.IntVar(&c.MaxChunkBytes, "max-chunk-bytes", c.MaxChunkBytes, "maximum decoded size of a single STREAM_CHUNK payload")
	flag.IntVar(&c.MaxRequestBytes, "max-request-bytes", c.MaxRequestBytes, "maximum decoded size of a REQUEST body")
	flag.IntVar(&c.PerRequestChunkBuffer, "chunk-buffer", c.PerRequestChunkBuffer, "number of buffered chunks per in-flight streaming request before slow_consumer cancellation")
}

// parseTokenCredentialPairs parses "token1:cred1,token2,token3:cred3"
// into a token->credential map; a token with no ":cred" suffix maps to
// an empty credential.
func parseTokenCredentialPairs(s string) map[string]string {
	out := map[string]string{}
	for _, part := range splitNonEmpty(s) {
		if i := strings.Index(part, ":"); i >= 0 {
			out[part[:i]] = part[i+1:]
		} else {
			out[part] = ""
		}
	}
	return out
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
