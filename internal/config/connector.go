package config

import (
	"flag"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/viljo/RemoteLLMconnector/internal/frame"
)

// ConnectorConfig holds configuration for the connector process.
type ConnectorConfig struct {
	BrokerURL        string // ws(s)://host:port/ws
	ConnectorToken   string
	Models           []string
	ConnectorVersion string

	UpstreamBaseURL string // local OpenAI-compatible inference backend
	UpstreamAPIKey  string // fallback Bearer token toward the local upstream, used when the broker injects none

	UpstreamTimeout time.Duration
	DrainTimeout    time.Duration

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	MaxChunkBytes   int
	MaxRequestBytes int
}

// Limits builds the frame.Limits this connector enforces when decoding
// REQUEST frames, matching whatever the broker was configured with.
func (c ConnectorConfig) Limits() frame.Limits {
	return frame.Limits{MaxChunkBytes: c.MaxChunkBytes, MaxRequestBytes: c.MaxRequestBytes}
}

// BindFlags populates defaults from environment variables and binds
// command line flags so main can call flag.Parse().
func (c *ConnectorConfig) BindFlags() {
	c.BrokerURL = getEnv("BROKER_URL", "ws://localhost:8444/ws")
	c.ConnectorToken = getEnv("CONNECTOR_TOKEN", "")
	c.Models = splitNonEmpty(getEnv("MODELS", ""))
	c.ConnectorVersion = getEnv("CONNECTOR_VERSION", "dev")

	c.UpstreamBaseURL = getEnv("UPSTREAM_BASE_URL", "http://127.0.0.1:8000")
	c.UpstreamAPIKey = getEnv("UPSTREAM_API_KEY", "")

	c.UpstreamTimeout = getDuration("UPSTREAM_TIMEOUT", 300*time.Second)
	c.DrainTimeout = getDuration("DRAIN_TIMEOUT", 30*time.Second)
	c.AuthTimeout = getDuration("AUTH_TIMEOUT", 10*time.Second)
	c.HeartbeatInterval = getDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	c.HeartbeatTimeout = getDuration("HEARTBEAT_TIMEOUT", 30*time.Second)

	c.MaxChunkBytes = getInt("MAX_CHUNK_BYTES", 256*1024)
	c.MaxRequestBytes = getInt("MAX_REQUEST_BYTES", 8*1024*1024)

	flag.StringVar(&c.BrokerURL, "broker-url", c.BrokerURL, "broker duplex websocket URL")
	flag.StringVar(&c.ConnectorToken, "connector-token", c.ConnectorToken, "token presented to the broker at AUTH")
	flag.StringVar(&c.UpstreamBaseURL, "upstream-base-url", c.UpstreamBaseURL, "base URL of the local OpenAI-compatible upstream")
	flag.StringVar(&c.UpstreamAPIKey, "upstream-api-key", c.UpstreamAPIKey, "bearer token injected toward the local upstream when the broker supplies none, overwriting any inherited Authorization header")
	flag.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "maximum duration to wait for the local upstream")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "drain interval passed to the connector session, which does not read it")
	flag.DurationVar(&c.AuthTimeout, "auth-timeout", c.AuthTimeout, "maximum duration to wait for AUTH_OK after dialing")
	flag.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "writer idle interval after which a PING is emitted")
	flag.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", c.HeartbeatTimeout, "maximum duration to wait for PONG before declaring the session dead")
	flag.IntVar(&c.MaxChunkBytes, "max-chunk-bytes", c.MaxChunkBytes, "maximum decoded STREAM_CHUNK size; not applied by the connector, which decodes only REQUEST frames and sends upstream reads of up to 32 KiB per chunk")
	flag.IntVar(&c.MaxRequestBytes, "max-request-bytes", c.MaxRequestBytes, "maximum bytes accepted for a REQUEST body, must match the broker's configured limit")
}

func defaultConnectorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "connector-" + uuid.NewString()[:8]
	}
	return host
}
