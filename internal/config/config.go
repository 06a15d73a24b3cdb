package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the websocket transport listens on.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default address of the diagnostics gRPC service.
	DefaultGRPCAddr = ":43128"
	// DefaultHTTPAddr is the default address of the health and metrics endpoints.
	DefaultHTTPAddr = ":43129"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size; clients only send acks.
	DefaultMaxPayloadBytes int64 = 4 << 10
	// DefaultMaxClients is the number of client slots the pipeline allocates.
	DefaultMaxClients = 64

	// DefaultTickRate is the simulation frequency in ticks per second.
	DefaultTickRate = 50
	// DefaultRetention is how long produced snapshots remain usable as delta baselines.
	DefaultRetention = 3 * time.Second
	// DefaultMaxPacketSize bounds the payload bytes of one snapshot packet.
	DefaultMaxPacketSize = 900
	// DefaultCompression names the byte compressor applied to packed deltas.
	DefaultCompression = "huffman"
	// DefaultTagRingCapacity is the number of tick timestamps kept per client.
	DefaultTagRingCapacity = 256
	// DefaultVariant is the protocol variant assigned to clients that do not ask for one.
	DefaultVariant = "0.6"
	// DefaultReplayMaxRecordings caps how many finished recordings are kept on disk.
	DefaultReplayMaxRecordings = 20
	// DefaultReplayMaxAge removes recordings older than this.
	DefaultReplayMaxAge = 72 * time.Hour
	// DefaultDemoEntities is the number of moving items the demo world simulates.
	DefaultDemoEntities = 32

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "snapsync.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// GRPCAuthMode selects how diagnostics callers authenticate.
type GRPCAuthMode string

const (
	GRPCAuthModeNone         GRPCAuthMode = "none"
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the snapshot broker.
type Config struct {
	Address         string
	GRPCAddress     string
	HTTPAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	WSAuthSecret    string

	TickRate        int
	Retention       time.Duration
	MaxPacketSize   int
	Compression     string
	TagRingCapacity int
	DefaultVariant  string
	StaticSizesPath string
	ReplayDir       string
	DemoEntities    int

	AdminToken          string
	ReplayMaxRecordings int
	ReplayMaxAge        time.Duration

	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RetentionTicks converts the retention window into ticks, rounding up.
func (c *Config) RetentionTicks() int {
	if c == nil || c.TickRate <= 0 {
		return 0
	}
	perTick := time.Second / time.Duration(c.TickRate)
	return int((c.Retention + perTick - 1) / perTick)
}

// Load reads the broker configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("SNAPSYNC_ADDR", DefaultAddr),
		GRPCAddress:     getString("SNAPSYNC_GRPC_ADDR", DefaultGRPCAddr),
		HTTPAddress:     getString("SNAPSYNC_HTTP_ADDR", DefaultHTTPAddr),
		AllowedOrigins:  parseList(os.Getenv("SNAPSYNC_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		TLSCertPath:     strings.TrimSpace(os.Getenv("SNAPSYNC_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("SNAPSYNC_TLS_KEY")),
		WSAuthSecret:    strings.TrimSpace(os.Getenv("SNAPSYNC_WS_AUTH_SECRET")),
		TickRate:        DefaultTickRate,
		Retention:       DefaultRetention,
		MaxPacketSize:   DefaultMaxPacketSize,
		Compression:     strings.ToLower(getString("SNAPSYNC_COMPRESSION", DefaultCompression)),
		TagRingCapacity: DefaultTagRingCapacity,
		DefaultVariant:  getString("SNAPSYNC_VARIANT", DefaultVariant),
		StaticSizesPath: strings.TrimSpace(os.Getenv("SNAPSYNC_STATIC_SIZES")),
		ReplayDir:       strings.TrimSpace(os.Getenv("SNAPSYNC_REPLAY_DIR")),
		DemoEntities:    DefaultDemoEntities,

		AdminToken:          strings.TrimSpace(os.Getenv("SNAPSYNC_ADMIN_TOKEN")),
		ReplayMaxRecordings: DefaultReplayMaxRecordings,
		ReplayMaxAge:        DefaultReplayMaxAge,

		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("SNAPSYNC_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("SNAPSYNC_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("SNAPSYNC_GRPC_TLS_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("SNAPSYNC_GRPC_TLS_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("SNAPSYNC_GRPC_CLIENT_CA")),

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SNAPSYNC_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SNAPSYNC_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	positiveInt := func(key string, target *int) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
				return
			}
			*target = value
		}
	}
	nonNegativeInt := func(key string, target *int) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			value, err := strconv.Atoi(raw)
			if err != nil || value < 0 {
				problems = append(problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
				return
			}
			*target = value
		}
	}
	positiveDuration := func(key string, target *time.Duration) {
		if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
			duration, err := time.ParseDuration(raw)
			if err != nil || duration <= 0 {
				problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
				return
			}
			*target = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SNAPSYNC_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SNAPSYNC_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}
	positiveDuration("SNAPSYNC_PING_INTERVAL", &cfg.PingInterval)
	positiveInt("SNAPSYNC_MAX_CLIENTS", &cfg.MaxClients)
	positiveInt("SNAPSYNC_TICK_RATE", &cfg.TickRate)
	positiveDuration("SNAPSYNC_RETENTION", &cfg.Retention)
	positiveInt("SNAPSYNC_MAX_PACKET_SIZE", &cfg.MaxPacketSize)
	positiveInt("SNAPSYNC_TAG_RING_CAPACITY", &cfg.TagRingCapacity)
	nonNegativeInt("SNAPSYNC_DEMO_ENTITIES", &cfg.DemoEntities)
	nonNegativeInt("SNAPSYNC_REPLAY_MAX_RECORDINGS", &cfg.ReplayMaxRecordings)
	positiveDuration("SNAPSYNC_REPLAY_MAX_AGE", &cfg.ReplayMaxAge)
	positiveInt("SNAPSYNC_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	nonNegativeInt("SNAPSYNC_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	nonNegativeInt("SNAPSYNC_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)

	if raw := strings.TrimSpace(os.Getenv("SNAPSYNC_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SNAPSYNC_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if cfg.MaxPacketSize > 64*1024 {
		problems = append(problems, fmt.Sprintf("SNAPSYNC_MAX_PACKET_SIZE must not exceed 65536, got %d", cfg.MaxPacketSize))
	}

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "SNAPSYNC_GRPC_SHARED_SECRET is required when SNAPSYNC_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			problems = append(problems, "SNAPSYNC_GRPC_TLS_CERT, SNAPSYNC_GRPC_TLS_KEY and SNAPSYNC_GRPC_CLIENT_CA are required when SNAPSYNC_GRPC_AUTH_MODE=mtls")
		}
	default:
		problems = append(problems, fmt.Sprintf("SNAPSYNC_GRPC_AUTH_MODE must be one of none, shared_secret, mtls, got %q", cfg.GRPCAuthMode))
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "SNAPSYNC_TLS_CERT and SNAPSYNC_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
