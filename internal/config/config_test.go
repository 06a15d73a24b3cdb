package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SNAPSYNC_ADDR", "SNAPSYNC_ALLOWED_ORIGINS", "SNAPSYNC_MAX_PAYLOAD_BYTES", "SNAPSYNC_PING_INTERVAL",
		"SNAPSYNC_MAX_CLIENTS", "SNAPSYNC_TLS_CERT", "SNAPSYNC_TLS_KEY", "SNAPSYNC_TICK_RATE", "SNAPSYNC_RETENTION",
		"SNAPSYNC_MAX_PACKET_SIZE", "SNAPSYNC_COMPRESSION", "SNAPSYNC_GRPC_AUTH_MODE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr || cfg.GRPCAddress != DefaultGRPCAddr || cfg.HTTPAddress != DefaultHTTPAddr {
		t.Fatalf("unexpected default addresses %q %q %q", cfg.Address, cfg.GRPCAddress, cfg.HTTPAddress)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.MaxClients != DefaultMaxClients {
		t.Fatalf("expected default max clients %d, got %d", DefaultMaxClients, cfg.MaxClients)
	}
	if cfg.TickRate != 50 || cfg.Retention != 3*time.Second || cfg.MaxPacketSize != 900 {
		t.Fatalf("unexpected pipeline defaults: rate=%d retention=%v packet=%d", cfg.TickRate, cfg.Retention, cfg.MaxPacketSize)
	}
	if cfg.RetentionTicks() != 150 {
		t.Fatalf("expected 150 retention ticks, got %d", cfg.RetentionTicks())
	}
	if cfg.Compression != DefaultCompression || cfg.TagRingCapacity != DefaultTagRingCapacity {
		t.Fatalf("unexpected compression %q ring %d", cfg.Compression, cfg.TagRingCapacity)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeNone {
		t.Fatalf("expected grpc auth disabled, got %q", cfg.GRPCAuthMode)
	}
	if cfg.ReplayMaxRecordings != DefaultReplayMaxRecordings || cfg.ReplayMaxAge != DefaultReplayMaxAge {
		t.Fatalf("unexpected replay retention %d %v", cfg.ReplayMaxRecordings, cfg.ReplayMaxAge)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SNAPSYNC_ADDR", "127.0.0.1:9000")
	t.Setenv("SNAPSYNC_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("SNAPSYNC_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("SNAPSYNC_PING_INTERVAL", "45s")
	t.Setenv("SNAPSYNC_MAX_CLIENTS", "12")
	t.Setenv("SNAPSYNC_TICK_RATE", "64")
	t.Setenv("SNAPSYNC_RETENTION", "1s")
	t.Setenv("SNAPSYNC_MAX_PACKET_SIZE", "1200")
	t.Setenv("SNAPSYNC_COMPRESSION", "ZSTD")
	t.Setenv("SNAPSYNC_GRPC_AUTH_MODE", "shared_secret")
	t.Setenv("SNAPSYNC_GRPC_SHARED_SECRET", "s3cret")
	t.Setenv("SNAPSYNC_ADMIN_TOKEN", " admin ")
	t.Setenv("SNAPSYNC_REPLAY_MAX_RECORDINGS", "0")
	t.Setenv("SNAPSYNC_REPLAY_MAX_AGE", "6h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 2048 || cfg.PingInterval != 45*time.Second || cfg.MaxClients != 12 {
		t.Fatalf("unexpected transport overrides: %+v", cfg)
	}
	if cfg.RetentionTicks() != 64 {
		t.Fatalf("expected 64 retention ticks, got %d", cfg.RetentionTicks())
	}
	if cfg.MaxPacketSize != 1200 || cfg.Compression != "zstd" {
		t.Fatalf("unexpected packet size %d compression %q", cfg.MaxPacketSize, cfg.Compression)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeSharedSecret || cfg.GRPCSharedSecret != "s3cret" {
		t.Fatalf("unexpected grpc auth %q", cfg.GRPCAuthMode)
	}
	if cfg.AdminToken != "admin" || cfg.ReplayMaxRecordings != 0 || cfg.ReplayMaxAge != 6*time.Hour {
		t.Fatalf("unexpected admin/replay overrides %q %d %v", cfg.AdminToken, cfg.ReplayMaxRecordings, cfg.ReplayMaxAge)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("SNAPSYNC_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("SNAPSYNC_PING_INTERVAL", "abc")
	t.Setenv("SNAPSYNC_MAX_CLIENTS", "0")
	t.Setenv("SNAPSYNC_TICK_RATE", "fast")
	t.Setenv("SNAPSYNC_MAX_PACKET_SIZE", "70000")
	t.Setenv("SNAPSYNC_GRPC_AUTH_MODE", "kerberos")
	t.Setenv("SNAPSYNC_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("SNAPSYNC_TLS_KEY", "")
	t.Setenv("SNAPSYNC_REPLAY_MAX_AGE", "-1h")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"SNAPSYNC_MAX_PAYLOAD_BYTES",
		"SNAPSYNC_PING_INTERVAL",
		"SNAPSYNC_MAX_CLIENTS",
		"SNAPSYNC_TICK_RATE",
		"SNAPSYNC_MAX_PACKET_SIZE",
		"SNAPSYNC_GRPC_AUTH_MODE",
		"SNAPSYNC_TLS_CERT",
		"SNAPSYNC_REPLAY_MAX_AGE",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRequiresSecretsForGRPCAuth(t *testing.T) {
	t.Setenv("SNAPSYNC_GRPC_AUTH_MODE", "mtls")
	t.Setenv("SNAPSYNC_GRPC_TLS_CERT", "/tmp/cert.pem")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "SNAPSYNC_GRPC_CLIENT_CA") {
		t.Fatalf("expected mtls validation error, got %v", err)
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	t.Setenv("SNAPSYNC_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadStaticSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sizes.yaml")
	content := "variants:\n  \"0.7\":\n    9: 6\n    1: 4\n  \"0.6\":\n    3: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sizes, err := LoadStaticSizes(path)
	if err != nil {
		t.Fatalf("LoadStaticSizes: %v", err)
	}
	want := []StaticSize{{"0.6", 3, 2}, {"0.7", 1, 4}, {"0.7", 9, 6}}
	if len(sizes) != len(want) {
		t.Fatalf("expected %d entries, got %#v", len(want), sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("entry %d: expected %+v, got %+v", i, want[i], sizes[i])
		}
	}

	if sizes, err := LoadStaticSizes(""); err != nil || sizes != nil {
		t.Fatalf("empty path must yield nothing, got %v %v", sizes, err)
	}
	if _, err := ParseStaticSizes([]byte("variants:\n  \"0.6\":\n    64: 1\n")); err == nil {
		t.Fatalf("expected out of range type to fail")
	}
	if _, err := ParseStaticSizes([]byte("sizes: {}\n")); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
	if sizes, err := ParseStaticSizes(nil); err != nil || len(sizes) != 0 {
		t.Fatalf("empty document must yield nothing, got %v %v", sizes, err)
	}
}
