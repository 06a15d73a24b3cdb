package grpc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/metadata"

	"snapsync/broker/internal/config"
	"snapsync/broker/internal/logging"
)

func TestExtractSharedSecret(t *testing.T) {
	cases := []struct {
		md   metadata.MD
		want string
	}{
		{metadata.Pairs(SharedSecretMetadataKey, " hunter2 "), "hunter2"},
		{metadata.Pairs("authorization", "Bearer token-1"), "token-1"},
		{metadata.Pairs("authorization", "Basic abc"), ""},
		{metadata.MD{}, ""},
	}
	for _, tc := range cases {
		if got := extractSharedSecret(tc.md); got != tc.want {
			t.Fatalf("extractSharedSecret(%v) = %q, want %q", tc.md, got, tc.want)
		}
	}
}

func TestCheckSharedSecretWithoutConfiguredSecret(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(SharedSecretMetadataKey, "x"))
	if err := checkSharedSecret(ctx, ""); err == nil {
		t.Fatalf("expected an unconfigured secret to reject every caller")
	}
}

func TestServerOptionsModes(t *testing.T) {
	logger := logging.NewTestLogger()
	if _, err := ServerOptions(nil, logger); err == nil {
		t.Fatalf("expected nil config to fail")
	}
	if _, err := ServerOptions(&config.Config{GRPCAuthMode: "kerberos"}, logger); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
	if _, err := loadMTLSCredentials("missing-cert", "missing-key", "missing-ca"); err == nil {
		t.Fatal("expected error for missing files")
	}

	certFile, keyFile := writeSelfSignedCert(t)
	cfg := &config.Config{
		GRPCAuthMode:       config.GRPCAuthModeMTLS,
		GRPCServerCertPath: certFile,
		GRPCServerKeyPath:  keyFile,
		GRPCClientCAPath:   certFile,
	}
	opts, err := ServerOptions(cfg, logger)
	if err != nil {
		t.Fatalf("ServerOptions(mtls): %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("expected codec and credentials options, got %d", len(opts))
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "snapsync-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}
