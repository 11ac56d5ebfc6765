package tlsutil

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	if err := GenerateSelfSignedCert(certFile, keyFile, "trackd", "10.0.0.5", "collector.internal"); err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	pemData, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("Failed to read cert: %v", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("cert file does not contain a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	if cert.Subject.CommonName != "trackd" {
		t.Errorf("CommonName = %q, want trackd", cert.Subject.CommonName)
	}

	wantDNS := map[string]bool{"trackd": false, "localhost": false, "collector.internal": false}
	for _, name := range cert.DNSNames {
		if _, ok := wantDNS[name]; ok {
			wantDNS[name] = true
		}
	}
	for name, found := range wantDNS {
		if !found {
			t.Errorf("SAN %q missing from certificate", name)
		}
	}

	foundIP := false
	for _, ip := range cert.IPAddresses {
		if ip.String() == "10.0.0.5" {
			foundIP = true
		}
	}
	if !foundIP {
		t.Error("extra IP SAN missing from certificate")
	}

	// The pair loads as a server config
	cfg, err := ServerConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Error("server config has no certificate")
	}

	// Key file must not be world readable
	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Errorf("key file mode = %v, want owner-only", info.Mode().Perm())
	}
}

func TestClientConfig(t *testing.T) {
	cfg, err := ClientConfig("", true)
	if err != nil {
		t.Fatalf("insecure config: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("insecure flag not applied")
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := GenerateSelfSignedCert(certFile, keyFile, "trackd"); err != nil {
		t.Fatal(err)
	}

	cfg, err = ClientConfig(certFile, false)
	if err != nil {
		t.Fatalf("CA config: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("CA pool not loaded")
	}

	if _, err := ClientConfig(filepath.Join(dir, "missing.pem"), false); err == nil {
		t.Error("missing CA file accepted")
	}
}
