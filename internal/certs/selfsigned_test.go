package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"net"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	cert, err := Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if got := leaf.Subject.CommonName; got != "tsflow" {
		t.Errorf("common name = %q, want tsflow", got)
	}
	if leaf.NotAfter.Before(time.Now()) {
		t.Error("certificate already expired")
	}
	if !cert.NotAfter.Equal(leaf.NotAfter) {
		t.Errorf("CertInfo.NotAfter = %v, certificate says %v", cert.NotAfter, leaf.NotAfter)
	}

	// Endpoints dial localhost or a loopback IP; both must verify.
	names := map[string]bool{}
	for _, n := range leaf.DNSNames {
		names[n] = true
	}
	if !names["localhost"] {
		t.Error("localhost missing from DNS names")
	}
	loopback := false
	for _, ip := range leaf.IPAddresses {
		if ip.Equal(net.IPv4(127, 0, 0, 1)) {
			loopback = true
		}
	}
	if !loopback {
		t.Error("127.0.0.1 missing from IP addresses")
	}

	// The fingerprint is over the DER bytes, and the base64 form is what
	// the receiver tooling prints for pinning.
	want := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != want {
		t.Error("fingerprint does not match certificate DER")
	}
	if got := cert.FingerprintBase64(); got != base64.StdEncoding.EncodeToString(want[:]) {
		t.Errorf("FingerprintBase64 = %q", got)
	}
}

func TestGenerateValidityCap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		validity time.Duration
	}{
		{"beyond cap", 90 * 24 * time.Hour},
		{"zero picks default", 0},
		{"negative picks default", -time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cert, err := Generate(tt.validity)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			leaf, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
			if err != nil {
				t.Fatalf("parse certificate: %v", err)
			}
			if validity := leaf.NotAfter.Sub(leaf.NotBefore); validity > maxValidity+2*time.Minute {
				t.Errorf("validity = %v, want at most %v", validity, maxValidity)
			}
		})
	}
}
