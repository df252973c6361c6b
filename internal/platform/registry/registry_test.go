package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehr/hcx/internal/platform/envelope"
)

const doc = `
participants:
  - code: payer-1
    name: Acme Health Insurance
    role: payer
    endpoint: http://localhost:8081/
    encryption_cert: certs/payer.pem
  - code: provider-1
    role: provider
    endpoint: https://provider.example.org/hcx
    encryption_cert: https://registry.example.org/certs/provider-1.pem
`

func TestParse_ResolvesRelativeCerts(t *testing.T) {
	r, err := Parse([]byte(doc), "/etc/hcx")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	payer, err := r.Lookup("payer-1")
	if err != nil {
		t.Fatal(err)
	}
	if payer.EncryptionCert != filepath.Join("/etc/hcx", "certs/payer.pem") {
		t.Errorf("cert = %s", payer.EncryptionCert)
	}
	if got := payer.URL("/claim/submit"); got != "http://localhost:8081/claim/submit" {
		t.Errorf("url = %s", got)
	}
	if _, ok := payer.PublicKey().(envelope.CertFile); !ok {
		t.Errorf("payer key source = %T", payer.PublicKey())
	}

	provider, _ := r.Lookup("provider-1")
	if _, ok := provider.PublicKey().(*envelope.CertURL); !ok {
		t.Errorf("provider key source = %T", provider.PublicKey())
	}
	if got := provider.URL("claim/on_submit"); got != "https://provider.example.org/hcx/claim/on_submit" {
		t.Errorf("url = %s", got)
	}
}

func TestLookup_Unknown(t *testing.T) {
	r, _ := New()
	if _, err := r.Lookup("nobody"); !errors.Is(err, ErrUnknownParticipant) {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": "participants:\n  - code: a\n    endpoint: http://a\n    encryption_cert: x\n    colour: red\n",
		"bad endpoint":  "participants:\n  - code: a\n    endpoint: ftp://a\n    encryption_cert: x\n",
		"missing cert":  "participants:\n  - code: a\n    endpoint: http://a\n",
		"missing code":  "participants:\n  - endpoint: http://a\n    encryption_cert: x\n",
		"not yaml":      "participants: [",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(in), ""); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_InlinePEMAndRoundTrip(t *testing.T) {
	certPEM, _, err := envelope.GenerateKeyPair("payer-1", 2048, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(Participant{Code: "payer-1", Endpoint: "http://payer", EncryptionCert: string(certPEM)})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := r.Lookup("payer-1")
	if _, err := p.PublicKey().PublicKey(context.Background()); err != nil {
		t.Fatalf("inline PEM key: %v", err)
	}

	out, err := r.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "participants.yaml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	list := loaded.List()
	if len(list) != 1 || !strings.HasPrefix(list[0].EncryptionCert, "-----BEGIN") {
		t.Errorf("round trip lost data: %+v", list)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
