package envelope

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/hcx/internal/platform/protocol"
)

var (
	keysOnce sync.Once
	testCert []byte
	testKey  []byte
)

func testKeys(t *testing.T) (CertPEM, PrivateKeyPEM) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		testCert, testKey, err = GenerateKeyPair("payer-001", 2048, time.Hour)
		if err != nil {
			panic(err)
		}
	})
	return CertPEM(testCert), PrivateKeyPEM(testKey)
}

func sampleHeaders() protocol.Headers {
	role := protocol.Role{Name: protocol.RoleProvider, Self: "provider-001", Counterpart: "payer-001"}
	return protocol.Build(role, protocol.Headers{CorrelationID: "c1"}, "claim")
}

// ---------------------------------------------------------------------------
// Round trip
// ---------------------------------------------------------------------------

func TestCodec_RoundTrip(t *testing.T) {
	cert, key := testKeys(t)
	codec := NewCodec()
	ctx := context.Background()

	payload := map[string]interface{}{"resourceType": "Bundle", "id": "b1"}
	h := sampleHeaders()
	domain := map[string]interface{}{"x-hcx-claim-type": "institutional"}

	compact, err := codec.EncryptMessage(ctx, payload, h, domain, cert)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if n := len(strings.Split(compact, ".")); n != 5 {
		t.Fatalf("expected 5 segments, got %d", n)
	}

	msg, err := codec.Decrypt(ctx, compact, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	var got map[string]interface{}
	if err := msg.Decode(&got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got["resourceType"] != "Bundle" || got["id"] != "b1" {
		t.Errorf("payload mismatch: %v", got)
	}

	for k, v := range h.Map() {
		if k == protocol.HeaderTimestamp {
			continue
		}
		if _, ok := v.(string); ok && msg.Header[k] != v {
			t.Errorf("header %s = %v, want %v", k, msg.Header[k], v)
		}
	}
	if msg.Header["x-hcx-claim-type"] != "institutional" {
		t.Errorf("domain header missing: %v", msg.Header)
	}
	if msg.Header["alg"] != string(KeyAlgorithm) || msg.Header["enc"] != string(ContentEncryption) {
		t.Errorf("unexpected alg/enc: %v %v", msg.Header["alg"], msg.Header["enc"])
	}
	if msg.Protocol.CorrelationID != "c1" || msg.Protocol.APICallID != h.APICallID {
		t.Errorf("protocol headers not decoded: %+v", msg.Protocol)
	}
	if !msg.Protocol.Timestamp.Equal(h.Timestamp.Truncate(time.Second)) {
		t.Errorf("timestamp = %v, want %v", msg.Protocol.Timestamp, h.Timestamp)
	}
}

func TestCodec_DomainHeadersWinExceptReserved(t *testing.T) {
	cert, key := testKeys(t)
	codec := NewCodec()
	ctx := context.Background()

	compact, err := codec.Encrypt(ctx, map[string]string{"a": "b"},
		map[string]interface{}{"x-hcx-status": "request.initiated", "alg": "none"},
		map[string]interface{}{"x-hcx-status": "request.queued", "enc": "A128GCM"},
		cert)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	msg, err := codec.Decrypt(ctx, compact, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if msg.Header["x-hcx-status"] != "request.queued" {
		t.Errorf("expected domain header to win, got %v", msg.Header["x-hcx-status"])
	}
	if msg.Header["alg"] != "RSA-OAEP-256" || msg.Header["enc"] != "A256GCM" {
		t.Errorf("reserved headers overridden: %v", msg.Header)
	}
}

func TestCodec_NonJSONPlaintextIsDegraded(t *testing.T) {
	cert, key := testKeys(t)
	codec := NewCodec()
	ctx := context.Background()

	compact, err := codec.Encrypt(ctx, "plain text, not json", sampleHeaders().Map(), nil, cert)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	msg, err := codec.Decrypt(ctx, compact, key)
	if err != nil {
		t.Fatalf("expected degraded success, got %v", err)
	}
	if msg.Payload != nil {
		t.Errorf("expected nil payload, got %s", msg.Payload)
	}
	if msg.Text != "plain text, not json" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.Protocol.CorrelationID != "c1" {
		t.Error("headers should still be available")
	}
}

// ---------------------------------------------------------------------------
// Failure modes
// ---------------------------------------------------------------------------

func TestDecrypt_WrongSegmentCount(t *testing.T) {
	_, key := testKeys(t)
	codec := NewCodec()

	for _, compact := range []string{"a.b.c.d", "a.b.c.d.e.f", ""} {
		_, err := codec.Decrypt(context.Background(), compact, key)
		if !errors.Is(err, ErrEnvelopeFormat) {
			t.Errorf("Decrypt(%q): expected ErrEnvelopeFormat, got %v", compact, err)
		}
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	cert, _ := testKeys(t)
	_, otherKey, err := GenerateKeyPair("someone-else", 2048, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	codec := NewCodec()
	compact, err := codec.EncryptMessage(context.Background(), map[string]string{"a": "b"}, sampleHeaders(), nil, cert)
	if err != nil {
		t.Fatal(err)
	}

	_, err = codec.Decrypt(context.Background(), compact, PrivateKeyPEM(otherKey))
	if !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
	h, err := ProtocolHeaders(compact)
	if err != nil || h.CorrelationID != "c1" {
		t.Fatalf("headers should parse without the key: %+v %v", h, err)
	}
}

func TestEncrypt_BadCertificate(t *testing.T) {
	codec := NewCodec()
	_, err := codec.Encrypt(context.Background(), nil, nil, nil, CertPEM("-----BEGIN CERTIFICATE-----\nnope\n-----END CERTIFICATE-----\n"))
	if !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}
}

func TestDecrypt_BadPrivateKey(t *testing.T) {
	cert, _ := testKeys(t)
	codec := NewCodec()
	compact, err := codec.EncryptMessage(context.Background(), nil, sampleHeaders(), nil, cert)
	if err != nil {
		t.Fatal(err)
	}
	_, err = codec.Decrypt(context.Background(), compact, PrivateKeyPEM("garbage"))
	if !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}
}

func TestParseProtectedHeader_BadBase64(t *testing.T) {
	_, err := ParseProtectedHeader("!!!.b.c.d.e")
	if !errors.Is(err, ErrEnvelopeFormat) {
		t.Fatalf("expected ErrEnvelopeFormat, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Key sources
// ---------------------------------------------------------------------------

func TestValidateCertificate(t *testing.T) {
	cert, key := testKeys(t)
	dir := t.TempDir()

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	os.WriteFile(certPath, cert, 0o600)
	os.WriteFile(keyPath, key, 0o600)

	if !ValidateCertificate(certPath) {
		t.Error("expected certificate to validate")
	}
	if ValidateCertificate(keyPath) {
		t.Error("private key is not a certificate")
	}
	if ValidateCertificate(filepath.Join(dir, "missing.pem")) {
		t.Error("missing file should not validate")
	}
}

func TestCertSource_Kinds(t *testing.T) {
	if _, ok := CertSource("https://registry.example/cert.pem").(*CertURL); !ok {
		t.Error("expected CertURL for https location")
	}
	if _, ok := CertSource("/etc/hcx/cert.pem").(CertFile); !ok {
		t.Error("expected CertFile for path")
	}
	if _, ok := CertSource("-----BEGIN CERTIFICATE-----\n").(CertPEM); !ok {
		t.Error("expected CertPEM for inline pem")
	}
}

func TestCertURL_FetchesAndCaches(t *testing.T) {
	cert, _ := testKeys(t)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(cert)
	}))
	defer srv.Close()

	src := &CertURL{URL: srv.URL, TTL: time.Minute}
	for i := 0; i < 3; i++ {
		if _, err := src.PublicKey(context.Background()); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if hits != 1 {
		t.Errorf("expected 1 fetch, got %d", hits)
	}
}

func TestPrivateKeyFile(t *testing.T) {
	_, key := testKeys(t)
	path := filepath.Join(t.TempDir(), "key.pem")
	os.WriteFile(path, key, 0o600)

	src := &PrivateKeyFile{Path: path}
	if _, err := src.PrivateKey(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	missing := &PrivateKeyFile{Path: path + ".missing"}
	if _, err := missing.PrivateKey(context.Background()); !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}
}

func TestMessage_DecodeNonJSON(t *testing.T) {
	m := &Message{Text: "x"}
	var v map[string]interface{}
	if err := m.Decode(&v); err == nil {
		t.Fatal("expected error decoding non-JSON payload")
	}
}
