package envelope

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// PublicKeySource yields a recipient's RSA public key.
type PublicKeySource interface {
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
}

// PrivateKeySource yields the local participant's RSA private key.
type PrivateKeySource interface {
	PrivateKey(ctx context.Context) (*rsa.PrivateKey, error)
}

// CertPEM is an in-memory X.509 certificate.
type CertPEM []byte

func (c CertPEM) PublicKey(_ context.Context) (*rsa.PublicKey, error) {
	return ParseCertificatePublicKey(c)
}

// CertFile reads an X.509 certificate from disk on each call.
type CertFile string

func (f CertFile) PublicKey(_ context.Context) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate %s: %v", ErrKeyMaterial, f, err)
	}
	return ParseCertificatePublicKey(data)
}

// CertURL fetches a registry-hosted certificate. The parsed key is cached
// for TTL; a zero TTL fetches on every call.
type CertURL struct {
	URL    string
	Client *http.Client
	TTL    time.Duration

	mu      sync.Mutex
	key     *rsa.PublicKey
	fetched time.Time
}

func (c *CertURL) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil && c.TTL > 0 && time.Since(c.fetched) < c.TTL {
		return c.key, nil
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate url %s: %v", ErrKeyMaterial, c.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch certificate %s: %v", ErrKeyMaterial, c.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch certificate %s: status %d", ErrKeyMaterial, c.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read certificate %s: %v", ErrKeyMaterial, c.URL, err)
	}
	key, err := ParseCertificatePublicKey(data)
	if err != nil {
		return nil, err
	}
	c.key, c.fetched = key, time.Now()
	return key, nil
}

// CertSource picks a PublicKeySource for a certificate location: an http(s)
// URL, a path on disk, or inline PEM text.
func CertSource(location string) PublicKeySource {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &CertURL{URL: location, TTL: time.Hour}
	case strings.Contains(location, "-----BEGIN"):
		return CertPEM(location)
	default:
		return CertFile(location)
	}
}

// PrivateKeyPEM is an in-memory PKCS#8 private key.
type PrivateKeyPEM []byte

func (k PrivateKeyPEM) PrivateKey(_ context.Context) (*rsa.PrivateKey, error) {
	return ParsePrivateKey(k)
}

// PrivateKeyFile reads a PKCS#8 private key from disk once and caches it.
type PrivateKeyFile struct {
	Path string

	once sync.Once
	key  *rsa.PrivateKey
	err  error
}

func (f *PrivateKeyFile) PrivateKey(_ context.Context) (*rsa.PrivateKey, error) {
	f.once.Do(func() {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			f.err = fmt.Errorf("%w: read private key %s: %v", ErrKeyMaterial, f.Path, err)
			return
		}
		f.key, f.err = ParsePrivateKey(data)
	})
	return f.key, f.err
}

// ParseCertificatePublicKey extracts the RSA public key of a PEM encoded
// X.509 certificate.
func ParseCertificatePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in certificate", ErrKeyMaterial)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrKeyMaterial, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate key is %T, want RSA", ErrKeyMaterial, cert.PublicKey)
	}
	return pub, nil
}

// ParsePrivateKey decodes a PEM encoded PKCS#8 RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in private key", ErrKeyMaterial)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse PKCS#8 private key: %v", ErrKeyMaterial, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, want RSA", ErrKeyMaterial, parsed)
	}
	return key, nil
}

// ValidateCertificate reports whether the file at path looks like a PEM
// certificate. Only the BEGIN/END markers are checked.
func ValidateCertificate(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	s := string(data)
	return strings.Contains(s, "-----BEGIN CERTIFICATE-----") &&
		strings.Contains(s, "-----END CERTIFICATE-----")
}
