// Package registry resolves participant codes to the endpoint and
// encryption certificate used to reach them.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ehr/hcx/internal/platform/envelope"
)

// ErrUnknownParticipant is returned when a code is not registered.
var ErrUnknownParticipant = errors.New("unknown participant")

// Participant is one registered exchange party.
type Participant struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Role string `yaml:"role,omitempty" json:"role,omitempty"`
	// Endpoint is the base URL workflow paths are appended to.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// EncryptionCert is a certificate path, an http(s) URL, or inline PEM.
	EncryptionCert string `yaml:"encryption_cert" json:"encryption_cert"`

	key envelope.PublicKeySource
}

// URL joins the participant endpoint with a workflow path.
func (p *Participant) URL(path string) string {
	return strings.TrimRight(p.Endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

// PublicKey returns the key source for encrypting to this participant.
func (p *Participant) PublicKey() envelope.PublicKeySource { return p.key }

func (p *Participant) validate() error {
	if p.Code == "" {
		return fmt.Errorf("participant code is required")
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("participant %s: endpoint must be an http(s) URL", p.Code)
	}
	if p.EncryptionCert == "" {
		return fmt.Errorf("participant %s: encryption_cert is required", p.Code)
	}
	return nil
}

type file struct {
	Participants []Participant `yaml:"participants"`
}

// Registry is a thread-safe participant directory.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

// New creates a registry holding ps.
func New(ps ...Participant) (*Registry, error) {
	r := &Registry{participants: make(map[string]*Participant)}
	for _, p := range ps {
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Parse decodes a YAML participants document. Relative certificate paths
// are resolved against baseDir.
func Parse(data []byte, baseDir string) (*Registry, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse participants: %w", err)
	}
	for i := range f.Participants {
		p := &f.Participants[i]
		if isRelativePath(p.EncryptionCert) && baseDir != "" {
			p.EncryptionCert = filepath.Join(baseDir, p.EncryptionCert)
		}
	}
	return New(f.Participants...)
}

// Load reads a participants file.
func Load(path string) (*Registry, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read participants file: %w", err)
	}
	return Parse(data, filepath.Dir(cleanPath))
}

func isRelativePath(loc string) bool {
	if loc == "" || strings.HasPrefix(loc, "-----BEGIN") || strings.Contains(loc, "://") {
		return false
	}
	return !filepath.IsAbs(loc)
}

// Add registers or replaces p.
func (r *Registry) Add(p Participant) error {
	if err := p.validate(); err != nil {
		return err
	}
	p.key = envelope.CertSource(p.EncryptionCert)
	r.mu.Lock()
	r.participants[p.Code] = &p
	r.mu.Unlock()
	return nil
}

// Lookup returns the participant registered under code.
func (r *Registry) Lookup(code string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, code)
	}
	return p, nil
}

// List returns all participants ordered by code.
func (r *Registry) List() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Marshal renders the registry as a participants document.
func (r *Registry) Marshal() ([]byte, error) {
	return yaml.Marshal(file{Participants: r.List()})
}
