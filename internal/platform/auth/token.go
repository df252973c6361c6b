package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenUnavailable wraps every failure to obtain an outbound token.
var ErrTokenUnavailable = errors.New("bearer token unavailable")

// TokenSource yields the bearer token attached to an outbound exchange
// call. A fresh token is requested for every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Modes accepted by NewTokenSource.
const (
	ModeNone         = "none"
	ModeSharedSecret = "shared-secret"
	ModePassword     = "password"
)

// NoToken sends requests without an Authorization header.
type NoToken struct{}

func (NoToken) Token(context.Context) (string, error) { return "", nil }

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// ---------------------------------------------------------------------------
// Shared secret
// ---------------------------------------------------------------------------

// SharedSecretSource mints short-lived HS256 tokens that a counterpart
// configured with the same secret accepts.
type SharedSecretSource struct {
	Secret          []byte
	Issuer          string
	Audience        string
	ParticipantCode string
	TTL             time.Duration

	now func() time.Time
}

func (s *SharedSecretSource) Token(context.Context) (string, error) {
	if len(s.Secret) == 0 {
		return "", fmt.Errorf("%w: shared secret is empty", ErrTokenUnavailable)
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.Issuer,
			Subject:   s.ParticipantCode,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ParticipantCode: s.ParticipantCode,
	}
	if s.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	return signed, nil
}

// ---------------------------------------------------------------------------
// Password grant
// ---------------------------------------------------------------------------

// PasswordSource obtains an access token from an OAuth2 token endpoint with
// the resource-owner password grant, as HCX gateways expect.
type PasswordSource struct {
	URL      string
	ClientID string
	Username string
	Password string
	Client   *http.Client
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (p *PasswordSource) Token(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {p.ClientID},
		"username":   {p.Username},
		"password":   {p.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: POST %s: %v", ErrTokenUnavailable, p.URL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: token endpoint returned status %d with undecodable body", ErrTokenUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		msg := tr.Description
		if msg == "" {
			msg = tr.Error
		}
		return "", fmt.Errorf("%w: token endpoint returned status %d: %s", ErrTokenUnavailable, resp.StatusCode, msg)
	}
	return tr.AccessToken, nil
}

// TokenConfig selects and configures a TokenSource.
type TokenConfig struct {
	Mode            string
	Secret          string
	Issuer          string
	ParticipantCode string
	URL             string
	ClientID        string
	Username        string
	Password        string
}

// NewTokenSource builds the source for cfg.Mode.
func NewTokenSource(cfg TokenConfig) (TokenSource, error) {
	switch cfg.Mode {
	case "", ModeNone:
		return NoToken{}, nil
	case ModeSharedSecret:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth mode %s requires AUTH_SECRET", cfg.Mode)
		}
		return &SharedSecretSource{
			Secret:          []byte(cfg.Secret),
			Issuer:          cfg.Issuer,
			ParticipantCode: cfg.ParticipantCode,
		}, nil
	case ModePassword:
		if cfg.URL == "" || cfg.Username == "" {
			return nil, fmt.Errorf("auth mode %s requires TOKEN_URL and TOKEN_USERNAME", cfg.Mode)
		}
		return &PasswordSource{
			URL:      cfg.URL,
			ClientID: cfg.ClientID,
			Username: cfg.Username,
			Password: cfg.Password,
		}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
