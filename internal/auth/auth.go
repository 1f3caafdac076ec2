// Package auth authenticates API callers with HS256 bearer tokens or static
// API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication.
type Config struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	Issuer      string         `yaml:"issuer"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig declares a static API key and the principal it authenticates.
type APIKeyConfig struct {
	Key      string   `yaml:"key"`
	Subject  string   `yaml:"subject"`
	Sessions []string `yaml:"sessions"`
}

// Principal is an authenticated caller. An empty Sessions list grants
// access to every session.
type Principal struct {
	Subject  string
	Sessions []string
}

// CanAccessSession reports whether p may act on sessionID.
func (p *Principal) CanAccessSession(sessionID string) bool {
	if p == nil {
		return false
	}
	return len(p.Sessions) == 0 || slices.Contains(p.Sessions, sessionID)
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*Principal
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: buildAPIKeyMap(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.Issuer, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for p.
func (s *Service) GenerateJWT(p *Principal) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(p)
}

// ValidateJWT validates a JWT and returns its principal.
func (s *Service) ValidateJWT(token string) (*Principal, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns its principal.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*Principal, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched *Principal
	for storedKey, principal := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = principal
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*Principal {
	out := map[string]*Principal{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		subject := strings.TrimSpace(entry.Subject)
		if subject == "" {
			sum := sha256.Sum256([]byte(key))
			subject = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &Principal{Subject: subject, Sessions: entry.Sessions}
	}
	return out
}
