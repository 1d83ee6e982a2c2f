// Package auth's service issues and validates bearer tokens for the single
// admin identity named in config.AuthConfig, via JWT issuance/validation
// (golang-jwt/jwt/v5 + golang.org/x/crypto/bcrypt) against one configured
// username/password-hash pair rather than a multi-user store.
package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/openeuler-mirror/process-healer/internal/config"
)

// AuthService authenticates against the single configured admin identity.
type AuthService struct {
	cfg       config.AuthConfig
	jwtSecret []byte
	tokenTTL  time.Duration
}

// New builds an AuthService from the daemon's auth configuration. If
// JWTSecret is empty, a random per-process secret is generated, meaning
// previously issued tokens will not validate across a daemon restart; this
// is acceptable since the admin API is meant to be re-authenticated per
// session, not a durable credential store.
func New(cfg config.AuthConfig) (*AuthService, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{cfg: cfg, jwtSecret: secret, tokenTTL: ttl}, nil
}

// Login validates username/password against the configured admin identity
// and issues a bearer token on success.
func (s *AuthService) Login(_ context.Context, req LoginRequest) (*Token, error) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}
	if req.Username != s.cfg.AdminUser {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issueToken()
}

// jwtClaims embeds the registered claims the jwt library requires alongside
// the daemon's minimal Claims payload.
type jwtClaims struct {
	Claims Claims `json:"claims"`
	jwt.RegisteredClaims
}

func (s *AuthService) issueToken() (*Token, error) {
	expiresAt := time.Now().Add(s.tokenTTL)
	claims := jwtClaims{
		Claims: Claims{Subject: s.cfg.AdminUser},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.cfg.AdminUser,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Authenticate validates a bearer token string.
func (s *AuthService) Authenticate(tokenString string) (*AuthResult, error) {
	if tokenString == "" {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok {
		return &AuthResult{Success: false}, ErrInvalidCredentials
	}
	return &AuthResult{Success: true, Subject: claims.Subject}, nil
}

// HashPassword bcrypt-hashes a plaintext password, used by the CLI to
// produce the admin_password_hash value for the configuration file.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
