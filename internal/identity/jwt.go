package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/00quasr/sokudo-sub009/internal/race"
)

// JWTConfig defines how tokens are signed and verified.
type JWTConfig struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

// JWTProvider verifies HS256 tokens whose subject is the user id.
type JWTProvider struct {
	cfg JWTConfig
}

// claims is the internal claims type used for JWT parsing.
type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// NewJWTProvider creates a provider. The secret must not be empty.
func NewJWTProvider(cfg JWTConfig) (*JWTProvider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("identity: jwt secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JWTProvider{cfg: cfg}, nil
}

// Issue signs a token for userID valid for ttl.
func (p *JWTProvider) Issue(userID race.UserID, name string, ttl time.Duration) (string, error) {
	if userID == "" || len(userID) > maxUserIDLen {
		return "", ErrInvalidUser
	}
	now := p.cfg.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    p.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: SanitizeName(name),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a raw token.
func (p *JWTProvider) Verify(token string) (race.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return race.Identity{}, ErrMissingCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.cfg.Now),
	}
	if p.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.cfg.Issuer))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return p.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return race.Identity{}, mapJWTError(err)
	}
	if parsed.Subject == "" {
		return race.Identity{}, ErrInvalidUser
	}
	return newIdentity(parsed.Subject, parsed.Name)
}

// Identify implements Provider.
func (p *JWTProvider) Identify(r *http.Request) (race.Identity, error) {
	return p.Verify(bearer(r))
}

// mapJWTError translates jwt library errors to package errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

// Peek reads the identity from a token without checking its signature.
// Clients use it to learn who they are; only the server may trust a token.
func Peek(token string) (race.Identity, error) {
	var parsed claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &parsed); err != nil {
		return race.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if parsed.Subject == "" {
		return race.Identity{}, ErrInvalidUser
	}
	return newIdentity(parsed.Subject, parsed.Name)
}
