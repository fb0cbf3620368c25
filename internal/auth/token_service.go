package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
const DefaultAccessTokenTTL = 24 * time.Hour

var (
	// ErrTokenMalformed is returned when the credential cannot be parsed at all.
	ErrTokenMalformed = errors.New("token: malformed")
	// ErrTokenSignatureInvalid is returned when no ring key verifies the signature.
	ErrTokenSignatureInvalid = errors.New("token: signature invalid")
	// ErrTokenExpired is returned when the embedded expiry has passed.
	ErrTokenExpired = errors.New("token: expired")
)

// TokenConfig bundles the configuration required to build a TokenService.
//
// RetiredSecrets are verify-only: tokens signed with a retired key remain
// valid until they expire, which keeps sessions alive across a key rotation
// window. New tokens are always signed with Secret.
type TokenConfig struct {
	Secret         string
	RetiredSecrets []string
	Issuer         string
	AccessTokenTTL time.Duration
	Clock          func() time.Time
}

// Claims represents the custom claims embedded in issued tokens.
type Claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AccessTokenInput holds the parameters used when generating a new access token.
type AccessTokenInput struct {
	UserID    string
	SessionID string
	Email     string
}

// TokenService issues and verifies the signed bearer credentials that carry
// principal identity between requests.
type TokenService struct {
	secret  []byte
	retired [][]byte
	issuer  string
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenService constructs a TokenService instance when provided with the required configuration.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token: signing secret must be provided")
	}

	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	retired := make([][]byte, 0, len(cfg.RetiredSecrets))
	for _, s := range cfg.RetiredSecrets {
		if s != "" {
			retired = append(retired, []byte(s))
		}
	}

	return &TokenService{
		secret:  []byte(cfg.Secret),
		retired: retired,
		issuer:  cfg.Issuer,
		ttl:     ttl,
		now:     now,
	}, nil
}

// Issue signs a token containing the supplied identity claims.
func (s *TokenService) Issue(input AccessTokenInput) (string, error) {
	if input.UserID == "" {
		return "", errors.New("token: user id is required")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := &Claims{
		UserID:    input.UserID,
		SessionID: input.SessionID,
		Email:     input.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.UserID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	if input.SessionID != "" {
		claims.ID = input.SessionID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}

	return signed, nil
}

// Verify parses and validates a signed token, returning the embedded claims.
// Failures collapse into the three stable kinds: malformed, bad signature,
// expired. A signature rejected by the current key is retried against every
// retired ring key before giving up.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrTokenMalformed
	}

	claims, err := s.parseWithKey(tokenString, s.secret)
	if errors.Is(err, ErrTokenSignatureInvalid) {
		for _, key := range s.retired {
			if claims, retryErr := s.parseWithKey(tokenString, key); retryErr == nil {
				return claims, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}

	return claims, nil
}

func (s *TokenService) parseWithKey(tokenString string, key []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenSignatureInvalid
	default:
		return nil, ErrTokenMalformed
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrTokenSignatureInvalid
	}

	if claims.UserID == "" {
		return nil, ErrTokenMalformed
	}

	return &claims, nil
}

// SecretLength reports the signing secret size in bytes.
func (s *TokenService) SecretLength() int {
	return len(s.secret)
}
