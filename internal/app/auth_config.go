package app

import (
	"fmt"
	"time"

	"github.com/clavis-auth/clavis/internal/auth"
	"github.com/clavis-auth/clavis/internal/auth/mfa"
	"github.com/clavis-auth/clavis/internal/auth/providers"
	"github.com/clavis-auth/clavis/internal/guard"
	"github.com/clavis-auth/clavis/pkg/crypto"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// TokenServiceConfig converts AuthConfig into the parameters expected by the token service.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.TokenConfig{
		Secret:         c.JWT.Secret,
		RetiredSecrets: c.JWT.RetiredSecrets,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// SessionServiceConfig converts AuthConfig into SessionService parameters.
func (c AuthConfig) SessionServiceConfig() auth.SessionConfig {
	ttl := c.Session.RefreshTTL
	if ttl <= 0 {
		ttl = auth.DefaultRefreshTokenTTL
	}

	length := c.Session.RefreshLength
	if length <= 0 {
		length = 48
	}

	return auth.SessionConfig{
		RefreshTokenTTL: ttl,
		RefreshLength:   length,
	}
}

// LocalProviderConfig converts AuthConfig into LocalProvider parameters.
func (c AuthConfig) LocalProviderConfig() providers.LocalConfig {
	duration := c.Local.LockoutDuration
	if duration <= 0 {
		duration = defaultLockoutDuration
	}

	threshold := c.Local.LockoutThreshold
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}

	return providers.LocalConfig{
		LockoutThreshold: threshold,
		LockoutDuration:  duration,
	}
}

// mfaKeySalt is the fixed application salt for stretching MFA key material.
// Changing it invalidates every secret encrypted under a stretched key.
var mfaKeySalt = []byte("clavis/mfa-encryption-key/v1")

// MFAServiceConfig converts AuthConfig into MFA service parameters. The
// encryption key string is decoded from hex or base64; anything that is not
// already a 32-byte key, a passphrase for instance, is stretched to one with
// Argon2id under a fixed application salt.
func (c AuthConfig) MFAServiceConfig() (mfa.Config, error) {
	key, err := DecodeKey(c.MFA.EncryptionKey)
	if err != nil {
		return mfa.Config{}, err
	}

	if len(key) != 32 {
		key, err = crypto.DeriveKeyArgon2id(key, mfaKeySalt, crypto.DefaultArgon2Params())
		if err != nil {
			return mfa.Config{}, fmt.Errorf("stretch mfa encryption key: %w", err)
		}
	}

	return mfa.Config{
		EncryptionKey: key,
		Issuer:        c.MFA.Issuer,
	}, nil
}

// Policy converts a guard policy config into guard parameters, substituting
// the supplied fallback for missing values.
func (c GuardPolicyConfig) Policy(fallback guard.Policy) guard.Policy {
	policy := fallback
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.Window > 0 {
		policy.Window = c.Window
	}
	return policy
}
