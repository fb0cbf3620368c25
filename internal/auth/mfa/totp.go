package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/crypto"
)

// Sentinel errors surfaced by the MFA service.
var (
	ErrNotEnrolled    = errors.New("mfa: no enrollment for user")
	ErrAlreadyEnabled = errors.New("mfa: already enabled")
	ErrInvalidCode    = errors.New("mfa: invalid code")
)

const backupCodeCount = 10

// Status describes where a user sits in the enrollment state machine.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusPending  Status = "pending"
	StatusEnabled  Status = "enabled"
)

// Config holds MFA service settings.
type Config struct {
	// EncryptionKey protects TOTP secrets at rest. Must be 32 bytes.
	EncryptionKey []byte
	// Issuer is the label shown in authenticator apps.
	Issuer string
	// Clock overrides time.Now, primarily for testing.
	Clock func() time.Time
}

// Service manages TOTP enrollment and verification.
//
// Enrollment is a two-step state machine: BeginEnrollment stores an
// unconfirmed secret, and only a successful ConfirmEnrollment flips the
// user's MFAEnabled flag. An unconfirmed secret never gates login, so an
// abandoned enrollment cannot lock a user out.
type Service struct {
	db       *gorm.DB
	recorder *security.Recorder
	key      []byte
	issuer   string
	now      func() time.Time
}

// NewService constructs the MFA service.
func NewService(db *gorm.DB, recorder *security.Recorder, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("mfa: db is required")
	}
	if len(cfg.EncryptionKey) != 32 {
		return nil, errors.New("mfa: encryption key must be 32 bytes")
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "Clavis"
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		db:       db,
		recorder: recorder,
		key:      cfg.EncryptionKey,
		issuer:   issuer,
		now:      clock,
	}, nil
}

// Enrollment is the material handed to the user during BeginEnrollment. The
// plaintext secret and QR code exist only in this response; at rest the
// secret is stored encrypted.
type Enrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCodePNG  []byte `json:"qr_code_png"`
}

// BeginEnrollment generates a fresh TOTP secret for the user. Restarting a
// pending enrollment replaces the previous unconfirmed secret.
func (s *Service) BeginEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrAlreadyEnabled
	}

	generated, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate secret: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(generated.Secret()), s.key)
	if err != nil {
		return nil, fmt.Errorf("mfa: encrypt secret: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.MFASecret{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.MFASecret{
			UserID: user.ID,
			Secret: encrypted,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: store enrollment: %w", err)
	}

	png, err := qrcode.Encode(generated.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("mfa: render qr code: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, security.Event{
			Type:        security.EventMFAEnrollStarted,
			Severity:    models.SeverityInfo,
			Description: "TOTP enrollment started",
			ActorID:     &user.ID,
		})
	}

	return &Enrollment{
		Secret:     generated.Secret(),
		OTPAuthURL: generated.URL(),
		QRCodePNG:  png,
	}, nil
}

// ConfirmEnrollment verifies the first code from the authenticator and
// activates the second factor. It returns single-use backup codes; this is
// the only time they are available in plaintext.
func (s *Service) ConfirmEnrollment(ctx context.Context, userID, code string) ([]string, error) {
	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if secret.Confirmed {
		return nil, ErrAlreadyEnabled
	}

	plaintext, err := crypto.Decrypt(secret.Secret, s.key)
	if err != nil {
		return nil, fmt.Errorf("mfa: decrypt secret: %w", err)
	}

	if !s.validateCode(code, string(plaintext)) {
		s.recordFailure(ctx, userID, "enrollment confirmation code rejected")
		return nil, ErrInvalidCode
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, fmt.Errorf("mfa: generate backup codes: %w", err)
	}

	encodedHashes, err := json.Marshal(hashes)
	if err != nil {
		return nil, fmt.Errorf("mfa: encode backup codes: %w", err)
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"confirmed":    true,
			"backup_codes": encodedHashes,
			"last_used_at": now,
		}
		if err := tx.Model(&models.MFASecret{}).Where("id = ?", secret.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Update("mfa_enabled", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: activate: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, security.Event{
			Type:        security.EventMFAEnabled,
			Severity:    models.SeverityInfo,
			Description: "TOTP second factor enabled",
			ActorID:     &userID,
		})
	}

	return codes, nil
}

// Verify checks a TOTP code, falling back to the user's backup codes. A
// backup code match consumes the code. One step of clock skew is tolerated
// in either direction.
func (s *Service) Verify(ctx context.Context, userID, code string) error {
	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		return err
	}
	if !secret.Confirmed {
		return ErrNotEnrolled
	}

	plaintext, err := crypto.Decrypt(secret.Secret, s.key)
	if err != nil {
		return fmt.Errorf("mfa: decrypt secret: %w", err)
	}

	if s.validateCode(code, string(plaintext)) {
		now := s.now().UTC()
		if err := s.db.WithContext(ctx).Model(&models.MFASecret{}).
			Where("id = ?", secret.ID).
			Update("last_used_at", now).Error; err != nil {
			return fmt.Errorf("mfa: record use: %w", err)
		}
		return nil
	}

	consumed, err := s.consumeBackupCode(ctx, secret, code)
	if err != nil {
		return err
	}
	if consumed {
		return nil
	}

	s.recordFailure(ctx, userID, "TOTP code rejected")
	return ErrInvalidCode
}

// Disable removes the second factor. Callers are responsible for verifying
// the user's identity before calling; the service records the transition.
func (s *Service) Disable(ctx context.Context, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ?", userID).Delete(&models.MFASecret{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotEnrolled
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Update("mfa_enabled", false).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return ErrNotEnrolled
		}
		return fmt.Errorf("mfa: disable: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, security.Event{
			Type:        security.EventMFADisabled,
			Severity:    models.SeverityWarning,
			Description: "TOTP second factor disabled",
			ActorID:     &userID,
		})
	}

	return nil
}

// StatusFor reports the user's position in the enrollment state machine.
func (s *Service) StatusFor(ctx context.Context, userID string) (Status, error) {
	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return StatusDisabled, nil
		}
		return StatusDisabled, err
	}
	if secret.Confirmed {
		return StatusEnabled, nil
	}
	return StatusPending, nil
}

// RemainingBackupCodes reports how many unused backup codes the user holds.
func (s *Service) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	secret, err := s.loadSecret(ctx, userID)
	if err != nil {
		return 0, err
	}

	hashes, err := decodeBackupHashes(secret.BackupCodes)
	if err != nil {
		return 0, err
	}
	return len(hashes), nil
}

func (s *Service) validateCode(code, secret string) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

func (s *Service) consumeBackupCode(ctx context.Context, secret *models.MFASecret, code string) (bool, error) {
	hashes, err := decodeBackupHashes(secret.BackupCodes)
	if err != nil {
		return false, err
	}

	candidate := hashBackupCode(code)
	match := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(candidate)) == 1 {
			match = i
			break
		}
	}
	if match < 0 {
		return false, nil
	}

	remaining := append(hashes[:match:match], hashes[match+1:]...)
	encoded, err := json.Marshal(remaining)
	if err != nil {
		return false, fmt.Errorf("mfa: encode backup codes: %w", err)
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).Model(&models.MFASecret{}).
		Where("id = ?", secret.ID).
		Updates(map[string]any{
			"backup_codes": encoded,
			"last_used_at": now,
		}).Error
	if err != nil {
		return false, fmt.Errorf("mfa: consume backup code: %w", err)
	}
	return true, nil
}

func (s *Service) loadUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", strings.TrimSpace(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("mfa: user not found")
		}
		return nil, fmt.Errorf("mfa: load user: %w", err)
	}
	return &user, nil
}

func (s *Service) loadSecret(ctx context.Context, userID string) (*models.MFASecret, error) {
	var secret models.MFASecret
	if err := s.db.WithContext(ctx).First(&secret, "user_id = ?", strings.TrimSpace(userID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("mfa: load secret: %w", err)
	}
	return &secret, nil
}

func (s *Service) recordFailure(ctx context.Context, userID, description string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, security.Event{
		Type:        security.EventMFAFailed,
		Severity:    models.SeverityWarning,
		Description: description,
		ActorID:     &userID,
	})
}

func generateBackupCodes() ([]string, []string, error) {
	codes := make([]string, 0, backupCodeCount)
	hashes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, 5)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(raw)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(code))))
	return hex.EncodeToString(sum[:])
}

func decodeBackupHashes(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var hashes []string
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, fmt.Errorf("mfa: decode backup codes: %w", err)
	}
	return hashes, nil
}
