package cache

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
)

// DatabaseStore implements Store on top of the relational database. The
// increment runs inside a transaction so concurrent attempts against the same
// key serialise instead of losing updates.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseStore wraps a gorm handle in a counter store.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	if db == nil {
		return nil
	}
	return &DatabaseStore{db: db, now: time.Now}
}

// WithClock overrides the store clock, primarily for testing.
func (s *DatabaseStore) WithClock(clock func() time.Time) *DatabaseStore {
	if clock != nil {
		s.now = clock
	}
	return s
}

// IncrementWithTTL atomically bumps the counter under key, resetting it when
// the previous window has elapsed.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.now()
	var count int64
	var expiresAt time.Time

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Increment before reading. The guarded UPDATE takes the row lock,
		// so concurrent attempts serialise and the read below observes this
		// transaction's own write; two racers can never report the same
		// count the way an unlocked read-then-add would.
		bump := tx.Model(&models.CacheEntry{}).
			Where("key = ? AND expires_at > ?", key, now).
			Update("counter", gorm.Expr("counter + 1"))
		if bump.Error != nil {
			return bump.Error
		}

		if bump.RowsAffected == 0 {
			// No live window: reset an expired row or insert the first one.
			expiresAt = now.Add(window)
			reset := tx.Model(&models.CacheEntry{}).
				Where("key = ? AND expires_at <= ?", key, now).
				Updates(map[string]any{"counter": 1, "expires_at": expiresAt})
			if reset.Error != nil {
				return reset.Error
			}
			if reset.RowsAffected == 0 {
				if err := tx.Create(&models.CacheEntry{
					Key:       key,
					Counter:   1,
					ExpiresAt: expiresAt,
				}).Error; err != nil {
					return err
				}
			}
			count = 1
			return nil
		}

		var entry models.CacheEntry
		if err := tx.Where("key = ?", key).Take(&entry).Error; err != nil {
			return err
		}
		count = entry.Counter
		expiresAt = entry.ExpiresAt
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return count, expiresAt.Sub(now), nil
}

// Peek reports the live count for key without mutating it.
func (s *DatabaseStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	now := s.now()
	if !entry.ExpiresAt.After(now) {
		return 0, 0, nil
	}

	return entry.Counter, entry.ExpiresAt.Sub(now), nil
}

// PurgeExpired removes entries whose window has elapsed.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, result.Error
}
