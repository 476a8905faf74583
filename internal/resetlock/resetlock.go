// Package resetlock rate-limits forgotten-password requests: at most
// one outstanding reset per username within a cooldown window. The lock
// is a durable row in shared storage, not an in-process mutex, so it is
// visible across instances and survives restarts.
package resetlock

import (
	"context"
	"errors"
	"time"

	"noctuaid/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Store persists lock entries keyed by username. Implementations must
// distinguish "no entry" (nil, nil) from storage failures (nil, err).
type Store interface {
	Get(ctx context.Context, username string) (validUntil *time.Time, err error)
	Put(ctx context.Context, username string, validUntil time.Time) error
	Delete(ctx context.Context, username string) error
}

// Service wraps a Store with the TTL policy.
type Service struct {
	store Store
	ttl   time.Duration
	now   Clock
}

func NewService(store Store, ttl time.Duration, clock Clock) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, ttl: ttl, now: clock}
}

// ValidUntil returns the expiry of the live lock for username, or nil
// when no lock is stored. Storage failures are returned as errors and
// must not be conflated with "no lock held".
func (s *Service) ValidUntil(ctx context.Context, username string) (*time.Time, error) {
	return s.store.Get(ctx, username)
}

// Held reports whether a live, unexpired lock exists and how long the
// caller has to wait for it.
func (s *Service) Held(ctx context.Context, username string) (bool, time.Duration, error) {
	validUntil, err := s.store.Get(ctx, username)
	if err != nil {
		return false, 0, err
	}
	if validUntil == nil {
		return false, 0, nil
	}
	wait := validUntil.Sub(s.now())
	if wait <= 0 {
		return false, 0, nil
	}
	return true, wait, nil
}

// Store records the lock with valid_until = now + TTL. It is called
// only once the reset email has been sent; the preceding Held check is
// a separate read, so two racing requests may both pass it and both
// send mail. The write itself is an atomic upsert, so the stored state
// converges to a single row either way.
func (s *Service) Store(ctx context.Context, username string) error {
	return s.store.Put(ctx, username, s.now().Add(s.ttl))
}

// Release drops the lock. Safe to call when no lock exists.
func (s *Service) Release(ctx context.Context, username string) error {
	return s.store.Delete(ctx, username)
}

// GormStore keeps lock entries in the password_reset_locks table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Get(ctx context.Context, username string) (*time.Time, error) {
	var lock models.PasswordResetLock
	err := g.db.WithContext(ctx).Where("username = ?", username).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	validUntil := lock.ValidUntil
	return &validUntil, nil
}

func (g *GormStore) Put(ctx context.Context, username string, validUntil time.Time) error {
	lock := models.PasswordResetLock{Username: username, ValidUntil: validUntil}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoUpdates: clause.AssignmentColumns([]string{"valid_until"}),
	}).Create(&lock).Error
}

func (g *GormStore) Delete(ctx context.Context, username string) error {
	return g.db.WithContext(ctx).Where("username = ?", username).
		Delete(&models.PasswordResetLock{}).Error
}
