package exclusive

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("exclusive: database handle is required")

// LockRow is one shared lock record.
type LockRow struct {
	LockKey      string `gorm:"column:lock_key;primaryKey;size:190"`
	Token        string `gorm:"column:token;size:36;not null"`
	AcquiredAtMs int64  `gorm:"column:acquired_at_ms;not null"`
	ExpiresAtMs  int64  `gorm:"column:expires_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (LockRow) TableName() string {
	return "exclusive_locks"
}

// GormLockProvider stores locks in a table shared by every process using the same database.
// Expired rows are reclaimed by the next Acquire.
type GormLockProvider struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormLockProvider constructs a provider over db; a nil clock means time.Now.
func NewGormLockProvider(db *gorm.DB, clock func() time.Time) (*GormLockProvider, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormLockProvider{db: db, clock: clock}, nil
}

func (p *GormLockProvider) Acquire(ctx context.Context, key string, expiry time.Duration) (Lock, bool, error) {
	now := p.clock().UTC()
	row := LockRow{
		LockKey:      key,
		Token:        uuid.NewString(),
		AcquiredAtMs: now.UnixMilli(),
		ExpiresAtMs:  now.Add(expiry).UnixMilli(),
	}
	acquired := false
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lock_key = ? AND expires_at_ms <= ?", key, row.AcquiredAtMs).Delete(&LockRow{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected == 1
		return nil
	})
	if err != nil || !acquired {
		return Lock{}, false, err
	}
	return Lock{
		Key:        key,
		Token:      row.Token,
		AcquiredAt: time.UnixMilli(row.AcquiredAtMs).UTC(),
		ExpiresAt:  time.UnixMilli(row.ExpiresAtMs).UTC(),
	}, true, nil
}

func (p *GormLockProvider) IsLocked(ctx context.Context, key string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&LockRow{}).
		Where("lock_key = ? AND expires_at_ms > ?", key, p.clock().UTC().UnixMilli()).
		Count(&count).Error
	return count > 0, err
}

func (p *GormLockProvider) Refresh(ctx context.Context, lock Lock, expiry time.Duration) (Lock, error) {
	expiresAt := p.clock().UTC().Add(expiry)
	result := p.db.WithContext(ctx).Model(&LockRow{}).
		Where("lock_key = ? AND token = ?", lock.Key, lock.Token).
		Update("expires_at_ms", expiresAt.UnixMilli())
	if result.Error != nil {
		return Lock{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Lock{}, ErrLockLost
	}
	lock.ExpiresAt = time.UnixMilli(expiresAt.UnixMilli()).UTC()
	return lock, nil
}

func (p *GormLockProvider) Release(ctx context.Context, lock Lock) error {
	result := p.db.WithContext(ctx).Where("lock_key = ? AND token = ?", lock.Key, lock.Token).Delete(&LockRow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}
