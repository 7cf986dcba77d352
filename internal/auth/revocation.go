package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingRevocationDatabase = errors.New("auth: revocation store requires a database handle")

// RevokedToken records a revoked access token until its natural expiry.
// Only a digest of the token is stored, never the raw value.
type RevokedToken struct {
	TokenHash        string `gorm:"column:token_hash;primaryKey;size:64;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index:idx_revoked_tokens_expiry"`
	RevokedAtSeconds int64  `gorm:"column:revoked_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RevokedToken) TableName() string {
	return "revoked_tokens"
}

// RevocationStoreConfig describes the dependencies of the revocation store.
type RevocationStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// RevocationStore tracks revoked tokens until their natural expiry. Lookups
// fail open: when the backing store is unreachable, IsRevoked reports false
// and logs a degraded-mode event, trading strict revocation enforcement for
// availability.
type RevocationStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRevocationStore constructs a RevocationStore.
func NewRevocationStore(cfg RevocationStoreConfig) (*RevocationStore, error) {
	if cfg.Database == nil {
		return nil, errMissingRevocationDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RevocationStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Revoke records the token as revoked until naturalExpiry. Tokens already
// past their natural expiry are a no-op success: there is nothing left to
// protect.
func (s *RevocationStore) Revoke(ctx context.Context, token string, naturalExpiry time.Time) error {
	now := s.clock().UTC()
	if !naturalExpiry.After(now) {
		return nil
	}
	record := RevokedToken{
		TokenHash:        hashToken(token),
		ExpiresAtSeconds: naturalExpiry.UTC().Unix(),
		RevokedAtSeconds: now.Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// IsRevoked reports whether the token has been revoked and is still within
// its natural lifetime. Store errors degrade to false.
func (s *RevocationStore) IsRevoked(ctx context.Context, token string) bool {
	var record RevokedToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ?", hashToken(token)).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		s.logger.Warn("revocation store unreachable, failing open", zap.Error(err))
		return false
	}
	return record.ExpiresAtSeconds > s.clock().UTC().Unix()
}

// SweepExpired removes records whose natural expiry has passed and returns
// the number of rows deleted.
func (s *RevocationStore) SweepExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_s <= ?", s.clock().UTC().Unix()).
		Delete(&RevokedToken{})
	return result.RowsAffected, result.Error
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
