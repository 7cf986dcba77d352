package guests

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CodeRoomLab/coderoom/internal/accounts"
)

const (
	defaultSessionTTL  = 4 * time.Hour
	defaultMaxLifetime = 24 * time.Hour
	minNameLength      = 3
	maxNameLength      = 20
)

var (
	// ErrGuestNotFound indicates the session never existed or was swept.
	ErrGuestNotFound = errors.New("guests: session not found")
	// ErrGuestExpired indicates the session's lifetime has passed.
	ErrGuestExpired = errors.New("guests: session expired")

	errMissingDatabase   = errors.New("guests: database handle is required")
	errMissingIDProvider = errors.New("guests: id provider is required")
	errMissingAccounts   = errors.New("guests: account creator is required for promotion")

	displayNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
)

// IDProvider issues globally unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// AccountCreator creates a permanent account inside an existing transaction.
type AccountCreator interface {
	CreateInTransaction(tx *gorm.DB, email, displayName, password string) (accounts.Account, error)
}

// OwnershipTransfer rewrites room ownership rows from one principal to
// another inside an existing transaction. Guest promotion uses it to carry
// temp-room ownership over to the new account.
type OwnershipTransfer interface {
	TransferOwnershipInTransaction(tx *gorm.DB, fromPrincipalID, toPrincipalID string) error
}

// ServiceConfig describes the dependencies of the guest session manager.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Accounts    AccountCreator
	Rooms       OwnershipTransfer
	SessionTTL  time.Duration
	MaxLifetime time.Duration
	Logger      *zap.Logger
}

// Service issues, validates, extends, promotes, and sweeps guest sessions.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	accounts    AccountCreator
	rooms       OwnershipTransfer
	sessionTTL  time.Duration
	maxLifetime time.Duration
	logger      *zap.Logger
}

// NewService constructs the guest session manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	maxLifetime := cfg.MaxLifetime
	if maxLifetime < ttl {
		maxLifetime = defaultMaxLifetime
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		accounts:    cfg.Accounts,
		rooms:       cfg.Rooms,
		sessionTTL:  ttl,
		maxLifetime: maxLifetime,
		logger:      logger,
	}, nil
}

// Create issues a new guest session. A requested display name outside the
// 3-20 alphanumeric+underscore shape falls back to a generated name.
func (s *Service) Create(ctx context.Context, requestedName, clientMetadata string) (GuestSession, error) {
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		return GuestSession{}, err
	}

	displayName := strings.TrimSpace(requestedName)
	if !displayNamePattern.MatchString(displayName) {
		displayName, err = generatedName()
		if err != nil {
			return GuestSession{}, err
		}
	}

	now := s.clock().UTC()
	session := GuestSession{
		SessionID:           sessionID,
		DisplayName:         displayName,
		CreatedAtSeconds:    now.Unix(),
		ExpiresAtSeconds:    now.Add(s.sessionTTL).Unix(),
		CeilingSeconds:      now.Add(s.maxLifetime).Unix(),
		LastActivitySeconds: now.Unix(),
		ClientMetadata:      clientMetadata,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return GuestSession{}, err
	}
	return session, nil
}

// Validate reports whether a guest session is still usable, with an explicit
// reason code when it is not.
func (s *Service) Validate(ctx context.Context, sessionID string) (ValidationResult, error) {
	var session GuestSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ValidationResult{Valid: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return ValidationResult{}, err
	}

	now := s.clock().UTC().Unix()
	if session.ExpiresAtSeconds <= now {
		return ValidationResult{Valid: false, Reason: ReasonExpired}, nil
	}
	return ValidationResult{Valid: true, RemainingSeconds: session.ExpiresAtSeconds - now}, nil
}

// Touch records guest activity and extends the expiry by one TTL, capped at
// the session's hard ceiling so a guest can never live indefinitely.
func (s *Service) Touch(ctx context.Context, sessionID string) (GuestSession, error) {
	var touched GuestSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session GuestSession
		err := tx.Where("session_id = ?", sessionID).Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGuestNotFound
		}
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		if session.ExpiresAtSeconds <= now.Unix() {
			return ErrGuestExpired
		}

		extended := now.Add(s.sessionTTL).Unix()
		if extended > session.CeilingSeconds {
			extended = session.CeilingSeconds
		}
		session.ExpiresAtSeconds = extended
		session.LastActivitySeconds = now.Unix()
		if err := tx.Save(&session).Error; err != nil {
			return err
		}
		touched = session
		return nil
	})
	if err != nil {
		return GuestSession{}, err
	}
	return touched, nil
}

// AssignTempRoom records the room a guest created while anonymous.
func (s *Service) AssignTempRoom(ctx context.Context, sessionID, roomID string) error {
	result := s.db.WithContext(ctx).Model(&GuestSession{}).
		Where("session_id = ?", sessionID).
		Update("temp_room_id", roomID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrGuestNotFound
	}
	return nil
}

// Promote atomically converts a guest session into a permanent account. The
// guest's display name carries over, room ownership is transferred, and the
// session row is deleted; if account creation fails the session is left
// untouched.
func (s *Service) Promote(ctx context.Context, sessionID, email, password string) (accounts.Account, error) {
	if s.accounts == nil {
		return accounts.Account{}, errMissingAccounts
	}

	var promoted accounts.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session GuestSession
		err := tx.Where("session_id = ?", sessionID).Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrGuestNotFound
		}
		if err != nil {
			return err
		}
		if session.ExpiresAtSeconds <= s.clock().UTC().Unix() {
			return ErrGuestExpired
		}

		account, err := s.accounts.CreateInTransaction(tx, email, session.DisplayName, password)
		if err != nil {
			return err
		}

		if s.rooms != nil {
			if err := s.rooms.TransferOwnershipInTransaction(tx, session.SessionID, account.AccountID); err != nil {
				return err
			}
		}

		if err := tx.Delete(&GuestSession{}, "session_id = ?", session.SessionID).Error; err != nil {
			return err
		}
		promoted = account
		return nil
	})
	if err != nil {
		return accounts.Account{}, err
	}
	return promoted, nil
}

// LookupGuest implements the resolver's guest directory.
func (s *Service) LookupGuest(ctx context.Context, sessionID string) (string, time.Time, error) {
	var session GuestSession
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", time.Time{}, ErrGuestNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := time.Unix(session.ExpiresAtSeconds, 0).UTC()
	if !expiresAt.After(s.clock().UTC()) {
		return "", time.Time{}, ErrGuestExpired
	}
	return session.DisplayName, expiresAt, nil
}

// SweepExpired deletes guest sessions whose expiry has passed and returns
// the identifiers of the deleted sessions so the orphaned-room sweep can
// reclaim rooms they exclusively owned.
func (s *Service) SweepExpired(ctx context.Context) ([]string, error) {
	now := s.clock().UTC().Unix()

	var expired []GuestSession
	if err := s.db.WithContext(ctx).
		Where("expires_at_s <= ?", now).
		Find(&expired).Error; err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(expired))
	for _, session := range expired {
		ids = append(ids, session.SessionID)
	}
	if err := s.db.WithContext(ctx).
		Where("session_id IN ?", ids).
		Delete(&GuestSession{}).Error; err != nil {
		return nil, err
	}
	s.logger.Info("expired guest sessions swept", zap.Int("count", len(ids)))
	return ids, nil
}

func generatedName() (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("guests: generate name: %w", err)
	}
	return "guest_" + hex.EncodeToString(suffix[:]), nil
}
