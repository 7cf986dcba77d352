package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLength = 8

var (
	// ErrAccountNotFound indicates the referenced account does not exist or is deactivated.
	ErrAccountNotFound = errors.New("accounts: account not found")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("accounts: email already registered")
	// ErrInvalidCredentials indicates an email/password mismatch.
	ErrInvalidCredentials = errors.New("accounts: invalid credentials")
	// ErrPasswordTooShort indicates the supplied password is below the minimum length.
	ErrPasswordTooShort = errors.New("accounts: password too short")
	// ErrInvalidEmail indicates the supplied email address is unusable.
	ErrInvalidEmail = errors.New("accounts: invalid email")

	errMissingDatabase   = errors.New("accounts: database handle is required")
	errMissingIDProvider = errors.New("accounts: id provider is required")
)

// IDProvider issues globally unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	BcryptCost int
	Logger     *zap.Logger
}

// Service manages permanent accounts and their credentials.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	bcryptCost int
	logger     *zap.Logger
}

// NewService constructs the account service.
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
	cost := cfg.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		bcryptCost: cost,
		logger:     logger,
	}, nil
}

// Register creates a new account with a bcrypt-hashed credential.
func (s *Service) Register(ctx context.Context, email, displayName, password string) (Account, error) {
	var created Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.CreateInTransaction(tx, email, displayName, password)
		if err != nil {
			return err
		}
		created = account
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return created, nil
}

// CreateInTransaction inserts an account inside an existing transaction. The
// guest promotion path uses this so account creation and guest deletion are
// all-or-nothing.
func (s *Service) CreateInTransaction(tx *gorm.DB, email, displayName, password string) (Account, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail == "" || !strings.Contains(normalizedEmail, "@") {
		return Account{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return Account{}, ErrPasswordTooShort
	}

	var existing Account
	err := tx.Where("email = ?", normalizedEmail).Take(&existing).Error
	if err == nil {
		return Account{}, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return Account{}, err
	}
	accountID, err := s.idProvider.NewID()
	if err != nil {
		return Account{}, err
	}

	account := Account{
		AccountID:        accountID,
		Email:            normalizedEmail,
		DisplayName:      strings.TrimSpace(displayName),
		CredentialHash:   string(hash),
		TokenGeneration:  0,
		Active:           true,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if account.DisplayName == "" {
		account.DisplayName = normalizedEmail[:strings.Index(normalizedEmail, "@")]
	}
	if err := tx.Create(&account).Error; err != nil {
		return Account{}, err
	}
	return account, nil
}

// Authenticate verifies an email/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	var account Account
	err := s.db.WithContext(ctx).Where("email = ? AND active = ?", normalizedEmail, true).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(account.CredentialHash), []byte(password)) != nil {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// Get returns an active account by identifier.
func (s *Service) Get(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("account_id = ? AND active = ?", accountID, true).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// LookupAccount implements the resolver's account directory.
func (s *Service) LookupAccount(ctx context.Context, accountID string) (string, int64, error) {
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return "", 0, err
	}
	return account.DisplayName, account.TokenGeneration, nil
}

// BumpTokenGeneration invalidates every outstanding token for the account
// by advancing its token generation.
func (s *Service) BumpTokenGeneration(ctx context.Context, accountID string) error {
	result := s.db.WithContext(ctx).Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("token_generation", gorm.Expr("token_generation + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}
