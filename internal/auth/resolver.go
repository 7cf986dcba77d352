package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingTokenValidator  = errors.New("auth: token validator is required")
	errMissingRevocationStore = errors.New("auth: revocation store is required")
)

// AccountDirectory looks up permanent accounts for the resolver.
type AccountDirectory interface {
	// LookupAccount returns the display name and current token generation
	// for an active account, or an error when the account is missing or
	// deactivated.
	LookupAccount(ctx context.Context, accountID string) (displayName string, tokenGeneration int64, err error)
}

// GuestDirectory looks up live guest sessions for the resolver.
type GuestDirectory interface {
	// LookupGuest returns the display name and expiry of a guest session
	// that has not yet expired, or an error otherwise.
	LookupGuest(ctx context.Context, sessionID string) (displayName string, expiresAt time.Time, err error)
}

// TokenValidator validates a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(token string) (TokenClaims, error)
}

// TokenRevocations answers whether a token has been revoked.
type TokenRevocations interface {
	IsRevoked(ctx context.Context, token string) bool
}

// ResolverConfig describes the dependencies of the identity resolver.
type ResolverConfig struct {
	Tokens      TokenValidator
	Revocations TokenRevocations
	Accounts    AccountDirectory
	Guests      GuestDirectory
	Logger      *zap.Logger
}

// Resolver turns an inbound credential into a Principal. Every verification
// failure degrades to Anonymous rather than erroring: call sites decide
// whether anonymity is acceptable for the requested operation.
type Resolver struct {
	tokens      TokenValidator
	revocations TokenRevocations
	accounts    AccountDirectory
	guests      GuestDirectory
	logger      *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if cfg.Revocations == nil {
		return nil, errMissingRevocationStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		tokens:      cfg.Tokens,
		revocations: cfg.Revocations,
		accounts:    cfg.Accounts,
		guests:      cfg.Guests,
		logger:      logger,
	}, nil
}

// Resolve maps a bearer credential to a Principal. An empty credential,
// a revoked token, a malformed or expired token, or a subject that no
// longer exists all resolve to Anonymous.
func (r *Resolver) Resolve(ctx context.Context, credential string) Principal {
	if credential == "" {
		return Anonymous()
	}
	if r.revocations.IsRevoked(ctx, credential) {
		return Anonymous()
	}

	claims, err := r.tokens.ValidateToken(credential)
	if err != nil {
		r.logger.Debug("credential validation failed", zap.Error(err))
		return Anonymous()
	}

	switch PrincipalKind(claims.Kind) {
	case PrincipalKindGuest:
		if r.guests == nil {
			return Anonymous()
		}
		displayName, expiresAt, err := r.guests.LookupGuest(ctx, claims.Subject)
		if err != nil {
			return Anonymous()
		}
		return Principal{
			Kind:        PrincipalKindGuest,
			ID:          claims.Subject,
			DisplayName: displayName,
			ExpiresAt:   expiresAt,
		}
	case PrincipalKindRegistered:
		if r.accounts == nil {
			return Anonymous()
		}
		displayName, generation, err := r.accounts.LookupAccount(ctx, claims.Subject)
		if err != nil {
			return Anonymous()
		}
		if claims.Generation < generation {
			return Anonymous()
		}
		return Principal{
			Kind:        PrincipalKindRegistered,
			ID:          claims.Subject,
			DisplayName: displayName,
		}
	default:
		return Anonymous()
	}
}
