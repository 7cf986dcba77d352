package auth

import "time"

// PrincipalKind discriminates the identity behind a request.
type PrincipalKind string

const (
	// PrincipalKindRegistered identifies a permanent account.
	PrincipalKindRegistered PrincipalKind = "registered"
	// PrincipalKindGuest identifies a time-boxed anonymous session.
	PrincipalKindGuest PrincipalKind = "guest"
	// PrincipalKindAnonymous identifies an unauthenticated caller.
	PrincipalKindAnonymous PrincipalKind = "anonymous"
)

// Principal is the resolved identity behind a request. Anonymous principals
// carry no identifier and are never persisted.
type Principal struct {
	Kind        PrincipalKind
	ID          string
	DisplayName string
	ExpiresAt   time.Time
}

// Anonymous returns the zero-privilege principal.
func Anonymous() Principal {
	return Principal{Kind: PrincipalKindAnonymous}
}

// IsAnonymous reports whether the principal carries no identity.
func (p Principal) IsAnonymous() bool {
	return p.Kind == PrincipalKindAnonymous || p.ID == ""
}

// CanWrite reports whether the principal may hold room membership with write
// permissions. Anonymous callers are read-only.
func (p Principal) CanWrite() bool {
	return p.Kind == PrincipalKindRegistered || p.Kind == PrincipalKindGuest
}
