// Package ident issues globally unique identifiers for rooms, accounts,
// and guest sessions.
package ident

import "github.com/google/uuid"

// Provider issues UUIDv7 identifiers.
type Provider struct{}

// NewUUIDProvider constructs a Provider.
func NewUUIDProvider() *Provider {
	return &Provider{}
}

// NewID returns a new UUIDv7 string.
func (p *Provider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
