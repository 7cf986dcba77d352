package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/accounts"
	"github.com/CodeRoomLab/coderoom/internal/guests"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
)

// Stable machine-readable error codes. Clients pattern-match on these to
// drive the correct UI prompt, e.g. password re-entry for invalid_password
// versus a dead end for room_full.
const (
	codeInvalidRequest    = "invalid_request"
	codeUnauthorized      = "unauthorized"
	codeNotOwner          = "not_owner"
	codeNotMember         = "not_member"
	codeRoomNotFound      = "room_not_found"
	codeRoomFull          = "room_full"
	codePasswordRequired  = "password_required"
	codeInvalidPassword   = "invalid_password"
	codeInvalidRoomName   = "invalid_room_name"
	codeGuestNotFound     = "guest_not_found"
	codeGuestExpired      = "guest_expired"
	codeEmailTaken        = "email_taken"
	codeInvalidEmail      = "invalid_email"
	codePasswordTooShort  = "password_too_short"
	codeInvalidCredential = "invalid_credentials"
	codeMalformedFragment = "malformed_fragment"
	codeInternal          = "internal_error"
	codeUpstreamFailed    = "upstream_unavailable"
)

// writeDomainError maps a service error to its HTTP status and stable code.
// Unrecognized errors are reported as internal without leaking details.
func (h *httpHandler) writeDomainError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		return http.StatusNotFound, codeRoomNotFound
	case errors.Is(err, rooms.ErrPasswordRequired):
		return http.StatusUnauthorized, codePasswordRequired
	case errors.Is(err, rooms.ErrInvalidPassword):
		return http.StatusUnauthorized, codeInvalidPassword
	case errors.Is(err, rooms.ErrRoomFull):
		return http.StatusConflict, codeRoomFull
	case errors.Is(err, rooms.ErrNotMember):
		return http.StatusForbidden, codeNotMember
	case errors.Is(err, rooms.ErrNotOwner):
		return http.StatusForbidden, codeNotOwner
	case errors.Is(err, rooms.ErrInvalidRoomName):
		return http.StatusBadRequest, codeInvalidRoomName
	case errors.Is(err, rooms.ErrAnonymousPrincipal):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, guests.ErrGuestNotFound):
		return http.StatusNotFound, codeGuestNotFound
	case errors.Is(err, guests.ErrGuestExpired):
		return http.StatusGone, codeGuestExpired
	case errors.Is(err, accounts.ErrEmailTaken):
		return http.StatusConflict, codeEmailTaken
	case errors.Is(err, accounts.ErrInvalidEmail):
		return http.StatusBadRequest, codeInvalidEmail
	case errors.Is(err, accounts.ErrPasswordTooShort):
		return http.StatusBadRequest, codePasswordTooShort
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return http.StatusUnauthorized, codeInvalidCredential
	case errors.Is(err, accounts.ErrAccountNotFound):
		return http.StatusUnauthorized, codeUnauthorized
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
