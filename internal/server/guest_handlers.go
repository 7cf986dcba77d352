package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/auth"
)

type guestInitRequestPayload struct {
	DisplayName    string `json:"display_name"`
	ClientMetadata string `json:"client_metadata"`
}

type guestResponsePayload struct {
	SessionID        string   `json:"session_id"`
	DisplayName      string   `json:"display_name"`
	ExpiresAtSeconds int64    `json:"expires_at_s"`
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	Permissions      []string `json:"permissions"`
}

type guestValidateResponsePayload struct {
	Valid            bool   `json:"valid"`
	RemainingSeconds int64  `json:"remaining_s"`
	Reason           string `json:"reason,omitempty"`
}

func (h *httpHandler) handleGuestInit(c *gin.Context) {
	var request guestInitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	session, err := h.guests.Create(c.Request.Context(), request.DisplayName, request.ClientMetadata)
	if err != nil {
		h.logger.Error("guest session creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.PrincipalKindGuest, session.SessionID, 0)
	if err != nil {
		h.logger.Error("failed to issue guest token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}

	c.JSON(http.StatusCreated, guestResponsePayload{
		SessionID:        session.SessionID,
		DisplayName:      session.DisplayName,
		ExpiresAtSeconds: session.ExpiresAtSeconds,
		AccessToken:      token,
		ExpiresIn:        expiresIn,
		Permissions:      []string{"read", "write"},
	})
}

func (h *httpHandler) handleGuestValidate(c *gin.Context) {
	result, err := h.guests.Validate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("guest validation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}
	c.JSON(http.StatusOK, guestValidateResponsePayload{
		Valid:            result.Valid,
		RemainingSeconds: result.RemainingSeconds,
		Reason:           string(result.Reason),
	})
}

func (h *httpHandler) handleGuestTouch(c *gin.Context) {
	session, err := h.guests.Touch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   session.SessionID,
		"expires_at_s": session.ExpiresAtSeconds,
	})
}

type guestPromoteRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleGuestPromote converts a guest session into a permanent account.
// The promotion is all-or-nothing: a failed account creation leaves the
// guest session untouched.
func (h *httpHandler) handleGuestPromote(c *gin.Context) {
	var request guestPromoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	account, err := h.guests.Promote(c.Request.Context(), c.Param("id"), request.Email, request.Password)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.PrincipalKindRegistered, account.AccountID, account.TokenGeneration)
	if err != nil {
		h.logger.Error("failed to issue token after promotion", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}

	c.JSON(http.StatusCreated, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		PrincipalID: account.AccountID,
		DisplayName: account.DisplayName,
	})
}
