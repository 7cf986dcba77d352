package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/auth"
)

type registerRequestPayload struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	PrincipalID string `json:"principal_id"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	account, err := h.accounts.Register(c.Request.Context(), request.Email, request.DisplayName, request.Password)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.PrincipalKindRegistered, account.AccountID, account.TokenGeneration)
	if err != nil {
		h.logger.Error("failed to issue token after registration", zap.Error(err))
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

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	account, err := h.accounts.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.PrincipalKindRegistered, account.AccountID, account.TokenGeneration)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		PrincipalID: account.AccountID,
		DisplayName: account.DisplayName,
	})
}

// handleLogout revokes the presented token until its natural expiry. The
// request must carry a currently valid credential.
func (h *httpHandler) handleLogout(c *gin.Context) {
	credential := c.GetString(credentialContextKey)
	principal := h.principalFrom(c)
	if credential == "" || principal.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}

	claims, err := h.tokens.ValidateToken(credential)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}
	naturalExpiry := time.Now().UTC().Add(time.Hour)
	if claims.ExpiresAt != nil {
		naturalExpiry = claims.ExpiresAt.Time
	}

	if err := h.revocations.Revoke(c.Request.Context(), credential, naturalExpiry); err != nil {
		h.logger.Error("token revocation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// handleLogoutAll invalidates every outstanding token for the account by
// advancing its token generation, then revokes the presented token as well.
func (h *httpHandler) handleLogoutAll(c *gin.Context) {
	credential := c.GetString(credentialContextKey)
	principal := h.principalFrom(c)
	if principal.Kind != auth.PrincipalKindRegistered {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}

	if err := h.accounts.BumpTokenGeneration(c.Request.Context(), principal.ID); err != nil {
		h.writeDomainError(c, err)
		return
	}

	if claims, err := h.tokens.ValidateToken(credential); err == nil && claims.ExpiresAt != nil {
		if err := h.revocations.Revoke(c.Request.Context(), credential, claims.ExpiresAt.Time); err != nil {
			h.logger.Warn("token revocation failed during logout-all", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
