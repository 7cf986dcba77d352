package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/accounts"
	"github.com/CodeRoomLab/coderoom/internal/auth"
	"github.com/CodeRoomLab/coderoom/internal/docsync"
	"github.com/CodeRoomLab/coderoom/internal/filetree"
	"github.com/CodeRoomLab/coderoom/internal/guests"
	"github.com/CodeRoomLab/coderoom/internal/presence"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
)

const (
	principalContextKey  = "coderoom_principal"
	credentialContextKey = "coderoom_credential"
)

var (
	errMissingResolver    = errors.New("identity resolver dependency required")
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingRevocations = errors.New("revocation store dependency required")
	errMissingAccounts    = errors.New("account service dependency required")
	errMissingGuests      = errors.New("guest service dependency required")
	errMissingRooms       = errors.New("room directory dependency required")
	errMissingEngine      = errors.New("sync engine dependency required")
	errMissingBroadcaster = errors.New("presence broadcaster dependency required")
)

// IdentityResolver maps a bearer credential to a principal.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) auth.Principal
}

// TokenManager issues and validates access tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, kind auth.PrincipalKind, subject string, generation int64) (string, int64, error)
	ValidateToken(token string) (auth.TokenClaims, error)
}

// Revoker records tokens as revoked until their natural expiry.
type Revoker interface {
	Revoke(ctx context.Context, token string, naturalExpiry time.Time) error
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	Resolver    IdentityResolver
	Tokens      TokenManager
	Revocations Revoker
	Accounts    *accounts.Service
	Guests      *guests.Service
	Rooms       *rooms.Service
	Engine      *docsync.Engine
	Presence    *presence.Broadcaster
	FileTree    filetree.Client
	Logger      *zap.Logger
}

// NewHTTPHandler builds the REST router and the room session gateway.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Revocations == nil {
		return nil, errMissingRevocations
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Guests == nil {
		return nil, errMissingGuests
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Presence == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Room-Password"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		resolver:    deps.Resolver,
		tokens:      deps.Tokens,
		revocations: deps.Revocations,
		accounts:    deps.Accounts,
		guests:      deps.Guests,
		rooms:       deps.Rooms,
		engine:      deps.Engine,
		presence:    deps.Presence,
		fileTree:    deps.FileTree,
		logger:      logger,
	}
	gateway := newSessionGateway(handler)

	api := router.Group("/api")
	api.Use(handler.resolvePrincipal)

	api.POST("/auth/register", handler.handleRegister)
	api.POST("/auth/login", handler.handleLogin)
	api.POST("/auth/logout", handler.handleLogout)
	api.POST("/auth/logout-all", handler.handleLogoutAll)

	api.POST("/guests", handler.handleGuestInit)
	api.GET("/guests/:id", handler.handleGuestValidate)
	api.POST("/guests/:id/touch", handler.handleGuestTouch)
	api.POST("/guests/:id/promote", handler.handleGuestPromote)

	api.POST("/rooms", handler.handleRoomCreate)
	api.GET("/rooms/:code", handler.handleRoomGet)
	api.POST("/rooms/:code/join", handler.handleRoomJoin)
	api.POST("/rooms/:code/leave", handler.handleRoomLeave)
	api.DELETE("/rooms/:code", handler.handleRoomDelete)
	api.POST("/rooms/:code/save", handler.handleRoomSave)
	api.PATCH("/rooms/:code/settings", handler.handleRoomSettings)
	api.GET("/rooms/:code/members", handler.handleRoomMembers)
	api.GET("/rooms/:code/ws", gateway.handleConnection)

	if deps.FileTree != nil {
		api.GET("/rooms/:code/files", handler.handleFileTreeList)
		api.POST("/rooms/:code/files", handler.handleFileTreeCreate)
		api.PATCH("/rooms/:code/files/:item", handler.handleFileTreeRename)
		api.DELETE("/rooms/:code/files/:item", handler.handleFileTreeDelete)
	}

	return router, nil
}

type httpHandler struct {
	resolver    IdentityResolver
	tokens      TokenManager
	revocations Revoker
	accounts    *accounts.Service
	guests      *guests.Service
	rooms       *rooms.Service
	engine      *docsync.Engine
	presence    *presence.Broadcaster
	fileTree    filetree.Client
	logger      *zap.Logger
}

// resolvePrincipal attaches the resolved principal to every API request.
// Resolution never fails: an unusable credential yields Anonymous and each
// handler decides whether anonymity is acceptable.
func (h *httpHandler) resolvePrincipal(c *gin.Context) {
	credential := bearerCredential(c.Request)
	principal := h.resolver.Resolve(c.Request.Context(), credential)
	c.Set(principalContextKey, principal)
	c.Set(credentialContextKey, credential)
	c.Next()
}

func (h *httpHandler) principalFrom(c *gin.Context) auth.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Anonymous()
	}
	principal, ok := value.(auth.Principal)
	if !ok {
		return auth.Anonymous()
	}
	return principal
}

func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func roomPassword(c *gin.Context) string {
	if password := c.GetHeader("X-Room-Password"); password != "" {
		return password
	}
	return c.Query("password")
}
