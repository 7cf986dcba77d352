package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/CodeRoomLab/coderoom/internal/accounts"
	"github.com/CodeRoomLab/coderoom/internal/auth"
	"github.com/CodeRoomLab/coderoom/internal/docsync"
	"github.com/CodeRoomLab/coderoom/internal/guests"
	"github.com/CodeRoomLab/coderoom/internal/presence"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
)

type sequentialIDGenerator struct {
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type testEnvironment struct {
	server      *httptest.Server
	db          *gorm.DB
	rooms       *rooms.Service
	guests      *guests.Service
	accounts    *accounts.Service
	engine      *docsync.Engine
	broadcaster *presence.Broadcaster
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&accounts.Account{}, &auth.RevokedToken{}, &guests.GuestSession{}, &rooms.Room{}, &rooms.Membership{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "coderoom-auth",
		Audience:      "coderoom-api",
		TokenTTL:      time.Hour,
	})
	revocations, err := auth.NewRevocationStore(auth.RevocationStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct revocation store: %v", err)
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDGenerator{prefix: "acct"},
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to construct account service: %v", err)
	}
	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDGenerator{prefix: "room"},
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to construct room directory: %v", err)
	}
	guestService, err := guests.NewService(guests.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDGenerator{prefix: "guest"},
		Accounts:   accountService,
		Rooms:      roomService,
	})
	if err != nil {
		t.Fatalf("failed to construct guest service: %v", err)
	}

	resolver, err := auth.NewResolver(auth.ResolverConfig{
		Tokens:      tokenIssuer,
		Revocations: revocations,
		Accounts:    accountService,
		Guests:      guestService,
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}

	engine, err := docsync.NewEngine(docsync.EngineConfig{
		Snapshots:    roomService,
		FlushBackoff: 1,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	broadcaster := presence.NewBroadcaster()

	handler, err := NewHTTPHandler(Dependencies{
		Resolver:    resolver,
		Tokens:      tokenIssuer,
		Revocations: revocations,
		Accounts:    accountService,
		Guests:      guestService,
		Rooms:       roomService,
		Engine:      engine,
		Presence:    broadcaster,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnvironment{
		server:      server,
		db:          db,
		rooms:       roomService,
		guests:      guestService,
		accounts:    accountService,
		engine:      engine,
		broadcaster: broadcaster,
	}
}

func (env *testEnvironment) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = response.Body.Close()
	return response, payload
}

func decodeJSON[T any](t *testing.T, payload []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", payload, err)
	}
	return value
}

func errorCode(t *testing.T, payload []byte) string {
	t.Helper()
	decoded := decodeJSON[map[string]string](t, payload)
	return decoded["error"]
}

func (env *testEnvironment) registerAccount(t *testing.T, email, displayName string) tokenResponsePayload {
	t.Helper()
	response, payload := env.request(t, http.MethodPost, "/api/auth/register", "", registerRequestPayload{
		Email:       email,
		DisplayName: displayName,
		Password:    "hunter2web",
	})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected register status %d: %s", response.StatusCode, payload)
	}
	return decodeJSON[tokenResponsePayload](t, payload)
}

func (env *testEnvironment) createRoom(t *testing.T, token string, body roomCreateRequestPayload) roomStatePayload {
	t.Helper()
	response, payload := env.request(t, http.MethodPost, "/api/rooms", token, body)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected room create status %d: %s", response.StatusCode, payload)
	}
	return decodeJSON[roomStatePayload](t, payload)
}

func (env *testEnvironment) createGuest(t *testing.T, displayName string) guestResponsePayload {
	t.Helper()
	response, payload := env.request(t, http.MethodPost, "/api/guests", "", guestInitRequestPayload{DisplayName: displayName})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected guest init status %d: %s", response.StatusCode, payload)
	}
	return decodeJSON[guestResponsePayload](t, payload)
}
