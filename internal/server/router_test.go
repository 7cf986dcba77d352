package server

import (
	"net/http"
	"testing"

	"github.com/CodeRoomLab/coderoom/internal/guests"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
)

func TestRegisterLoginAndCreateRoomFlow(t *testing.T) {
	env := newTestEnvironment(t)
	registered := env.registerAccount(t, "ada@example.com", "Ada")

	response, payload := env.request(t, http.MethodPost, "/api/auth/login", "", loginRequestPayload{
		Email:    "ada@example.com",
		Password: "hunter2web",
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected login status %d: %s", response.StatusCode, payload)
	}
	login := decodeJSON[tokenResponsePayload](t, payload)
	if login.PrincipalID != registered.PrincipalID {
		t.Fatalf("login resolved a different account")
	}

	room := env.createRoom(t, login.AccessToken, roomCreateRequestPayload{Name: "pairing session"})
	if room.OwnerID != login.PrincipalID {
		t.Fatalf("expected creator to own the room")
	}
	if room.MemberCount != 1 {
		t.Fatalf("expected owner membership to count, got %d", room.MemberCount)
	}
	if room.ConnectionURL != "/api/rooms/"+room.RoomCode+"/ws" {
		t.Fatalf("unexpected connection url %q", room.ConnectionURL)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnvironment(t)
	env.registerAccount(t, "ada@example.com", "Ada")

	response, payload := env.request(t, http.MethodPost, "/api/auth/login", "", loginRequestPayload{
		Email:    "ada@example.com",
		Password: "wrongpass",
	})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeInvalidCredential {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestRegisterRejectsDuplicateEmailWithStableCode(t *testing.T) {
	env := newTestEnvironment(t)
	env.registerAccount(t, "ada@example.com", "Ada")

	response, payload := env.request(t, http.MethodPost, "/api/auth/register", "", registerRequestPayload{
		Email:    "ada@example.com",
		Password: "hunter2web",
	})
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeEmailTaken {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestAnonymousCannotCreateRooms(t *testing.T) {
	env := newTestEnvironment(t)

	response, payload := env.request(t, http.MethodPost, "/api/rooms", "", roomCreateRequestPayload{Name: "room"})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeUnauthorized {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestLogoutRevokesPresentedToken(t *testing.T) {
	env := newTestEnvironment(t)
	account := env.registerAccount(t, "ada@example.com", "Ada")

	response, payload := env.request(t, http.MethodPost, "/api/auth/logout", account.AccessToken, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected logout status %d: %s", response.StatusCode, payload)
	}

	response, payload = env.request(t, http.MethodPost, "/api/rooms", account.AccessToken, roomCreateRequestPayload{Name: "room"})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d: %s", response.StatusCode, payload)
	}
}

func TestLogoutAllInvalidatesEveryOutstandingToken(t *testing.T) {
	env := newTestEnvironment(t)
	env.registerAccount(t, "ada@example.com", "Ada")

	_, payload := env.request(t, http.MethodPost, "/api/auth/login", "", loginRequestPayload{
		Email:    "ada@example.com",
		Password: "hunter2web",
	})
	first := decodeJSON[tokenResponsePayload](t, payload)
	_, payload = env.request(t, http.MethodPost, "/api/auth/login", "", loginRequestPayload{
		Email:    "ada@example.com",
		Password: "hunter2web",
	})
	second := decodeJSON[tokenResponsePayload](t, payload)

	response, payload := env.request(t, http.MethodPost, "/api/auth/logout-all", first.AccessToken, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected logout-all status %d: %s", response.StatusCode, payload)
	}

	response, _ = env.request(t, http.MethodPost, "/api/rooms", second.AccessToken, roomCreateRequestPayload{Name: "room"})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected sibling token to be invalidated, got %d", response.StatusCode)
	}
}

func TestRoomPasswordGateOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	owner := env.registerAccount(t, "ada@example.com", "Ada")
	joiner := env.registerAccount(t, "grace@example.com", "Grace")

	room := env.createRoom(t, owner.AccessToken, roomCreateRequestPayload{
		Name:       "private room",
		Visibility: "private",
		Password:   "abc123",
	})
	if !room.PasswordRequired {
		t.Fatalf("expected password_required to be set")
	}

	response, payload := env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", joiner.AccessToken, roomJoinRequestPayload{})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codePasswordRequired {
		t.Fatalf("unexpected error code %q", code)
	}

	response, payload = env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", joiner.AccessToken, roomJoinRequestPayload{Password: "wrong"})
	if code := errorCode(t, payload); response.StatusCode != http.StatusUnauthorized || code != codeInvalidPassword {
		t.Fatalf("unexpected response %d %q", response.StatusCode, code)
	}

	response, payload = env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", joiner.AccessToken, roomJoinRequestPayload{Password: "abc123"})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected join with password to succeed, got %d: %s", response.StatusCode, payload)
	}
}

func TestRoomCapacityOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)
	owner := env.registerAccount(t, "ada@example.com", "Ada")
	second := env.registerAccount(t, "grace@example.com", "Grace")
	third := env.registerAccount(t, "linus@example.com", "Linus")

	room := env.createRoom(t, owner.AccessToken, roomCreateRequestPayload{Name: "tiny", MaxMembers: 2})

	response, payload := env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", second.AccessToken, roomJoinRequestPayload{})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected second member to fit, got %d: %s", response.StatusCode, payload)
	}

	response, payload = env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", third.AccessToken, roomJoinRequestPayload{})
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeRoomFull {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestRoomLookupByJoinCodeAndNotFound(t *testing.T) {
	env := newTestEnvironment(t)
	owner := env.registerAccount(t, "ada@example.com", "Ada")
	room := env.createRoom(t, owner.AccessToken, roomCreateRequestPayload{Name: "room"})

	response, payload := env.request(t, http.MethodGet, "/api/rooms/"+room.JoinCode, "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	fetched := decodeJSON[roomStatePayload](t, payload)
	if fetched.RoomCode != room.RoomCode {
		t.Fatalf("join code resolved a different room")
	}

	response, payload = env.request(t, http.MethodGet, "/api/rooms/NOPE99", "", nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeRoomNotFound {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestRoomSettingsAndDeleteAreOwnerOnly(t *testing.T) {
	env := newTestEnvironment(t)
	owner := env.registerAccount(t, "ada@example.com", "Ada")
	member := env.registerAccount(t, "grace@example.com", "Grace")

	room := env.createRoom(t, owner.AccessToken, roomCreateRequestPayload{Name: "room"})
	if response, _ := env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", member.AccessToken, roomJoinRequestPayload{}); response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected join status %d", response.StatusCode)
	}

	response, payload := env.request(t, http.MethodPatch, "/api/rooms/"+room.RoomCode+"/settings", member.AccessToken, map[string]any{"name": "hijacked"})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeNotOwner {
		t.Fatalf("unexpected error code %q", code)
	}

	response, payload = env.request(t, http.MethodPatch, "/api/rooms/"+room.RoomCode+"/settings", owner.AccessToken, map[string]any{"name": "renamed"})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	updated := decodeJSON[roomStatePayload](t, payload)
	if updated.Name != "renamed" {
		t.Fatalf("expected renamed room, got %q", updated.Name)
	}

	response, _ = env.request(t, http.MethodDelete, "/api/rooms/"+room.RoomCode, member.AccessToken, nil)
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected member delete to be refused, got %d", response.StatusCode)
	}
	response, _ = env.request(t, http.MethodDelete, "/api/rooms/"+room.RoomCode, owner.AccessToken, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected owner delete to succeed, got %d", response.StatusCode)
	}
	response, _ = env.request(t, http.MethodGet, "/api/rooms/"+room.RoomCode, "", nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected deleted room to vanish, got %d", response.StatusCode)
	}
}

func TestRoomMembersRoster(t *testing.T) {
	env := newTestEnvironment(t)
	owner := env.registerAccount(t, "ada@example.com", "Ada")
	member := env.registerAccount(t, "grace@example.com", "Grace")

	room := env.createRoom(t, owner.AccessToken, roomCreateRequestPayload{Name: "room"})
	if response, _ := env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/join", member.AccessToken, roomJoinRequestPayload{}); response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected join status %d", response.StatusCode)
	}

	response, payload := env.request(t, http.MethodGet, "/api/rooms/"+room.RoomCode+"/members", "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	roster := decodeJSON[map[string][]memberPayload](t, payload)
	members := roster["members"]
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].Role != "owner" {
		t.Fatalf("expected the longest-joined member to be the owner, got %q", members[0].Role)
	}
}

func TestGuestLifecycleOverHTTP(t *testing.T) {
	env := newTestEnvironment(t)

	guest := env.createGuest(t, "coder_42")
	if guest.DisplayName != "coder_42" {
		t.Fatalf("expected requested display name, got %q", guest.DisplayName)
	}
	if guest.AccessToken == "" {
		t.Fatalf("expected guest access token")
	}

	response, payload := env.request(t, http.MethodGet, "/api/guests/"+guest.SessionID, "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected validate status %d: %s", response.StatusCode, payload)
	}
	validation := decodeJSON[guestValidateResponsePayload](t, payload)
	if !validation.Valid {
		t.Fatalf("expected fresh guest session to be valid: %+v", validation)
	}

	response, payload = env.request(t, http.MethodPost, "/api/guests/"+guest.SessionID+"/touch", "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected touch status %d: %s", response.StatusCode, payload)
	}

	response, payload = env.request(t, http.MethodGet, "/api/guests/missing", "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected validate status %d: %s", response.StatusCode, payload)
	}
	validation = decodeJSON[guestValidateResponsePayload](t, payload)
	if validation.Valid || validation.Reason != "NOT_FOUND" {
		t.Fatalf("expected not-found validation, got %+v", validation)
	}
}

func TestGuestCanCreateAndOwnRooms(t *testing.T) {
	env := newTestEnvironment(t)
	guest := env.createGuest(t, "coder_42")

	room := env.createRoom(t, guest.AccessToken, roomCreateRequestPayload{Name: "guest room"})
	if room.OwnerID != guest.SessionID {
		t.Fatalf("expected guest session to own the room")
	}

	var created rooms.Room
	if err := env.db.Where("room_code = ?", room.RoomCode).Take(&created).Error; err != nil {
		t.Fatalf("failed to load created room: %v", err)
	}
	var session guests.GuestSession
	if err := env.db.Where("session_id = ?", guest.SessionID).Take(&session).Error; err != nil {
		t.Fatalf("failed to load guest session: %v", err)
	}
	if session.TempRoomID != created.RoomID {
		t.Fatalf("expected guest session to record the created room, got %q", session.TempRoomID)
	}
}

func TestGuestPromotionCarriesRoomOwnership(t *testing.T) {
	env := newTestEnvironment(t)
	guest := env.createGuest(t, "coder_42")
	room := env.createRoom(t, guest.AccessToken, roomCreateRequestPayload{Name: "guest room"})

	response, payload := env.request(t, http.MethodPost, "/api/guests/"+guest.SessionID+"/promote", guest.AccessToken, guestPromoteRequestPayload{
		Email:    "coder@example.com",
		Password: "hunter2web",
	})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected promote status %d: %s", response.StatusCode, payload)
	}
	promoted := decodeJSON[tokenResponsePayload](t, payload)
	if promoted.DisplayName != "coder_42" {
		t.Fatalf("expected display name carried over, got %q", promoted.DisplayName)
	}

	_, payload = env.request(t, http.MethodGet, "/api/rooms/"+room.RoomCode, "", nil)
	fetched := decodeJSON[roomStatePayload](t, payload)
	if fetched.OwnerID != promoted.PrincipalID {
		t.Fatalf("expected room ownership transferred to %q, got %q", promoted.PrincipalID, fetched.OwnerID)
	}

	response, payload = env.request(t, http.MethodGet, "/api/guests/"+guest.SessionID, "", nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected validate status %d: %s", response.StatusCode, payload)
	}
	validation := decodeJSON[guestValidateResponsePayload](t, payload)
	if validation.Valid {
		t.Fatalf("expected promoted session to be gone")
	}
}

func TestRoomSaveRequiresMembership(t *testing.T) {
	env := newTestEnvironment(t)
	owner := env.registerAccount(t, "ada@example.com", "Ada")
	outsider := env.registerAccount(t, "grace@example.com", "Grace")
	room := env.createRoom(t, owner.AccessToken, roomCreateRequestPayload{Name: "room"})

	response, payload := env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/save", outsider.AccessToken, roomSaveRequestPayload{Text: "x"})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status %d: %s", response.StatusCode, payload)
	}
	if code := errorCode(t, payload); code != codeNotMember {
		t.Fatalf("unexpected error code %q", code)
	}

	response, payload = env.request(t, http.MethodPost, "/api/rooms/"+room.RoomCode+"/save", owner.AccessToken, roomSaveRequestPayload{
		Text:     "package main",
		Language: "go",
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected save status %d: %s", response.StatusCode, payload)
	}

	_, payload = env.request(t, http.MethodGet, "/api/rooms/"+room.RoomCode, "", nil)
	fetched := decodeJSON[roomStatePayload](t, payload)
	if fetched.SnapshotText != "package main" {
		t.Fatalf("expected snapshot text persisted, got %q", fetched.SnapshotText)
	}
}
