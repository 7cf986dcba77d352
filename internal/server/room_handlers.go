package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/auth"
	"github.com/CodeRoomLab/coderoom/internal/filetree"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
)

type roomCreateRequestPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	Visibility  string `json:"visibility"`
	Password    string `json:"password"`
	MaxMembers  int    `json:"max_members"`
}

type roomSettingsRequestPayload struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Language    *string `json:"language"`
	MaxMembers  *int    `json:"max_members"`
	Password    *string `json:"password"`
	Visibility  *string `json:"visibility"`
}

type roomStatePayload struct {
	RoomCode         string `json:"room_code"`
	JoinCode         string `json:"join_code"`
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Language         string `json:"language,omitempty"`
	Visibility       string `json:"visibility"`
	PasswordRequired bool   `json:"password_required"`
	MemberCount      int64  `json:"member_count"`
	MaxMembers       int    `json:"max_members"`
	OwnerID          string `json:"owner_id"`
	ConnectionURL    string `json:"connection_url"`
	SnapshotText     string `json:"snapshot_text,omitempty"`
	LastActivity     int64  `json:"last_activity_s"`
}

type memberPayload struct {
	PrincipalID string `json:"principal_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Online      bool   `json:"online"`
	JoinedAt    int64  `json:"joined_at_s"`
	LastSeenAt  int64  `json:"last_seen_at_s"`
}

func roomState(room rooms.Room, memberCount int64) roomStatePayload {
	return roomStatePayload{
		RoomCode:         room.RoomCode,
		JoinCode:         room.JoinCode,
		Name:             room.Name,
		Description:      room.Description,
		Language:         room.Language,
		Visibility:       room.Visibility,
		PasswordRequired: room.IsPrivate(),
		MemberCount:      memberCount,
		MaxMembers:       room.MaxMembers,
		OwnerID:          room.OwnerID,
		ConnectionURL:    "/api/rooms/" + room.RoomCode + "/ws",
		SnapshotText:     room.SnapshotText,
		LastActivity:     room.LastActivitySeconds,
	}
}

func (h *httpHandler) handleRoomCreate(c *gin.Context) {
	principal := h.principalFrom(c)
	if !principal.CanWrite() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}

	var request roomCreateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	room, err := h.rooms.Create(c.Request.Context(), rooms.CreateSpec{
		Name:        request.Name,
		Description: request.Description,
		Owner:       principal,
		Language:    request.Language,
		Visibility:  rooms.Visibility(request.Visibility),
		Password:    request.Password,
		MaxMembers:  request.MaxMembers,
	})
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	if principal.Kind == auth.PrincipalKindGuest {
		if err := h.guests.AssignTempRoom(c.Request.Context(), principal.ID, room.RoomID); err != nil {
			h.logger.Warn("temp room assignment failed",
				zap.String("session_id", principal.ID), zap.String("room_id", room.RoomID), zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, roomState(room, 1))
}

func (h *httpHandler) handleRoomGet(c *gin.Context) {
	room, memberCount, err := h.rooms.Get(c.Request.Context(), c.Param("code"), roomPassword(c))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, roomState(room, memberCount))
}

type roomJoinRequestPayload struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleRoomJoin(c *gin.Context) {
	principal := h.principalFrom(c)

	var request roomJoinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}
	password := request.Password
	if password == "" {
		password = roomPassword(c)
	}

	membership, room, err := h.rooms.Join(c.Request.Context(), c.Param("code"), principal, password)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	memberCount, err := h.rooms.MemberCount(c.Request.Context(), room.RoomID)
	if err != nil {
		h.logger.Error("member count failed after join", zap.Error(err))
		memberCount = 0
	}

	c.JSON(http.StatusOK, gin.H{
		"room":       roomState(room, memberCount),
		"membership": membershipPayload(membership),
	})
}

func (h *httpHandler) handleRoomLeave(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}
	if err := h.rooms.Leave(c.Request.Context(), c.Param("code"), principal.ID); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (h *httpHandler) handleRoomDelete(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}
	if err := h.rooms.Delete(c.Request.Context(), c.Param("code"), principal.ID); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type roomSaveRequestPayload struct {
	Text     string `json:"text"`
	StateB64 string `json:"state_b64"`
	Language string `json:"language"`
}

// handleRoomSave persists an explicit snapshot. The REST path accepts the
// client's projection; live connections instead use the gateway's save
// message, which flushes the engine's authoritative state.
func (h *httpHandler) handleRoomSave(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}

	var request roomSaveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	room, _, err := h.rooms.Get(c.Request.Context(), c.Param("code"), roomPassword(c))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	if _, err := h.rooms.MembershipFor(c.Request.Context(), room.RoomID, principal.ID); err != nil {
		h.writeDomainError(c, err)
		return
	}

	if err := h.rooms.SaveSnapshot(c.Request.Context(), room.RoomID, request.StateB64, request.Text, request.Language); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

func (h *httpHandler) handleRoomSettings(c *gin.Context) {
	principal := h.principalFrom(c)
	if principal.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}

	var request roomSettingsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}

	update := rooms.SettingsUpdate{
		Name:        request.Name,
		Description: request.Description,
		Language:    request.Language,
		MaxMembers:  request.MaxMembers,
		Password:    request.Password,
	}
	if request.Visibility != nil {
		visibility := rooms.Visibility(*request.Visibility)
		update.Visibility = &visibility
	}

	room, err := h.rooms.UpdateSettings(c.Request.Context(), c.Param("code"), principal.ID, update)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	memberCount, _ := h.rooms.MemberCount(c.Request.Context(), room.RoomID)
	c.JSON(http.StatusOK, roomState(room, memberCount))
}

func (h *httpHandler) handleRoomMembers(c *gin.Context) {
	room, _, err := h.rooms.Get(c.Request.Context(), c.Param("code"), roomPassword(c))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	members, err := h.rooms.ListMembers(c.Request.Context(), room.RoomID)
	if err != nil {
		h.logger.Error("member list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal})
		return
	}

	payload := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payload = append(payload, membershipPayload(member))
	}
	c.JSON(http.StatusOK, gin.H{"members": payload})
}

func membershipPayload(member rooms.Membership) memberPayload {
	return memberPayload{
		PrincipalID: member.PrincipalID,
		DisplayName: member.DisplayName,
		Role:        string(member.Role),
		Online:      member.Online,
		JoinedAt:    member.JoinedAtSeconds,
		LastSeenAt:  member.LastSeenAtSeconds,
	}
}

func (h *httpHandler) handleFileTreeList(c *gin.Context) {
	room, _, err := h.rooms.Get(c.Request.Context(), c.Param("code"), roomPassword(c))
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	items, err := h.fileTree.GetContents(c.Request.Context(), room.RoomID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": codeUpstreamFailed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *httpHandler) handleFileTreeCreate(c *gin.Context) {
	room, err := h.memberRoom(c)
	if err != nil {
		return
	}
	var item filetree.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}
	created, err := h.fileTree.CreateItem(c.Request.Context(), room.RoomID, item)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": codeUpstreamFailed})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleFileTreeRename(c *gin.Context) {
	room, err := h.memberRoom(c)
	if err != nil {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest})
		return
	}
	if err := h.fileTree.RenameItem(c.Request.Context(), room.RoomID, c.Param("item"), body.Name); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": codeUpstreamFailed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"renamed": true})
}

func (h *httpHandler) handleFileTreeDelete(c *gin.Context) {
	room, err := h.memberRoom(c)
	if err != nil {
		return
	}
	if err := h.fileTree.DeleteItem(c.Request.Context(), room.RoomID, c.Param("item")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": codeUpstreamFailed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// memberRoom resolves the addressed room and requires the caller to be a
// member; it writes the error response itself and returns a non-nil error
// purely as a control-flow signal.
func (h *httpHandler) memberRoom(c *gin.Context) (rooms.Room, error) {
	principal := h.principalFrom(c)
	if principal.IsAnonymous() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return rooms.Room{}, rooms.ErrNotMember
	}
	room, _, err := h.rooms.Get(c.Request.Context(), c.Param("code"), roomPassword(c))
	if err != nil {
		h.writeDomainError(c, err)
		return rooms.Room{}, err
	}
	if _, err := h.rooms.MembershipFor(c.Request.Context(), room.RoomID, principal.ID); err != nil {
		h.writeDomainError(c, err)
		return rooms.Room{}, err
	}
	return room, nil
}
