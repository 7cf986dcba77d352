package rooms

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CodeRoomLab/coderoom/internal/auth"
)

const (
	defaultMaxMembers = 10
	maxMembersCeiling = 50

	opCreate       = "rooms.create"
	opJoin         = "rooms.join"
	opLeave        = "rooms.leave"
	opDelete       = "rooms.delete"
	opSaveSnapshot = "rooms.save_snapshot"
	opSweepOrphans = "rooms.sweep_orphans"
)

var (
	// ErrRoomNotFound indicates no room matches the supplied code.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrPasswordRequired indicates a private room was addressed without a password.
	ErrPasswordRequired = errors.New("rooms: password required")
	// ErrInvalidPassword indicates the supplied room password does not match.
	ErrInvalidPassword = errors.New("rooms: invalid password")
	// ErrRoomFull indicates the room is at capacity.
	ErrRoomFull = errors.New("rooms: room full")
	// ErrNotMember indicates the principal holds no membership in the room.
	ErrNotMember = errors.New("rooms: not a member")
	// ErrNotOwner indicates an owner-only operation was attempted by a non-owner.
	ErrNotOwner = errors.New("rooms: not the owner")
	// ErrInvalidRoomName indicates the room name failed validation.
	ErrInvalidRoomName = errors.New("rooms: invalid room name")
	// ErrAnonymousPrincipal indicates an anonymous caller attempted a member operation.
	ErrAnonymousPrincipal = errors.New("rooms: anonymous principals cannot hold membership")

	errMissingDatabase   = errors.New("rooms: database handle is required")
	errMissingIDProvider = errors.New("rooms: id provider is required")
)

// IDProvider issues globally unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// OwnerExistsFunc reports whether the owning principal still exists. The
// orphaned-room sweep uses it to find rooms whose guest owner expired.
type OwnerExistsFunc func(ctx context.Context, principalID string) (bool, error)

// ServiceConfig describes the dependencies of the room directory.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	OwnerExists OwnerExistsFunc
	BcryptCost  int
	Logger      *zap.Logger
}

// Service is the authoritative directory of rooms and memberships.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	ownerExists OwnerExistsFunc
	bcryptCost  int
	logger      *zap.Logger
}

// NewService constructs the room directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cost := cfg.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		ownerExists: cfg.OwnerExists,
		bcryptCost:  cost,
		logger:      logger,
	}, nil
}

// CreateSpec describes a room creation request.
type CreateSpec struct {
	Name        string
	Description string
	Owner       auth.Principal
	Language    string
	Visibility  Visibility
	Password    string
	MaxMembers  int
}

// Create validates the spec, generates the room and join codes, and inserts
// the room together with its owner membership in a single transaction. A
// room never exists without an owner membership.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (Room, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Room{}, ErrInvalidRoomName
	}
	if !spec.Owner.CanWrite() {
		return Room{}, ErrAnonymousPrincipal
	}

	visibility := spec.Visibility
	if visibility != VisibilityPrivate {
		visibility = VisibilityPublic
	}
	passwordHash := ""
	if visibility == VisibilityPrivate && spec.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), s.bcryptCost)
		if err != nil {
			return Room{}, err
		}
		passwordHash = string(hash)
	}

	maxMembers := spec.MaxMembers
	if maxMembers <= 0 {
		maxMembers = defaultMaxMembers
	}
	if maxMembers > maxMembersCeiling {
		maxMembers = maxMembersCeiling
	}

	roomID, err := s.idProvider.NewID()
	if err != nil {
		return Room{}, err
	}
	roomCode, err := newRoomCode()
	if err != nil {
		return Room{}, err
	}
	joinCode, err := newJoinCode()
	if err != nil {
		return Room{}, err
	}

	now := s.clock().UTC().Unix()
	room := Room{
		RoomID:              roomID,
		RoomCode:            roomCode,
		JoinCode:            joinCode,
		Name:                name,
		Description:         strings.TrimSpace(spec.Description),
		OwnerID:             spec.Owner.ID,
		Language:            spec.Language,
		Visibility:          string(visibility),
		PasswordHash:        passwordHash,
		MaxMembers:          maxMembers,
		CreatedAtSeconds:    now,
		LastActivitySeconds: now,
	}
	ownerMembership := Membership{
		RoomID:            roomID,
		PrincipalID:       spec.Owner.ID,
		DisplayName:       spec.Owner.DisplayName,
		Role:              RoleOwner,
		Permissions:       "read,write",
		Online:            false,
		JoinedAtSeconds:   now,
		LastSeenAtSeconds: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		return tx.Create(&ownerMembership).Error
	})
	if err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("room_id", roomID))
		return Room{}, err
	}
	return room, nil
}

// Join resolves the room by its room code or join code, enforces the
// password gate and the capacity limit, and upserts a membership row.
// Capacity is re-checked by counting memberships inside the same transaction
// that inserts the new row. Re-joining is idempotent: the existing row's
// online flag and last-seen time are refreshed instead of erroring.
func (s *Service) Join(ctx context.Context, codeOrJoinCode string, principal auth.Principal, password string) (Membership, Room, error) {
	if !principal.CanWrite() {
		return Membership{}, Room{}, ErrAnonymousPrincipal
	}

	var membership Membership
	var room Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.findByCode(tx.Clauses(clause.Locking{Strength: "UPDATE"}), codeOrJoinCode)
		if err != nil {
			return err
		}
		room = found

		if err := checkPassword(room, password); err != nil {
			return err
		}

		var existing Membership
		err = tx.Where("room_id = ? AND principal_id = ?", room.RoomID, principal.ID).Take(&existing).Error
		now := s.clock().UTC().Unix()
		if err == nil {
			existing.Online = true
			existing.LastSeenAtSeconds = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			membership = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var memberCount int64
		if err := tx.Model(&Membership{}).Where("room_id = ?", room.RoomID).Count(&memberCount).Error; err != nil {
			return err
		}
		if memberCount >= int64(room.MaxMembers) {
			return ErrRoomFull
		}

		membership = Membership{
			RoomID:            room.RoomID,
			PrincipalID:       principal.ID,
			DisplayName:       principal.DisplayName,
			Role:              RoleMember,
			Permissions:       "read,write",
			Online:            true,
			JoinedAtSeconds:   now,
			LastSeenAtSeconds: now,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return err
		}
		return tx.Model(&Room{}).Where("room_id = ?", room.RoomID).
			Update("last_activity_s", now).Error
	})
	if err != nil {
		if isDomainError(err) {
			return Membership{}, Room{}, err
		}
		s.logError(opJoin, "transaction_failed", err, zap.String("code", codeOrJoinCode))
		return Membership{}, Room{}, err
	}
	return membership, room, nil
}

// Get resolves a room by code, enforcing the password gate for private
// rooms, and returns the room with its current member count.
func (s *Service) Get(ctx context.Context, codeOrJoinCode, password string) (Room, int64, error) {
	room, err := s.findByCode(s.db.WithContext(ctx), codeOrJoinCode)
	if err != nil {
		return Room{}, 0, err
	}
	if err := checkPassword(room, password); err != nil {
		return Room{}, 0, err
	}
	count, err := s.MemberCount(ctx, room.RoomID)
	if err != nil {
		return Room{}, 0, err
	}
	return room, count, nil
}

// GetByID returns a room by its internal identifier.
func (s *Service) GetByID(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

// MemberCount counts memberships; the count is never cached on the room row.
func (s *Service) MemberCount(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).Where("room_id = ?", roomID).Count(&count).Error
	return count, err
}

// MembershipFor returns the principal's membership in the room.
func (s *Service) MembershipFor(ctx context.Context, roomID, principalID string) (Membership, error) {
	var membership Membership
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND principal_id = ?", roomID, principalID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, ErrNotMember
	}
	if err != nil {
		return Membership{}, err
	}
	return membership, nil
}

// ListMembers returns the room's membership roster ordered by join time.
func (s *Service) ListMembers(ctx context.Context, roomID string) ([]Membership, error) {
	var members []Membership
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at_s ASC").
		Find(&members).Error
	return members, err
}

// Leave removes the principal's membership. When the owner leaves a room
// that still has members, ownership passes to the longest-joined member;
// when the owner leaves an otherwise empty room, the room is deleted.
// Ownership is never left empty while the room exists.
func (s *Service) Leave(ctx context.Context, codeOrJoinCode, principalID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.findByCode(tx.Clauses(clause.Locking{Strength: "UPDATE"}), codeOrJoinCode)
		if err != nil {
			return err
		}

		var membership Membership
		err = tx.Where("room_id = ? AND principal_id = ?", room.RoomID, principalID).Take(&membership).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}

		if membership.Role != RoleOwner {
			return tx.Delete(&Membership{}, "room_id = ? AND principal_id = ?", room.RoomID, principalID).Error
		}

		var successor Membership
		err = tx.Where("room_id = ? AND principal_id <> ?", room.RoomID, principalID).
			Order("joined_at_s ASC").
			Take(&successor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.deleteRoomInTransaction(tx, room.RoomID)
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&Membership{}).
			Where("room_id = ? AND principal_id = ?", room.RoomID, successor.PrincipalID).
			Update("role", RoleOwner).Error; err != nil {
			return err
		}
		if err := tx.Model(&Room{}).
			Where("room_id = ?", room.RoomID).
			Update("owner_id", successor.PrincipalID).Error; err != nil {
			return err
		}
		return tx.Delete(&Membership{}, "room_id = ? AND principal_id = ?", room.RoomID, principalID).Error
	})
	if err != nil && !isDomainError(err) {
		s.logError(opLeave, "transaction_failed", err, zap.String("code", codeOrJoinCode))
	}
	return err
}

// Delete removes the room, its memberships, and its stored snapshot.
// Owner-only.
func (s *Service) Delete(ctx context.Context, codeOrJoinCode, principalID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.findByCode(tx, codeOrJoinCode)
		if err != nil {
			return err
		}
		var membership Membership
		err = tx.Where("room_id = ? AND principal_id = ?", room.RoomID, principalID).Take(&membership).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		if membership.Role != RoleOwner {
			return ErrNotOwner
		}
		return s.deleteRoomInTransaction(tx, room.RoomID)
	})
	if err != nil && !isDomainError(err) {
		s.logError(opDelete, "transaction_failed", err, zap.String("code", codeOrJoinCode))
	}
	return err
}

// SettingsUpdate carries optional room setting changes. Nil fields are left
// unchanged.
type SettingsUpdate struct {
	Name        *string
	Description *string
	Language    *string
	MaxMembers  *int
	Password    *string
	Visibility  *Visibility
}

// UpdateSettings applies owner-initiated setting changes.
func (s *Service) UpdateSettings(ctx context.Context, codeOrJoinCode, principalID string, update SettingsUpdate) (Room, error) {
	var updated Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.findByCode(tx.Clauses(clause.Locking{Strength: "UPDATE"}), codeOrJoinCode)
		if err != nil {
			return err
		}
		if room.OwnerID != principalID {
			return ErrNotOwner
		}

		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if name == "" {
				return ErrInvalidRoomName
			}
			room.Name = name
		}
		if update.Description != nil {
			room.Description = strings.TrimSpace(*update.Description)
		}
		if update.Language != nil {
			room.Language = *update.Language
		}
		if update.MaxMembers != nil && *update.MaxMembers > 0 {
			limit := *update.MaxMembers
			if limit > maxMembersCeiling {
				limit = maxMembersCeiling
			}
			room.MaxMembers = limit
		}
		if update.Visibility != nil {
			room.Visibility = string(*update.Visibility)
		}
		if update.Password != nil {
			if *update.Password == "" {
				room.PasswordHash = ""
			} else {
				hash, err := bcrypt.GenerateFromPassword([]byte(*update.Password), s.bcryptCost)
				if err != nil {
					return err
				}
				room.PasswordHash = string(hash)
			}
		}

		if err := tx.Save(&room).Error; err != nil {
			return err
		}
		updated = room
		return nil
	})
	if err != nil {
		return Room{}, err
	}
	return updated, nil
}

// SaveSnapshot records the durable document fallback for the room. This is
// the only write path for the stored snapshot and is safe to call while live
// edits continue: it records the state that was current at call time.
func (s *Service) SaveSnapshot(ctx context.Context, roomID, stateB64, text, language string) error {
	now := s.clock().UTC().Unix()
	updates := map[string]interface{}{
		"snapshot_state_b64": stateB64,
		"snapshot_text":      text,
		"last_activity_s":    now,
	}
	if language != "" {
		updates["snapshot_language"] = language
	}
	result := s.db.WithContext(ctx).Model(&Room{}).Where("room_id = ?", roomID).Updates(updates)
	if result.Error != nil {
		s.logError(opSaveSnapshot, "update_failed", result.Error, zap.String("room_id", roomID))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// LoadSnapshot returns the stored document snapshot for the room.
func (s *Service) LoadSnapshot(ctx context.Context, roomID string) (stateB64, text string, err error) {
	room, err := s.GetByID(ctx, roomID)
	if err != nil {
		return "", "", err
	}
	return room.SnapshotStateB64, room.SnapshotText, nil
}

// SetOnline flips a membership's online flag and refreshes its last-seen
// time. The session gateway calls this on connect and teardown.
func (s *Service) SetOnline(ctx context.Context, roomID, principalID string, online bool) error {
	return s.db.WithContext(ctx).Model(&Membership{}).
		Where("room_id = ? AND principal_id = ?", roomID, principalID).
		Updates(map[string]interface{}{
			"online":         online,
			"last_seen_at_s": s.clock().UTC().Unix(),
		}).Error
}

// TransferOwnershipInTransaction rewrites ownership rows from one principal
// to another. Guest promotion uses it to carry temp-room ownership over to
// the newly created account.
func (s *Service) TransferOwnershipInTransaction(tx *gorm.DB, fromPrincipalID, toPrincipalID string) error {
	if err := tx.Model(&Room{}).
		Where("owner_id = ?", fromPrincipalID).
		Update("owner_id", toPrincipalID).Error; err != nil {
		return err
	}
	return tx.Model(&Membership{}).
		Where("principal_id = ?", fromPrincipalID).
		Update("principal_id", toPrincipalID).Error
}

// SweepOrphans deletes rooms whose owning principal no longer exists. It is
// idempotent and scheduled independently of the guest expiry sweep.
func (s *Service) SweepOrphans(ctx context.Context) (int, error) {
	if s.ownerExists == nil {
		return 0, nil
	}

	var owners []string
	if err := s.db.WithContext(ctx).Model(&Room{}).
		Distinct("owner_id").
		Pluck("owner_id", &owners).Error; err != nil {
		return 0, err
	}

	swept := 0
	for _, ownerID := range owners {
		exists, err := s.ownerExists(ctx, ownerID)
		if err != nil {
			s.logError(opSweepOrphans, "owner_lookup_failed", err, zap.String("owner_id", ownerID))
			continue
		}
		if exists {
			continue
		}

		var orphaned []Room
		if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&orphaned).Error; err != nil {
			s.logError(opSweepOrphans, "room_lookup_failed", err, zap.String("owner_id", ownerID))
			continue
		}
		for _, room := range orphaned {
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return s.deleteRoomInTransaction(tx, room.RoomID)
			})
			if err != nil {
				s.logError(opSweepOrphans, "room_delete_failed", err, zap.String("room_id", room.RoomID))
				continue
			}
			swept++
		}
	}
	if swept > 0 {
		s.logger.Info("orphaned rooms swept", zap.Int("count", swept))
	}
	return swept, nil
}

func (s *Service) deleteRoomInTransaction(tx *gorm.DB, roomID string) error {
	if err := tx.Delete(&Membership{}, "room_id = ?", roomID).Error; err != nil {
		return err
	}
	return tx.Delete(&Room{}, "room_id = ?", roomID).Error
}

func (s *Service) findByCode(tx *gorm.DB, codeOrJoinCode string) (Room, error) {
	code := strings.TrimSpace(codeOrJoinCode)
	if code == "" {
		return Room{}, ErrRoomNotFound
	}
	var room Room
	err := tx.Where("room_code = ? OR join_code = ?", code, strings.ToUpper(code)).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, err
	}
	return room, nil
}

func checkPassword(room Room, password string) error {
	if !room.IsPrivate() {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)) != nil {
		return ErrInvalidPassword
	}
	return nil
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrPasswordRequired) ||
		errors.Is(err, ErrInvalidPassword) ||
		errors.Is(err, ErrRoomFull) ||
		errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrInvalidRoomName) ||
		errors.Is(err, ErrAnonymousPrincipal)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room directory error", attrs...)
}
