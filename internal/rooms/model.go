package rooms

// Visibility controls whether a room is discoverable without its code.
type Visibility string

const (
	// VisibilityPublic marks a room joinable by anyone holding its code.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate marks a room gated by a password.
	VisibilityPrivate Visibility = "private"
)

// Role enumerates membership roles within a room.
type Role string

const (
	// RoleOwner is held by exactly one membership per room.
	RoleOwner Role = "owner"
	// RoleMember is every other participant.
	RoleMember Role = "member"
)

// Room is the authoritative record of a collaboration room. The current
// member count is never stored; it is computed by counting memberships
// inside the same transaction that mutates them.
type Room struct {
	RoomID              string `gorm:"column:room_id;primaryKey;size:190;not null"`
	RoomCode            string `gorm:"column:room_code;size:32;not null;uniqueIndex:idx_rooms_room_code"`
	JoinCode            string `gorm:"column:join_code;size:16;not null;uniqueIndex:idx_rooms_join_code"`
	Name                string `gorm:"column:name;size:190;not null"`
	Description         string `gorm:"column:description;size:512"`
	OwnerID             string `gorm:"column:owner_id;size:190;not null;index:idx_rooms_owner"`
	Language            string `gorm:"column:language;size:64"`
	Visibility          string `gorm:"column:visibility;size:16;not null;default:'public'"`
	PasswordHash        string `gorm:"column:password_hash;size:120"`
	MaxMembers          int    `gorm:"column:max_members;not null"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	LastActivitySeconds int64  `gorm:"column:last_activity_s;not null"`
	SnapshotStateB64    string `gorm:"column:snapshot_state_b64;type:text"`
	SnapshotText        string `gorm:"column:snapshot_text;type:text"`
	SnapshotLanguage    string `gorm:"column:snapshot_language;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// Membership links a principal to a room. Exactly one row exists per
// (room, principal) pair.
type Membership struct {
	RoomID            string `gorm:"column:room_id;primaryKey;size:190;not null"`
	PrincipalID       string `gorm:"column:principal_id;primaryKey;size:190;not null"`
	DisplayName       string `gorm:"column:display_name;size:190;not null"`
	Role              Role   `gorm:"column:role;size:16;not null"`
	Permissions       string `gorm:"column:permissions;size:190;not null;default:'read,write'"`
	Online            bool   `gorm:"column:online;not null;default:false"`
	JoinedAtSeconds   int64  `gorm:"column:joined_at_s;not null"`
	LastSeenAtSeconds int64  `gorm:"column:last_seen_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "room_memberships"
}

// IsPrivate reports whether the room is password gated.
func (r Room) IsPrivate() bool {
	return Visibility(r.Visibility) == VisibilityPrivate && r.PasswordHash != ""
}
