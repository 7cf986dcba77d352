package guests

// GuestSession captures a time-boxed anonymous identity. Sessions expire at
// ExpiresAtSeconds regardless of activity; explicit activity pings may push
// the expiry forward up to CeilingSeconds, never past it.
type GuestSession struct {
	SessionID           string `gorm:"column:session_id;primaryKey;size:190;not null"`
	DisplayName         string `gorm:"column:display_name;size:190;not null"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	ExpiresAtSeconds    int64  `gorm:"column:expires_at_s;not null;index:idx_guest_sessions_expiry"`
	CeilingSeconds      int64  `gorm:"column:ceiling_s;not null"`
	LastActivitySeconds int64  `gorm:"column:last_activity_s;not null"`
	TempRoomID          string `gorm:"column:temp_room_id;size:190"`
	ClientMetadata      string `gorm:"column:client_metadata;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (GuestSession) TableName() string {
	return "guest_sessions"
}

// ValidationReason explains why a guest session failed validation.
type ValidationReason string

const (
	// ReasonNotFound indicates the session never existed or was already swept.
	ReasonNotFound ValidationReason = "NOT_FOUND"
	// ReasonExpired indicates the session existed but its lifetime has passed.
	ReasonExpired ValidationReason = "EXPIRED"
)

// ValidationResult is the outcome of validating a guest session. Callers
// need the explicit reason to distinguish "never existed" from "expired".
type ValidationResult struct {
	Valid            bool
	RemainingSeconds int64
	Reason           ValidationReason
}
