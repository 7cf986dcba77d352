package accounts

// Account captures a permanent registered user.
type Account struct {
	AccountID        string `gorm:"column:account_id;primaryKey;size:190;not null"`
	Email            string `gorm:"column:email;size:320;not null;uniqueIndex:idx_accounts_email"`
	DisplayName      string `gorm:"column:display_name;size:190;not null"`
	CredentialHash   string `gorm:"column:credential_hash;size:120;not null"`
	TokenGeneration  int64  `gorm:"column:token_generation;not null;default:0"`
	Active           bool   `gorm:"column:active;not null;default:true"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}
