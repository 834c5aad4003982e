package postgres

import "time"

// CredentialModel maps to the "credentials" table. APIKey holds the sealed
// ciphertext when Sealed is true and the raw provider key otherwise.
type CredentialModel struct {
	UserID       string     `gorm:"primaryKey;size:128"`
	APIKey       string     `gorm:"not null"`
	Sealed       bool       `gorm:"not null;default:false"`
	RegisteredAt time.Time  `gorm:"not null"`
	ExpiresAt    *time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CredentialModel) TableName() string { return "credentials" }
