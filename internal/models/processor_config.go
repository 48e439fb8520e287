package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessorConfig holds an owner's collection rail and encrypted
// credentials. Each cipher column is an independent vault envelope
// (its own nonce); plaintext never touches this table. Aggregator
// configs leave PasskeyCipher empty.
type ProcessorConfig struct {
	BaseModel
	OwnerID             uuid.UUID     `gorm:"type:uuid;uniqueIndex" json:"owner_id"`
	Kind                ProcessorKind `gorm:"type:varchar(24)" json:"kind"`
	ShortCode           string        `json:"short_code"`
	KeyCipher           string        `gorm:"type:text" json:"-"`
	SecretCipher        string        `gorm:"type:text" json:"-"`
	PasskeyCipher       string        `gorm:"type:text" json:"-"`
	Active              bool          `gorm:"default:true" json:"active"`
	CredentialsVerified bool          `gorm:"default:false" json:"credentials_verified"`
	VerifiedAt          *time.Time    `json:"verified_at"`
}

// PaymentPreference records whether an owner collects on their own
// processor config or on the platform default rails.
type PaymentPreference struct {
	BaseModel
	OwnerID   uuid.UUID        `gorm:"type:uuid;uniqueIndex" json:"owner_id"`
	Choice    PreferenceChoice `gorm:"type:varchar(24)" json:"choice"`
	UpdatedBy *uuid.UUID       `gorm:"type:uuid" json:"updated_by"`
}
