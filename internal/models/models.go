package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PasswordResetLock rate-limits forgotten-password requests. At most
// one live row exists per username; the row outlives the process so the
// cooldown is visible across instances.
type PasswordResetLock struct {
	Username   string    `gorm:"type:varchar(255);primaryKey"`
	ValidUntil time.Time `gorm:"not null"`
	CreatedAt  time.Time
}

// DirectoryAccount backs the embedded directory used in development and
// standalone deployments. Production deployments talk to FreeIPA and
// never touch this table.
type DirectoryAccount struct {
	ID                 uuid.UUID `gorm:"type:uuid;primary_key"`
	Username           string    `gorm:"size:255;not null;uniqueIndex"`
	Mail               string    `gorm:"size:255;not null"`
	FirstName          string    `gorm:"size:255"`
	LastName           string    `gorm:"size:255"`
	PasswordHash       string    `gorm:"size:255;not null"`
	TOTPSecret         string    `gorm:"size:255"`
	PasswordExpired    bool      `gorm:"not null;default:false"`
	LastPasswordChange time.Time `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *DirectoryAccount) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return
}
