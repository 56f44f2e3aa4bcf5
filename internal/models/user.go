package models

import (
	"github.com/google/uuid"
)

type Role struct {
	BaseModel
	Name   RoleName `gorm:"size:255;uniqueIndex;not null"`
	Weight int      `gorm:"not null"`
}

type User struct {
	BaseModel
	Login    string     `gorm:"size:255;uniqueIndex;not null"`
	Password string     `gorm:"size:255" json:"-"`
	RoleID   *uuid.UUID `gorm:"type:uuid;index"`
	Role     *Role      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	Status   UserStatus `gorm:"size:255;not null;default:'not_verified'"`
}

type Profile struct {
	BaseModel
	UserID    uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	User      User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	FirstName string    `gorm:"size:255"`
	LastName  string    `gorm:"size:255"`
	LangCode  string    `gorm:"size:4;not null;default:'ru'"`
	Email     string    `gorm:"size:255"`
}

// Social is a user's identity at an external provider; Login is the
// provider-side address (a Telegram chat id for "telegram").
type Social struct {
	BaseModel
	UserID uuid.UUID  `gorm:"type:uuid;uniqueIndex:uq_social_name_user;index;not null"`
	User   User       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	Name   SocialName `gorm:"size:255;uniqueIndex:uq_social_name_user;not null"`
	Login  string     `gorm:"size:255;index;not null"`
	Email  string     `gorm:"size:255"`
}
