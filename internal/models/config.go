package models

import (
	"time"

	"github.com/google/uuid"
)

// Config is the local mirror of a user's panel client for one protocol.
type Config struct {
	BaseModel
	Type            ConfigType   `json:"type" gorm:"size:100;not null;uniqueIndex:uq_config_user_id_type"`
	Status          ConfigStatus `json:"status" gorm:"size:100;not null;default:'not_updated'"`
	UserID          uuid.UUID    `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:uq_config_user_id_type"`
	User            User         `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	ClientID        string       `json:"client_id" gorm:"size:255"`
	ClientEmail     string       `json:"client_email" gorm:"size:255;not null"`
	UsedGB          float64      `json:"used_gb" gorm:"not null;default:0"`
	TotalGB         int          `json:"total_gb" gorm:"not null"`
	LimitIP         int          `json:"limit_ip" gorm:"not null"`
	SubscriptionURL string       `json:"subscription_url" gorm:"size:1000"`
	ConnectionURL   string       `json:"connection_url" gorm:"size:1000"`
	ValidFrom       time.Time    `json:"valid_from"`
	ValidTo         time.Time    `json:"valid_to" gorm:"index"`
}
