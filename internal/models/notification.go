package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LocaleText maps a language code to text in that language.
type LocaleText map[string]string

// NewLocaleText builds the English/Russian pair every message carries.
func NewLocaleText(en, ru string) LocaleText {
	return LocaleText{LangEN: en, LangRU: ru}
}

type Notification struct {
	BaseModel
	Title   datatypes.JSONType[LocaleText] `json:"title" gorm:"not null"`
	Content datatypes.JSONType[LocaleText] `json:"content" gorm:"not null"`

	UserID uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index:idx_notification_user_id"`
	User   User      `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`

	RequestName   *RequestName   `json:"request_name" gorm:"size:255"`
	RequestStatus *RequestStatus `json:"request_status" gorm:"size:255"`

	RelatedName *RelatedName `json:"related_name" gorm:"size:255"`
	RelatedID   *uuid.UUID   `json:"related_id" gorm:"type:uuid"`

	SentChannel *SocialName `json:"sent_channel" gorm:"size:128;index:idx_notification_sent_channel"`
	SentAt      *time.Time  `json:"sent_at" gorm:"index:idx_notification_sent_at"`
}
