package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Request is a deferred mutation awaiting operator approval. Data holds the
// payload whose shape depends on Name.
type Request struct {
	BaseModel
	UserID      uuid.UUID      `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:uq_request_user_id_name_related_id"`
	User        User           `json:"-" gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Name        RequestName    `json:"name" gorm:"size:255;not null;uniqueIndex:uq_request_user_id_name_related_id"`
	RelatedID   uuid.UUID      `json:"related_id" gorm:"type:uuid;not null;uniqueIndex:uq_request_user_id_name_related_id"`
	RelatedName RelatedName    `json:"related_name" gorm:"size:255;not null"`
	Data        datatypes.JSON `json:"data"`
}
