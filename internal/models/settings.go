package models

import "gorm.io/datatypes"

// ServiceSettingsName is the app_settings row holding runtime limits.
const ServiceSettingsName = "service"

type AppSettings struct {
	BaseModel
	Name   string            `gorm:"size:100;uniqueIndex;not null"`
	Values datatypes.JSONMap
}
