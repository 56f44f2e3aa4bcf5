package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fastraygram/internal/config"
	"fastraygram/internal/models"
	"fastraygram/pkg/logging"
)

const sqlitePrefix = "sqlite://"

// Connect opens the configured database and migrates the schema. A DB_DSN of
// the form "sqlite://<path>" selects SQLite; anything else goes to postgres.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logLevel(cfg.App.Debug)),
		NowFunc:        NowUTC,
	}

	var dialector gorm.Dialector
	if path, ok := strings.CutPrefix(cfg.DBDSN, sqlitePrefix); ok {
		logging.Infof("Using SQLite database at %s", path)
		dialector = sqlite.Open(path)
	} else {
		dsn := cfg.DBDSN
		if dsn == "" {
			dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
				cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
		}
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logging.Infof("Connected to %s", db.Dialector.Name())

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates the schema and seeds the fixed role set.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return SeedRoles(db)
}

// SeedRoles inserts any missing role; existing rows are left alone.
func SeedRoles(db *gorm.DB) error {
	for _, name := range []models.RoleName{models.RoleSuperuser, models.RoleAdmin, models.RoleUser} {
		var role models.Role
		err := db.Where("name = ?", name).First(&role).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to look up role %s: %w", name, err)
		}
		role = models.Role{Name: name, Weight: name.Weight()}
		if err := db.Create(&role).Error; err != nil {
			return fmt.Errorf("failed to seed role %s: %w", name, err)
		}
	}
	return nil
}

// NowUTC stamps rows in UTC so time comparisons agree across drivers.
func NowUTC() time.Time {
	return time.Now().UTC()
}

func logLevel(debug bool) logger.LogLevel {
	if debug {
		return logger.Info
	}
	return logger.Warn
}
