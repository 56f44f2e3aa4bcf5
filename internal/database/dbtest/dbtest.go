// Package dbtest opens throwaway SQLite databases with the service schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fastraygram/internal/database"
	"fastraygram/internal/models"
)

// New returns a migrated in-memory database private to t.
func New(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        database.NowUTC,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	// Keep one idle connection so the shared in-memory database survives.
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// CreateUser inserts a user with the given role and a profile in lang.
func CreateUser(t *testing.T, db *gorm.DB, login string, role models.RoleName, lang string) *models.User {
	t.Helper()
	var r models.Role
	if err := db.Where("name = ?", role).First(&r).Error; err != nil {
		t.Fatalf("role %s: %v", role, err)
	}
	user := &models.User{Login: login, RoleID: &r.ID, Status: models.UserNotVerified}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user %s: %v", login, err)
	}
	profile := &models.Profile{UserID: user.ID, LangCode: lang}
	if err := db.Create(profile).Error; err != nil {
		t.Fatalf("create profile %s: %v", login, err)
	}
	return user
}

// CreateSocial links user to a provider identity.
func CreateSocial(t *testing.T, db *gorm.DB, user *models.User, name models.SocialName, login string) {
	t.Helper()
	social := &models.Social{UserID: user.ID, Name: name, Login: login}
	if err := db.Create(social).Error; err != nil {
		t.Fatalf("create social %s: %v", login, err)
	}
}
