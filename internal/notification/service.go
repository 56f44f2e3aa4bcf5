// Package notification records user- and operator-facing messages. Delivery
// happens elsewhere; rows stay undelivered until a sender marks them.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/models"
)

// Spec describes a notification to create. Zero-valued optional fields are
// stored as NULL.
type Spec struct {
	UserID        uuid.UUID
	RequestName   models.RequestName
	RequestStatus models.RequestStatus
	RelatedName   models.RelatedName
	RelatedID     uuid.UUID
	Title         models.LocaleText
	Content       models.LocaleText
}

func (s Spec) row(userID uuid.UUID) *models.Notification {
	n := &models.Notification{
		UserID:  userID,
		Title:   datatypes.NewJSONType(s.Title),
		Content: datatypes.NewJSONType(s.Content),
	}
	if s.RequestName != "" {
		name := s.RequestName
		n.RequestName = &name
	}
	if s.RequestStatus != "" {
		status := s.RequestStatus
		n.RequestStatus = &status
	}
	if s.RelatedName != "" {
		related := s.RelatedName
		n.RelatedName = &related
	}
	if s.RelatedID != uuid.Nil {
		id := s.RelatedID
		n.RelatedID = &id
	}
	return n
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// WithDB returns a copy bound to tx, so writes join the caller's transaction.
func (s *Service) WithDB(tx *gorm.DB) *Service {
	return &Service{db: tx}
}

func (s *Service) CreateUserNotification(ctx context.Context, spec Spec) (*models.Notification, error) {
	if spec.UserID == uuid.Nil {
		return nil, apperr.Validation("notification recipient is required")
	}
	n := spec.row(spec.UserID)
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", apperr.FromDB(err, "notification"))
	}
	return n, nil
}

// CreateAdminsNotification writes one row for the superuser and one per
// admin. spec.UserID is ignored.
func (s *Service) CreateAdminsNotification(ctx context.Context, spec Spec) (int, error) {
	recipients, err := s.operators(ctx)
	if err != nil {
		return 0, err
	}
	rows := make([]*models.Notification, 0, len(recipients))
	for _, id := range recipients {
		rows = append(rows, spec.row(id))
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to create admin notifications: %w", apperr.FromDB(err, "notification"))
	}
	return len(rows), nil
}

// operators returns the superuser followed by every admin.
func (s *Service) operators(ctx context.Context) ([]uuid.UUID, error) {
	db := s.db.WithContext(ctx)

	var superuser models.User
	err := db.Joins("JOIN roles ON roles.id = users.role_id").
		Where("roles.name = ?", models.RoleSuperuser).
		First(&superuser).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get superuser: %w", apperr.FromDB(err, "superuser"))
	}

	var admins []uuid.UUID
	err = db.Model(&models.User{}).
		Joins("JOIN roles ON roles.id = users.role_id").
		Where("roles.name = ?", models.RoleAdmin).
		Order("users.created_at").
		Pluck("users.id", &admins).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get admins: %w", err)
	}
	return append([]uuid.UUID{superuser.ID}, admins...), nil
}

// ListForUser returns the newest notifications of a user first.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// Cleanup deletes notifications created before now-retention, delivered or
// not, and reports how many went.
func (s *Service) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", now.UTC().Add(-retention)).
		Delete(&models.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up notifications: %w", res.Error)
	}
	return res.RowsAffected, nil
}
