// Package request applies or denies the deferred mutations users file for
// operator approval.
package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/auth"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/internal/vpnconfig"
	"fastraygram/pkg/logging"
)

type PasswordHasher interface {
	Hash(password string) (string, error)
}

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID uuid.UUID) error
}

type Workflow struct {
	db            *gorm.DB
	configs       *vpnconfig.Service
	notifications *notification.Service
	hasher        PasswordHasher
	sessions      SessionRevoker
	newPassword   func() (string, error)
}

// NewWorkflow wires the workflow; sessions may be nil.
func NewWorkflow(db *gorm.DB, configs *vpnconfig.Service, notifications *notification.Service, hasher PasswordHasher, sessions SessionRevoker) *Workflow {
	if sessions == nil {
		sessions = auth.NopRevoker{}
	}
	return &Workflow{
		db:            db,
		configs:       configs,
		notifications: notifications,
		hasher:        hasher,
		sessions:      sessions,
		newPassword:   auth.RandomPassword,
	}
}

func (w *Workflow) WithDB(tx *gorm.DB) *Workflow {
	c := *w
	c.db = tx
	c.configs = w.configs.WithDB(tx)
	c.notifications = w.notifications.WithDB(tx)
	return &c
}

func (w *Workflow) transaction(ctx context.Context, fn func(wf *Workflow) error) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(w.WithDB(tx))
	})
}

func (w *Workflow) load(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	var req models.Request
	if err := w.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, apperr.FromDB(err, "request")
	}
	return &req, nil
}

// Apply performs the request and deletes it. The returned message carries
// the new password for reset_password and "Success" otherwise.
func (w *Workflow) Apply(ctx context.Context, id uuid.UUID) (string, error) {
	msg := "Success"
	err := w.transaction(ctx, func(wf *Workflow) error {
		req, err := wf.load(ctx, id)
		if err != nil {
			return err
		}
		action, err := Decode(req)
		if err != nil {
			return err
		}

		switch a := action.(type) {
		case UpdateConfig:
			err = wf.applyUpdateConfig(ctx, req, a)
		case RenewConfig:
			err = wf.applyRenewConfig(ctx, req, a)
		case VerifyUser:
			err = wf.applyVerify(ctx, req, a)
		case ResetPassword:
			var password string
			password, err = wf.applyResetPassword(ctx, req, a)
			msg = "Password: " + password
		}
		if err != nil {
			return err
		}
		return wf.delete(ctx, req)
	})
	if err != nil {
		return "", err
	}
	logging.Infof("Applied request %s", id)
	return msg, nil
}

// Deny reverts the pending state the request put its subject in and deletes
// the request.
func (w *Workflow) Deny(ctx context.Context, id uuid.UUID) error {
	err := w.transaction(ctx, func(wf *Workflow) error {
		req, err := wf.load(ctx, id)
		if err != nil {
			return err
		}
		action, err := Decode(req)
		if err != nil {
			return err
		}

		switch a := action.(type) {
		case UpdateConfig:
			err = wf.setConfigStatus(ctx, a.ConfigID, models.ConfigNotUpdated)
		case RenewConfig:
			err = wf.setConfigStatus(ctx, a.ConfigID, models.ConfigNotUpdated)
		case VerifyUser:
			err = wf.setUserStatus(ctx, a.UserID, models.UserNotVerified)
		case ResetPassword:
		}
		if err != nil {
			return err
		}
		return wf.delete(ctx, req)
	})
	if err != nil {
		return err
	}
	logging.Infof("Denied request %s", id)
	return nil
}

func (w *Workflow) delete(ctx context.Context, req *models.Request) error {
	if err := w.db.WithContext(ctx).Delete(req).Error; err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	return nil
}

func (w *Workflow) applyUpdateConfig(ctx context.Context, req *models.Request, a UpdateConfig) error {
	cfg, err := w.configs.UpdateLimits(ctx, a.ConfigID, a.Limits)
	if err != nil {
		return err
	}
	if err := w.setConfigStatus(ctx, cfg.ID, models.ConfigUpdated); err != nil {
		return err
	}
	_, err = w.notifications.CreateUserNotification(ctx, notification.Spec{
		UserID:        req.UserID,
		RequestName:   models.RequestUpdateConfig,
		RequestStatus: models.RequestStatusApplied,
		RelatedName:   models.RelatedConfig,
		RelatedID:     cfg.ID,
		Title:         models.NewLocaleText("Config update success", "Конфигурация успешно обновлена"),
		Content: models.NewLocaleText(
			fmt.Sprintf("Your config %s has been successfully updated", cfg.Type),
			fmt.Sprintf("Ваша конфигурация %s успешно обновлена", cfg.Type),
		),
	})
	return err
}

func (w *Workflow) applyRenewConfig(ctx context.Context, req *models.Request, a RenewConfig) error {
	cfg, err := w.configs.UpdateLimits(ctx, a.ConfigID, a.Limits)
	if err != nil {
		return err
	}
	if _, err := w.configs.ResetTraffic(ctx, cfg.ID); err != nil {
		return err
	}
	_, err = w.notifications.CreateUserNotification(ctx, notification.Spec{
		UserID:        req.UserID,
		RequestName:   models.RequestRenewConfig,
		RequestStatus: models.RequestStatusApplied,
		RelatedName:   models.RelatedConfig,
		RelatedID:     cfg.ID,
		Title:         models.NewLocaleText("Config renewal success", "Продление конфигурации успешно завершено"),
		Content: models.NewLocaleText(
			fmt.Sprintf("Your config %s has been successfully renewed", cfg.Type),
			fmt.Sprintf("Ваша конфигурация %s успешно продлена", cfg.Type),
		),
	})
	return err
}

func (w *Workflow) applyVerify(ctx context.Context, req *models.Request, a VerifyUser) error {
	if err := w.guardSuperuser(ctx, a.UserID, "Superuser cannot be verified"); err != nil {
		return err
	}
	if err := w.setUserStatus(ctx, a.UserID, models.UserVerified); err != nil {
		return err
	}
	_, err := w.notifications.CreateUserNotification(ctx, notification.Spec{
		UserID:        req.UserID,
		RequestName:   models.RequestVerify,
		RequestStatus: models.RequestStatusApplied,
		RelatedName:   models.RelatedUser,
		RelatedID:     a.UserID,
		Title:         models.NewLocaleText("Verification success", "Верификация успешно завершена"),
		Content:       models.NewLocaleText("Your account successfully verified!", "Ваш аккаунт успешно верифицирован!"),
	})
	return err
}

func (w *Workflow) applyResetPassword(ctx context.Context, req *models.Request, a ResetPassword) (string, error) {
	password, err := w.resetPassword(ctx, a.UserID)
	if err != nil {
		return "", err
	}
	_, err = w.notifications.CreateUserNotification(ctx, notification.Spec{
		UserID:        req.UserID,
		RequestName:   models.RequestResetPassword,
		RequestStatus: models.RequestStatusApplied,
		RelatedName:   models.RelatedUser,
		RelatedID:     a.UserID,
		Title:         models.NewLocaleText("Password reset", "Сброс пароля"),
		Content:       models.NewLocaleText("Your password has been successfully reset", "Ваш пароль успешно сброшен"),
	})
	if err != nil {
		return "", err
	}
	return password, nil
}

// resetPassword stores a fresh random password and ends the user's sessions.
func (w *Workflow) resetPassword(ctx context.Context, userID uuid.UUID) (string, error) {
	if err := w.guardSuperuser(ctx, userID, "Superuser password cannot be reset"); err != nil {
		return "", err
	}
	password, err := w.newPassword()
	if err != nil {
		return "", err
	}
	hash, err := w.hasher.Hash(password)
	if err != nil {
		return "", err
	}
	if err := w.updateUser(ctx, userID, "password", hash); err != nil {
		return "", err
	}
	if err := w.sessions.RevokeAll(ctx, userID); err != nil {
		return "", err
	}
	return password, nil
}

func (w *Workflow) setConfigStatus(ctx context.Context, configID uuid.UUID, status models.ConfigStatus) error {
	res := w.db.WithContext(ctx).Model(&models.Config{}).Where("id = ?", configID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update config status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("config %s", configID)
	}
	return nil
}

func (w *Workflow) setUserStatus(ctx context.Context, userID uuid.UUID, status models.UserStatus) error {
	return w.updateUser(ctx, userID, "status", status)
}

func (w *Workflow) updateUser(ctx context.Context, userID uuid.UUID, column string, value any) error {
	res := w.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("failed to update user %s: %w", column, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("user %s", userID)
	}
	return nil
}

func (w *Workflow) getUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := w.db.WithContext(ctx).Preload("Role").First(&user, "id = ?", userID).Error; err != nil {
		return nil, apperr.FromDB(err, "user")
	}
	return &user, nil
}

func (w *Workflow) isSuperuser(ctx context.Context, userID uuid.UUID) (bool, error) {
	user, err := w.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.Role != nil && user.Role.Name == models.RoleSuperuser, nil
}

func (w *Workflow) guardSuperuser(ctx context.Context, userID uuid.UUID, msg string) error {
	super, err := w.isSuperuser(ctx, userID)
	if err != nil {
		return err
	}
	if super {
		return apperr.Validation("%s", msg)
	}
	return nil
}

// pending returns the user's open request of name, or nil.
func (w *Workflow) pending(ctx context.Context, userID uuid.UUID, name models.RequestName) (*models.Request, error) {
	var req models.Request
	err := w.db.WithContext(ctx).
		Where("related_id = ? AND name = ?", userID, name).
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s request: %w", name, err)
	}
	return &req, nil
}
