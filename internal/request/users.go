package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/pkg/logging"
)

// RequestVerification files a verify request and marks the user pending.
func (w *Workflow) RequestVerification(ctx context.Context, userID uuid.UUID) (*models.Request, error) {
	var out *models.Request
	err := w.transaction(ctx, func(wf *Workflow) error {
		user, err := wf.getUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Role != nil && user.Role.Name == models.RoleSuperuser {
			return apperr.Validation("Superuser cannot be verified")
		}
		if user.Status == models.UserVerified {
			return apperr.Validation("user %s is already verified", user.Login)
		}

		out = &models.Request{
			UserID:      user.ID,
			Name:        models.RequestVerify,
			RelatedID:   user.ID,
			RelatedName: models.RelatedUser,
			Data:        []byte("{}"),
		}
		if err := wf.db.WithContext(ctx).Create(out).Error; err != nil {
			return apperr.FromDB(err, "verify request")
		}
		if err := wf.setUserStatus(ctx, user.ID, models.UserVerificationPending); err != nil {
			return err
		}
		_, err = wf.notifications.CreateAdminsNotification(ctx, notification.Spec{
			RequestName:   models.RequestVerify,
			RequestStatus: models.RequestStatusNew,
			RelatedName:   models.RelatedUser,
			RelatedID:     user.ID,
			Title:         models.NewLocaleText("⚠️ [ADMIN] Verification request", "⚠️ [АДМИН] Запрос на верификацию"),
			Content: models.NewLocaleText(
				fmt.Sprintf("User %s has requested verification", user.Login),
				fmt.Sprintf("Пользователь %s запросил верификацию", user.Login),
			),
		})
		return err
	})
	return out, err
}

// ForgotPassword files a reset_password request for login unless one is
// already open. Unknown logins are ignored so callers cannot probe accounts.
func (w *Workflow) ForgotPassword(ctx context.Context, login string) error {
	return w.transaction(ctx, func(wf *Workflow) error {
		var user models.User
		err := wf.db.WithContext(ctx).Where("login = ?", login).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Debugf("Password reset asked for unknown login %q", login)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get user: %w", err)
		}

		existing, err := wf.pending(ctx, user.ID, models.RequestResetPassword)
		if err != nil || existing != nil {
			return err
		}

		req := &models.Request{
			UserID:      user.ID,
			Name:        models.RequestResetPassword,
			RelatedID:   user.ID,
			RelatedName: models.RelatedUser,
			Data:        []byte("{}"),
		}
		if err := wf.db.WithContext(ctx).Create(req).Error; err != nil {
			return apperr.FromDB(err, "reset_password request")
		}
		_, err = wf.notifications.CreateAdminsNotification(ctx, notification.Spec{
			RequestName:   models.RequestResetPassword,
			RequestStatus: models.RequestStatusNew,
			RelatedName:   models.RelatedUser,
			RelatedID:     user.ID,
			Title:         models.NewLocaleText("⚠️ [ADMIN] Password reset request", "⚠️ [АДМИН] Запрос на сброс пароля"),
			Content: models.NewLocaleText(
				fmt.Sprintf("User %s has requested password reset", user.Login),
				fmt.Sprintf("Пользователь %s запросил сброс пароля", user.Login),
			),
		})
		return err
	})
}

// VerifyUser applies the user's open verify request, or marks the user
// verified directly when there is none.
func (w *Workflow) VerifyUser(ctx context.Context, userID uuid.UUID) error {
	return w.transaction(ctx, func(wf *Workflow) error {
		if err := wf.guardSuperuser(ctx, userID, "Superuser cannot be verified"); err != nil {
			return err
		}
		req, err := wf.pending(ctx, userID, models.RequestVerify)
		if err != nil {
			return err
		}
		if req != nil {
			_, err = wf.Apply(ctx, req.ID)
			return err
		}
		return wf.setUserStatus(ctx, userID, models.UserVerified)
	})
}

// UnverifyUser denies the user's open verify request, or marks the user
// not verified directly.
func (w *Workflow) UnverifyUser(ctx context.Context, userID uuid.UUID) error {
	return w.transaction(ctx, func(wf *Workflow) error {
		if err := wf.guardSuperuser(ctx, userID, "Superuser cannot be unverified"); err != nil {
			return err
		}
		req, err := wf.pending(ctx, userID, models.RequestVerify)
		if err != nil {
			return err
		}
		if req != nil {
			return wf.Deny(ctx, req.ID)
		}
		return wf.setUserStatus(ctx, userID, models.UserNotVerified)
	})
}

// UpdateUserRole moves a user to role and verifies them.
func (w *Workflow) UpdateUserRole(ctx context.Context, userID uuid.UUID, role models.RoleName) error {
	if role.Weight() < 0 {
		return apperr.Validation("unknown role %q", role)
	}
	if role == models.RoleSuperuser {
		return apperr.Validation("there can be only one superuser")
	}
	return w.transaction(ctx, func(wf *Workflow) error {
		if err := wf.guardSuperuser(ctx, userID, "Superuser cannot be updated"); err != nil {
			return err
		}
		var dbRole models.Role
		if err := wf.db.WithContext(ctx).Where("name = ?", role).First(&dbRole).Error; err != nil {
			return apperr.FromDB(err, "role")
		}
		if err := wf.updateUser(ctx, userID, "role_id", dbRole.ID); err != nil {
			return err
		}
		return wf.VerifyUser(ctx, userID)
	})
}

// ResetPassword sets a new random password directly, closing any open
// reset_password request, and returns the plaintext.
func (w *Workflow) ResetPassword(ctx context.Context, userID uuid.UUID) (string, error) {
	var password string
	err := w.transaction(ctx, func(wf *Workflow) error {
		req, err := wf.pending(ctx, userID, models.RequestResetPassword)
		if err != nil {
			return err
		}
		if req != nil {
			if err := wf.delete(ctx, req); err != nil {
				return err
			}
		}
		password, err = wf.resetPassword(ctx, userID)
		return err
	})
	return password, err
}
