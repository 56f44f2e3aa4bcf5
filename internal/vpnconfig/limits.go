package vpnconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/internal/utils"
	"fastraygram/internal/xui"
	"fastraygram/pkg/logging"
)

// LimitsUpdate is an operator-approved change; nil fields are left alone.
// It is also the payload stored on update_config and renew_config requests.
type LimitsUpdate struct {
	TotalGB *int       `json:"total_gb,omitempty"`
	LimitIP *int       `json:"limit_ip,omitempty"`
	ValidTo *time.Time `json:"valid_to,omitempty"`
	UsedGB  *float64   `json:"used_gb,omitempty"`
}

// LimitsRequest is what a user may ask for.
type LimitsRequest struct {
	TotalGB *int `json:"total_gb"`
	LimitIP *int `json:"limit_ip"`
}

// UpdateLimits writes the row first and then pushes the resulting limits to
// the panel; a panel failure rolls the row back.
func (s *Service) UpdateLimits(ctx context.Context, configID uuid.UUID, upd LimitsUpdate) (*models.Config, error) {
	var out *models.Config
	err := s.transaction(ctx, func(svc *Service) error {
		var err error
		out, err = svc.updateLimits(ctx, configID, upd)
		return err
	})
	return out, err
}

func (s *Service) updateLimits(ctx context.Context, configID uuid.UUID, upd LimitsUpdate) (*models.Config, error) {
	cfg, err := s.get(ctx, configID)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if upd.TotalGB != nil {
		changes["total_gb"] = *upd.TotalGB
	}
	if upd.LimitIP != nil {
		changes["limit_ip"] = *upd.LimitIP
	}
	if upd.ValidTo != nil {
		changes["valid_to"] = upd.ValidTo.UTC()
	}
	if upd.UsedGB != nil {
		changes["used_gb"] = *upd.UsedGB
	}
	if len(changes) > 0 {
		if err := s.db.WithContext(ctx).Model(cfg).Updates(changes).Error; err != nil {
			return nil, fmt.Errorf("failed to update config limits: %w", err)
		}
		if cfg, err = s.get(ctx, configID); err != nil {
			return nil, err
		}
	}

	limitIP := cfg.LimitIP
	totalBytes := utils.GBToBytes(cfg.TotalGB)
	expiry := utils.UnixMilli(cfg.ValidTo)
	err = s.panel.UpdateClientByRemark(ctx, string(cfg.Type), cfg.ClientEmail, xui.ClientUpdate{
		LimitIP:    &limitIP,
		TotalGB:    &totalBytes,
		ExpiryTime: &expiry,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResetTraffic zeroes the client's panel counters and marks the row updated.
func (s *Service) ResetTraffic(ctx context.Context, configID uuid.UUID) (*models.Config, error) {
	var out *models.Config
	err := s.transaction(ctx, func(svc *Service) error {
		cfg, err := svc.get(ctx, configID)
		if err != nil {
			return err
		}
		if err := svc.panel.ResetClientTrafficByRemark(ctx, string(cfg.Type), cfg.ClientEmail); err != nil {
			return err
		}
		err = svc.db.WithContext(ctx).Model(cfg).Updates(map[string]any{
			"status":  models.ConfigUpdated,
			"used_gb": 0,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to mark config updated: %w", err)
		}
		out, err = svc.get(ctx, configID)
		return err
	})
	return out, err
}

// AddTime pushes the expiry forward by d.
func (s *Service) AddTime(ctx context.Context, configID uuid.UUID, d time.Duration) (*models.Config, error) {
	if d <= 0 {
		return nil, apperr.Validation("duration must be positive")
	}
	return s.shiftExpiry(ctx, configID, d)
}

// RemoveTime pulls the expiry back by d, never before valid_from.
func (s *Service) RemoveTime(ctx context.Context, configID uuid.UUID, d time.Duration) (*models.Config, error) {
	if d <= 0 {
		return nil, apperr.Validation("duration must be positive")
	}
	return s.shiftExpiry(ctx, configID, -d)
}

func (s *Service) shiftExpiry(ctx context.Context, configID uuid.UUID, d time.Duration) (*models.Config, error) {
	var out *models.Config
	err := s.transaction(ctx, func(svc *Service) error {
		cfg, err := svc.get(ctx, configID)
		if err != nil {
			return err
		}
		validTo := cfg.ValidTo.Add(d)
		if validTo.Before(cfg.ValidFrom) {
			validTo = cfg.ValidFrom
		}
		expiry := utils.UnixMilli(validTo)
		err = svc.panel.UpdateClientByRemark(ctx, string(cfg.Type), cfg.ClientEmail, xui.ClientUpdate{ExpiryTime: &expiry})
		if err != nil {
			return err
		}
		if err := svc.db.WithContext(ctx).Model(cfg).Update("valid_to", validTo.UTC()).Error; err != nil {
			return fmt.Errorf("failed to update expiry: %w", err)
		}
		out, err = svc.get(ctx, configID)
		return err
	})
	return out, err
}

// CreateRenewRequest files a renewal for operator approval.
func (s *Service) CreateRenewRequest(ctx context.Context, userID, configID uuid.UUID) (*models.Request, error) {
	validTo := s.now().UTC().AddDate(0, 0, s.app.ExpiryDays)
	usedGB := 0.0
	payload := LimitsUpdate{ValidTo: &validTo, UsedGB: &usedGB}

	var out *models.Request
	err := s.transaction(ctx, func(svc *Service) error {
		cfg, err := svc.getOwned(ctx, userID, configID)
		if err != nil {
			return err
		}
		out, err = svc.fileRequest(ctx, cfg, models.RequestRenewConfig, payload)
		if err != nil {
			return err
		}
		_, err = svc.notifications.CreateAdminsNotification(ctx, notification.Spec{
			RequestName:   models.RequestRenewConfig,
			RequestStatus: models.RequestStatusNew,
			RelatedName:   models.RelatedConfig,
			RelatedID:     cfg.ID,
			Title: models.NewLocaleText(
				"⚠️ [ADMIN] Config renewal request",
				"⚠️ [АДМИН] Заявка на продление конфигурации",
			),
			Content: models.NewLocaleText(
				fmt.Sprintf("New renewal request for config %s, %s", cfg.Type, cfg.ClientEmail),
				fmt.Sprintf("Новая заявка на продление конфигурации %s, %s", cfg.Type, cfg.ClientEmail),
			),
		})
		return err
	})
	return out, err
}

// CreateUpdateLimitsRequest validates the asked-for limits against the
// runtime maxima and files them for operator approval.
func (s *Service) CreateUpdateLimitsRequest(ctx context.Context, userID, configID uuid.UUID, req LimitsRequest) (*models.Request, error) {
	if req.TotalGB == nil && req.LimitIP == nil {
		return nil, apperr.Validation("nothing to update")
	}
	if (req.TotalGB != nil && *req.TotalGB < 0) || (req.LimitIP != nil && *req.LimitIP < 0) {
		return nil, apperr.Validation("limits must not be negative")
	}

	var out *models.Request
	err := s.transaction(ctx, func(svc *Service) error {
		maxLimitIP, maxTotalGB, err := svc.maxima(ctx)
		if err != nil {
			return err
		}
		if req.TotalGB != nil && *req.TotalGB > maxTotalGB {
			return apperr.Validation("Total GB is greater than max total GB: %d", maxTotalGB)
		}
		if req.LimitIP != nil && *req.LimitIP > maxLimitIP {
			return apperr.Validation("Limit IP is greater than max limit IP: %d", maxLimitIP)
		}

		cfg, err := svc.getOwned(ctx, userID, configID)
		if err != nil {
			return err
		}
		out, err = svc.fileRequest(ctx, cfg, models.RequestUpdateConfig, LimitsUpdate{TotalGB: req.TotalGB, LimitIP: req.LimitIP})
		if err != nil {
			return err
		}
		_, err = svc.notifications.CreateAdminsNotification(ctx, notification.Spec{
			RequestName:   models.RequestUpdateConfig,
			RequestStatus: models.RequestStatusNew,
			RelatedName:   models.RelatedConfig,
			RelatedID:     cfg.ID,
			Title: models.NewLocaleText(
				"⚠️ [ADMIN] Config update request",
				"⚠️ [АДМИН] Заявка на обновление конфигурации",
			),
			Content: models.NewLocaleText(
				fmt.Sprintf("New update request for config %s, %s", cfg.Type, cfg.ClientEmail),
				fmt.Sprintf("Новая заявка на обновление конфигурации %s, %s", cfg.Type, cfg.ClientEmail),
			),
		})
		return err
	})
	return out, err
}

// fileRequest inserts the request and marks the config update_pending.
func (s *Service) fileRequest(ctx context.Context, cfg *models.Config, name models.RequestName, payload LimitsUpdate) (*models.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}
	req := &models.Request{
		UserID:      cfg.UserID,
		Name:        name,
		RelatedID:   cfg.ID,
		RelatedName: models.RelatedConfig,
		Data:        data,
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return nil, apperr.UniqueViolation(err, "%s request for config %s already exists", name, cfg.ID)
		}
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(cfg).Update("status", models.ConfigUpdatePending).Error; err != nil {
		return nil, fmt.Errorf("failed to mark config pending: %w", err)
	}
	logging.Infof("Filed %s request %s for config %s", name, req.ID, cfg.ID)
	return req, nil
}

// maxima reads the operator-tunable limits, falling back to startup values.
func (s *Service) maxima(ctx context.Context) (limitIP, totalGB int, err error) {
	limitIP, totalGB = s.app.MaxLimitIP, s.app.MaxTotalGB

	var settings models.AppSettings
	err = s.db.WithContext(ctx).Where("name = ?", models.ServiceSettingsName).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return limitIP, totalGB, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get service settings: %w", err)
	}
	return intSetting(settings.Values, "max_limit_ip", limitIP), intSetting(settings.Values, "max_total_gb", totalGB), nil
}

func intSetting(values map[string]any, key string, fallback int) int {
	switch v := values[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
