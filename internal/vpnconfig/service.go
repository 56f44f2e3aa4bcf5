// Package vpnconfig keeps a user's local config rows and the panel's clients
// in agreement. Every operation runs in one database transaction; panel side
// effects are not rolled back with it.
package vpnconfig

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/config"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/internal/utils"
	"fastraygram/internal/xui"
	"fastraygram/pkg/logging"
)

const (
	commentAutoCreated   = "created:auto"
	commentAutoRecreated = "recreated:auto"
	remarkSuffix         = "fast-ray-gram"
)

// Panel is the subset of the panel client the reconciler needs.
type Panel interface {
	InboundByRemark(ctx context.Context, remark string) (*xui.Inbound, error)
	ClientByEmail(ctx context.Context, inboundID int, email string) (*xui.InboundClient, error)
	ClientByEmailOptional(ctx context.Context, inboundID int, email string) (*xui.InboundClient, error)
	AddClientByRemark(ctx context.Context, remark string, client xui.InboundClient) error
	UpdateClientByRemark(ctx context.Context, remark, email string, upd xui.ClientUpdate) error
	DeleteClientByRemark(ctx context.Context, remark, email string) error
	ResetClientTrafficByRemark(ctx context.Context, remark, email string) error
}

type Service struct {
	db            *gorm.DB
	panel         Panel
	notifications *notification.Service
	app           config.AppConfig
	xui           config.XuiConfig
	httpClient    *http.Client
	now           func() time.Time
}

func NewService(db *gorm.DB, panel Panel, notifications *notification.Service, cfg *config.Config) *Service {
	return &Service{
		db:            db,
		panel:         panel,
		notifications: notifications,
		app:           cfg.App,
		xui:           cfg.Xui,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		now:           time.Now,
	}
}

// WithDB returns a copy bound to tx; nested transactions become savepoints.
func (s *Service) WithDB(tx *gorm.DB) *Service {
	c := *s
	c.db = tx
	c.notifications = s.notifications.WithDB(tx)
	return &c
}

func (s *Service) transaction(ctx context.Context, fn func(svc *Service) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithDB(tx))
	})
}

// ClientEmail is the panel email of a user's client for one config type. It
// doubles as the subscription id.
func ClientEmail(typ models.ConfigType, userID uuid.UUID) string {
	return fmt.Sprintf("%s_%s", typ, userID)
}

func (s *Service) subscriptionURL(subID string) string {
	return s.xui.SubscriptionURL() + "/" + subID
}

// find returns nil without error when the user has no config of typ.
func (s *Service) find(ctx context.Context, userID uuid.UUID, typ models.ConfigType) (*models.Config, error) {
	var cfg models.Config
	err := s.db.WithContext(ctx).Where("user_id = ? AND type = ?", userID, typ).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}
	return &cfg, nil
}

func (s *Service) get(ctx context.Context, configID uuid.UUID) (*models.Config, error) {
	var cfg models.Config
	if err := s.db.WithContext(ctx).First(&cfg, "id = ?", configID).Error; err != nil {
		return nil, apperr.FromDB(err, "config")
	}
	return &cfg, nil
}

func (s *Service) getOwned(ctx context.Context, userID, configID uuid.UUID) (*models.Config, error) {
	var cfg models.Config
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", configID, userID).First(&cfg).Error
	if err != nil {
		return nil, apperr.FromDB(err, "config")
	}
	return &cfg, nil
}

// GetOrCreate returns the user's config of typ, creating or repairing
// whichever side (local row, panel client) is missing and refreshing usage
// when both exist.
func (s *Service) GetOrCreate(ctx context.Context, userID uuid.UUID, typ models.ConfigType) (*models.Config, error) {
	if !typ.Valid() {
		return nil, apperr.Validation("unknown config type %q", typ)
	}

	var out *models.Config
	err := s.transaction(ctx, func(svc *Service) error {
		inbound, err := svc.panel.InboundByRemark(ctx, string(typ))
		if err != nil {
			return err
		}
		email := ClientEmail(typ, userID)
		client, err := svc.panel.ClientByEmailOptional(ctx, inbound.ID, email)
		if err != nil {
			return err
		}
		cfg, err := svc.find(ctx, userID, typ)
		if err != nil {
			return err
		}

		switch {
		case cfg == nil && client == nil:
			out, err = svc.provision(ctx, inbound, userID, typ)
		case cfg == nil:
			out, err = svc.restoreLocal(ctx, inbound, client, userID, typ)
		case client == nil:
			out, err = svc.restoreRemote(ctx, cfg)
		default:
			out, err = svc.refresh(ctx, inbound, cfg)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// provision creates both sides from the base limits.
func (s *Service) provision(ctx context.Context, inbound *xui.Inbound, userID uuid.UUID, typ models.ConfigType) (*models.Config, error) {
	now := s.now().UTC()
	email := ClientEmail(typ, userID)
	validTo := now.AddDate(0, 0, s.app.PromoDays)
	key := uuid.NewString()

	client := newPanelClient(typ, key, email)
	client.LimitIP = s.app.BaseLimitIP
	client.TotalGB = utils.GBToBytes(s.app.BaseTotalGB)
	client.ExpiryTime = utils.UnixMilli(validTo)
	client.Comment = autoComment(commentAutoCreated, now)

	logging.Debugf("Creating panel client %s", email)
	if err := s.panel.AddClientByRemark(ctx, inbound.Remark, client); err != nil {
		// A concurrent provisioning of the same user may have added the
		// client between our lookup and this call.
		existing, lookupErr := s.panel.ClientByEmailOptional(ctx, inbound.ID, email)
		if lookupErr != nil || existing == nil {
			return nil, err
		}
		logging.Infof("Panel client %s appeared concurrently, adopting it", email)
		return s.restoreLocal(ctx, inbound, existing, userID, typ)
	}
	created, err := s.panel.ClientByEmail(ctx, inbound.ID, email)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Type:            typ,
		Status:          models.ConfigNotUpdated,
		UserID:          userID,
		ClientID:        key,
		ClientEmail:     email,
		UsedGB:          0,
		TotalGB:         s.app.BaseTotalGB,
		LimitIP:         s.app.BaseLimitIP,
		SubscriptionURL: s.subscriptionURL(email),
		ConnectionURL:   s.connectionURL(ctx, inbound, created),
		ValidFrom:       now,
		ValidTo:         validTo,
	}
	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return nil, apperr.UniqueViolation(err, "config %s already exists for user %s", typ, userID)
		}
		if delErr := s.panel.DeleteClientByRemark(ctx, inbound.Remark, email); delErr != nil {
			logging.Errorf("Failed to remove orphaned panel client %s: %v", email, delErr)
		}
		return nil, fmt.Errorf("failed to create config: %w", err)
	}
	logging.Infof("Provisioned %s config for user %s", typ, userID)
	return cfg, nil
}

// restoreLocal rebuilds the row from a panel client that outlived it.
func (s *Service) restoreLocal(ctx context.Context, inbound *xui.Inbound, client *xui.InboundClient, userID uuid.UUID, typ models.ConfigType) (*models.Config, error) {
	now := s.now().UTC()
	logging.Debugf("Restoring config of user %s from panel client %s", userID, client.Email)

	cfg := &models.Config{
		Type:            typ,
		Status:          models.ConfigNotUpdated,
		UserID:          userID,
		ClientID:        client.Key(),
		ClientEmail:     client.Email,
		UsedGB:          utils.BytesToGB(client.UsedBytes),
		TotalGB:         int(utils.BytesToGB(client.TotalGB)),
		LimitIP:         client.LimitIP,
		SubscriptionURL: s.subscriptionURL(client.Email),
		ConnectionURL:   s.connectionURL(ctx, inbound, client),
		ValidFrom:       now,
		ValidTo:         utils.FromUnixMilli(client.ExpiryTime),
	}
	if err := s.db.WithContext(ctx).Create(cfg).Error; err != nil {
		if apperr.IsUniqueViolation(err) {
			return nil, apperr.UniqueViolation(err, "config %s already exists for user %s", typ, userID)
		}
		return nil, fmt.Errorf("failed to restore config: %w", err)
	}
	return cfg, nil
}

// restoreRemote recreates a missing panel client from the row; the row is
// returned unchanged.
func (s *Service) restoreRemote(ctx context.Context, cfg *models.Config) (*models.Config, error) {
	logging.Debugf("Recreating panel client %s from config %s", cfg.ClientEmail, cfg.ID)

	client := newPanelClient(cfg.Type, cfg.ClientID, cfg.ClientEmail)
	client.LimitIP = cfg.LimitIP
	client.TotalGB = utils.GBToBytes(cfg.TotalGB)
	client.ExpiryTime = utils.UnixMilli(cfg.ValidTo)
	client.Comment = autoComment(commentAutoRecreated, s.now().UTC())

	if err := s.panel.AddClientByRemark(ctx, string(cfg.Type), client); err != nil {
		return nil, err
	}
	return cfg, nil
}

// refresh copies usage and quota from the panel, writing only drifted columns.
func (s *Service) refresh(ctx context.Context, inbound *xui.Inbound, cfg *models.Config) (*models.Config, error) {
	client, err := s.panel.ClientByEmail(ctx, inbound.ID, cfg.ClientEmail)
	if err != nil {
		return nil, err
	}

	usedGB := utils.BytesToGB(client.UsedBytes)
	totalGB := int(utils.BytesToGB(client.TotalGB))
	subURL := s.subscriptionURL(client.Email)
	connURL := s.connectionURL(ctx, inbound, client)

	changes := map[string]any{}
	if cfg.UsedGB != usedGB {
		changes["used_gb"] = usedGB
	}
	if cfg.TotalGB != totalGB {
		changes["total_gb"] = totalGB
	}
	if cfg.LimitIP != client.LimitIP {
		changes["limit_ip"] = client.LimitIP
	}
	if cfg.SubscriptionURL != subURL {
		changes["subscription_url"] = subURL
	}
	if cfg.ConnectionURL != connURL {
		changes["connection_url"] = connURL
	}
	if len(changes) == 0 {
		return cfg, nil
	}

	logging.Debugf("Config %s drifted from panel: %v", cfg.ID, changes)
	if err := s.db.WithContext(ctx).Model(cfg).Updates(changes).Error; err != nil {
		return nil, fmt.Errorf("failed to refresh config: %w", err)
	}
	return s.get(ctx, cfg.ID)
}

func newPanelClient(typ models.ConfigType, key, email string) xui.InboundClient {
	if typ == models.ConfigTypeTrojan {
		return xui.NewTrojanClient(key, email)
	}
	return xui.NewVlessClient(key, email)
}

func autoComment(prefix string, at time.Time) string {
	return prefix + ":" + at.Format("[2006-01-02T15:04:05]")
}

// ListForUser returns every config the user owns.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Config, error) {
	var out []models.Config
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("type").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	return out, nil
}
