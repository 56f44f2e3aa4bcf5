package request

import (
	"encoding/json"

	"github.com/google/uuid"

	"fastraygram/internal/apperr"
	"fastraygram/internal/models"
	"fastraygram/internal/vpnconfig"
)

// Action is a request kind an operator can apply or deny. The set is closed:
// only this package implements it.
type Action interface {
	Name() models.RequestName
	action()
}

type VerifyUser struct {
	UserID uuid.UUID
}

type ResetPassword struct {
	UserID uuid.UUID
}

type UpdateConfig struct {
	ConfigID uuid.UUID
	Limits   vpnconfig.LimitsUpdate
}

type RenewConfig struct {
	ConfigID uuid.UUID
	Limits   vpnconfig.LimitsUpdate
}

func (VerifyUser) Name() models.RequestName    { return models.RequestVerify }
func (ResetPassword) Name() models.RequestName { return models.RequestResetPassword }
func (UpdateConfig) Name() models.RequestName  { return models.RequestUpdateConfig }
func (RenewConfig) Name() models.RequestName   { return models.RequestRenewConfig }

func (VerifyUser) action()    {}
func (ResetPassword) action() {}
func (UpdateConfig) action()  {}
func (RenewConfig) action()   {}

// Decode turns a stored request into its action. Kinds that are informational
// only, such as expire_config, are rejected.
func Decode(req *models.Request) (Action, error) {
	switch req.Name {
	case models.RequestVerify, models.RequestResetPassword:
		if req.RelatedName != models.RelatedUser {
			return nil, apperr.Validation("%s request must relate to a user, got %q", req.Name, req.RelatedName)
		}
		if req.Name == models.RequestVerify {
			return VerifyUser{UserID: req.RelatedID}, nil
		}
		return ResetPassword{UserID: req.RelatedID}, nil

	case models.RequestUpdateConfig, models.RequestRenewConfig:
		if req.RelatedName != models.RelatedConfig {
			return nil, apperr.Validation("%s request must relate to a config, got %q", req.Name, req.RelatedName)
		}
		var limits vpnconfig.LimitsUpdate
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &limits); err != nil {
				return nil, apperr.Validation("malformed %s payload: %v", req.Name, err)
			}
		}
		if req.Name == models.RequestUpdateConfig {
			return UpdateConfig{ConfigID: req.RelatedID, Limits: limits}, nil
		}
		return RenewConfig{ConfigID: req.RelatedID, Limits: limits}, nil

	default:
		return nil, apperr.Validation("Unknown request name: %s", req.Name)
	}
}
