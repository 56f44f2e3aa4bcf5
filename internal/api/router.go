// Package api exposes the config, request and notification operations over
// HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fastraygram/internal/auth"
	"fastraygram/internal/models"
)

type Deps struct {
	DB          *gorm.DB
	Handler     *Handler
	TokenConfig auth.TokenConfig
	Revocations Revocations
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	h := deps.Handler
	revocations := deps.Revocations
	if revocations == nil {
		revocations = auth.NopRevoker{}
	}
	requireAuth := RequireAuth(deps.TokenConfig, revocations)

	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/forgot-password", h.ForgotPassword)

	account := v1.Group("/account", requireAuth)
	{
		account.POST("/verification", h.RequestVerification)
		account.GET("/notifications", h.ListNotifications)
	}

	client := v1.Group("/client", requireAuth, RequireRole(models.RoleUser), RequireVerified(deps.DB))
	{
		client.GET("/configs", h.ListConfigs)
		client.GET("/configs/by-type/:type", h.GetConfigByType)
		client.POST("/configs/:id/renew", h.RenewConfig)
		client.POST("/configs/:id/update-limits", h.UpdateConfigLimits)
	}

	admin := v1.Group("/admin", requireAuth, RequireRole(models.RoleAdmin))
	{
		admin.POST("/requests/:id/apply", h.ApplyRequest)
		admin.POST("/requests/:id/deny", h.DenyRequest)

		admin.POST("/configs/:id/time/add", h.AddConfigTime)
		admin.POST("/configs/:id/time/remove", h.RemoveConfigTime)
		admin.POST("/configs/:id/reset-traffic", h.ResetConfigTraffic)

		admin.POST("/users/:id/verify", h.VerifyUser)
		admin.POST("/users/:id/unverify", h.UnverifyUser)
		admin.PUT("/users/:id/role", h.UpdateUserRole)
		admin.POST("/users/:id/reset-password", h.ResetUserPassword)
	}

	return r
}
