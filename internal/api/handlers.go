package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fastraygram/internal/apperr"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/internal/request"
	"fastraygram/internal/vpnconfig"
	"fastraygram/pkg/logging"
)

// Pinger checks that the proxy panel answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Configs       *vpnconfig.Service
	Workflow      *request.Workflow
	Notifications *notification.Service
	Panel         Pinger
	ExpiryDays    int
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ErrorJSON(c, apperr.Validation("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := UserIDFromContext(c)
	if !ok {
		abortJSON(c, http.StatusUnauthorized, "Invalid authentication token")
	}
	return id, ok
}

// boundedQuery reads an integer query parameter within [lo, hi].
func boundedQuery(c *gin.Context, key string, fallback, lo, hi int) (int, bool) {
	raw, ok := c.GetQuery(key)
	if !ok {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		ErrorJSON(c, apperr.Validation("%s must be an integer between %d and %d", key, lo, hi))
		return 0, false
	}
	return v, true
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.Panel.Ping(c.Request.Context()); err != nil {
		logging.Errorf("Panel health check failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, Response{Success: false, Message: "panel unavailable"})
		return
	}
	SuccessJSON(c, gin.H{"status": "ok"})
}

func (h *Handler) ListConfigs(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	configs, err := h.Configs.ListForUser(c.Request.Context(), userID)
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	SuccessJSON(c, configs)
}

// GetConfigByType provisions on first use. A concurrent first request for
// the same type loses the insert race; one retry then reads the winner's row.
func (h *Handler) GetConfigByType(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	typ := models.ConfigType(c.Param("type"))

	cfg, err := h.Configs.GetOrCreate(c.Request.Context(), userID, typ)
	if apperr.Is(err, apperr.CodeUniqueViolation) {
		logging.Debugf("Config %s for %s raced, retrying", typ, userID)
		cfg, err = h.Configs.GetOrCreate(c.Request.Context(), userID, typ)
	}
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	SuccessJSON(c, cfg)
}

func (h *Handler) RenewConfig(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	configID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.Configs.CreateRenewRequest(c.Request.Context(), userID, configID); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

func (h *Handler) UpdateConfigLimits(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	configID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body vpnconfig.LimitsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		ErrorJSON(c, apperr.Validation("invalid body: %v", err))
		return
	}
	if _, err := h.Configs.CreateUpdateLimitsRequest(c.Request.Context(), userID, configID, body); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

func (h *Handler) RequestVerification(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if _, err := h.Workflow.RequestVerification(c.Request.Context(), userID); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

type forgotPasswordBody struct {
	Login string `json:"login" binding:"required"`
}

// ForgotPassword always answers success so logins cannot be probed.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var body forgotPasswordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		ErrorJSON(c, apperr.Validation("login is required"))
		return
	}
	if err := h.Workflow.ForgotPassword(c.Request.Context(), body.Login); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

func (h *Handler) ListNotifications(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit, ok := boundedQuery(c, "limit", 50, 1, 100)
	if !ok {
		return
	}
	items, err := h.Notifications.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	SuccessJSON(c, items)
}

func (h *Handler) ApplyRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	msg, err := h.Workflow.Apply(c.Request.Context(), id)
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, msg)
}

func (h *Handler) DenyRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.Workflow.Deny(c.Request.Context(), id); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

// shiftDuration reads ?days (default: the renewal period, up to 90) and
// ?hours (up to 23).
func (h *Handler) shiftDuration(c *gin.Context) (time.Duration, bool) {
	days, ok := boundedQuery(c, "days", h.ExpiryDays, 0, 90)
	if !ok {
		return 0, false
	}
	hours, ok := boundedQuery(c, "hours", 0, 0, 23)
	if !ok {
		return 0, false
	}
	return time.Duration(days)*24*time.Hour + time.Duration(hours)*time.Hour, true
}

func (h *Handler) AddConfigTime(c *gin.Context) {
	h.shiftConfig(c, h.Configs.AddTime)
}

func (h *Handler) RemoveConfigTime(c *gin.Context) {
	h.shiftConfig(c, h.Configs.RemoveTime)
}

func (h *Handler) shiftConfig(c *gin.Context, shift func(context.Context, uuid.UUID, time.Duration) (*models.Config, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, ok := h.shiftDuration(c)
	if !ok {
		return
	}
	cfg, err := shift(c.Request.Context(), id, d)
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	SuccessJSON(c, cfg)
}

func (h *Handler) ResetConfigTraffic(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	cfg, err := h.Configs.ResetTraffic(c.Request.Context(), id)
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	SuccessJSON(c, cfg)
}

func (h *Handler) VerifyUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.Workflow.VerifyUser(c.Request.Context(), id); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

func (h *Handler) UnverifyUser(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.Workflow.UnverifyUser(c.Request.Context(), id); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

type roleBody struct {
	Role models.RoleName `json:"role" binding:"required"`
}

func (h *Handler) UpdateUserRole(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body roleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		ErrorJSON(c, apperr.Validation("role is required"))
		return
	}
	if err := h.Workflow.UpdateUserRole(c.Request.Context(), id, body.Role); err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Success")
}

func (h *Handler) ResetUserPassword(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	password, err := h.Workflow.ResetPassword(c.Request.Context(), id)
	if err != nil {
		ErrorJSON(c, err)
		return
	}
	MessageJSON(c, "Password: "+password)
}
