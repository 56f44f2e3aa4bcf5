package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"fastraygram/internal/auth"
	"fastraygram/internal/config"
	"fastraygram/internal/database/dbtest"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/internal/request"
	"fastraygram/internal/vpnconfig"
	"fastraygram/internal/xui"
	"fastraygram/internal/xui/xuitest"
)

type revokedAll struct{}

func (revokedAll) IsRevoked(context.Context, *auth.Claims) (bool, error) { return true, nil }

type fixture struct {
	router   *gin.Engine
	db       *gorm.DB
	panel    *xuitest.Server
	tokenCfg auth.TokenConfig
	admin    *models.User
	user     *models.User
}

func newFixture(t *testing.T, revocations Revocations) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.New(t)
	panel := xuitest.NewServer(t)
	cfg := &config.Config{
		Xui: panel.Config(),
		App: config.AppConfig{BaseLimitIP: 1, BaseTotalGB: 100, PromoDays: 7, ExpiryDays: 30, MaxLimitIP: 10, MaxTotalGB: 1000},
	}
	panelClient := xui.NewClient(cfg.Xui, nil)
	notifications := notification.NewService(db)
	configs := vpnconfig.NewService(db, panelClient, notifications, cfg)
	workflow := request.NewWorkflow(db, configs, notifications, auth.BcryptHasher{Cost: 4}, nil)

	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	handler := &Handler{
		Configs:       configs,
		Workflow:      workflow,
		Notifications: notifications,
		Panel:         panelClient,
		ExpiryDays:    cfg.App.ExpiryDays,
	}
	router := NewRouter(Deps{DB: db, Handler: handler, TokenConfig: tokenCfg, Revocations: revocations})

	dbtest.CreateUser(t, db, "root", models.RoleSuperuser, models.LangRU)
	return &fixture{
		router:   router,
		db:       db,
		panel:    panel,
		tokenCfg: tokenCfg,
		admin:    dbtest.CreateUser(t, db, "admin", models.RoleAdmin, models.LangRU),
		user:     dbtest.CreateUser(t, db, "alice", models.RoleUser, models.LangEN),
	}
}

func (f *fixture) token(t *testing.T, u *models.User, role models.RoleName) string {
	t.Helper()
	tok, err := auth.CreateToken(u.ID.String(), string(role), f.tokenCfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return tok
}

func (f *fixture) verify(t *testing.T, u *models.User) {
	t.Helper()
	if err := f.db.Model(u).Update("status", models.UserVerified).Error; err != nil {
		t.Fatalf("verify user: %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
	}
	return w, resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	if w, _ := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	f.panel.Fail("status", "down")
	if w, _ := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAuthAndRoles(t *testing.T) {
	f := newFixture(t, nil)
	userToken := f.token(t, f.user, models.RoleUser)

	if w, _ := f.do(t, http.MethodGet, "/api/v1/client/configs", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/v1/client/configs", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", w.Code)
	}
	if w, resp := f.do(t, http.MethodGet, "/api/v1/client/configs", userToken, nil); w.Code != http.StatusForbidden || resp.Success {
		t.Fatalf("expected 403 for unverified user, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/v1/admin/users/"+f.user.ID.String()+"/verify", userToken, nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for admin route, got %d", w.Code)
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	f := newFixture(t, revokedAll{})
	w, resp := f.do(t, http.MethodGet, "/api/v1/account/notifications", f.token(t, f.user, models.RoleUser), nil)
	if w.Code != http.StatusUnauthorized || resp.Message != "Session has been revoked" {
		t.Fatalf("expected revoked session, got %d %q", w.Code, resp.Message)
	}
}

func TestGetConfigByType(t *testing.T) {
	f := newFixture(t, nil)
	f.verify(t, f.user)
	tok := f.token(t, f.user, models.RoleUser)

	w, resp := f.do(t, http.MethodGet, "/api/v1/client/configs/by-type/vless", tok, nil)
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data, _ := resp.Data.(map[string]any)
	if data["client_email"] != vpnconfig.ClientEmail(models.ConfigTypeVless, f.user.ID) {
		t.Fatalf("unexpected config %v", data)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/client/configs/by-type/wireguard", tok, nil)
	if w.Code != http.StatusUnprocessableEntity || !strings.HasPrefix(resp.Message, "validation_error: ") {
		t.Fatalf("expected 422 validation error, got %d %q", w.Code, resp.Message)
	}

	w, resp = f.do(t, http.MethodGet, "/api/v1/client/configs", tok, nil)
	if items, _ := resp.Data.([]any); w.Code != http.StatusOK || len(items) != 1 {
		t.Fatalf("expected one config listed, got %d %v", w.Code, resp.Data)
	}
}

func TestUpdateLimitsThroughApply(t *testing.T) {
	f := newFixture(t, nil)
	f.verify(t, f.user)
	userToken := f.token(t, f.user, models.RoleUser)
	adminToken := f.token(t, f.admin, models.RoleAdmin)

	_, resp := f.do(t, http.MethodGet, "/api/v1/client/configs/by-type/trojan", userToken, nil)
	configID := resp.Data.(map[string]any)["id"].(string)

	w, _ := f.do(t, http.MethodPost, "/api/v1/client/configs/"+configID+"/update-limits", userToken, map[string]int{"total_gb": 50})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w, _ = f.do(t, http.MethodPost, "/api/v1/client/configs/"+configID+"/update-limits", userToken, map[string]int{"total_gb": 60})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second open request, got %d", w.Code)
	}

	var req models.Request
	if err := f.db.First(&req, "name = ?", models.RequestUpdateConfig).Error; err != nil {
		t.Fatalf("request: %v", err)
	}
	w, resp = f.do(t, http.MethodPost, "/api/v1/admin/requests/"+req.ID.String()+"/apply", adminToken, nil)
	if w.Code != http.StatusOK || resp.Message != "Success" {
		t.Fatalf("expected Success, got %d %q", w.Code, resp.Message)
	}

	var cfg models.Config
	f.db.First(&cfg, "id = ?", configID)
	if cfg.TotalGB != 50 || cfg.Status != models.ConfigUpdated {
		t.Fatalf("unexpected config %+v", cfg)
	}

	w, resp = f.do(t, http.MethodPost, "/api/v1/admin/requests/"+req.ID.String()+"/deny", adminToken, nil)
	if w.Code != http.StatusNotFound || !strings.HasPrefix(resp.Message, "object_not_found: ") {
		t.Fatalf("expected 404 for a consumed request, got %d %q", w.Code, resp.Message)
	}
}

func TestAdminConfigTime(t *testing.T) {
	f := newFixture(t, nil)
	f.verify(t, f.user)
	adminToken := f.token(t, f.admin, models.RoleAdmin)
	_, resp := f.do(t, http.MethodGet, "/api/v1/client/configs/by-type/vless", f.token(t, f.user, models.RoleUser), nil)
	configID := resp.Data.(map[string]any)["id"].(string)

	var before models.Config
	f.db.First(&before, "id = ?", configID)

	w, _ := f.do(t, http.MethodPost, "/api/v1/admin/configs/"+configID+"/time/add?days=1&hours=2", adminToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var after models.Config
	f.db.First(&after, "id = ?", configID)
	if got := after.ValidTo.Sub(before.ValidTo); got != 26*time.Hour {
		t.Fatalf("expected +26h, got %s", got)
	}

	if w, _ := f.do(t, http.MethodPost, "/api/v1/admin/configs/"+configID+"/time/add?days=91", adminToken, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for days out of range, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/v1/admin/configs/not-a-uuid/time/add", adminToken, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad id, got %d", w.Code)
	}
}

func TestAdminUserOperations(t *testing.T) {
	f := newFixture(t, nil)
	adminToken := f.token(t, f.admin, models.RoleAdmin)
	base := "/api/v1/admin/users/" + f.user.ID.String()

	if w, _ := f.do(t, http.MethodPost, base+"/verify", adminToken, nil); w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", w.Code)
	}
	w, resp := f.do(t, http.MethodPost, base+"/reset-password", adminToken, nil)
	if w.Code != http.StatusOK || !strings.HasPrefix(resp.Message, "Password: ") {
		t.Fatalf("reset-password: got %d %q", w.Code, resp.Message)
	}
	if w, _ := f.do(t, http.MethodPut, base+"/role", adminToken, map[string]string{"role": "superuser"}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("role: expected 422 for superuser promotion, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPut, base+"/role", adminToken, map[string]string{"role": "admin"}); w.Code != http.StatusOK {
		t.Fatalf("role: expected 200, got %d", w.Code)
	}
}

func TestAccountEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, f.user, models.RoleUser)

	if w, _ := f.do(t, http.MethodPost, "/api/v1/account/verification", tok, nil); w.Code != http.StatusOK {
		t.Fatalf("verification: expected 200, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", map[string]string{"login": "nobody"}); w.Code != http.StatusOK {
		t.Fatalf("forgot-password: expected 200, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/v1/auth/forgot-password", "", map[string]string{}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("forgot-password: expected 422 without login, got %d", w.Code)
	}

	f.db.Model(f.user).Update("status", models.UserVerified)
	if _, err := notification.NewService(f.db).CreateUserNotification(context.Background(), notification.Spec{
		UserID: f.user.ID, Title: models.NewLocaleText("t", "t"), Content: models.NewLocaleText("c", "c"),
	}); err != nil {
		t.Fatalf("notification: %v", err)
	}
	w, resp := f.do(t, http.MethodGet, "/api/v1/account/notifications?limit=10", tok, nil)
	if items, _ := resp.Data.([]any); w.Code != http.StatusOK || len(items) != 1 {
		t.Fatalf("notifications: got %d %v", w.Code, resp.Data)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/v1/account/notifications?limit=0", tok, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("notifications: expected 422 for limit 0, got %d", w.Code)
	}
}

func TestGetConfigByType_RetriesLostInsertRace(t *testing.T) {
	f := newFixture(t, nil)
	f.verify(t, f.user)

	var raced atomic.Bool
	err := f.db.Callback().Create().Before("gorm:create").Register("test:lose_race", func(tx *gorm.DB) {
		if tx.Statement.Table == "configs" && raced.CompareAndSwap(false, true) {
			_ = tx.AddError(gorm.ErrDuplicatedKey)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	w, resp := f.do(t, http.MethodGet, "/api/v1/client/configs/by-type/vless", f.token(t, f.user, models.RoleUser), nil)
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200 after retry, got %d: %s", w.Code, w.Body.String())
	}
	if !raced.Load() {
		t.Fatalf("expected the first insert to lose the race")
	}

	email := vpnconfig.ClientEmail(models.ConfigTypeVless, f.user.ID)
	client, ok := f.panel.Lookup("vless", email)
	if !ok {
		t.Fatalf("expected the panel client to survive the lost race")
	}
	if got := resp.Data.(map[string]any)["client_id"]; got != client.ID {
		t.Fatalf("expected the row to match the panel client %s, got %v", client.ID, got)
	}
	if f.panel.Calls("addClient") != 1 {
		t.Fatalf("expected a single panel create, got %d", f.panel.Calls("addClient"))
	}
	var count int64
	f.db.Model(&models.Config{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one config row, got %d", count)
	}
}
