package request

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fastraygram/internal/apperr"
	"fastraygram/internal/auth"
	"fastraygram/internal/config"
	"fastraygram/internal/database/dbtest"
	"fastraygram/internal/models"
	"fastraygram/internal/notification"
	"fastraygram/internal/utils"
	"fastraygram/internal/vpnconfig"
	"fastraygram/internal/xui"
	"fastraygram/internal/xui/xuitest"
)

type recordingRevoker struct {
	mu      sync.Mutex
	revoked []uuid.UUID
}

func (r *recordingRevoker) RevokeAll(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, userID)
	return nil
}

type fixture struct {
	db       *gorm.DB
	panel    *xuitest.Server
	configs  *vpnconfig.Service
	wf       *Workflow
	revoker  *recordingRevoker
	root     *models.User
	admin    *models.User
	user     *models.User
	password string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	panel := xuitest.NewServer(t)
	cfg := &config.Config{
		Xui: panel.Config(),
		App: config.AppConfig{BaseLimitIP: 1, BaseTotalGB: 100, PromoDays: 7, ExpiryDays: 30, MaxLimitIP: 10, MaxTotalGB: 1000},
	}
	notifications := notification.NewService(db)
	configs := vpnconfig.NewService(db, xui.NewClient(cfg.Xui, nil), notifications, cfg)
	revoker := &recordingRevoker{}

	f := &fixture{
		db:      db,
		panel:   panel,
		configs: configs,
		wf:      NewWorkflow(db, configs, notifications, auth.BcryptHasher{Cost: 4}, revoker),
		revoker: revoker,
		root:    dbtest.CreateUser(t, db, "root", models.RoleSuperuser, models.LangRU),
		admin:   dbtest.CreateUser(t, db, "admin", models.RoleAdmin, models.LangRU),
		user:    dbtest.CreateUser(t, db, "alice", models.RoleUser, models.LangEN),
	}
	f.wf.newPassword = func() (string, error) {
		f.password = "generated-password"
		return f.password, nil
	}
	return f
}

func (f *fixture) countRequests(t *testing.T) int64 {
	t.Helper()
	var n int64
	f.db.Model(&models.Request{}).Count(&n)
	return n
}

func (f *fixture) config(t *testing.T, id uuid.UUID) models.Config {
	t.Helper()
	var cfg models.Config
	if err := f.db.First(&cfg, "id = ?", id).Error; err != nil {
		t.Fatalf("config %s: %v", id, err)
	}
	return cfg
}

func (f *fixture) userStatus(t *testing.T, id uuid.UUID) models.UserStatus {
	t.Helper()
	var u models.User
	if err := f.db.First(&u, "id = ?", id).Error; err != nil {
		t.Fatalf("user %s: %v", id, err)
	}
	return u.Status
}

func intPtr(v int) *int { return &v }

func TestLimitIncreaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.db.Create(&models.AppSettings{Name: models.ServiceSettingsName, Values: map[string]any{"max_total_gb": 100, "max_limit_ip": 5}})

	cfg, err := f.configs.GetOrCreate(ctx, f.user.ID, models.ConfigTypeVless)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	f.panel.SetUsage(cfg.ClientEmail, utils.GBToBytes(1))

	req, err := f.configs.CreateUpdateLimitsRequest(ctx, f.user.ID, cfg.ID, vpnconfig.LimitsRequest{TotalGB: intPtr(50)})
	if err != nil {
		t.Fatalf("CreateUpdateLimitsRequest failed: %v", err)
	}
	if got := f.config(t, cfg.ID).Status; got != models.ConfigUpdatePending {
		t.Fatalf("expected update_pending, got %s", got)
	}
	var operatorNotes []models.Notification
	f.db.Where("request_name = ?", models.RequestUpdateConfig).Find(&operatorNotes)
	if len(operatorNotes) != 2 {
		t.Fatalf("expected one notification per operator, got %d", len(operatorNotes))
	}
	for _, n := range operatorNotes {
		if n.RequestStatus == nil || *n.RequestStatus != models.RequestStatusNew {
			t.Fatalf("expected new status on operator notification")
		}
	}

	msg, err := f.wf.Apply(ctx, req.ID)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if msg != "Success" {
		t.Fatalf("unexpected message %q", msg)
	}

	stored := f.config(t, cfg.ID)
	if stored.TotalGB != 50 || stored.Status != models.ConfigUpdated {
		t.Fatalf("unexpected config after apply %+v", stored)
	}
	client, _ := f.panel.Lookup("vless", cfg.ClientEmail)
	if client.TotalGB != utils.GBToBytes(50) {
		t.Fatalf("expected panel total 50GB, got %d", client.TotalGB)
	}
	var userNotes int64
	f.db.Model(&models.Notification{}).
		Where("user_id = ? AND request_status = ?", f.user.ID, models.RequestStatusApplied).
		Count(&userNotes)
	if userNotes != 1 {
		t.Fatalf("expected one success notification, got %d", userNotes)
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected the request to be gone")
	}
}

func TestApply_RenewConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg, _ := f.configs.GetOrCreate(ctx, f.user.ID, models.ConfigTypeTrojan)
	f.panel.SetUsage(cfg.ClientEmail, utils.GBToBytes(7))

	req, err := f.configs.CreateRenewRequest(ctx, f.user.ID, cfg.ID)
	if err != nil {
		t.Fatalf("CreateRenewRequest failed: %v", err)
	}
	if _, err := f.wf.Apply(ctx, req.ID); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	stored := f.config(t, cfg.ID)
	if stored.Status != models.ConfigUpdated || stored.UsedGB != 0 {
		t.Fatalf("unexpected config %+v", stored)
	}
	if !stored.ValidTo.After(cfg.ValidTo) {
		t.Fatalf("expected the expiry to move forward, was %s now %s", cfg.ValidTo, stored.ValidTo)
	}
	client, _ := f.panel.Lookup("trojan", cfg.ClientEmail)
	if client.ExpiryTime != utils.UnixMilli(stored.ValidTo) {
		t.Fatalf("panel expiry not renewed")
	}
	if f.panel.Calls("resetClientTraffic") != 1 {
		t.Fatalf("expected panel traffic reset")
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected the request to be gone")
	}
}

func TestDeny_RevertsConfigStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg, _ := f.configs.GetOrCreate(ctx, f.user.ID, models.ConfigTypeVless)

	req, err := f.configs.CreateUpdateLimitsRequest(ctx, f.user.ID, cfg.ID, vpnconfig.LimitsRequest{LimitIP: intPtr(3)})
	if err != nil {
		t.Fatalf("CreateUpdateLimitsRequest failed: %v", err)
	}
	if err := f.wf.Deny(ctx, req.ID); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}

	stored := f.config(t, cfg.ID)
	if stored.Status != models.ConfigNotUpdated || stored.LimitIP != 1 {
		t.Fatalf("expected untouched limits and not_updated, got %+v", stored)
	}
	if f.panel.Calls("updateClient") != 0 {
		t.Fatalf("deny must not touch the panel")
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected the request to be gone")
	}
}

func TestVerification_ApplyAndDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.wf.RequestVerification(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	if f.userStatus(t, f.user.ID) != models.UserVerificationPending {
		t.Fatalf("expected verification_pending")
	}
	if _, err := f.wf.RequestVerification(ctx, f.user.ID); !apperr.Is(err, apperr.CodeUniqueViolation) {
		t.Fatalf("expected duplicate request to be rejected, got %v", err)
	}

	if err := f.wf.Deny(ctx, req.ID); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	if f.userStatus(t, f.user.ID) != models.UserNotVerified {
		t.Fatalf("expected not_verified after deny")
	}

	req, _ = f.wf.RequestVerification(ctx, f.user.ID)
	if _, err := f.wf.Apply(ctx, req.ID); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if f.userStatus(t, f.user.ID) != models.UserVerified {
		t.Fatalf("expected verified after apply")
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected no open requests")
	}
}

func TestApply_ResetPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.wf.ForgotPassword(ctx, "alice"); err != nil {
		t.Fatalf("ForgotPassword failed: %v", err)
	}
	if err := f.wf.ForgotPassword(ctx, "alice"); err != nil {
		t.Fatalf("second ForgotPassword failed: %v", err)
	}
	if err := f.wf.ForgotPassword(ctx, "nobody"); err != nil {
		t.Fatalf("unknown login must be ignored, got %v", err)
	}
	if f.countRequests(t) != 1 {
		t.Fatalf("expected exactly one reset request, got %d", f.countRequests(t))
	}

	var req models.Request
	f.db.First(&req, "name = ?", models.RequestResetPassword)
	msg, err := f.wf.Apply(ctx, req.ID)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if msg != "Password: generated-password" {
		t.Fatalf("unexpected message %q", msg)
	}

	var u models.User
	f.db.First(&u, "id = ?", f.user.ID)
	if !(auth.BcryptHasher{}).Verify("generated-password", u.Password) {
		t.Fatalf("expected the stored hash to match the new password")
	}
	if len(f.revoker.revoked) != 1 || f.revoker.revoked[0] != f.user.ID {
		t.Fatalf("expected sessions to be revoked, got %v", f.revoker.revoked)
	}
}

func TestDeny_ResetPasswordIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wf.ForgotPassword(ctx, "alice")

	var req models.Request
	f.db.First(&req, "name = ?", models.RequestResetPassword)
	if err := f.wf.Deny(ctx, req.ID); err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	var u models.User
	f.db.First(&u, "id = ?", f.user.ID)
	if u.Password != "" || len(f.revoker.revoked) != 0 {
		t.Fatalf("deny must not change the password")
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected the request to be gone")
	}
}

func TestApply_RejectsNonActionableRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := &models.Request{UserID: f.user.ID, Name: models.RequestExpireConfig, RelatedID: uuid.New(), RelatedName: models.RelatedConfig}
	f.db.Create(req)

	if _, err := f.wf.Apply(ctx, req.ID); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := f.wf.Deny(ctx, req.ID); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.wf.Apply(ctx, uuid.New()); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSuperuserGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checks := map[string]error{
		"verify":   f.wf.VerifyUser(ctx, f.root.ID),
		"unverify": f.wf.UnverifyUser(ctx, f.root.ID),
		"role":     f.wf.UpdateUserRole(ctx, f.root.ID, models.RoleUser),
	}
	_, checks["reset"] = f.wf.ResetPassword(ctx, f.root.ID)
	_, checks["request"] = f.wf.RequestVerification(ctx, f.root.ID)

	for name, err := range checks {
		if !apperr.Is(err, apperr.CodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestVerifyUser_WithoutRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.wf.VerifyUser(ctx, f.user.ID); err != nil {
		t.Fatalf("VerifyUser failed: %v", err)
	}
	if f.userStatus(t, f.user.ID) != models.UserVerified {
		t.Fatalf("expected verified")
	}
	if err := f.wf.UnverifyUser(ctx, f.user.ID); err != nil {
		t.Fatalf("UnverifyUser failed: %v", err)
	}
	if f.userStatus(t, f.user.ID) != models.UserNotVerified {
		t.Fatalf("expected not_verified")
	}
	if err := f.wf.VerifyUser(ctx, uuid.New()); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateUserRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wf.RequestVerification(ctx, f.user.ID)

	if err := f.wf.UpdateUserRole(ctx, f.user.ID, models.RoleAdmin); err != nil {
		t.Fatalf("UpdateUserRole failed: %v", err)
	}
	var u models.User
	f.db.Preload("Role").First(&u, "id = ?", f.user.ID)
	if u.Role == nil || u.Role.Name != models.RoleAdmin || u.Status != models.UserVerified {
		t.Fatalf("expected a verified admin, got %+v", u)
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected the open verify request to be applied")
	}

	if err := f.wf.UpdateUserRole(ctx, f.user.ID, models.RoleSuperuser); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected promotion to superuser to be rejected, got %v", err)
	}
	if err := f.wf.UpdateUserRole(ctx, f.user.ID, "owner"); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected unknown role to be rejected, got %v", err)
	}
}

func TestResetPassword_Direct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wf.ForgotPassword(ctx, "alice")

	pw, err := f.wf.ResetPassword(ctx, f.user.ID)
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if !strings.HasPrefix(pw, "generated") {
		t.Fatalf("unexpected password %q", pw)
	}
	if f.countRequests(t) != 0 {
		t.Fatalf("expected the open reset request to be closed")
	}
}

func TestDecode(t *testing.T) {
	configID := uuid.New()
	a, err := Decode(&models.Request{
		Name: models.RequestUpdateConfig, RelatedName: models.RelatedConfig, RelatedID: configID,
		Data: []byte(`{"total_gb":50}`),
	})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	upd, ok := a.(UpdateConfig)
	if !ok || upd.ConfigID != configID || upd.Limits.TotalGB == nil || *upd.Limits.TotalGB != 50 {
		t.Fatalf("unexpected action %#v", a)
	}

	if _, err := Decode(&models.Request{Name: models.RequestVerify, RelatedName: models.RelatedConfig}); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected mismatched relation to fail, got %v", err)
	}
	if _, err := Decode(&models.Request{Name: models.RequestRenewConfig, RelatedName: models.RelatedConfig, Data: []byte("{")}); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected malformed payload to fail, got %v", err)
	}
}
