package xui

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fastraygram/internal/apperr"
	"fastraygram/internal/xui/xuitest"
)

func newTestClient(t *testing.T) (*Client, *xuitest.Server) {
	t.Helper()
	panel := xuitest.NewServer(t)
	return NewClient(panel.Config(), nil), panel
}

func TestLogin_ReusesCachedSession(t *testing.T) {
	c, panel := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Inbounds(ctx); err != nil {
		t.Fatalf("Inbounds failed: %v", err)
	}
	if _, err := c.Inbounds(ctx); err != nil {
		t.Fatalf("Inbounds failed: %v", err)
	}
	if panel.Logins() != 1 {
		t.Fatalf("expected a single login, got %d", panel.Logins())
	}
}

func TestLogin_ConcurrentCallersShareOneLogin(t *testing.T) {
	c, panel := newTestClient(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Login(context.Background()); err != nil {
				t.Errorf("Login failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if panel.Logins() != 1 {
		t.Fatalf("expected concurrent logins to collapse, got %d", panel.Logins())
	}
}

func TestLogin_WrongCredentials(t *testing.T) {
	panel := xuitest.NewServer(t)
	cfg := panel.Config()
	cfg.Password = "nope"
	c := NewClient(cfg, nil)

	_, err := c.Login(context.Background())
	if !apperr.Is(err, apperr.CodePanel) {
		t.Fatalf("expected panel error, got %v", err)
	}
}

func TestUnauthorizedDropsSession(t *testing.T) {
	c, panel := newTestClient(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	panel.ExpireSession()
	if err := c.Ping(ctx); !apperr.Is(err, apperr.CodePanel) {
		t.Fatalf("expected panel error after session loss, got %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("expected relogin to succeed, got %v", err)
	}
	if panel.Logins() != 2 {
		t.Fatalf("expected 2 logins, got %d", panel.Logins())
	}
}

func TestInboundByRemark(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	in, err := c.InboundByRemark(ctx, "vless")
	if err != nil {
		t.Fatalf("InboundByRemark failed: %v", err)
	}
	if in.ID != 1 || in.Port != 443 {
		t.Fatalf("unexpected inbound %+v", in)
	}
	if in.StreamSettings.RealitySettings == nil || in.StreamSettings.RealitySettings.Setting("publicKey", "") != "PBK" {
		t.Fatalf("expected reality settings to be decoded, got %+v", in.StreamSettings)
	}
	if in.Settings.Encryption != "none" {
		t.Fatalf("expected vless encryption default, got %q", in.Settings.Encryption)
	}

	if _, err := c.InboundByRemark(ctx, "shadowsocks"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAddClientAndReadBack(t *testing.T) {
	c, panel := newTestClient(t)
	ctx := context.Background()

	client := NewVlessClient("11111111-1111-1111-1111-111111111111", "vless_u1")
	client.TotalGB = 100 << 30
	if err := c.AddClientByRemark(ctx, "vless", client); err != nil {
		t.Fatalf("AddClientByRemark failed: %v", err)
	}
	panel.SetUsage("vless_u1", 3<<30)

	got, err := c.ClientByEmail(ctx, 1, "vless_u1")
	if err != nil {
		t.Fatalf("ClientByEmail failed: %v", err)
	}
	if got.ID != client.ID || got.TotalGB != client.TotalGB || got.Flow != DefaultVlessFlow {
		t.Fatalf("unexpected client %+v", got)
	}
	if got.UsedBytes != 3<<30 {
		t.Fatalf("expected usage from stats, got %d", got.UsedBytes)
	}

	byID, err := c.ClientByID(ctx, 1, client.ID)
	if err != nil || byID.Email != "vless_u1" {
		t.Fatalf("ClientByID: %+v, %v", byID, err)
	}

	used, err := c.ClientUsage(ctx, 1, "vless_u1")
	if err != nil || used != 3<<30 {
		t.Fatalf("ClientUsage: %d, %v", used, err)
	}
}

func TestClientByEmailOptional(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	got, err := c.ClientByEmailOptional(ctx, 2, "trojan_missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil client, got %+v, %v", got, err)
	}
	if _, err := c.ClientByEmailOptional(ctx, 99, "x"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected missing inbound to fail, got %v", err)
	}
	if _, err := c.ClientByEmail(ctx, 2, "trojan_missing"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateClient_KeepsUnsetFields(t *testing.T) {
	c, panel := newTestClient(t)
	ctx := context.Background()

	panel.Put("trojan", xuitest.Client{
		Password: "pw", Email: "trojan_u1", Enable: true, LimitIP: 1,
		TotalGB: 10 << 30, ExpiryTime: 1700000000000, SubID: "trojan_u1", Comment: "created:manual",
	})

	limit := 3
	if err := c.UpdateClientByRemark(ctx, "trojan", "trojan_u1", ClientUpdate{LimitIP: &limit}); err != nil {
		t.Fatalf("UpdateClientByRemark failed: %v", err)
	}

	got, ok := panel.Lookup("trojan", "trojan_u1")
	if !ok {
		t.Fatalf("client disappeared")
	}
	if got.LimitIP != 3 {
		t.Fatalf("expected limit 3, got %d", got.LimitIP)
	}
	if got.TotalGB != 10<<30 || got.ExpiryTime != 1700000000000 || got.Password != "pw" {
		t.Fatalf("unset fields changed: %+v", got)
	}
}

func TestDeleteAndResetClient(t *testing.T) {
	c, panel := newTestClient(t)
	ctx := context.Background()

	panel.Put("vless", xuitest.Client{ID: "id-1", Email: "vless_u2", Enable: true, SubID: "vless_u2"})
	panel.SetUsage("vless_u2", 500)

	if err := c.ResetClientTrafficByRemark(ctx, "vless", "vless_u2"); err != nil {
		t.Fatalf("ResetClientTrafficByRemark failed: %v", err)
	}
	if used, _ := c.ClientUsage(ctx, 1, "vless_u2"); used != 0 {
		t.Fatalf("expected usage reset, got %d", used)
	}

	if err := c.DeleteClientByRemark(ctx, "vless", "vless_u2"); err != nil {
		t.Fatalf("DeleteClientByRemark failed: %v", err)
	}
	if _, ok := panel.Lookup("vless", "vless_u2"); ok {
		t.Fatalf("expected client to be deleted")
	}
}

func TestAddClient_Rejected(t *testing.T) {
	c, panel := newTestClient(t)
	panel.Fail("addClient", "Duplicate email")

	err := c.AddClient(context.Background(), 1, NewVlessClient("id", "vless_u3"))
	if !apperr.Is(err, apperr.CodePanel) {
		t.Fatalf("expected panel error, got %v", err)
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Context["payload"] == nil {
		t.Fatalf("expected panel payload to be kept, got %v", err)
	}
}

func TestInbound_DecodesObjectOrString(t *testing.T) {
	raw := `{"id":7,"remark":"trojan","protocol":"trojan","port":1,
		"settings":{"clients":[{"password":"p","email":"e","enable":true,"limitIp":2,"totalGB":5,"subId":"e","comment":"c"}]},
		"streamSettings":"{\"network\":\"ws\",\"security\":\"none\"}",
		"sniffing":""}`
	var in Inbound
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(in.Settings.Clients) != 1 || in.Settings.Clients[0].Key() != "p" {
		t.Fatalf("unexpected clients %+v", in.Settings.Clients)
	}
	if in.StreamSettings.Network != "ws" {
		t.Fatalf("unexpected stream settings %+v", in.StreamSettings)
	}

	bad := `{"id":8,"protocol":"vless","streamSettings":"{\"security\":\"reality\"}"}`
	if err := json.Unmarshal([]byte(bad), &in); err == nil {
		t.Fatalf("expected reality without settings to fail")
	}
}

func TestClientStats_Used(t *testing.T) {
	if got := (ClientStats{Up: 1, Down: 2}).Used(); got != 3 {
		t.Fatalf("expected up+down fallback, got %d", got)
	}
	if got := (ClientStats{Up: 1, Down: 2, AllTime: 10}).Used(); got != 10 {
		t.Fatalf("expected allTime, got %d", got)
	}
}

type memoryStore struct {
	mu   sync.Mutex
	sess Session
	ok   bool
}

func (m *memoryStore) Load(context.Context) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess, m.ok, nil
}

func (m *memoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess, m.ok = s, true
	return nil
}

func (m *memoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess, m.ok = Session{}, false
	return nil
}

func TestSessionCache_SharedStore(t *testing.T) {
	panel := xuitest.NewServer(t)
	store := &memoryStore{}
	ctx := context.Background()

	first := NewClient(panel.Config(), store)
	if err := first.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	second := NewClient(panel.Config(), store)
	if err := second.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if panel.Logins() != 1 {
		t.Fatalf("expected the second process to reuse the shared session, got %d logins", panel.Logins())
	}
}

func TestSessionCache_ExpiredSessionIsRefreshed(t *testing.T) {
	cache := newSessionCache(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	cache.set(context.Background(), Session{Cookie: "c", ExpiresAt: now.Add(time.Minute)})

	if _, ok := cache.valid(context.Background()); !ok {
		t.Fatalf("expected session to be valid")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := cache.valid(context.Background()); ok {
		t.Fatalf("expected session to be expired")
	}

	calls := 0
	sess, err := cache.refresh(context.Background(), func() (Session, error) {
		calls++
		return Session{Cookie: "d", ExpiresAt: now.Add(time.Hour)}, nil
	})
	if err != nil || sess.Cookie != "d" || calls != 1 {
		t.Fatalf("unexpected refresh result %+v, %v, calls=%d", sess, err, calls)
	}
}
