package xui

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the wrapper every panel API response uses.
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// InboundClient is a client object as stored in an inbound's settings. Vless
// clients are keyed by ID, trojan clients by Password.
type InboundClient struct {
	ID         string          `json:"id,omitempty"`
	Password   string          `json:"password,omitempty"`
	Flow       string          `json:"flow,omitempty"`
	Email      string          `json:"email"`
	Enable     bool            `json:"enable"`
	ExpiryTime int64           `json:"expiryTime"`
	LimitIP    int             `json:"limitIp"`
	TotalGB    int64           `json:"totalGB"` // bytes, despite the name
	Reset      int             `json:"reset"`
	SubID      string          `json:"subId"`
	TgID       json.RawMessage `json:"tgId,omitempty"`
	Comment    string          `json:"comment"`
	CreatedAt  int64           `json:"created_at,omitempty"`
	UpdatedAt  int64           `json:"updated_at,omitempty"`

	// UsedBytes is filled from the inbound's client stats, not the settings.
	UsedBytes int64 `json:"-"`
}

// Key returns the identifier the panel uses in update and delete paths.
func (c *InboundClient) Key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Password
}

const DefaultVlessFlow = "xtls-rprx-vision"

func NewVlessClient(id, email string) InboundClient {
	return InboundClient{
		ID:      id,
		Flow:    DefaultVlessFlow,
		Email:   email,
		Enable:  true,
		LimitIP: 1,
		SubID:   email,
		Comment: "created:manual",
	}
}

func NewTrojanClient(password, email string) InboundClient {
	return InboundClient{
		Password: password,
		Email:    email,
		Enable:   true,
		LimitIP:  1,
		SubID:    email,
		Comment:  "created:manual",
	}
}

// ClientUpdate carries the fields to change; nil fields keep the panel value.
type ClientUpdate struct {
	Enable     *bool
	ExpiryTime *int64
	LimitIP    *int
	TotalGB    *int64
}

func (u ClientUpdate) apply(c *InboundClient) {
	if u.Enable != nil {
		c.Enable = *u.Enable
	}
	if u.ExpiryTime != nil {
		c.ExpiryTime = *u.ExpiryTime
	}
	if u.LimitIP != nil {
		c.LimitIP = *u.LimitIP
	}
	if u.TotalGB != nil {
		c.TotalGB = *u.TotalGB
	}
}

type ClientStats struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	AllTime    int64  `json:"allTime"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
	Reset      int    `json:"reset"`
	LastOnline int64  `json:"lastOnline"`
}

// Used prefers the lifetime counter; older panels only report up/down.
func (s ClientStats) Used() int64 {
	if s.AllTime > 0 {
		return s.AllTime
	}
	return s.Up + s.Down
}

type InboundSettings struct {
	Clients    []InboundClient `json:"clients"`
	Decryption string          `json:"decryption,omitempty"`
	Encryption string          `json:"encryption,omitempty"`
	Fallbacks  []any           `json:"fallbacks,omitempty"`
}

type RealitySettings struct {
	Show        bool           `json:"show"`
	Xver        int            `json:"xver"`
	Target      string         `json:"target"`
	ServerNames []string       `json:"serverNames"`
	ShortIDs    []string       `json:"shortIds"`
	Settings    map[string]any `json:"settings"`
}

// Setting returns a string value from the reality client settings block.
func (r *RealitySettings) Setting(key, fallback string) string {
	if r == nil {
		return fallback
	}
	if v, ok := r.Settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
}

type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
	MetadataOnly bool     `json:"metadataOnly"`
	RouteOnly    bool     `json:"routeOnly"`
}

// Inbound is a panel inbound. The panel serializes settings, streamSettings
// and sniffing as JSON strings; UnmarshalJSON decodes them in place.
type Inbound struct {
	ID             int
	Up             int64
	Down           int64
	Total          int64
	AllTime        int64
	Remark         string
	Enable         bool
	ExpiryTime     int64
	Listen         string
	Port           int
	Protocol       string
	Tag            string
	ClientStats    []ClientStats
	Settings       InboundSettings
	StreamSettings StreamSettings
	Sniffing       Sniffing
}

type inboundWire struct {
	ID             int             `json:"id"`
	Up             int64           `json:"up"`
	Down           int64           `json:"down"`
	Total          int64           `json:"total"`
	AllTime        int64           `json:"allTime"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	ExpiryTime     int64           `json:"expiryTime"`
	Listen         string          `json:"listen"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Tag            string          `json:"tag"`
	ClientStats    []ClientStats   `json:"clientStats"`
	Settings       json.RawMessage `json:"settings"`
	StreamSettings json.RawMessage `json:"streamSettings"`
	Sniffing       json.RawMessage `json:"sniffing"`
}

func (in *Inbound) UnmarshalJSON(data []byte) error {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*in = Inbound{
		ID:          w.ID,
		Up:          w.Up,
		Down:        w.Down,
		Total:       w.Total,
		AllTime:     w.AllTime,
		Remark:      w.Remark,
		Enable:      w.Enable,
		ExpiryTime:  w.ExpiryTime,
		Listen:      w.Listen,
		Port:        w.Port,
		Protocol:    w.Protocol,
		Tag:         w.Tag,
		ClientStats: w.ClientStats,
	}
	if err := decodeEmbedded(w.Settings, &in.Settings); err != nil {
		return fmt.Errorf("inbound %d settings: %w", w.ID, err)
	}
	if err := decodeEmbedded(w.StreamSettings, &in.StreamSettings); err != nil {
		return fmt.Errorf("inbound %d streamSettings: %w", w.ID, err)
	}
	if err := decodeEmbedded(w.Sniffing, &in.Sniffing); err != nil {
		return fmt.Errorf("inbound %d sniffing: %w", w.ID, err)
	}
	if in.Protocol == "vless" {
		if in.Settings.Decryption == "" {
			in.Settings.Decryption = "none"
		}
		if in.Settings.Encryption == "" {
			in.Settings.Encryption = "none"
		}
	}
	if in.StreamSettings.Security == "reality" && in.StreamSettings.RealitySettings == nil {
		return fmt.Errorf("inbound %d: realitySettings is required for reality security", w.ID)
	}
	return nil
}

// decodeEmbedded accepts either a JSON string holding a document or the
// document itself.
func decodeEmbedded(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		raw = []byte(s)
	}
	return json.Unmarshal(raw, v)
}

// stats returns the usage counters of the client with the given email.
func (in *Inbound) stats(email string) (ClientStats, bool) {
	for _, s := range in.ClientStats {
		if s.Email == email {
			return s, true
		}
	}
	return ClientStats{}, false
}

func (in *Inbound) clientByEmail(email string) (*InboundClient, bool) {
	for i := range in.Settings.Clients {
		if in.Settings.Clients[i].Email == email {
			c := in.Settings.Clients[i]
			if s, ok := in.stats(email); ok {
				c.UsedBytes = s.Used()
			}
			return &c, true
		}
	}
	return nil, false
}

func (in *Inbound) clientByKey(key string) (*InboundClient, bool) {
	for i := range in.Settings.Clients {
		if in.Settings.Clients[i].Key() == key {
			c := in.Settings.Clients[i]
			if s, ok := in.stats(c.Email); ok {
				c.UsedBytes = s.Used()
			}
			return &c, true
		}
	}
	return nil, false
}

// clientsPayload renders the settings string addClient/updateClient expect.
func clientsPayload(clients ...InboundClient) (string, error) {
	b, err := json.Marshal(struct {
		Clients []InboundClient `json:"clients"`
	}{Clients: clients})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type clientRequest struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}
