// Package xuitest runs an in-memory 3x-ui panel for tests.
package xuitest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"fastraygram/internal/config"
)

const (
	BasePath = "/secret"
	Username = "admin"
	Password = "admin"
)

// Client mirrors the panel's client object.
type Client struct {
	ID         string `json:"id,omitempty"`
	Password   string `json:"password,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	Reset      int    `json:"reset"`
	SubID      string `json:"subId"`
	Comment    string `json:"comment"`
}

func (c Client) key() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Password
}

type inbound struct {
	id       int
	remark   string
	protocol string
	port     int
	stream   string
	clients  []Client
}

type Server struct {
	*httptest.Server

	mu       sync.Mutex
	inbounds []*inbound
	used     map[string]int64
	cookie   string
	logins   int
	calls    map[string]int
	failures map[string]string
	before   map[string]func()
	noSub    bool
}

// NewServer starts a panel with a "vless" (reality) and a "trojan" inbound.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		used:     map[string]int64{},
		calls:    map[string]int{},
		failures: map[string]string{},
		before:   map[string]func(){},
		inbounds: []*inbound{
			{
				id: 1, remark: "vless", protocol: "vless", port: 443,
				stream: `{"network":"tcp","security":"reality","realitySettings":{"show":false,"xver":0,"target":"example.com:443","serverNames":["example.com"],"shortIds":["ab12"],"settings":{"publicKey":"PBK","fingerprint":"chrome","spiderX":"/"}}}`,
			},
			{
				id: 2, remark: "trojan", protocol: "trojan", port: 8443,
				stream: `{"network":"tcp","security":"tls"}`,
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+BasePath+"/login", s.handleLogin)
	mux.HandleFunc("GET "+BasePath+"/panel/api/inbounds/list", s.auth("list", s.handleList))
	mux.HandleFunc("GET "+BasePath+"/panel/api/inbounds/get/{id}", s.auth("get", s.handleGet))
	mux.HandleFunc("POST "+BasePath+"/panel/api/inbounds/addClient", s.auth("addClient", s.handleAdd))
	mux.HandleFunc("POST "+BasePath+"/panel/api/inbounds/updateClient/{key}", s.auth("updateClient", s.handleUpdate))
	mux.HandleFunc("POST "+BasePath+"/panel/api/inbounds/{id}/delClient/{key}", s.auth("delClient", s.handleDelete))
	mux.HandleFunc("POST "+BasePath+"/panel/api/inbounds/{id}/resetClientTraffic/{email}", s.auth("resetClientTraffic", s.handleReset))
	mux.HandleFunc("GET "+BasePath+"/panel/api/server/status", s.auth("status", s.handleStatus))
	mux.HandleFunc("GET /sub/{subId}", s.handleSubscription)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config points a panel client at this server; the subscription endpoint is
// served on the same port.
func (s *Server) Config() config.XuiConfig {
	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(s.URL, "http://"))
	port, _ := strconv.Atoi(portStr)
	return config.XuiConfig{
		Scheme:           "http",
		Host:             host,
		Port:             port,
		SubscriptionPort: port,
		SecretPath:       BasePath,
		Username:         Username,
		Password:         Password,
		SessionTTL:       time.Hour,
	}
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Calls returns how often the named operation (e.g. "addClient") was served.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Fail makes every later call of op answer success=false with msg.
func (s *Server) Fail(op, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = msg
}

// BeforeOnce runs fn ahead of the next authenticated op call, outside the
// server lock, so fn may use Put or Remove.
func (s *Server) BeforeOnce(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before[op] = fn
}

// DisableSubscriptions makes /sub answer 404, forcing link synthesis.
func (s *Server) DisableSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSub = true
}

// ExpireSession drops the issued cookie so the next API call gets 401.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookie = ""
}

func (s *Server) SetUsage(email string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[email] = bytes
}

// Put inserts or replaces a client in the inbound with the given remark.
func (s *Server) Put(remark string, c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.byRemark(remark)
	for i := range in.clients {
		if in.clients[i].Email == c.Email {
			in.clients[i] = c
			return
		}
	}
	in.clients = append(in.clients, c)
}

// Lookup returns the client with email in the inbound with remark.
func (s *Server) Lookup(remark, email string) (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byRemark(remark).clients {
		if c.Email == email {
			return c, true
		}
	}
	return Client{}, false
}

func (s *Server) Remove(remark, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.byRemark(remark)
	for i := range in.clients {
		if in.clients[i].Email == email {
			in.clients = append(in.clients[:i], in.clients[i+1:]...)
			return
		}
	}
}

func (s *Server) byRemark(remark string) *inbound {
	for _, in := range s.inbounds {
		if in.remark == remark {
			return in
		}
	}
	panic("xuitest: no inbound " + remark)
}

func (s *Server) byID(id string) *inbound {
	for _, in := range s.inbounds {
		if strconv.Itoa(in.id) == id {
			return in
		}
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username != Username || body.Password != Password {
		writeJSON(w, map[string]any{"success": false, "msg": "wrong credentials"})
		return
	}

	s.mu.Lock()
	s.logins++
	s.cookie = fmt.Sprintf("session-%d", s.logins)
	cookie := s.cookie
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:    "3x-ui",
		Value:   cookie,
		Path:    "/",
		Expires: time.Now().Add(time.Hour).UTC(),
	})
	writeJSON(w, map[string]any{"success": true, "msg": "Login successfully"})
}

func (s *Server) auth(op string, next func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie("3x-ui")
		s.mu.Lock()
		ok := err == nil && s.cookie != "" && ck.Value == s.cookie
		s.calls[op]++
		failure, failing := s.failures[op]
		var hook func()
		if ok {
			hook = s.before[op]
			delete(s.before, op)
		}
		s.mu.Unlock()

		if hook != nil {
			hook()
		}
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if failing {
			writeJSON(w, map[string]any{"success": false, "msg": failure})
			return
		}
		next(w, r)
	}
}

func (s *Server) render(in *inbound) map[string]any {
	settings, _ := json.Marshal(map[string]any{"clients": in.clients, "decryption": "none", "fallbacks": []any{}})
	stats := make([]map[string]any, 0, len(in.clients))
	for i, c := range in.clients {
		used := s.used[c.Email]
		stats = append(stats, map[string]any{
			"id": i + 1, "inboundId": in.id, "enable": c.Enable, "email": c.Email,
			"up": used / 4, "down": used - used/4, "allTime": used,
			"expiryTime": c.ExpiryTime, "total": c.TotalGB, "reset": 0, "lastOnline": 0,
		})
	}
	return map[string]any{
		"id": in.id, "up": 0, "down": 0, "total": 0, "allTime": 0,
		"remark": in.remark, "enable": true, "expiryTime": 0,
		"listen": "", "port": in.port, "protocol": in.protocol, "tag": "inbound-" + strconv.Itoa(in.port),
		"clientStats":    stats,
		"settings":       string(settings),
		"streamSettings": in.stream,
		"sniffing":       `{"enabled":false,"destOverride":[],"metadataOnly":false,"routeOnly":false}`,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.inbounds))
	for _, in := range s.inbounds {
		out = append(out, s.render(in))
	}
	s.mu.Unlock()
	writeJSON(w, map[string]any{"success": true, "msg": "", "obj": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.byID(r.PathValue("id"))
	if in == nil {
		writeJSON(w, map[string]any{"success": false, "msg": "record not found"})
		return
	}
	writeJSON(w, map[string]any{"success": true, "obj": s.render(in)})
}

type clientBody struct {
	ID       int    `json:"id"`
	Settings string `json:"settings"`
}

func decodeClients(r *http.Request) (int, []Client, error) {
	var body clientBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, nil, err
	}
	var settings struct {
		Clients []Client `json:"clients"`
	}
	if err := json.Unmarshal([]byte(body.Settings), &settings); err != nil {
		return 0, nil, err
	}
	return body.ID, settings.Clients, nil
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	id, clients, err := decodeClients(r)
	if err != nil {
		writeJSON(w, map[string]any{"success": false, "msg": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.byID(strconv.Itoa(id))
	if in == nil {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	for _, c := range clients {
		for _, existing := range in.clients {
			if existing.Email == c.Email {
				writeJSON(w, map[string]any{"success": false, "msg": "Duplicate email: " + c.Email})
				return
			}
		}
	}
	in.clients = append(in.clients, clients...)
	writeJSON(w, map[string]any{"success": true, "msg": "Inbound client(s) have been added."})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, clients, err := decodeClients(r)
	if err != nil || len(clients) != 1 {
		writeJSON(w, map[string]any{"success": false, "msg": "bad settings"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.byID(strconv.Itoa(id))
	if in == nil {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	key := r.PathValue("key")
	for i := range in.clients {
		if in.clients[i].key() == key {
			in.clients[i] = clients[0]
			writeJSON(w, map[string]any{"success": true, "msg": "Inbound client has been updated."})
			return
		}
	}
	writeJSON(w, map[string]any{"success": false, "msg": "client not found"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.byID(r.PathValue("id"))
	if in == nil {
		writeJSON(w, map[string]any{"success": false, "msg": "inbound not found"})
		return
	}
	key := r.PathValue("key")
	for i := range in.clients {
		if in.clients[i].key() == key {
			delete(s.used, in.clients[i].Email)
			in.clients = append(in.clients[:i], in.clients[i+1:]...)
			writeJSON(w, map[string]any{"success": true, "msg": "Inbound client has been deleted."})
			return
		}
	}
	writeJSON(w, map[string]any{"success": false, "msg": "client not found"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[r.PathValue("email")] = 0
	writeJSON(w, map[string]any{"success": true, "msg": "Traffic has been reset."})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"success": true, "obj": map[string]any{"cpu": 1.5, "xray": map[string]any{"state": "running"}}})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noSub {
		http.NotFound(w, r)
		return
	}
	subID := r.PathValue("subId")
	for _, in := range s.inbounds {
		for _, c := range in.clients {
			if c.SubID != subID {
				continue
			}
			link := fmt.Sprintf("%s://%s@panel.example:%d?type=tcp#%s-%s", in.protocol, c.key(), in.port, in.remark, c.Email)
			fmt.Fprint(w, base64.StdEncoding.EncodeToString([]byte(link+"\n")))
			return
		}
	}
	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
