package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vpnshop/internal/models"
	"vpnshop/internal/pkg/httpclient"
)

// MarzneshinClient talks to Marzneshin, the Marzban fork with service-based
// user management. Deployments disagree on both the mount point (some sit
// behind an /app prefix) and the token endpoint, so login probes an ordered
// candidate list.
type MarzneshinClient struct {
	panel   *models.Panel
	baseURL string
	apiBase string // resolved during login
	http    *httpclient.Client
	probe   *prober
	log     *zap.Logger
}

// marzneshinUser mirrors Marzneshin's user resource. Expiry is an RFC 3339
// date under the fixed_date strategy.
type marzneshinUser struct {
	Username        string   `json:"username"`
	DataLimit       int64    `json:"data_limit"`
	UsedTraffic     int64    `json:"used_traffic,omitempty"`
	ExpireStrategy  string   `json:"expire_strategy,omitempty"`
	ExpireDate      string   `json:"expire_date,omitempty"`
	ServiceIDs      []int    `json:"service_ids,omitempty"`
	Enabled         bool     `json:"enabled"`
	IsActive        bool     `json:"is_active,omitempty"`
	Note            string   `json:"note,omitempty"`
	SubscriptionURL string   `json:"subscription_url,omitempty"`
	Links           []string `json:"links,omitempty"`
}

func NewMarzneshinAPI(p *models.Panel, log *zap.Logger) *MarzneshinClient {
	c := &MarzneshinClient{
		panel:   p,
		baseURL: strings.TrimRight(p.URL, "/"),
		http:    httpclient.New().WithInsecureSkipVerify(),
		log:     log.With(zap.String("panel_type", models.PanelTypeMarzneshin), zap.Uint("panel_id", p.ID)),
	}
	c.apiBase = c.baseURL
	c.probe = &prober{client: c.http, log: c.log, relogin: c.login}
	return c
}

// WithRequestTimeout overrides the http client timeout. Zero is a no-op.
func (m *MarzneshinClient) WithRequestTimeout(d time.Duration) *MarzneshinClient {
	if d > 0 {
		m.http.WithTimeout(d)
	}
	return m
}

func (m *MarzneshinClient) PanelType() string { return models.PanelTypeMarzneshin }

func (m *MarzneshinClient) tokenKey() string {
	return fmt.Sprintf("marzneshin|%s|%s", m.baseURL, m.panel.Username)
}

func (m *MarzneshinClient) EnsureSession(ctx context.Context) error {
	if v, ok := sessionCache.Get(m.tokenKey()); ok {
		s := v.(marzneshinSession)
		m.apiBase = s.apiBase
		m.http.WithBearerToken(s.token)
		return nil
	}
	return m.login(ctx)
}

type marzneshinSession struct {
	token   string
	apiBase string
}

func (m *MarzneshinClient) baseCandidates() []string {
	bases := []string{m.baseURL}
	if !strings.HasSuffix(m.baseURL, "/app") {
		bases = append(bases, m.baseURL+"/app")
	}
	return bases
}

// login walks the token-endpoint candidates across base variants until one
// yields a token. The winning base is remembered for the session so data
// calls hit the right mount point directly. A pre-issued token on the panel
// record wins over the credential ladder.
func (m *MarzneshinClient) login(ctx context.Context) error {
	if m.panel.Token != "" {
		if err := m.loginWithToken(ctx); err == nil {
			return nil
		}
		m.log.Warn("stored token rejected, falling back to credentials")
	}

	bases := m.baseCandidates()

	var lastReason string
	for _, base := range bases {
		candidates := []func() (*httpclient.Response, error){
			func() (*httpclient.Response, error) {
				return m.http.PostForm(ctx, base+"/api/admins/token", map[string]string{
					"username":   m.panel.Username,
					"password":   m.panel.Password,
					"grant_type": "password",
				})
			},
			func() (*httpclient.Response, error) {
				return m.http.PostJSON(ctx, base+"/api/auth/login", map[string]string{
					"username": m.panel.Username,
					"password": m.panel.Password,
				})
			},
		}
		for _, call := range candidates {
			resp, err := call()
			if err != nil {
				lastReason = err.Error()
				continue
			}
			if !resp.OK() {
				lastReason = fmt.Sprintf("status %d", resp.StatusCode)
				continue
			}
			if token := extractToken(resp.Body); token != "" {
				m.apiBase = base
				m.http.WithBearerToken(token)
				sessionCache.Set(m.tokenKey(), marzneshinSession{token: token, apiBase: base}, cache.DefaultExpiration)
				m.log.Info("panel login ok", zap.String("base", base))
				return nil
			}
			lastReason = "no token in response"
		}
	}
	return &AuthError{PanelType: models.PanelTypeMarzneshin, Reason: lastReason}
}

// loginWithToken verifies the stored token against each base variant and
// remembers the one that accepts it.
func (m *MarzneshinClient) loginWithToken(ctx context.Context) error {
	m.http.WithBearerToken(m.panel.Token)
	var lastReason string
	for _, base := range m.baseCandidates() {
		resp, err := m.http.Get(ctx, base+"/api/admins/current")
		if err != nil {
			lastReason = err.Error()
			continue
		}
		if !resp.OK() {
			lastReason = fmt.Sprintf("status %d", resp.StatusCode)
			continue
		}
		m.apiBase = base
		sessionCache.Set(m.tokenKey(), marzneshinSession{token: m.panel.Token, apiBase: base}, cache.DefaultExpiration)
		m.log.Info("panel token login ok", zap.String("base", base))
		return nil
	}
	return &AuthError{PanelType: models.PanelTypeMarzneshin, Reason: lastReason}
}

// extractToken pulls a bearer token out of whatever envelope the build uses:
// access_token or token at any nesting depth, else the first string long
// enough to be a credential.
func extractToken(body []byte) string {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	if tok := findTokenKey(doc, "access_token"); tok != "" {
		return tok
	}
	if tok := findTokenKey(doc, "token"); tok != "" {
		return tok
	}
	return findLongString(doc)
}

func findTokenKey(doc interface{}, key string) string {
	switch v := doc.(type) {
	case map[string]interface{}:
		if s, ok := v[key].(string); ok && s != "" {
			return s
		}
		for _, child := range v {
			if tok := findTokenKey(child, key); tok != "" {
				return tok
			}
		}
	case []interface{}:
		for _, child := range v {
			if tok := findTokenKey(child, key); tok != "" {
				return tok
			}
		}
	}
	return ""
}

func findLongString(doc interface{}) string {
	const minTokenLen = 20
	switch v := doc.(type) {
	case string:
		if len(v) >= minTokenLen {
			return v
		}
	case map[string]interface{}:
		for _, child := range v {
			if tok := findLongString(child); tok != "" {
				return tok
			}
		}
	case []interface{}:
		for _, child := range v {
			if tok := findLongString(child); tok != "" {
				return tok
			}
		}
	}
	return ""
}

// ListInbounds exposes Marzneshin's services as inbound summaries; a service
// id slots into InboundSummary.ID so callers can pick one for provisioning.
func (m *MarzneshinClient) ListInbounds(ctx context.Context) ([]InboundSummary, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	resp, err := m.probe.run(ctx, "list services", []attempt{
		{Method: "GET", Path: m.apiBase + "/api/services"},
	})
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Items []map[string]interface{} `json:"items"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}

	summaries := make([]InboundSummary, 0, len(envelope.Items))
	for _, svc := range envelope.Items {
		summaries = append(summaries, InboundSummary{
			ID:  int(toInt64(svc["id"])),
			Tag: getString(svc, "name"),
		})
	}
	return summaries, nil
}

func (m *MarzneshinClient) GetUser(ctx context.Context, username string) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	return m.fetchUser(ctx, username)
}

func (m *MarzneshinClient) fetchUser(ctx context.Context, username string) (*ClientInfo, error) {
	resp, err := m.http.Get(ctx, m.apiBase+"/api/users/"+url.PathEscape(username))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 404 {
		return nil, &NotFoundError{Kind: "client", Key: username}
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		if err := m.login(ctx); err != nil {
			return nil, err
		}
		if resp, err = m.http.Get(ctx, m.apiBase+"/api/users/"+url.PathEscape(username)); err != nil {
			return nil, err
		}
	}
	if !resp.OK() {
		return nil, &EndpointExhaustedError{
			Op: "get user", LastPath: "/api/users/" + username,
			LastStatus: resp.StatusCode, LastBody: bodyPreview(resp.Body),
		}
	}

	var u marzneshinUser
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return m.toClientInfo(&u), nil
}

func (m *MarzneshinClient) toClientInfo(u *marzneshinUser) *ClientInfo {
	info := &ClientInfo{
		Username:    u.Username,
		DataLimit:   u.DataLimit,
		UsedTraffic: u.UsedTraffic,
		Enabled:     u.Enabled,
		Links:       u.Links,
		SubLink:     u.SubscriptionURL,
	}
	if u.ExpireDate != "" {
		if t, err := time.Parse(time.RFC3339, u.ExpireDate); err == nil {
			info.ExpireAt = t.Unix()
		}
	}
	if len(u.ServiceIDs) > 0 {
		info.InboundID = u.ServiceIDs[0]
	}
	if info.SubLink != "" && !strings.HasPrefix(info.SubLink, "http") {
		base := strings.TrimRight(m.panel.SubBase, "/")
		if base == "" {
			base = m.baseURL
		}
		info.SubLink = base + "/" + strings.TrimLeft(info.SubLink, "/")
	}
	info.Status = clientStatus(info)
	return info
}

func (m *MarzneshinClient) CreateUser(ctx context.Context, req CreateUserRequest) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}

	username := GenerateUsername(req.OwnerID, req.Prefix)
	payload := marzneshinUser{
		Username:  username,
		DataLimit: gbToBytes(req.Plan.TrafficGB),
		Note:      req.Note,
	}
	if req.Plan.DurationDays > 0 {
		payload.ExpireStrategy = "fixed_date"
		payload.ExpireDate = time.Now().AddDate(0, 0, req.Plan.DurationDays).UTC().Format(time.RFC3339)
	} else {
		payload.ExpireStrategy = "never"
	}
	if req.InboundID > 0 {
		payload.ServiceIDs = []int{req.InboundID}
	} else if m.panel.DefaultInboundID > 0 {
		payload.ServiceIDs = []int{m.panel.DefaultInboundID}
	}

	resp, err := m.probe.run(ctx, "create user", []attempt{
		{Method: "POST", Path: m.apiBase + "/api/users", JSON: payload},
	})
	if err != nil {
		return nil, err
	}

	var u marzneshinUser
	if derr := json.Unmarshal(resp.Body, &u); derr == nil && u.Username != "" {
		return m.toClientInfo(&u), nil
	}
	return m.fetchUser(ctx, username)
}

// RenewUser edits quota and expiry in place and re-fetches to confirm.
func (m *MarzneshinClient) RenewUser(ctx context.Context, req RenewUserRequest) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	cur, err := m.fetchUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	wantLimit := cur.DataLimit + gbToBytes(req.AddGB)
	wantExpire := cur.ExpireAt
	// expiry 0 is unlimited and stays that way
	if req.AddDays > 0 && cur.ExpireAt > 0 {
		base := time.Now()
		if exp := time.Unix(cur.ExpireAt, 0); cur.ExpireAt > 0 && exp.After(base) {
			base = exp
		}
		wantExpire = base.AddDate(0, 0, req.AddDays).Unix()
	}

	update := map[string]interface{}{
		"data_limit": wantLimit,
	}
	if wantExpire > 0 {
		update["expire_strategy"] = "fixed_date"
		update["expire_date"] = time.Unix(wantExpire, 0).UTC().Format(time.RFC3339)
	}
	if _, err := m.probe.run(ctx, "renew user", []attempt{
		{Method: "PUT", Path: m.apiBase + "/api/users/" + url.PathEscape(req.Username), JSON: update},
	}); err != nil {
		return nil, err
	}

	after, err := m.fetchUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if after.DataLimit != wantLimit || (wantExpire > 0 && after.ExpireAt != wantExpire) {
		return nil, &VerificationFailedError{
			Username:   req.Username,
			WantLimit:  wantLimit,
			GotLimit:   after.DataLimit,
			WantExpiry: wantExpire,
			GotExpiry:  after.ExpireAt,
		}
	}
	return after, nil
}

// RotateKey revokes the user's subscription, which makes Marzneshin issue
// fresh credentials behind a new sub link.
func (m *MarzneshinClient) RotateKey(ctx context.Context, req RotateKeyRequest) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	if _, err := m.probe.run(ctx, "rotate key", []attempt{
		{Method: "POST", Path: m.apiBase + "/api/users/" + url.PathEscape(req.Username) + "/revoke_sub"},
	}); err != nil {
		return nil, err
	}
	return m.fetchUser(ctx, req.Username)
}

func (m *MarzneshinClient) DeleteUser(ctx context.Context, req DeleteUserRequest) error {
	if err := m.EnsureSession(ctx); err != nil {
		return err
	}
	resp, err := m.http.Delete(ctx, m.apiBase+"/api/users/"+url.PathEscape(req.Username))
	if err != nil {
		return err
	}
	if resp.StatusCode == 404 {
		return &NotFoundError{Kind: "client", Key: req.Username}
	}
	if !resp.OK() {
		return &EndpointExhaustedError{
			Op: "delete user", LastPath: "/api/users/" + req.Username,
			LastStatus: resp.StatusCode, LastBody: bodyPreview(resp.Body),
		}
	}
	return nil
}
