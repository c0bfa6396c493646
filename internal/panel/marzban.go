package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vpnshop/internal/models"
	"vpnshop/internal/pkg/httpclient"
	"vpnshop/internal/pkg/utils"
)

// MarzbanClient talks to Marzban's user-centric REST API. Unlike the X-UI
// family there is no inbound blob to edit: users are first-class resources
// and quota changes are plain in-place updates.
type MarzbanClient struct {
	panel   *models.Panel
	baseURL string
	http    *httpclient.Client
	probe   *prober
	log     *zap.Logger
}

// marzbanUser mirrors Marzban's user resource. Expire is epoch seconds.
type marzbanUser struct {
	Username        string                            `json:"username"`
	Proxies         map[string]map[string]interface{} `json:"proxies,omitempty"`
	Inbounds        map[string][]string               `json:"inbounds,omitempty"`
	DataLimit       int64                             `json:"data_limit"`
	UsedTraffic     int64                             `json:"used_traffic,omitempty"`
	Expire          int64                             `json:"expire"`
	Status          string                            `json:"status,omitempty"`
	Note            string                            `json:"note,omitempty"`
	Links           []string                          `json:"links,omitempty"`
	SubscriptionURL string                            `json:"subscription_url,omitempty"`
}

func NewMarzbanAPI(p *models.Panel, log *zap.Logger) *MarzbanClient {
	c := &MarzbanClient{
		panel:   p,
		baseURL: strings.TrimRight(p.URL, "/"),
		http:    httpclient.New().WithInsecureSkipVerify(),
		log:     log.With(zap.String("panel_type", models.PanelTypeMarzban), zap.Uint("panel_id", p.ID)),
	}
	c.probe = &prober{client: c.http, log: c.log, relogin: c.login}
	return c
}

// WithRequestTimeout overrides the http client timeout. Zero is a no-op.
func (m *MarzbanClient) WithRequestTimeout(d time.Duration) *MarzbanClient {
	if d > 0 {
		m.http.WithTimeout(d)
	}
	return m
}

func (m *MarzbanClient) PanelType() string { return models.PanelTypeMarzban }

func (m *MarzbanClient) tokenKey() string {
	return fmt.Sprintf("marzban|%s|%s", m.baseURL, m.panel.Username)
}

func (m *MarzbanClient) EnsureSession(ctx context.Context) error {
	if tok, ok := sessionCache.Get(m.tokenKey()); ok {
		m.http.WithBearerToken(tok.(string))
		return nil
	}
	return m.login(ctx)
}

// login exchanges admin credentials for a bearer token at /api/admin/token.
func (m *MarzbanClient) login(ctx context.Context) error {
	resp, err := m.http.PostForm(ctx, m.baseURL+"/api/admin/token", map[string]string{
		"username":   m.panel.Username,
		"password":   m.panel.Password,
		"grant_type": "password",
	})
	if err != nil {
		return &AuthError{PanelType: models.PanelTypeMarzban, Reason: err.Error()}
	}
	if !resp.OK() {
		return &AuthError{
			PanelType: models.PanelTypeMarzban,
			Reason:    fmt.Sprintf("token endpoint: status %d", resp.StatusCode),
		}
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.AccessToken == "" {
		return &AuthError{PanelType: models.PanelTypeMarzban, Reason: "no access_token in response"}
	}

	m.http.WithBearerToken(body.AccessToken)
	sessionCache.Set(m.tokenKey(), body.AccessToken, cache.DefaultExpiration)
	m.log.Info("panel login ok")
	return nil
}

// ListInbounds maps Marzban's protocol-keyed inbound listing onto summaries.
// Marzban identifies inbounds by tag, so ID stays zero.
func (m *MarzbanClient) ListInbounds(ctx context.Context) ([]InboundSummary, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	resp, err := m.probe.run(ctx, "list inbounds", []attempt{
		{Method: "GET", Path: m.baseURL + "/api/inbounds"},
	})
	if err != nil {
		return nil, err
	}

	var byProto map[string][]map[string]interface{}
	if err := json.Unmarshal(resp.Body, &byProto); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}

	var summaries []InboundSummary
	for proto, inbounds := range byProto {
		for _, inb := range inbounds {
			summaries = append(summaries, InboundSummary{
				Tag:      getString(inb, "tag"),
				Protocol: proto,
				Port:     int(toInt64(inb["port"])),
			})
		}
	}
	return summaries, nil
}

func (m *MarzbanClient) GetUser(ctx context.Context, username string) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	return m.fetchUser(ctx, username)
}

func (m *MarzbanClient) fetchUser(ctx context.Context, username string) (*ClientInfo, error) {
	resp, err := m.http.Get(ctx, m.baseURL+"/api/user/"+url.PathEscape(username))
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
		if resp, err = m.http.Get(ctx, m.baseURL+"/api/user/"+url.PathEscape(username)); err != nil {
			return nil, err
		}
	}
	if !resp.OK() {
		return nil, &EndpointExhaustedError{
			Op: "get user", LastPath: "/api/user/" + username,
			LastStatus: resp.StatusCode, LastBody: bodyPreview(resp.Body),
		}
	}

	var u marzbanUser
	if err := json.Unmarshal(resp.Body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return m.toClientInfo(&u), nil
}

func (m *MarzbanClient) toClientInfo(u *marzbanUser) *ClientInfo {
	info := &ClientInfo{
		Username:    u.Username,
		DataLimit:   u.DataLimit,
		UsedTraffic: u.UsedTraffic,
		ExpireAt:    toUnixSeconds(u.Expire),
		Enabled:     u.Status == "" || u.Status == "active",
		Status:      u.Status,
		Links:       u.Links,
		SubLink:     m.absoluteSubLink(u.SubscriptionURL),
	}
	for proto, settings := range u.Proxies {
		info.Protocol = proto
		if id := getString(settings, "id"); id != "" {
			info.ClientID = id
		} else if pw := getString(settings, "password"); pw != "" {
			info.ClientID = pw
		}
		break
	}
	if info.Status == "" {
		info.Status = clientStatus(info)
	}
	return info
}

// absoluteSubLink resolves Marzban's often-relative subscription_url against
// the configured subscription base or the panel origin.
func (m *MarzbanClient) absoluteSubLink(sub string) string {
	if sub == "" || strings.HasPrefix(sub, "http://") || strings.HasPrefix(sub, "https://") {
		return sub
	}
	base := strings.TrimRight(m.panel.SubBase, "/")
	if base == "" {
		base = m.baseURL
	}
	return base + "/" + strings.TrimLeft(sub, "/")
}

func (m *MarzbanClient) CreateUser(ctx context.Context, req CreateUserRequest) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}

	username := GenerateUsername(req.OwnerID, req.Prefix)
	var expire int64
	if req.Plan.DurationDays > 0 {
		expire = time.Now().AddDate(0, 0, req.Plan.DurationDays).Unix()
	}

	payload := marzbanUser{
		Username: username,
		Proxies: map[string]map[string]interface{}{
			"vless": {"id": uuid.NewString()},
		},
		DataLimit: gbToBytes(req.Plan.TrafficGB),
		Expire:    expire,
		Note:      req.Note,
	}

	resp, err := m.probe.run(ctx, "create user", []attempt{
		{Method: "POST", Path: m.baseURL + "/api/user", JSON: payload},
	})
	if err != nil {
		return nil, err
	}

	var u marzbanUser
	if derr := json.Unmarshal(resp.Body, &u); derr == nil && u.Username != "" {
		return m.toClientInfo(&u), nil
	}
	return m.fetchUser(ctx, username)
}

// RenewUser edits quota and expiry in place, then re-fetches to confirm the
// write stuck. Days are added on top of the later of the current expiry and
// now.
func (m *MarzbanClient) RenewUser(ctx context.Context, req RenewUserRequest) (*ClientInfo, error) {
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
		"expire":     wantExpire,
		"status":     "active",
	}
	if _, err := m.probe.run(ctx, "renew user", []attempt{
		{Method: "PUT", Path: m.baseURL + "/api/user/" + url.PathEscape(req.Username), JSON: update},
	}); err != nil {
		return nil, err
	}

	after, err := m.fetchUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if after.DataLimit != wantLimit || after.ExpireAt != wantExpire {
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

// RotateKey issues a fresh uuid for the user's proxies and revokes the old
// subscription so leaked links die with the old key.
func (m *MarzbanClient) RotateKey(ctx context.Context, req RotateKeyRequest) (*ClientInfo, error) {
	if err := m.EnsureSession(ctx); err != nil {
		return nil, err
	}
	cur, err := m.fetchUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	proto := cur.Protocol
	if proto == "" {
		proto = "vless"
	}
	// trojan keys off a password, the uuid protocols off an id
	cred := map[string]interface{}{"id": uuid.NewString()}
	if strings.EqualFold(proto, "trojan") {
		cred = map[string]interface{}{"password": utils.RandomHex(32)}
	}
	update := map[string]interface{}{
		"proxies": map[string]map[string]interface{}{
			proto: cred,
		},
	}
	if _, err := m.probe.run(ctx, "rotate key", []attempt{
		{Method: "PUT", Path: m.baseURL + "/api/user/" + url.PathEscape(req.Username), JSON: update},
	}); err != nil {
		return nil, err
	}

	// Best effort; older builds lack the revoke endpoint.
	if _, err := m.http.PostJSON(ctx, m.baseURL+"/api/user/"+url.PathEscape(req.Username)+"/revoke_sub", nil); err != nil {
		m.log.Debug("revoke_sub failed", zap.String("username", req.Username), zap.Error(err))
	}

	return m.fetchUser(ctx, req.Username)
}

func (m *MarzbanClient) DeleteUser(ctx context.Context, req DeleteUserRequest) error {
	if err := m.EnsureSession(ctx); err != nil {
		return err
	}
	resp, err := m.http.Delete(ctx, m.baseURL+"/api/user/"+url.PathEscape(req.Username))
	if err != nil {
		return err
	}
	if resp.StatusCode == 404 {
		return &NotFoundError{Kind: "client", Key: req.Username}
	}
	if !resp.OK() {
		return &EndpointExhaustedError{
			Op: "delete user", LastPath: "/api/user/" + req.Username,
			LastStatus: resp.StatusCode, LastBody: bodyPreview(resp.Body),
		}
	}
	return nil
}
