package panel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"vpnshop/internal/models"
	"vpnshop/internal/pkg/httpclient"
	"vpnshop/internal/pkg/utils"
)

// xuiProfile captures the differences between X-UI family builds. The API
// bases are tried in order, so each vendor lists its own canonical prefix
// first and the siblings' prefixes as fallbacks.
type xuiProfile struct {
	name        string
	apiBases    []string
	rotateSubID bool
}

// sessionCache holds login timestamps keyed by panel url and username.
// Cookies themselves live in each client's jar; panels expire sessions at
// about an hour, so entries are refreshed before that.
var sessionCache = cache.New(50*time.Minute, 10*time.Minute)

// XUIClient talks to Sanaei-lineage panels (X-UI, 3X-UI, TX-UI). They share
// the inbound/settings-blob model and differ mainly in route casing.
type XUIClient struct {
	panel   *models.Panel
	profile xuiProfile
	baseURL string
	http    *httpclient.Client
	probe   *prober
	log     *zap.Logger
}

func newXUIClient(p *models.Panel, profile xuiProfile, log *zap.Logger) *XUIClient {
	c := &XUIClient{
		panel:   p,
		profile: profile,
		baseURL: strings.TrimRight(p.URL, "/"),
		http:    httpclient.New().WithInsecureSkipVerify(),
		log:     log.With(zap.String("panel_type", profile.name), zap.Uint("panel_id", p.ID)),
	}
	c.probe = &prober{client: c.http, log: c.log, relogin: c.login}
	return c
}

// WithRequestTimeout overrides the http client timeout. Zero is a no-op.
func (x *XUIClient) WithRequestTimeout(d time.Duration) *XUIClient {
	if d > 0 {
		x.http.WithTimeout(d)
	}
	return x
}

func (x *XUIClient) PanelType() string { return x.profile.name }

func (x *XUIClient) sessionKey() string {
	return fmt.Sprintf("%s|%s", x.baseURL, x.panel.Username)
}

// EnsureSession logs in if the cached session has expired.
func (x *XUIClient) EnsureSession(ctx context.Context) error {
	if _, ok := sessionCache.Get(x.sessionKey()); ok {
		return nil
	}
	return x.login(ctx)
}

// login authenticates against /login with form credentials, falling back to
// a JSON body. Some builds answer the successful login with a redirect.
func (x *XUIClient) login(ctx context.Context) error {
	creds := map[string]string{
		"username": x.panel.Username,
		"password": x.panel.Password,
	}

	resp, err := x.http.PostForm(ctx, x.baseURL+"/login", creds)
	if err != nil || !loginAccepted(resp) {
		resp, err = x.http.PostJSON(ctx, x.baseURL+"/login", creds)
	}
	if err != nil {
		return &AuthError{PanelType: x.profile.name, Reason: err.Error()}
	}
	if !loginAccepted(resp) || !apiSuccess(resp.Body) {
		return &AuthError{
			PanelType: x.profile.name,
			Reason:    fmt.Sprintf("login rejected: status %d", resp.StatusCode),
		}
	}

	sessionCache.Set(x.sessionKey(), time.Now(), cache.DefaultExpiration)
	x.log.Info("panel login ok")
	return nil
}

func loginAccepted(resp *httpclient.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case 200, 204, 302, 303:
		return true
	}
	return false
}

// attemptsFor expands a sub-path into concrete attempts across every API
// base the profile knows.
func (x *XUIClient) attemptsFor(method, sub string, jsonBody interface{}, form map[string]string) []attempt {
	attempts := make([]attempt, 0, len(x.profile.apiBases))
	for _, base := range x.profile.apiBases {
		path := x.baseURL + base
		if sub != "" {
			path += "/" + sub
		}
		attempts = append(attempts, attempt{Method: method, Path: path, JSON: jsonBody, Form: form})
	}
	return attempts
}

// clientMutationAttempts builds the full body-shape ladder for addClient and
// updateClient. Newer builds take {"id","settings":"<json>"}; some forks take
// the clients array inline, and the oldest ones only accept form fields.
func (x *XUIClient) clientMutationAttempts(sub string, inboundID int, c *Client) []attempt {
	settings := InboundSettings{Clients: []Client{*c}}
	encoded := settings.Encode()

	var attempts []attempt
	for _, base := range x.profile.apiBases {
		path := x.baseURL + base + "/" + sub
		attempts = append(attempts,
			attempt{Method: "POST", Path: path, JSON: map[string]interface{}{
				"id":      inboundID,
				"clients": []Client{*c},
			}},
			attempt{Method: "POST", Path: path, JSON: map[string]interface{}{
				"id":       inboundID,
				"settings": encoded,
			}},
			attempt{Method: "POST", Path: path, Form: map[string]string{
				"id":       fmt.Sprintf("%d", inboundID),
				"settings": encoded,
			}},
		)
	}
	return attempts
}

func (x *XUIClient) ListInbounds(ctx context.Context) ([]InboundSummary, error) {
	if err := x.EnsureSession(ctx); err != nil {
		return nil, err
	}
	inbounds, err := x.fetchInbounds(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]InboundSummary, 0, len(inbounds))
	for _, inb := range inbounds {
		summaries = append(summaries, inb.Summary())
	}
	return summaries, nil
}

func (x *XUIClient) fetchInbounds(ctx context.Context) ([]Inbound, error) {
	resp, err := x.probe.run(ctx, "list inbounds", x.attemptsFor("GET", "list", nil, nil))
	if err != nil {
		return nil, err
	}
	var inbounds []Inbound
	if err := objField(resp.Body, &inbounds); err != nil {
		return nil, fmt.Errorf("decode inbound list: %w", err)
	}
	return inbounds, nil
}

func (x *XUIClient) fetchInbound(ctx context.Context, id int) (*Inbound, error) {
	resp, err := x.probe.run(ctx, "get inbound", x.attemptsFor("GET", fmt.Sprintf("get/%d", id), nil, nil))
	if err == nil {
		var inb Inbound
		if derr := objField(resp.Body, &inb); derr == nil && inb.ID != 0 {
			return &inb, nil
		}
	}

	// Older builds have no get endpoint; filter the list instead.
	inbounds, lerr := x.fetchInbounds(ctx)
	if lerr != nil {
		return nil, lerr
	}
	for i := range inbounds {
		if inbounds[i].ID == id {
			return &inbounds[i], nil
		}
	}
	return nil, &NotFoundError{Kind: "inbound", Key: fmt.Sprintf("%d", id)}
}

func (x *XUIClient) CreateUser(ctx context.Context, req CreateUserRequest) (*ClientInfo, error) {
	if err := x.EnsureSession(ctx); err != nil {
		return nil, err
	}
	inboundID, err := x.resolveInboundID(ctx, req.InboundID)
	if err != nil {
		return nil, err
	}

	unlock := lockInbound(x.panel.ID, inboundID)
	defer unlock()

	inb, err := x.fetchInbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}

	username := GenerateUsername(req.OwnerID, req.Prefix)
	c := newXUIClientEntry(username, inb.Protocol, req.Plan)

	if err := x.addClient(ctx, inboundID, c); err != nil {
		return nil, err
	}
	return x.buildClientInfo(ctx, inb, c)
}

// newXUIClientEntry builds the client record for a fresh subscription. X-UI
// stores expiry in epoch milliseconds and quota in bytes; zero means
// unlimited for both.
func newXUIClientEntry(username, protocol string, plan Plan) *Client {
	c := &Client{
		Email:   username,
		Enable:  true,
		TotalGB: gbToBytes(plan.TrafficGB),
		SubID:   utils.RandomHex(16),
	}
	if plan.DurationDays > 0 {
		c.ExpiryTime = time.Now().AddDate(0, 0, plan.DurationDays).UnixMilli()
	}
	id := uuid.NewString()
	if strings.EqualFold(protocol, "trojan") {
		c.Password = id
	} else {
		c.ID = id
	}
	return c
}

func (x *XUIClient) addClient(ctx context.Context, inboundID int, c *Client) error {
	_, err := x.probe.run(ctx, "add client", x.clientMutationAttempts("addClient", inboundID, c))
	return err
}

func (x *XUIClient) GetUser(ctx context.Context, username string) (*ClientInfo, error) {
	if err := x.EnsureSession(ctx); err != nil {
		return nil, err
	}
	inb, c, err := x.findClient(ctx, username)
	if err != nil {
		return nil, err
	}
	return x.buildClientInfo(ctx, inb, c)
}

// findClient scans every inbound's settings blob for the email. A freshly
// written client can lag behind the read path on slow panels, so a miss is
// retried briefly before giving up.
func (x *XUIClient) findClient(ctx context.Context, username string) (*Inbound, *Client, error) {
	var lastErr error
	for try := 0; try < 3; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		inbounds, err := x.fetchInbounds(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		for i := range inbounds {
			settings, err := ParseInboundSettings(inbounds[i].Settings)
			if err != nil {
				continue
			}
			if c := settings.FindClient(username); c != nil {
				return &inbounds[i], c, nil
			}
		}
		lastErr = &NotFoundError{Kind: "client", Key: username}
	}
	return nil, nil, lastErr
}

// clientUnderLock re-reads a single inbound and relocates the client in it.
// Callers holding the inbound lock use this so mutations are computed from
// the latest settings blob, not from a snapshot taken before the lock.
func (x *XUIClient) clientUnderLock(ctx context.Context, inboundID int, username string) (*Inbound, *Client, error) {
	inb, err := x.fetchInbound(ctx, inboundID)
	if err != nil {
		return nil, nil, err
	}
	settings, err := ParseInboundSettings(inb.Settings)
	if err != nil {
		return nil, nil, err
	}
	c := settings.FindClient(username)
	if c == nil {
		return nil, nil, &NotFoundError{Kind: "client", Key: username}
	}
	return inb, c, nil
}

func (x *XUIClient) buildClientInfo(ctx context.Context, inb *Inbound, c *Client) (*ClientInfo, error) {
	info := &ClientInfo{
		Username:  c.Email,
		ClientID:  c.Secret(),
		SubID:     c.SubID,
		InboundID: inb.ID,
		Protocol:  inb.Protocol,
		DataLimit: c.TotalGB,
		ExpireAt:  toUnixSeconds(c.ExpiryTime),
		Enabled:   c.Enable,
		Links:     buildLinks(inb, c, x.baseURL, x.panel.SubBase),
		SubLink:   buildSubLink(x.baseURL, x.panel.SubBase, c.SubID, c.Email),
	}

	if stat := inb.StatFor(c.Email); stat != nil {
		info.UsedTraffic = stat.Up + stat.Down
	} else if usage, err := x.fetchClientTraffic(ctx, c.Email); err == nil {
		info.UsedTraffic = usage
	}

	info.Status = clientStatus(info)
	return info, nil
}

func (x *XUIClient) fetchClientTraffic(ctx context.Context, email string) (int64, error) {
	resp, err := x.probe.run(ctx, "client traffic",
		x.attemptsFor("GET", "getClientTraffics/"+email, nil, nil))
	if err != nil {
		return 0, err
	}
	var stat ClientStat
	if err := objField(resp.Body, &stat); err != nil {
		return 0, err
	}
	return stat.Up + stat.Down, nil
}

// RenewUser extends a subscription by recreating the client. In-place edits
// behave differently across forks, so the renewal deletes the client and
// re-adds it with the carried-forward quota and expiry. Usage starts at zero
// on the new record.
func (x *XUIClient) RenewUser(ctx context.Context, req RenewUserRequest) (*ClientInfo, error) {
	if err := x.EnsureSession(ctx); err != nil {
		return nil, err
	}
	inb, _, err := x.findClient(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	unlock := lockInbound(x.panel.ID, inb.ID)
	defer unlock()

	// re-read under the lock: the quota/expiry math must see the state a
	// concurrent renewal may have just written
	inb, cur, err := x.clientUnderLock(ctx, inb.ID, req.Username)
	if err != nil {
		return nil, err
	}

	next := *cur
	next.TotalGB = cur.TotalGB + gbToBytes(req.AddGB)
	next.ExpiryTime = extendExpiryMillis(cur.ExpiryTime, req.AddDays)
	next.Enable = true

	if err := x.recreateClient(ctx, inb, cur, &next); err != nil {
		return nil, err
	}
	if fresh, ferr := x.fetchInbound(ctx, inb.ID); ferr == nil {
		inb = fresh
	}
	return x.buildClientInfo(ctx, inb, &next)
}

// extendExpiryMillis adds days on top of the later of the current expiry and
// now, so expired subscriptions restart from today instead of the past.
// addDays == 0 leaves the expiry dimension untouched, and an unlimited
// subscription (expiry 0) stays unlimited.
func extendExpiryMillis(currentMillis int64, addDays int) int64 {
	if addDays <= 0 || currentMillis == 0 {
		return currentMillis
	}
	base := time.Now()
	if cur := fromUnixFlexible(currentMillis); cur.After(base) {
		base = cur
	}
	return base.AddDate(0, 0, addDays).UnixMilli()
}

// RotateKey replaces the client's credential, keeping quota and expiry.
func (x *XUIClient) RotateKey(ctx context.Context, req RotateKeyRequest) (*ClientInfo, error) {
	if err := x.EnsureSession(ctx); err != nil {
		return nil, err
	}
	inb, _, err := x.findClient(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	unlock := lockInbound(x.panel.ID, inb.ID)
	defer unlock()

	inb, cur, err := x.clientUnderLock(ctx, inb.ID, req.Username)
	if err != nil {
		return nil, err
	}

	next := *cur
	id := uuid.NewString()
	if strings.EqualFold(inb.Protocol, "trojan") {
		next.Password = id
		next.ID = ""
	} else {
		next.ID = id
		next.Password = ""
	}
	if x.profile.rotateSubID {
		next.SubID = utils.RandomHex(16)
	}

	if err := x.recreateClient(ctx, inb, cur, &next); err != nil {
		return nil, err
	}
	if fresh, ferr := x.fetchInbound(ctx, inb.ID); ferr == nil {
		inb = fresh
	}
	return x.buildClientInfo(ctx, inb, &next)
}

// recreateClient deletes the existing record and re-adds the replacement.
// The delete is best effort: a client missing on the panel should not block
// writing the replacement.
func (x *XUIClient) recreateClient(ctx context.Context, inb *Inbound, cur, next *Client) error {
	if err := x.deleteClient(ctx, inb.ID, cur); err != nil {
		x.log.Warn("delete before recreate failed",
			zap.String("username", cur.Email), zap.Error(err))
	}
	return x.addClient(ctx, inb.ID, next)
}

func (x *XUIClient) DeleteUser(ctx context.Context, req DeleteUserRequest) error {
	if err := x.EnsureSession(ctx); err != nil {
		return err
	}
	inb, c, err := x.findClient(ctx, req.Username)
	if err != nil {
		return err
	}

	unlock := lockInbound(x.panel.ID, inb.ID)
	defer unlock()

	return x.deleteClient(ctx, inb.ID, c)
}

func (x *XUIClient) deleteClient(ctx context.Context, inboundID int, c *Client) error {
	var attempts []attempt
	attempts = append(attempts,
		x.attemptsFor("POST", fmt.Sprintf("%d/delClientByEmail/%s", inboundID, c.Email), nil, nil)...)
	if secret := c.Secret(); secret != "" {
		attempts = append(attempts,
			x.attemptsFor("POST", fmt.Sprintf("%d/delClient/%s", inboundID, secret), nil, nil)...)
	}
	// older forks only take the client in the body
	attempts = append(attempts,
		x.attemptsFor("POST", "delClient", map[string]interface{}{
			"id":      inboundID,
			"clients": []Client{*c},
		}, nil)...)
	_, err := x.probe.run(ctx, "delete client", attempts)
	return err
}

// resolveInboundID picks the inbound to provision on: the requested one,
// else the panel's configured default, else the first enabled inbound.
func (x *XUIClient) resolveInboundID(ctx context.Context, requested int) (int, error) {
	if requested > 0 {
		return requested, nil
	}
	if x.panel.DefaultInboundID > 0 {
		return x.panel.DefaultInboundID, nil
	}
	inbounds, err := x.fetchInbounds(ctx)
	if err != nil {
		return 0, err
	}
	for i := range inbounds {
		if inbounds[i].Enable {
			return inbounds[i].ID, nil
		}
	}
	return 0, &NotFoundError{Kind: "inbound", Key: "usable"}
}
