package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnshop/internal/models"
)

// fakeMarzban is an in-memory Marzban panel.
type fakeMarzban struct {
	mu          sync.Mutex
	users       map[string]*marzbanUser
	ignoreEdits bool // simulate builds that 200 an update without applying it
}

func newFakeMarzban() *fakeMarzban {
	return &fakeMarzban{users: map[string]*marzbanUser{}}
}

func (f *fakeMarzban) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/admin/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("username") != "admin" || r.FormValue("password") != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-123", "token_type": "bearer"})
	})

	mux.HandleFunc("/api/inbounds", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string][]map[string]interface{}{
			"vless": {{"tag": "VLESS_WS", "port": 443}},
		})
	})

	mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var u marzbanUser
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil || u.Username == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		u.Status = "active"
		u.SubscriptionURL = "/sub/" + u.Username + "-token"
		f.mu.Lock()
		f.users[u.Username] = &u
		f.mu.Unlock()
		json.NewEncoder(w).Encode(u)
	})

	mux.HandleFunc("/api/user/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/api/user/")
		if strings.HasSuffix(name, "/revoke_sub") {
			w.Write([]byte(`{}`))
			return
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		u, ok := f.users[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(u)
		case http.MethodPut:
			var patch map[string]interface{}
			json.NewDecoder(r.Body).Decode(&patch)
			if !f.ignoreEdits {
				if v, ok := patch["data_limit"]; ok {
					u.DataLimit = toInt64(v)
				}
				if v, ok := patch["expire"]; ok {
					u.Expire = toInt64(v)
				}
				if v, ok := patch["proxies"].(map[string]interface{}); ok {
					u.Proxies = map[string]map[string]interface{}{}
					for proto, s := range v {
						if sm, ok := s.(map[string]interface{}); ok {
							u.Proxies[proto] = sm
						}
					}
				}
			}
			json.NewEncoder(w).Encode(u)
		case http.MethodDelete:
			delete(f.users, name)
			w.Write([]byte(`{}`))
		}
	})

	return mux
}

func newMarzbanTestClient(t *testing.T) (*fakeMarzban, *MarzbanClient) {
	t.Helper()
	fake := newFakeMarzban()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	p := &models.Panel{
		ID:       10,
		Type:     models.PanelTypeMarzban,
		URL:      srv.URL,
		Username: "admin",
		Password: "pw",
		SubBase:  "https://sub.example.com",
	}
	return fake, NewMarzbanAPI(p, zap.NewNop())
}

func TestMarzbanCreateUser(t *testing.T) {
	fake, api := newMarzbanTestClient(t)
	ctx := context.Background()

	info, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 55,
		Prefix:  "shop",
		Plan:    Plan{TrafficGB: 20, DurationDays: 60},
	})
	require.NoError(t, err)

	assert.Regexp(t, `^shop_55_\d{5}$`, info.Username)
	assert.Equal(t, int64(20*1<<30), info.DataLimit)
	assert.Equal(t, "vless", info.Protocol)
	assert.NotEmpty(t, info.ClientID)
	assert.Equal(t, "https://sub.example.com/sub/"+info.Username+"-token", info.SubLink,
		"relative subscription_url resolves against the sub base")

	wantExpiry := time.Now().AddDate(0, 0, 60).Unix()
	assert.InDelta(t, wantExpiry, info.ExpireAt, 5)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.users, info.Username)
}

func TestMarzbanRenewInPlace(t *testing.T) {
	_, api := newMarzbanTestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 8, Plan: Plan{TrafficGB: 10, DurationDays: 30},
	})
	require.NoError(t, err)

	renewed, err := api.RenewUser(ctx, RenewUserRequest{
		Username: created.Username,
		AddGB:    5,
		AddDays:  15,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(15*1<<30), renewed.DataLimit)
	wantExpiry := time.Unix(created.ExpireAt, 0).AddDate(0, 0, 15).Unix()
	assert.Equal(t, wantExpiry, renewed.ExpireAt)
	assert.Equal(t, created.ClientID, renewed.ClientID, "in-place renewal keeps credentials")
}

func TestMarzbanRenewVerificationFailure(t *testing.T) {
	fake, api := newMarzbanTestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 9, Plan: Plan{TrafficGB: 10, DurationDays: 30},
	})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.ignoreEdits = true
	fake.mu.Unlock()

	_, err = api.RenewUser(ctx, RenewUserRequest{Username: created.Username, AddGB: 5})
	require.Error(t, err)

	verify, ok := err.(*VerificationFailedError)
	require.True(t, ok, "silently dropped writes must surface, got %v", err)
	assert.Equal(t, int64(15*1<<30), verify.WantLimit)
	assert.Equal(t, int64(10*1<<30), verify.GotLimit)
}

func TestMarzbanRotateKey(t *testing.T) {
	_, api := newMarzbanTestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 4, Plan: Plan{TrafficGB: 5, DurationDays: 30},
	})
	require.NoError(t, err)

	rotated, err := api.RotateKey(ctx, RotateKeyRequest{Username: created.Username})
	require.NoError(t, err)
	assert.NotEqual(t, created.ClientID, rotated.ClientID)
	assert.Equal(t, created.DataLimit, rotated.DataLimit)
}

func TestMarzbanRotateKeyTrojan(t *testing.T) {
	fake, api := newMarzbanTestClient(t)
	ctx := context.Background()

	fake.mu.Lock()
	fake.users["troj_1_00001"] = &marzbanUser{
		Username: "troj_1_00001",
		Status:   "active",
		Proxies:  map[string]map[string]interface{}{"trojan": {"password": "old-secret"}},
	}
	fake.mu.Unlock()

	rotated, err := api.RotateKey(ctx, RotateKeyRequest{Username: "troj_1_00001"})
	require.NoError(t, err)
	assert.Equal(t, "trojan", rotated.Protocol)
	assert.NotEqual(t, "old-secret", rotated.ClientID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	proxy := fake.users["troj_1_00001"].Proxies["trojan"]
	pw, _ := proxy["password"].(string)
	assert.Len(t, pw, 32)
	_, hasID := proxy["id"]
	assert.False(t, hasID, "trojan keys off a password, not a uuid")
}

func TestMarzbanDeleteAndNotFound(t *testing.T) {
	_, api := newMarzbanTestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 2, Plan: Plan{TrafficGB: 1, DurationDays: 7},
	})
	require.NoError(t, err)

	require.NoError(t, api.DeleteUser(ctx, DeleteUserRequest{Username: created.Username}))

	_, err = api.GetUser(ctx, created.Username)
	notFound, ok := err.(*NotFoundError)
	require.True(t, ok)
	assert.Equal(t, "client", notFound.Kind)

	err = api.DeleteUser(ctx, DeleteUserRequest{Username: created.Username})
	_, ok = err.(*NotFoundError)
	assert.True(t, ok)
}

func TestMarzbanListInbounds(t *testing.T) {
	_, api := newMarzbanTestClient(t)

	inbounds, err := api.ListInbounds(context.Background())
	require.NoError(t, err)
	require.Len(t, inbounds, 1)
	assert.Equal(t, "VLESS_WS", inbounds[0].Tag)
	assert.Equal(t, "vless", inbounds[0].Protocol)
	assert.Equal(t, 443, inbounds[0].Port)
}

func TestMarzbanBadCredentials(t *testing.T) {
	fake := newFakeMarzban()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	api := NewMarzbanAPI(&models.Panel{
		ID: 11, URL: srv.URL, Username: "admin", Password: "nope",
	}, zap.NewNop())

	err := api.EnsureSession(context.Background())
	require.Error(t, err)
	_, ok := err.(*AuthError)
	assert.True(t, ok)
}
