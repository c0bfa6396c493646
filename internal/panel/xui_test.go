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

// fakeXUI is an in-memory 3X-UI panel serving the /panel/api/inbounds routes.
type fakeXUI struct {
	mu       sync.Mutex
	settings InboundSettings
	traffic  map[string]ClientStat
	logins   int

	// listBarrier, when set, holds every /list response until all parties
	// have issued theirs, so tests can force overlapping reads.
	listBarrier *sync.WaitGroup
	// pathDeleteBroken makes the path-style delete endpoints fail, as on
	// forks that only accept the client in the request body.
	pathDeleteBroken bool
}

func newFakeXUI() *fakeXUI {
	return &fakeXUI{traffic: map[string]ClientStat{}}
}

func (f *fakeXUI) inbound() Inbound {
	return Inbound{
		ID:             1,
		Remark:         "main",
		Enable:         true,
		Port:           443,
		Protocol:       "vless",
		Settings:       f.settings.Encode(),
		StreamSettings: `{"network":"ws","security":"tls","tlsSettings":{"serverName":"cdn.example.com"},"wsSettings":{"path":"/ray"}}`,
	}
}

func (f *fakeXUI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.FormValue("username") != "admin" || r.FormValue("password") != "pw" {
			w.Write([]byte(`{"success":false,"msg":"wrong credentials"}`))
			return
		}
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "sess"})
		w.Write([]byte(`{"success":true}`))
	})

	mux.HandleFunc("/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		barrier := f.listBarrier
		f.mu.Unlock()
		if barrier != nil {
			barrier.Done()
			barrier.Wait()
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"obj":     []Inbound{f.inbound()},
		})
	})

	mux.HandleFunc("/panel/api/inbounds/get/1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"obj":     f.inbound(),
		})
	})

	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID      int      `json:"id"`
			Clients []Client `json:"clients"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID != 1 || len(body.Clients) == 0 {
			w.Write([]byte(`{"success":false,"msg":"bad payload"}`))
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.settings.Clients = append(f.settings.Clients, body.Clients...)
		w.Write([]byte(`{"success":true}`))
	})

	mux.HandleFunc("/panel/api/inbounds/1/delClientByEmail/", func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/1/delClientByEmail/")
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.pathDeleteBroken {
			w.Write([]byte(`{"success":false,"msg":"unknown action"}`))
			return
		}
		if !f.settings.RemoveClient(email) {
			w.Write([]byte(`{"success":false,"msg":"no such client"}`))
			return
		}
		delete(f.traffic, email)
		w.Write([]byte(`{"success":true}`))
	})

	mux.HandleFunc("/panel/api/inbounds/delClient", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID      int      `json:"id"`
			Clients []Client `json:"clients"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID != 1 || len(body.Clients) == 0 {
			w.Write([]byte(`{"success":false,"msg":"bad payload"}`))
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.settings.RemoveClient(body.Clients[0].Email) {
			w.Write([]byte(`{"success":false,"msg":"no such client"}`))
			return
		}
		delete(f.traffic, body.Clients[0].Email)
		w.Write([]byte(`{"success":true}`))
	})

	mux.HandleFunc("/panel/api/inbounds/getClientTraffics/", func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/getClientTraffics/")
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"obj":     f.traffic[email],
		})
	})

	return mux
}

func newXUITestClient(t *testing.T) (*fakeXUI, *XUIClient) {
	t.Helper()
	fake := newFakeXUI()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	p := &models.Panel{
		ID:               1,
		Type:             models.PanelType3XUI,
		URL:              srv.URL,
		Username:         "admin",
		Password:         "pw",
		DefaultInboundID: 1,
	}
	return fake, NewThreeXuiAPI(p, zap.NewNop())
}

func TestXUICreateUser(t *testing.T) {
	fake, api := newXUITestClient(t)
	ctx := context.Background()

	info, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 99,
		Prefix:  "shop",
		Plan:    Plan{TrafficGB: 10, DurationDays: 30},
	})
	require.NoError(t, err)

	assert.Regexp(t, `^shop_99_\d{5}$`, info.Username)
	assert.Equal(t, int64(10*1<<30), info.DataLimit)
	assert.Equal(t, "vless", info.Protocol)
	assert.Equal(t, "active", info.Status)
	assert.NotEmpty(t, info.ClientID)
	assert.NotEmpty(t, info.SubID)
	require.Len(t, info.Links, 1)
	assert.Contains(t, info.Links[0], "vless://"+info.ClientID+"@")
	assert.Contains(t, info.SubLink, "/sub/"+info.SubID)

	wantExpiry := time.Now().AddDate(0, 0, 30).Unix()
	assert.InDelta(t, wantExpiry, info.ExpireAt, 5)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.settings.Clients, 1)
	assert.Equal(t, int64(10*1<<30), fake.settings.Clients[0].TotalGB)
	assert.Equal(t, 1, fake.logins, "session is reused across calls")
}

func TestXUIRenewRecreates(t *testing.T) {
	fake, api := newXUITestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 7, Plan: Plan{TrafficGB: 10, DurationDays: 30},
	})
	require.NoError(t, err)

	renewed, err := api.RenewUser(ctx, RenewUserRequest{
		Username: created.Username,
		AddGB:    5,
		AddDays:  10,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(15*1<<30), renewed.DataLimit)
	assert.Equal(t, created.ClientID, renewed.ClientID, "renewal keeps the credential")
	assert.Equal(t, created.SubID, renewed.SubID, "renewal keeps the sub link")
	assert.Equal(t, int64(0), renewed.UsedTraffic, "usage resets on recreate")

	// expiry extends the original future expiry, not today
	wantExpiry := time.Unix(created.ExpireAt, 0).AddDate(0, 0, 10).Unix()
	assert.InDelta(t, wantExpiry, renewed.ExpireAt, 5)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.settings.Clients, 1, "old record is gone")
}

func TestXUICreateUserUnlimitedPlan(t *testing.T) {
	fake, api := newXUITestClient(t)

	info, err := api.CreateUser(context.Background(), CreateUserRequest{
		OwnerID: 11,
		Plan:    Plan{TrafficGB: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), info.ExpireAt, "no duration means no expiry")
	assert.Equal(t, "active", info.Status)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.settings.Clients, 1)
	assert.Equal(t, int64(0), fake.settings.Clients[0].ExpiryTime)
}

func TestXUIRenewUnlimitedExpiryStays(t *testing.T) {
	fake, api := newXUITestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 12, Plan: Plan{TrafficGB: 10},
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), created.ExpireAt)

	// traffic-only top-up of an unlimited client
	renewed, err := api.RenewUser(ctx, RenewUserRequest{
		Username: created.Username,
		AddGB:    5,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(15*1<<30), renewed.DataLimit)
	assert.Equal(t, int64(0), renewed.ExpireAt, "unlimited stays unlimited")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.settings.Clients, 1)
	assert.Equal(t, int64(0), fake.settings.Clients[0].ExpiryTime)
}

func TestExtendExpiryMillis(t *testing.T) {
	future := time.Now().AddDate(0, 0, 20).UnixMilli()
	past := time.Now().AddDate(0, 0, -5).UnixMilli()

	assert.Equal(t, int64(0), extendExpiryMillis(0, 0), "no-op on unlimited")
	assert.Equal(t, int64(0), extendExpiryMillis(0, 10), "unlimited is never stamped")
	assert.Equal(t, future, extendExpiryMillis(future, 0), "zero days is a no-op")

	got := fromUnixFlexible(extendExpiryMillis(future, 10))
	assert.WithinDuration(t, fromUnixFlexible(future).AddDate(0, 0, 10), got, 2*time.Second)

	// an already expired client restarts from now
	got = fromUnixFlexible(extendExpiryMillis(past, 10))
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 10), got, 2*time.Second)
}

func TestXUIRenewConcurrent(t *testing.T) {
	fake, api := newXUITestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 13, Plan: Plan{TrafficGB: 10, DurationDays: 30},
	})
	require.NoError(t, err)

	// hold both initial reads until each renewal has issued one, so both
	// start from the same pre-renewal snapshot
	barrier := &sync.WaitGroup{}
	barrier.Add(2)
	fake.mu.Lock()
	fake.listBarrier = barrier
	fake.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = api.RenewUser(ctx, RenewUserRequest{
				Username: created.Username,
				AddGB:    5,
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.settings.Clients, 1)
	assert.Equal(t, int64(20*1<<30), fake.settings.Clients[0].TotalGB,
		"both top-ups land")
}

func TestXUICreateUserFirstEnabledInbound(t *testing.T) {
	fake := newFakeXUI()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	// no default inbound configured, none requested
	api := NewThreeXuiAPI(&models.Panel{
		ID: 9, URL: srv.URL, Username: "admin", Password: "pw",
	}, zap.NewNop())

	info, err := api.CreateUser(context.Background(), CreateUserRequest{
		OwnerID: 14, Plan: Plan{TrafficGB: 1, DurationDays: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, info.InboundID)
}

func TestXUIDeleteClientBodyFallback(t *testing.T) {
	fake, api := newXUITestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 15, Plan: Plan{TrafficGB: 1, DurationDays: 7},
	})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.pathDeleteBroken = true
	fake.mu.Unlock()

	require.NoError(t, api.DeleteUser(ctx, DeleteUserRequest{Username: created.Username}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.settings.Clients)
}

func TestXUIRotateKey(t *testing.T) {
	_, api := newXUITestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 3, Plan: Plan{TrafficGB: 1, DurationDays: 7},
	})
	require.NoError(t, err)

	rotated, err := api.RotateKey(ctx, RotateKeyRequest{Username: created.Username})
	require.NoError(t, err)

	assert.Equal(t, created.Username, rotated.Username)
	assert.NotEqual(t, created.ClientID, rotated.ClientID)
	assert.NotEqual(t, created.SubID, rotated.SubID, "3x-ui rotation also rotates the sub id")
	assert.Equal(t, created.DataLimit, rotated.DataLimit)
	assert.Equal(t, created.ExpireAt, rotated.ExpireAt)
}

func TestXUIDeleteUser(t *testing.T) {
	fake, api := newXUITestClient(t)
	ctx := context.Background()

	created, err := api.CreateUser(ctx, CreateUserRequest{
		OwnerID: 5, Plan: Plan{TrafficGB: 1, DurationDays: 7},
	})
	require.NoError(t, err)

	require.NoError(t, api.DeleteUser(ctx, DeleteUserRequest{Username: created.Username}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.settings.Clients)
}

func TestXUIListInbounds(t *testing.T) {
	_, api := newXUITestClient(t)

	inbounds, err := api.ListInbounds(context.Background())
	require.NoError(t, err)
	require.Len(t, inbounds, 1)
	assert.Equal(t, 1, inbounds[0].ID)
	assert.Equal(t, "vless", inbounds[0].Protocol)
	assert.Equal(t, "main", inbounds[0].Remark)
}

func TestXUIBadCredentials(t *testing.T) {
	fake := newFakeXUI()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	api := NewThreeXuiAPI(&models.Panel{
		ID: 2, URL: srv.URL, Username: "admin", Password: "wrong",
	}, zap.NewNop())

	err := api.EnsureSession(context.Background())
	require.Error(t, err)
	_, ok := err.(*AuthError)
	assert.True(t, ok)
}
