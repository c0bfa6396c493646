package panel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSettings = `{"clients":[{"id":"3f2c8a1e-5b4d-4f6a-9c2e-1a2b3c4d5e6f","email":"shop_1_00042","totalGB":10737418240,"expiryTime":1767225600000,"enable":true,"subId":"ab12cd34ef56ab12"},{"password":"trjpass","email":"shop_2_00007","totalGB":0,"expiryTime":0,"enable":false}],"decryption":"none","fallbacks":[]}`

func TestParseInboundSettings(t *testing.T) {
	s, err := ParseInboundSettings(sampleSettings)
	require.NoError(t, err)
	require.Len(t, s.Clients, 2)

	c := s.FindClient("shop_1_00042")
	require.NotNil(t, c)
	assert.Equal(t, "3f2c8a1e-5b4d-4f6a-9c2e-1a2b3c4d5e6f", c.Secret())
	assert.Equal(t, int64(10*1<<30), c.TotalGB)
	assert.True(t, c.Enable)

	trojan := s.FindClient("SHOP_2_00007")
	require.NotNil(t, trojan, "lookup is case-insensitive")
	assert.Equal(t, "trjpass", trojan.Secret())
}

func TestParseInboundSettingsBadJSON(t *testing.T) {
	_, err := ParseInboundSettings("{not json")
	assert.Error(t, err)
}

func TestSettingsRoundTrip(t *testing.T) {
	s, err := ParseInboundSettings(sampleSettings)
	require.NoError(t, err)

	again, err := ParseInboundSettings(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s.Clients, again.Clients)
	assert.Equal(t, "none", again.Decryption)
}

func TestRemoveClient(t *testing.T) {
	s, err := ParseInboundSettings(sampleSettings)
	require.NoError(t, err)

	assert.True(t, s.RemoveClient("shop_1_00042"))
	assert.Nil(t, s.FindClient("shop_1_00042"))
	assert.Len(t, s.Clients, 1)
	assert.False(t, s.RemoveClient("missing"))
}

func TestExpiryUnitNormalization(t *testing.T) {
	sec := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	ms := sec * 1000

	assert.Equal(t, sec, toUnixSeconds(ms))
	assert.Equal(t, sec, toUnixSeconds(sec))
	assert.Equal(t, ms, toUnixMillis(sec))
	assert.Equal(t, ms, toUnixMillis(ms))
	assert.Equal(t, int64(0), toUnixMillis(0))
}

func TestFromUnixFlexible(t *testing.T) {
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, want.Unix(), fromUnixFlexible(want.Unix()).Unix())
	assert.Equal(t, want.Unix(), fromUnixFlexible(want.UnixMilli()).Unix())
	assert.True(t, fromUnixFlexible(0).IsZero())
}

func TestClientStatus(t *testing.T) {
	now := time.Now().Unix()

	assert.Equal(t, "active", clientStatus(&ClientInfo{Enabled: true, ExpireAt: now + 3600, DataLimit: 100, UsedTraffic: 10}))
	assert.Equal(t, "disabled", clientStatus(&ClientInfo{Enabled: false}))
	assert.Equal(t, "expired", clientStatus(&ClientInfo{Enabled: true, ExpireAt: now - 10}))
	assert.Equal(t, "limited", clientStatus(&ClientInfo{Enabled: true, DataLimit: 100, UsedTraffic: 100}))
	assert.Equal(t, "active", clientStatus(&ClientInfo{Enabled: true}), "zero limit and expiry mean unlimited")
}

func TestInboundSummary(t *testing.T) {
	inb := Inbound{ID: 3, Tag: "inbound-3", Protocol: "vless", Port: 443, Remark: "main"}
	sum := inb.Summary()
	assert.Equal(t, 3, sum.ID)
	assert.Equal(t, "vless", sum.Protocol)
	assert.Equal(t, "main", sum.Remark)
}
