package panel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Client is one entry of an inbound's settings.clients array, as stored by
// the X-UI family. VLESS/VMess clients carry ID (a uuid), trojan clients
// carry Password. Expiry is epoch milliseconds on these panels.
type Client struct {
	ID         string `json:"id,omitempty"`
	Password   string `json:"password,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp,omitempty"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId,omitempty"`
	SubID      string `json:"subId,omitempty"`
	Reset      int    `json:"reset,omitempty"`
}

// Secret returns the protocol-dependent credential.
func (c *Client) Secret() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Password
}

// InboundSettings is the typed form of the JSON-encoded settings blob nested
// inside an inbound. It is parsed at the adapter boundary only; business
// logic never touches the raw string.
type InboundSettings struct {
	Clients    []Client      `json:"clients"`
	Decryption string        `json:"decryption,omitempty"`
	Fallbacks  []interface{} `json:"fallbacks,omitempty"`
}

// ParseInboundSettings decodes an inbound's settings blob.
func ParseInboundSettings(raw string) (*InboundSettings, error) {
	var s InboundSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parse inbound settings: %w", err)
	}
	return &s, nil
}

// Encode re-serializes the settings for writeback.
func (s *InboundSettings) Encode() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// FindClient locates a client by email. The panels do not enforce email
// uniqueness; the first match is canonical.
func (s *InboundSettings) FindClient(email string) *Client {
	for i := range s.Clients {
		if strings.EqualFold(strings.TrimSpace(s.Clients[i].Email), strings.TrimSpace(email)) {
			return &s.Clients[i]
		}
	}
	return nil
}

// FindClientByID locates a client by its uuid/password.
func (s *InboundSettings) FindClientByID(id string) *Client {
	for i := range s.Clients {
		if s.Clients[i].ID == id || s.Clients[i].Password == id {
			return &s.Clients[i]
		}
	}
	return nil
}

// RemoveClient drops every client matching the email and reports whether
// anything was removed.
func (s *InboundSettings) RemoveClient(email string) bool {
	kept := s.Clients[:0]
	removed := false
	for _, c := range s.Clients {
		if strings.EqualFold(strings.TrimSpace(c.Email), strings.TrimSpace(email)) {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	s.Clients = kept
	return removed
}

// ClientStat mirrors the X-UI clientStats rows attached to an inbound.
type ClientStat struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

// Inbound is a full inbound detail object as returned by the X-UI family.
// Settings and StreamSettings stay JSON-encoded strings on the wire.
type Inbound struct {
	ID             int          `json:"id"`
	Up             int64        `json:"up"`
	Down           int64        `json:"down"`
	Total          int64        `json:"total"`
	Remark         string       `json:"remark"`
	Enable         bool         `json:"enable"`
	ExpiryTime     int64        `json:"expiryTime"`
	Listen         string       `json:"listen,omitempty"`
	Port           int          `json:"port"`
	Protocol       string       `json:"protocol"`
	Settings       string       `json:"settings"`
	StreamSettings string       `json:"streamSettings"`
	Tag            string       `json:"tag,omitempty"`
	Sniffing       string       `json:"sniffing,omitempty"`
	ClientStats    []ClientStat `json:"clientStats,omitempty"`
}

// Summary converts a detail object to the normalized summary shape.
func (in *Inbound) Summary() InboundSummary {
	return InboundSummary{
		ID:       in.ID,
		Tag:      in.Tag,
		Protocol: in.Protocol,
		Port:     in.Port,
		Remark:   in.Remark,
	}
}

// StatFor returns the usage counters recorded for an email, if present.
func (in *Inbound) StatFor(email string) *ClientStat {
	for i := range in.ClientStats {
		if strings.EqualFold(in.ClientStats[i].Email, email) {
			return &in.ClientStats[i]
		}
	}
	return nil
}

// Expiry units differ per vendor: the X-UI family stores epoch milliseconds,
// Marzban-style panels epoch seconds. The magnitude heuristic is only for
// values of unknown provenance read back from undocumented forks.
const msMagnitudeThreshold = int64(100_000_000_000) // 10^11

// toUnixSeconds normalizes an expiry of unknown unit to seconds.
func toUnixSeconds(v int64) int64 {
	if v > msMagnitudeThreshold {
		return v / 1000
	}
	return v
}

// toUnixMillis normalizes an expiry of unknown unit to milliseconds.
func toUnixMillis(v int64) int64 {
	if v != 0 && v <= msMagnitudeThreshold {
		return v * 1000
	}
	return v
}

// clientStatus derives the normalized status from a client's live numbers.
func clientStatus(info *ClientInfo) string {
	now := time.Now().Unix()
	switch {
	case !info.Enabled:
		return "disabled"
	case info.ExpireAt > 0 && info.ExpireAt < now:
		return "expired"
	case info.DataLimit > 0 && info.UsedTraffic >= info.DataLimit:
		return "limited"
	}
	return "active"
}

// fromUnixFlexible converts an epoch of unknown unit to a time. Zero stays
// the zero time, meaning no expiry.
func fromUnixFlexible(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.Unix(toUnixSeconds(v), 0)
}

// gbToBytes converts a plan's GB figure to bytes (0 stays 0 = unlimited).
func gbToBytes(gb int64) int64 {
	return gb * (1 << 30)
}

// Loose-typing helpers for map-shaped vendor responses.

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	default:
		return 0
	}
}

func boolFromAny(v interface{}, defaultVal bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultVal
}
