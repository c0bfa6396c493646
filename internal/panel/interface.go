package panel

import "context"

// Plan describes the quota/duration purchased for a client.
// TrafficGB == 0 means unlimited traffic, DurationDays == 0 means no expiry.
type Plan struct {
	TrafficGB    int64 `json:"traffic_gb"`
	DurationDays int   `json:"duration_days"`
}

// ClientInfo is the normalized view of a client as it exists on a panel.
type ClientInfo struct {
	Username    string   `json:"username"`     // client email on the panel
	ClientID    string   `json:"client_id"`    // uuid (vless/vmess) or password (trojan)
	SubID       string   `json:"sub_id"`       // opaque token behind /sub/{subId}
	InboundID   int      `json:"inbound_id"`   // owning inbound, 0 if not applicable
	Protocol    string   `json:"protocol"`     // vless, vmess, trojan
	DataLimit   int64    `json:"data_limit"`   // bytes, 0 = unlimited
	UsedTraffic int64    `json:"used_traffic"` // bytes (uplink+downlink)
	ExpireAt    int64    `json:"expire_at"`    // unix seconds, 0 = unlimited
	Enabled     bool     `json:"enabled"`
	Status      string   `json:"status"` // active, disabled, limited, expired
	SubLink     string   `json:"sub_link"`
	Links       []string `json:"links"` // config URIs
}

// InboundSummary is the normalized shape of one panel-side inbound.
type InboundSummary struct {
	ID       int    `json:"id"`
	Tag      string `json:"tag"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	Remark   string `json:"remark,omitempty"`
}

// CreateUserRequest contains parameters for provisioning a new client.
type CreateUserRequest struct {
	InboundID int    `json:"inbound_id"` // 0 = adapter default / first usable
	OwnerID   int64  `json:"owner_id"`   // Telegram user id, baked into the username
	Prefix    string `json:"prefix"`     // optional user-chosen username prefix
	Plan      Plan   `json:"plan"`
	Note      string `json:"note,omitempty"`
}

// RenewUserRequest extends a client's quota and expiry.
// AddGB == 0 or AddDays == 0 leave that dimension untouched.
type RenewUserRequest struct {
	InboundID int    `json:"inbound_id"` // 0 = locate by username across inbounds
	Username  string `json:"username"`
	AddGB     int64  `json:"add_gb"`
	AddDays   int    `json:"add_days"`
}

// DeleteUserRequest removes a client. ClientID is the uuid/password when
// known; with InboundID == 0 all inbounds are searched.
type DeleteUserRequest struct {
	InboundID int    `json:"inbound_id"`
	Username  string `json:"username"`
	ClientID  string `json:"client_id,omitempty"`
}

// RotateKeyRequest reassigns a client's secret, leaving quota/expiry alone.
type RotateKeyRequest struct {
	InboundID int    `json:"inbound_id"`
	Username  string `json:"username"`
}

// BasePanelAPI is the uniform contract every vendor adapter implements.
// All operations return (data, error); errors are one of the types in
// errors.go so callers can classify failures without string matching.
type BasePanelAPI interface {
	// PanelType returns the vendor identifier (marzban, marzneshin, xui, 3xui, txui).
	PanelType() string

	// EnsureSession logs in (or refreshes a cached session) before privileged calls.
	EnsureSession(ctx context.Context) error

	// ListInbounds returns the panel's inbounds via ordered endpoint probing.
	ListInbounds(ctx context.Context) ([]InboundSummary, error)

	// GetUser locates a client by username (email) and returns its live state.
	GetUser(ctx context.Context, username string) (*ClientInfo, error)

	// CreateUser provisions a new client and returns it with links populated.
	CreateUser(ctx context.Context, req CreateUserRequest) (*ClientInfo, error)

	// RenewUser extends quota/expiry, in place or via delete+recreate per vendor.
	RenewUser(ctx context.Context, req RenewUserRequest) (*ClientInfo, error)

	// DeleteUser removes a client from the panel.
	DeleteUser(ctx context.Context, req DeleteUserRequest) error

	// RotateKey reassigns the client secret (uuid/password) and subId where supported.
	RotateKey(ctx context.Context, req RotateKeyRequest) (*ClientInfo, error)
}
