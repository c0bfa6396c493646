package models

import "time"

// Supported panel types. Unknown or pasarguard panels fall back to the
// Marzban adapter, which shares the same API surface.
const (
	PanelTypeMarzban    = "marzban"
	PanelTypeMarzneshin = "marzneshin"
	PanelTypeXUI        = "xui"
	PanelType3XUI       = "3xui"
	PanelTypeTXUI       = "txui"
	PanelTypePasarguard = "pasarguard"
)

// Panel is an upstream VPN panel this service provisions clients on.
type Panel struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"size:100;not null" json:"name"`
	Type             string    `gorm:"size:32;not null" json:"type"`
	URL              string    `gorm:"size:255;not null" json:"url"`
	Username         string    `gorm:"size:100;not null" json:"username"`
	Password         string    `gorm:"size:255;not null" json:"-"`
	Token            string    `gorm:"size:1000" json:"-"` // pre-issued API token; marzneshin only
	SubBase          string    `gorm:"size:255" json:"sub_base"`
	DefaultInboundID int       `json:"default_inbound_id"`
	Enabled          bool      `gorm:"default:true" json:"enabled"`
	Capacity         int       `gorm:"default:0" json:"capacity"` // 0 = unlimited
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Panel) TableName() string { return "panels" }

// PanelInbound is a cached hint of an inbound that exists on a panel. The
// cron sync refreshes these rows; adapters always confirm against the live
// panel before writing.
type PanelInbound struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PanelID   uint      `gorm:"index;not null" json:"panel_id"`
	InboundID int       `gorm:"not null" json:"inbound_id"`
	Tag       string    `gorm:"size:100" json:"tag"`
	Protocol  string    `gorm:"size:32" json:"protocol"`
	Port      int       `json:"port"`
	Remark    string    `gorm:"size:255" json:"remark"`
	SyncedAt  time.Time `json:"synced_at"`
}

func (PanelInbound) TableName() string { return "panel_inbounds" }
