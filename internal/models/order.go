package models

import "time"

// Order statuses.
const (
	OrderStatusActive   = "active"
	OrderStatusExpired  = "expired"
	OrderStatusDisabled = "disabled"
	OrderStatusDeleted  = "deleted"
)

// Order ties a provisioned panel client to the Telegram user who bought it.
// PanelUsername is the client email on the panel; ClientID is the uuid or
// trojan password currently active for it.
type Order struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OwnerID       int64     `gorm:"index;not null" json:"owner_id"`
	PanelID       uint      `gorm:"index;not null" json:"panel_id"`
	InboundID     int       `json:"inbound_id"`
	PanelUsername string    `gorm:"size:100;uniqueIndex;not null" json:"panel_username"`
	ClientID      string    `gorm:"size:64" json:"client_id"`
	SubID         string    `gorm:"size:64" json:"sub_id"`
	TrafficGB     int64     `json:"traffic_gb"`
	DurationDays  int       `json:"duration_days"`
	ExpireAt      int64     `json:"expire_at"` // unix seconds, mirrors the panel
	Status        string    `gorm:"size:20;default:active" json:"status"`
	Note          string    `gorm:"size:255" json:"note"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Panel *Panel `gorm:"foreignKey:PanelID" json:"panel,omitempty"`
}

func (Order) TableName() string { return "orders" }
