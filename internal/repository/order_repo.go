package repository

import (
	"errors"

	"gorm.io/gorm"

	"vpnshop/internal/models"
)

// OrderRepository handles all order database operations.
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// FindByID finds an order with its panel preloaded.
func (r *OrderRepository) FindByID(id uint) (*models.Order, error) {
	var order models.Order
	if err := r.db.Preload("Panel").First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindByUsername finds an order by its panel-side username.
func (r *OrderRepository) FindByUsername(username string) (*models.Order, error) {
	var order models.Order
	err := r.db.Preload("Panel").Where("panel_username = ?", username).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindByOwner returns a user's orders, newest first.
func (r *OrderRepository) FindByOwner(ownerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.Preload("Panel").
		Where("owner_id = ? AND status <> ?", ownerID, models.OrderStatusDeleted).
		Order("created_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// CountActiveByPanel counts live orders on a panel, for capacity checks.
func (r *OrderRepository) CountActiveByPanel(panelID uint) (int64, error) {
	var n int64
	err := r.db.Model(&models.Order{}).
		Where("panel_id = ? AND status = ?", panelID, models.OrderStatusActive).
		Count(&n).Error
	return n, err
}

// MarkExpired flips active orders whose expiry (unix seconds) has passed and
// returns how many rows changed. Orders with no expiry are left alone.
func (r *OrderRepository) MarkExpired(now int64) (int64, error) {
	res := r.db.Model(&models.Order{}).
		Where("status = ? AND expire_at > 0 AND expire_at < ?", models.OrderStatusActive, now).
		Update("status", models.OrderStatusExpired)
	return res.RowsAffected, res.Error
}

// Create inserts a new order.
func (r *OrderRepository) Create(order *models.Order) error {
	return r.db.Create(order).Error
}

// Update saves changes to an order.
func (r *OrderRepository) Update(order *models.Order) error {
	return r.db.Save(order).Error
}
