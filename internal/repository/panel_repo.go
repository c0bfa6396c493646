package repository

import (
	"errors"

	"gorm.io/gorm"

	"vpnshop/internal/models"
)

// PanelRepository handles all panel database operations.
type PanelRepository struct {
	db *gorm.DB
}

func NewPanelRepository(db *gorm.DB) *PanelRepository {
	return &PanelRepository{db: db}
}

// FindAll returns all panels, enabled ones first.
func (r *PanelRepository) FindAll() ([]models.Panel, error) {
	var panels []models.Panel
	if err := r.db.Order("enabled DESC, id ASC").Find(&panels).Error; err != nil {
		return nil, err
	}
	return panels, nil
}

// FindEnabled returns panels available for provisioning.
func (r *PanelRepository) FindEnabled() ([]models.Panel, error) {
	var panels []models.Panel
	if err := r.db.Where("enabled = ?", true).Order("id ASC").Find(&panels).Error; err != nil {
		return nil, err
	}
	return panels, nil
}

// FindByID finds a panel by primary key.
func (r *PanelRepository) FindByID(id uint) (*models.Panel, error) {
	var panel models.Panel
	if err := r.db.First(&panel, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &panel, nil
}

// Create inserts a new panel.
func (r *PanelRepository) Create(panel *models.Panel) error {
	return r.db.Create(panel).Error
}

// Update saves changes to a panel.
func (r *PanelRepository) Update(panel *models.Panel) error {
	return r.db.Save(panel).Error
}

// Delete removes a panel.
func (r *PanelRepository) Delete(id uint) error {
	return r.db.Delete(&models.Panel{}, id).Error
}
