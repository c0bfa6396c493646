package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnshop/internal/models"
)

// PanelInboundRepository maintains the cached inbound hints per panel.
type PanelInboundRepository struct {
	db *gorm.DB
}

func NewPanelInboundRepository(db *gorm.DB) *PanelInboundRepository {
	return &PanelInboundRepository{db: db}
}

// FindByPanel returns the cached inbounds for a panel.
func (r *PanelInboundRepository) FindByPanel(panelID uint) ([]models.PanelInbound, error) {
	var inbounds []models.PanelInbound
	err := r.db.Where("panel_id = ?", panelID).Order("inbound_id ASC").Find(&inbounds).Error
	if err != nil {
		return nil, err
	}
	return inbounds, nil
}

// ReplaceForPanel swaps a panel's cached inbounds with a fresh snapshot in
// one transaction, so readers never see a half-synced table.
func (r *PanelInboundRepository) ReplaceForPanel(panelID uint, inbounds []models.PanelInbound) error {
	now := time.Now()
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("panel_id = ?", panelID).Delete(&models.PanelInbound{}).Error; err != nil {
			return err
		}
		if len(inbounds) == 0 {
			return nil
		}
		for i := range inbounds {
			inbounds[i].PanelID = panelID
			inbounds[i].SyncedAt = now
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&inbounds).Error
	})
}
