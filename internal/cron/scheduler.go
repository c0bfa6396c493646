package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"vpnshop/internal/models"
	"vpnshop/internal/panel"
	"vpnshop/internal/repository"
)

// Scheduler runs the periodic maintenance jobs: refreshing the cached
// inbound hints per panel and sweeping expired orders.
type Scheduler struct {
	cron     *cron.Cron
	panels   *repository.PanelRepository
	inbounds *repository.PanelInboundRepository
	orders   *repository.OrderRepository
	factory  *panel.Factory
	logger   *zap.Logger
}

func NewScheduler(panels *repository.PanelRepository, inbounds *repository.PanelInboundRepository,
	orders *repository.OrderRepository, factory *panel.Factory, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		panels:   panels,
		inbounds: inbounds,
		orders:   orders,
		factory:  factory,
		logger:   logger,
	}
}

// Start registers the jobs and launches the cron loop.
func (s *Scheduler) Start(syncSpec string) error {
	if _, err := s.cron.AddFunc(syncSpec, s.syncInbounds); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@hourly", s.sweepExpired); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// syncInbounds refreshes the cached inbound snapshot for every enabled
// panel. An unreachable panel keeps its previous snapshot.
func (s *Scheduler) syncInbounds() {
	panels, err := s.panels.FindEnabled()
	if err != nil {
		s.logger.Error("inbound sync: failed to list panels", zap.Error(err))
		return
	}

	for i := range panels {
		p := &panels[i]
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		summaries, lerr := s.factory.Get(p).ListInbounds(ctx)
		cancel()
		if lerr != nil {
			s.logger.Warn("inbound sync: panel unreachable",
				zap.Uint("panel_id", p.ID), zap.Error(lerr))
			continue
		}

		rows := make([]models.PanelInbound, 0, len(summaries))
		for _, inb := range summaries {
			rows = append(rows, models.PanelInbound{
				InboundID: inb.ID,
				Tag:       inb.Tag,
				Protocol:  inb.Protocol,
				Port:      inb.Port,
				Remark:    inb.Remark,
			})
		}
		if err := s.inbounds.ReplaceForPanel(p.ID, rows); err != nil {
			s.logger.Error("inbound sync: snapshot write failed",
				zap.Uint("panel_id", p.ID), zap.Error(err))
			continue
		}
		s.logger.Info("inbound sync ok",
			zap.Uint("panel_id", p.ID), zap.Int("inbounds", len(rows)))
	}
}

// sweepExpired flips active orders whose expiry has passed.
func (s *Scheduler) sweepExpired() {
	n, err := s.orders.MarkExpired(time.Now().Unix())
	if err != nil {
		s.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expiry sweep", zap.Int64("orders_expired", n))
	}
}
