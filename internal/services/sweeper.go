package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"trade-sniper/internal/domain"
	"trade-sniper/pkg/logger"
)

// Sweeper publishes periodic status snapshots on the event bus and sweeps
// connections that went quiet without a close frame.
type Sweeper struct {
	cron       *cron.Cron
	supervisor *Supervisor
	events     domain.EventPublisher
	maxIdle    time.Duration
	log        logger.Logger
}

func NewSweeper(supervisor *Supervisor, events domain.EventPublisher, maxIdle time.Duration, log logger.Logger) *Sweeper {
	return &Sweeper{
		cron:       cron.New(cron.WithSeconds()),
		supervisor: supervisor,
		events:     events,
		maxIdle:    maxIdle,
		log:        log,
	}
}

func (s *Sweeper) Start() error {
	s.log.Info("Starting status sweeper")

	if _, err := s.cron.AddFunc("@every 30s", s.publishSnapshot); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1m", s.sweepStale); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() error {
	s.log.Info("Stopping status sweeper")
	s.cron.Stop()
	return nil
}

func (s *Sweeper) publishSnapshot() {
	statuses := s.supervisor.Status()
	if len(statuses) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.events.Publish(ctx, &domain.Event{
		Type:        domain.EventStatusSnapshot,
		Connections: statuses,
		Timestamp:   time.Now(),
	})
	if err != nil {
		s.log.Error("Failed to publish status snapshot", "error", err)
	}
}

func (s *Sweeper) sweepStale() {
	if swept := s.supervisor.SweepStale(s.maxIdle); swept > 0 {
		s.log.Info("Swept stale connections", "count", swept)
	}
}
