package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mohans/quorumq/auth"
	"github.com/mohans/quorumq/queue"
)

type MaintenanceConfig struct {
	// Schedule is a cron spec; descriptors such as "@every 15m" work.
	Schedule  string
	Retention time.Duration
	AgeBoost  map[int]time.Duration
}

// MaintenanceReport counts what one pass changed.
type MaintenanceReport struct {
	TokensPurged int
	TasksBoosted int
}

// Maintenance runs housekeeping outside the request path: purging old
// session tokens and promoting long-waiting tasks.
type Maintenance struct {
	store  queue.Store
	tokens *auth.TokenStore
	cfg    MaintenanceConfig
	cron   *cron.Cron
}

func NewMaintenance(store queue.Store, tokens *auth.TokenStore, cfg MaintenanceConfig) (*Maintenance, error) {
	if store == nil && tokens == nil {
		return nil, errors.New("maintenance needs a store or a token store")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 15m"
	}
	return &Maintenance{store: store, tokens: tokens, cfg: cfg}, nil
}

// RunOnce performs one pass. Both steps run even if the first fails.
func (m *Maintenance) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var (
		rep  MaintenanceReport
		errs []error
	)
	if m.tokens != nil {
		n, err := m.tokens.Cleanup(ctx, m.cfg.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("token cleanup: %w", err))
		}
		rep.TokensPurged = n
	}
	if m.store != nil && len(m.cfg.AgeBoost) > 0 {
		n, err := m.store.AgeBoost(ctx, m.cfg.AgeBoost)
		if err != nil {
			errs = append(errs, fmt.Errorf("age boost: %w", err))
		}
		rep.TasksBoosted = n
	}
	return rep, errors.Join(errs...)
}

// Start schedules RunOnce and returns once the schedule is running. The
// jobs stop when ctx is done; Stop waits for a running pass.
func (m *Maintenance) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(m.cfg.Schedule, func() {
		rep, err := m.RunOnce(ctx)
		if err != nil {
			log.Errorw("maintenance pass failed", "err", err)
			return
		}
		log.Infow("maintenance pass", "tokens_purged", rep.TokensPurged, "tasks_boosted", rep.TasksBoosted)
	})
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", m.cfg.Schedule, err)
	}
	m.cron = c
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	log.Infow("maintenance scheduled", "schedule", m.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for an in-flight pass.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}
