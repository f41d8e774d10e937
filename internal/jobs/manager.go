package jobs

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/modrelay/modrelay/internal/modrelay"
)

// Schedules for the three maintenance jobs. Scheduled closes are checked
// often so a due close lands within seconds of its deadline; the others
// tolerate coarser ticks.
const (
	scheduledCloseEvery = "@every 5s"
	antiArchiveEvery    = "@every 5m"
	blockExpiryEvery    = "@every 1m"
)

// Manager owns the cron scheduler and the supervisor serving job effects.
type Manager struct {
	cron       *cron.Cron
	supervisor *Supervisor
}

// NewManager wires the three jobs onto a scheduler.
func NewManager(store modrelay.ThreadStore, platform modrelay.Platform, lifecycle *modrelay.LifecycleController) (*Manager, error) {
	proxy, supervisor := NewProxy(lifecycle, platform)

	c := cron.New()
	if _, err := c.AddJob(scheduledCloseEvery, NewScheduledCloseJob(store, proxy)); err != nil {
		return nil, err
	}
	if _, err := c.AddJob(antiArchiveEvery, NewAntiArchiveJob(store, platform, proxy)); err != nil {
		return nil, err
	}
	if _, err := c.AddJob(blockExpiryEvery, NewBlockExpiryJob(store)); err != nil {
		return nil, err
	}

	return &Manager{cron: c, supervisor: supervisor}, nil
}

// Run starts the supervisor and the scheduler, blocking until ctx is
// cancelled or the supervisor fails.
func (m *Manager) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.supervisor.Run(ctx)
	}()

	m.cron.Start()
	defer func() {
		<-m.cron.Stop().Done()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
