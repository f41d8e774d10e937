package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/modrelay/modrelay/internal/modrelay"
)

// jobTimeout bounds one tick of any job.
const jobTimeout = 30 * time.Second

// ScheduledCloseJob executes scheduled closes that have come due, preserving
// the scheduling staff member as the closer and the silent flag as given.
type ScheduledCloseJob struct {
	store modrelay.ThreadStore
	proxy *Proxy
	now   func() time.Time
}

// NewScheduledCloseJob wires the job.
func NewScheduledCloseJob(store modrelay.ThreadStore, proxy *Proxy) *ScheduledCloseJob {
	return &ScheduledCloseJob{store: store, proxy: proxy, now: time.Now}
}

// Run implements cron.Job.
func (j *ScheduledCloseJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		log.Printf("scheduled close job: %v", err)
	}
}

func (j *ScheduledCloseJob) run(ctx context.Context) error {
	due, err := j.store.DueScheduledCloses(ctx, j.now())
	if err != nil {
		return err
	}
	for _, sc := range due {
		thread, err := j.store.ThreadByID(ctx, sc.ThreadID)
		if errors.Is(err, modrelay.ErrNotFound) {
			// The thread vanished out from under its schedule.
			if err := j.store.DeleteScheduledClose(ctx, sc.ThreadID); err != nil && !errors.Is(err, modrelay.ErrNotFound) {
				log.Printf("drop orphaned scheduled close for thread %d: %v", sc.ThreadID, err)
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := j.proxy.CloseThread(ctx, thread, sc.ScheduledByID, sc.Silent); err != nil {
			log.Printf("close thread %d on schedule: %v", thread.ID, err)
		}
	}
	return nil
}

// AntiArchiveJob re-opens staff channels the platform auto-archived while
// their thread is still open, so staff keep seeing new traffic.
type AntiArchiveJob struct {
	store    modrelay.ThreadStore
	platform modrelay.Platform
	proxy    *Proxy
}

// NewAntiArchiveJob wires the job.
func NewAntiArchiveJob(store modrelay.ThreadStore, platform modrelay.Platform, proxy *Proxy) *AntiArchiveJob {
	return &AntiArchiveJob{store: store, platform: platform, proxy: proxy}
}

// Run implements cron.Job.
func (j *AntiArchiveJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := j.run(ctx); err != nil {
		log.Printf("anti-archive job: %v", err)
	}
}

func (j *AntiArchiveJob) run(ctx context.Context) error {
	threads, err := j.store.ListOpenThreads(ctx)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		archived, err := j.platform.ChannelArchived(ctx, thread.StaffChannelID)
		if errors.Is(err, modrelay.ErrResourceVanished) {
			continue
		}
		if err != nil {
			log.Printf("check channel %s: %v", thread.StaffChannelID, err)
			continue
		}
		if !archived {
			continue
		}
		if err := j.proxy.UnarchiveThread(ctx, thread.StaffChannelID); err != nil {
			log.Printf("unarchive channel %s: %v", thread.StaffChannelID, err)
		}
	}
	return nil
}

// BlockExpiryJob purges expired blocks. Store-only; no supervisor involved.
type BlockExpiryJob struct {
	store modrelay.ThreadStore
	now   func() time.Time
}

// NewBlockExpiryJob wires the job.
func NewBlockExpiryJob(store modrelay.ThreadStore) *BlockExpiryJob {
	return &BlockExpiryJob{store: store, now: time.Now}
}

// Run implements cron.Job.
func (j *BlockExpiryJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	purged, err := j.store.DeleteExpiredBlocks(ctx, j.now())
	if err != nil {
		log.Printf("block expiry job: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("block expiry job: purged %d expired blocks", purged)
	}
}
