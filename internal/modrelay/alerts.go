package modrelay

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const defaultAlertWindow = 30 * time.Second

// AlertDeduper suppresses repeat pings to the same subscriber within a
// self-expiring window.
type AlertDeduper interface {
	// MarkAlerted returns false when the subscriber was already pinged for
	// this thread within the window.
	MarkAlerted(ctx context.Context, threadID int64, userID string) (bool, error)
	// Unmark releases a slot taken by MarkAlerted, so a ping that failed
	// to send does not silence the subscriber for the rest of the window.
	Unmark(ctx context.Context, threadID int64, userID string) error
}

type memoryAlertDeduper struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewMemoryAlertDeduper returns a process-local AlertDeduper with the given
// window; non-positive windows use the 30s default.
func NewMemoryAlertDeduper(window time.Duration) AlertDeduper {
	return newMemoryAlertDeduper(window, time.Now)
}

func newMemoryAlertDeduper(window time.Duration, now func() time.Time) *memoryAlertDeduper {
	if window <= 0 {
		window = defaultAlertWindow
	}
	return &memoryAlertDeduper{
		window: window,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

func (d *memoryAlertDeduper) MarkAlerted(ctx context.Context, threadID int64, userID string) (bool, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
	key := fmt.Sprintf("%d:%s", threadID, userID)
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return false, nil
	}
	d.seen[key] = now
	return true, nil
}

func (d *memoryAlertDeduper) Unmark(ctx context.Context, threadID int64, userID string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, fmt.Sprintf("%d:%s", threadID, userID))
	return nil
}

// AlertFanout delivers reply and open notifications to subscribed staff.
type AlertFanout struct {
	store    ThreadStore
	platform Platform
	dedup    AlertDeduper
}

// NewAlertFanout wires the fanout. A nil dedup falls back to the in-memory
// 30s window.
func NewAlertFanout(store ThreadStore, platform Platform, dedup AlertDeduper) *AlertFanout {
	if dedup == nil {
		dedup = NewMemoryAlertDeduper(0)
	}
	return &AlertFanout{store: store, platform: platform, dedup: dedup}
}

// NotifyReply pings the thread's reply subscribers on the staff side,
// skipping anyone alerted within the de-dup window. Subscribers are pinged
// in one combined message.
func (f *AlertFanout) NotifyReply(ctx context.Context, thread Thread) error {
	alerts, err := f.store.ThreadReplyAlerts(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("list reply alerts: %w", err)
	}
	if len(alerts) == 0 {
		return nil
	}
	var mentions []string
	var marked []string
	for _, alert := range alerts {
		fresh, err := f.dedup.MarkAlerted(ctx, thread.ID, alert.UserID)
		if err != nil {
			return fmt.Errorf("alert dedup: %w", err)
		}
		if fresh {
			mentions = append(mentions, fmt.Sprintf("<@%s>", alert.UserID))
			marked = append(marked, alert.UserID)
		}
	}
	if len(mentions) == 0 {
		return nil
	}
	_, err = f.platform.SendChannelMessage(ctx, thread.StaffChannelID, OutgoingMessage{
		Content: "\U0001F4E2 " + strings.Join(mentions, ", "),
	})
	if err != nil {
		// Release the slots so the subscribers are not silenced by a ping
		// that never reached the channel.
		for _, userID := range marked {
			if unmarkErr := f.dedup.Unmark(ctx, thread.ID, userID); unmarkErr != nil {
				log.Printf("release alert slot %d:%s: %v", thread.ID, userID, unmarkErr)
			}
		}
		return err
	}
	return nil
}

// OpenAlertLine builds the alert line prepended to a thread starter. A
// configured alert role wins and suppresses per-user open alerts for the
// workspace; otherwise the workspace's open subscribers are pinged.
func (f *AlertFanout) OpenAlertLine(ctx context.Context, workspaceID string, cfg WorkspaceConfig) (string, error) {
	if cfg.AlertRoleID != "" {
		return fmt.Sprintf("Alert: <@&%s>", cfg.AlertRoleID), nil
	}
	alerts, err := f.store.WorkspaceOpenAlerts(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("list open alerts: %w", err)
	}
	if len(alerts) == 0 {
		return "", nil
	}
	mentions := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		mentions = append(mentions, fmt.Sprintf("<@%s>", alert.UserID))
	}
	return "Alerts: " + strings.Join(mentions, " "), nil
}
