package modrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ThreadState is the lifecycle state of a thread instance. Closed is
// terminal; a later conversation with the same user is a new Thread row.
type ThreadState string

const (
	StateOpen         ThreadState = "open"
	StatePendingClose ThreadState = "pending-close"
	StateClosed       ThreadState = "closed"
)

var threadTransitions = map[ThreadState]map[ThreadState]bool{
	StateOpen: {
		StatePendingClose: true,
		StateClosed:       true,
	},
	StatePendingClose: {
		StateOpen:   true,
		StateClosed: true,
	},
}

// CanTransition reports whether a thread may move between two states.
// Re-entering the same state is allowed (re-scheduling a pending close).
func CanTransition(from, to ThreadState) bool {
	if from == to {
		return from != StateClosed
	}
	return threadTransitions[from][to]
}

// LifecycleController owns thread open/close/scheduled-close transitions.
type LifecycleController struct {
	store    ThreadStore
	platform Platform
	configs  ConfigSource
	alerts   *AlertFanout
	now      func() time.Time
}

// NewLifecycleController wires the controller.
func NewLifecycleController(store ThreadStore, platform Platform, configs ConfigSource, alerts *AlertFanout) *LifecycleController {
	return &LifecycleController{
		store:    store,
		platform: platform,
		configs:  configs,
		alerts:   alerts,
		now:      time.Now,
	}
}

// OpenRequest asks for a thread between a user and a workspace. InitiatorID
// is the user themselves on first contact, or a staff member for explicit
// opens.
type OpenRequest struct {
	WorkspaceID string
	UserID      string
	InitiatorID string
}

// OpenResult carries the open thread plus the context callers need to relay
// into it without re-fetching.
type OpenResult struct {
	Thread   Thread
	Existing bool
	Member   Member
	Config   WorkspaceConfig
}

// State derives the lifecycle state of a thread.
func (c *LifecycleController) State(ctx context.Context, thread Thread) (ThreadState, error) {
	if !thread.Open() {
		return StateClosed, nil
	}
	_, err := c.store.ScheduledCloseByThread(ctx, thread.ID)
	if errors.Is(err, ErrNotFound) {
		return StateOpen, nil
	}
	if err != nil {
		return "", err
	}
	return StatePendingClose, nil
}

// EnsureOpen returns the user's open thread for the workspace, creating it
// when absent. A stale row whose staff channel vanished is purged and
// transparently replaced. An active block rejects the request.
func (c *LifecycleController) EnsureOpen(ctx context.Context, req OpenRequest) (OpenResult, error) {
	cfg, err := c.configs.Workspace(req.WorkspaceID)
	if err != nil {
		return OpenResult{}, fmt.Errorf("workspace %s has no relay channel configured: %w", req.WorkspaceID, err)
	}

	block, err := c.store.BlockFor(ctx, req.WorkspaceID, req.UserID)
	if err == nil && block.Active(c.now()) {
		return OpenResult{}, reject(ErrBlocked, "you are blocked from contacting staff in this workspace")
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return OpenResult{}, fmt.Errorf("block lookup: %w", err)
	}

	member, err := c.platform.MemberOf(ctx, req.WorkspaceID, req.UserID)
	if err != nil {
		return OpenResult{}, fmt.Errorf("member lookup: %w", err)
	}

	existing, err := c.store.OpenThreadByUser(ctx, req.WorkspaceID, req.UserID)
	if err == nil {
		resolveErr := c.platform.ResolveChannel(ctx, existing.StaffChannelID)
		if resolveErr == nil {
			return OpenResult{Thread: existing, Existing: true, Member: member, Config: cfg}, nil
		}
		if !errors.Is(resolveErr, ErrResourceVanished) {
			return OpenResult{}, fmt.Errorf("resolve staff channel: %w", resolveErr)
		}
		// Stale row: the channel is gone, so the thread can be recreated.
		log.Printf("purging stale thread %d (channel %s vanished)", existing.ID, existing.StaffChannelID)
		if err := c.store.DeleteThread(ctx, existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return OpenResult{}, fmt.Errorf("purge stale thread: %w", err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return OpenResult{}, fmt.Errorf("open thread lookup: %w", err)
	}

	past, err := c.store.CountThreadsByUser(ctx, req.WorkspaceID, req.UserID)
	if err != nil {
		return OpenResult{}, fmt.Errorf("count past threads: %w", err)
	}

	alertLine := ""
	if req.InitiatorID == req.UserID {
		alertLine, err = c.alerts.OpenAlertLine(ctx, req.WorkspaceID, cfg)
		if err != nil {
			return OpenResult{}, err
		}
	}

	starter := RenderThreadStarter(member, past, req.InitiatorID, alertLine)
	channelID, err := c.platform.CreateThreadChannel(ctx, req.WorkspaceID, cfg.RelayChannelID, member.Username, starter)
	if err != nil {
		return OpenResult{}, fmt.Errorf("create thread channel: %w", err)
	}

	thread, err := c.store.CreateThread(ctx, Thread{
		WorkspaceID:    req.WorkspaceID,
		UserID:         req.UserID,
		StaffChannelID: channelID,
		CreatedByID:    req.InitiatorID,
	})
	if errors.Is(err, ErrThreadExists) {
		// Lost a cross-instance race; the partial unique index is the
		// backstop. Fold into the surviving thread and drop our channel.
		if archiveErr := c.platform.ArchiveChannel(ctx, channelID); archiveErr != nil {
			log.Printf("archive orphaned channel %s: %v", channelID, archiveErr)
		}
		surviving, lookupErr := c.store.OpenThreadByUser(ctx, req.WorkspaceID, req.UserID)
		if lookupErr != nil {
			return OpenResult{}, fmt.Errorf("thread exists but lookup failed: %w", lookupErr)
		}
		return OpenResult{Thread: surviving, Existing: true, Member: member, Config: cfg}, nil
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("persist thread: %w", err)
	}

	greeting := RenderGreeting(cfg, member)
	if _, err := c.platform.SendUserMessage(ctx, req.UserID, greeting); err != nil {
		if errors.Is(err, ErrDeliveryFailed) {
			c.noteToStaff(ctx, channelID, "Could not deliver the greeting: the user has DMs disabled.")
		} else {
			log.Printf("send greeting to %s: %v", req.UserID, err)
		}
	} else if _, err := c.platform.SendChannelMessage(ctx, channelID, greeting); err != nil {
		log.Printf("mirror greeting to channel %s: %v", channelID, err)
	}

	return OpenResult{Thread: thread, Existing: false, Member: member, Config: cfg}, nil
}

// Open creates a thread and rejects when one already exists.
func (c *LifecycleController) Open(ctx context.Context, req OpenRequest) (OpenResult, error) {
	result, err := c.EnsureOpen(ctx, req)
	if err != nil {
		return OpenResult{}, err
	}
	if result.Existing {
		return OpenResult{}, reject(ErrThreadExists, "a thread for this user is already open")
	}
	return result, nil
}

// Close finalizes a thread: unless silent, farewell copy goes to both sides;
// the staff channel is archived (non-fatal when already gone); the row is
// stamped and any pending scheduled close removed.
func (c *LifecycleController) Close(ctx context.Context, thread Thread, initiatorID string, silent bool) error {
	state, err := c.State(ctx, thread)
	if err != nil {
		return err
	}
	if !CanTransition(state, StateClosed) {
		return reject(ErrNoThread, "this thread is not open")
	}

	dmFailed := false
	if !silent {
		cfg, cfgErr := c.configs.Workspace(thread.WorkspaceID)
		if cfgErr != nil {
			cfg = WorkspaceConfig{WorkspaceID: thread.WorkspaceID}
		}
		member, memberErr := c.platform.MemberOf(ctx, thread.WorkspaceID, thread.UserID)
		if memberErr != nil {
			member = Member{UserID: thread.UserID}
		}
		farewell := RenderFarewell(cfg, member)
		if _, err := c.platform.SendChannelMessage(ctx, thread.StaffChannelID, farewell); err != nil && !errors.Is(err, ErrResourceVanished) {
			log.Printf("farewell to channel %s: %v", thread.StaffChannelID, err)
		}
		if memberErr == nil {
			if _, err := c.platform.SendUserMessage(ctx, thread.UserID, farewell); err != nil {
				if errors.Is(err, ErrDeliveryFailed) {
					dmFailed = true
					c.noteToStaff(ctx, thread.StaffChannelID, "Could not deliver the farewell: the user has DMs disabled.")
				} else {
					log.Printf("farewell to user %s: %v", thread.UserID, err)
				}
			}
		}
	}

	if !dmFailed {
		if err := c.platform.ArchiveChannel(ctx, thread.StaffChannelID); err != nil && !errors.Is(err, ErrResourceVanished) {
			log.Printf("archive channel %s: %v", thread.StaffChannelID, err)
		}
	}

	if err := c.store.CloseThread(ctx, thread.ID, initiatorID, c.now()); err != nil {
		if errors.Is(err, ErrNoThread) || errors.Is(err, ErrNotFound) {
			return reject(ErrNoThread, "this thread is not open")
		}
		return fmt.Errorf("stamp thread closed: %w", err)
	}
	return nil
}

// ScheduleClose arranges a future close, overwriting any previously
// scheduled time. The thread itself stays open.
func (c *LifecycleController) ScheduleClose(ctx context.Context, thread Thread, at time.Time, initiatorID string, silent bool) error {
	if !thread.Open() {
		return reject(ErrNoThread, "this thread is not open")
	}
	if !at.After(c.now()) {
		return reject(ErrInvalidDuration, "the close time must be in the future")
	}
	if err := c.store.UpsertScheduledClose(ctx, ScheduledClose{
		ThreadID:      thread.ID,
		CloseAt:       at,
		ScheduledByID: initiatorID,
		Silent:        silent,
	}); err != nil {
		return fmt.Errorf("schedule close: %w", err)
	}
	return nil
}

// CancelScheduledClose removes a pending close.
func (c *LifecycleController) CancelScheduledClose(ctx context.Context, thread Thread) error {
	if !thread.Open() {
		return reject(ErrNoThread, "this thread is not open")
	}
	err := c.store.DeleteScheduledClose(ctx, thread.ID)
	if errors.Is(err, ErrNotFound) {
		return reject(ErrNoScheduledClose, "no close is scheduled for this thread")
	}
	return err
}

func (c *LifecycleController) noteToStaff(ctx context.Context, channelID, note string) {
	if _, err := c.platform.SendChannelMessage(ctx, channelID, OutgoingMessage{Content: note}); err != nil {
		log.Printf("staff note to %s: %v", channelID, err)
	}
}
