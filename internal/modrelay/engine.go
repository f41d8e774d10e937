package modrelay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// EngineOptions configures an Engine. Zero values fall back to in-memory
// implementations and default windows.
type EngineOptions struct {
	Store    ThreadStore
	Platform Platform
	Configs  ConfigSource

	SelectionCache SelectionCache
	AlertDeduper   AlertDeduper
	LockIdleTTL    time.Duration
	PromptIdle     time.Duration
}

// Engine is the top of the relay core: it owns the per-user serialization
// and routes between the resolver, lifecycle controller, correlator and
// alert fanout.
type Engine struct {
	store      ThreadStore
	platform   Platform
	configs    ConfigSource
	locks      *UserLocks
	resolver   *DestinationResolver
	lifecycle  *LifecycleController
	correlator *Correlator
	alerts     *AlertFanout
	now        func() time.Time
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Store == nil {
		opts.Store = NewMemoryThreadStore()
	}
	if opts.SelectionCache == nil {
		opts.SelectionCache = NewMemorySelectionCache()
	}
	alerts := NewAlertFanout(opts.Store, opts.Platform, opts.AlertDeduper)
	return &Engine{
		store:      opts.Store,
		platform:   opts.Platform,
		configs:    opts.Configs,
		locks:      NewUserLocks(opts.LockIdleTTL),
		resolver:   NewDestinationResolver(opts.Platform, opts.Configs, opts.SelectionCache, opts.PromptIdle),
		lifecycle:  NewLifecycleController(opts.Store, opts.Platform, opts.Configs, alerts),
		correlator: NewCorrelator(opts.Store, opts.Platform),
		alerts:     alerts,
		now:        time.Now,
	}
}

// Lifecycle exposes the controller for the background-job supervisor.
func (e *Engine) Lifecycle() *LifecycleController {
	return e.lifecycle
}

// Locks exposes the relay queue for janitor wiring.
func (e *Engine) Locks() *UserLocks {
	return e.locks
}

// HandleInboundMessage processes one user direct message end to end:
// resolve destination, open the thread if absent, relay, fan out reply
// alerts. The whole sequence runs under the user's relay-queue lock so that
// near-simultaneous first messages cannot each create a thread.
func (e *Engine) HandleInboundMessage(ctx context.Context, in InboundMessage) error {
	if in.UserID == "" || in.MessageID == "" {
		return ErrInvalidInput
	}
	return e.locks.Do(ctx, in.UserID, func() error {
		workspaceID, err := e.resolver.Resolve(ctx, in.UserID)
		if err != nil {
			return e.reportToUser(ctx, in.UserID, err)
		}

		result, err := e.lifecycle.EnsureOpen(ctx, OpenRequest{
			WorkspaceID: workspaceID,
			UserID:      in.UserID,
			InitiatorID: in.UserID,
		})
		if errors.Is(err, ErrBlocked) {
			// Blocked users get no feedback and nothing relays.
			return nil
		}
		if err != nil {
			return e.reportToUser(ctx, in.UserID, err)
		}

		if _, err := e.correlator.RelayInbound(ctx, result.Thread, result.Member, in, result.Config); err != nil {
			return e.reportToUser(ctx, in.UserID, err)
		}

		if err := e.alerts.NotifyReply(ctx, result.Thread); err != nil {
			log.Printf("reply alert fanout for thread %d: %v", result.Thread.ID, err)
		}
		return nil
	})
}

// HandleUserMessageUpdate propagates a platform-reported edit of a user
// message onto the staff side.
func (e *Engine) HandleUserMessageUpdate(ctx context.Context, oldContent string, in InboundMessage) error {
	msg, err := e.store.MessageByUserMessageID(ctx, in.MessageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	thread, err := e.store.ThreadByID(ctx, msg.ThreadID)
	if err != nil || !thread.Open() {
		return nil
	}
	cfg, err := e.configs.Workspace(thread.WorkspaceID)
	if err != nil {
		cfg = WorkspaceConfig{WorkspaceID: thread.WorkspaceID}
	}
	member, err := e.platform.MemberOf(ctx, thread.WorkspaceID, in.UserID)
	if err != nil {
		member = Member{UserID: in.UserID, Username: in.UserID}
	}
	return e.correlator.HandleUserEdit(ctx, oldContent, in, member, cfg)
}

// HandleUserMessageDelete annotates the staff side when the user deletes a
// relayed message.
func (e *Engine) HandleUserMessageDelete(ctx context.Context, userMessageID string) error {
	return e.correlator.HandleUserDelete(ctx, userMessageID)
}

// HandleUserLeave notes in the user's open thread that they left the
// workspace. Users without an open thread are ignored.
func (e *Engine) HandleUserLeave(ctx context.Context, workspaceID, userID string) error {
	thread, err := e.store.OpenThreadByUser(ctx, workspaceID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.platform.SendChannelMessage(ctx, thread.StaffChannelID, RenderUserLeaveNote())
	return err
}

// OpenThread opens a thread on behalf of staff, rejecting when one is
// already open.
func (e *Engine) OpenThread(ctx context.Context, workspaceID, userID, staffID string) (Thread, error) {
	var result OpenResult
	err := e.locks.Do(ctx, userID, func() error {
		var openErr error
		result, openErr = e.lifecycle.Open(ctx, OpenRequest{
			WorkspaceID: workspaceID,
			UserID:      userID,
			InitiatorID: staffID,
		})
		return openErr
	})
	return result.Thread, err
}

// Reply relays a staff reply from the thread's staff channel.
func (e *Engine) Reply(ctx context.Context, staffChannelID string, staff Member, content string, attachment *Attachment, anonymous bool) (ThreadMessage, error) {
	thread, cfg, user, err := e.threadContext(ctx, staffChannelID)
	if err != nil {
		return ThreadMessage{}, err
	}
	return e.correlator.RelayOutbound(ctx, thread, staff, user, content, attachment, anonymous, cfg)
}

// EditReply edits reply #sequence in the thread bound to staffChannelID.
func (e *Engine) EditReply(ctx context.Context, staffChannelID string, sequence int64, editor Member, content string, attachment *Attachment) error {
	thread, cfg, user, err := e.threadContext(ctx, staffChannelID)
	if err != nil {
		return err
	}
	return e.correlator.Edit(ctx, thread, sequence, editor, user, content, attachment, cfg)
}

// DeleteReply removes reply #sequence on both sides, best effort.
func (e *Engine) DeleteReply(ctx context.Context, staffChannelID string, sequence int64) error {
	thread, err := e.threadForChannel(ctx, staffChannelID)
	if err != nil {
		return err
	}
	return e.correlator.Delete(ctx, thread, sequence)
}

// CloseThread closes the thread bound to staffChannelID.
func (e *Engine) CloseThread(ctx context.Context, staffChannelID, initiatorID string, silent bool) error {
	thread, err := e.threadForChannel(ctx, staffChannelID)
	if err != nil {
		return err
	}
	return e.lifecycle.Close(ctx, thread, initiatorID, silent)
}

// ScheduleClose schedules the thread bound to staffChannelID to close after
// delay.
func (e *Engine) ScheduleClose(ctx context.Context, staffChannelID string, delay time.Duration, initiatorID string, silent bool) error {
	if delay <= 0 {
		return reject(ErrInvalidDuration, "the close delay must be positive")
	}
	thread, err := e.threadForChannel(ctx, staffChannelID)
	if err != nil {
		return err
	}
	return e.lifecycle.ScheduleClose(ctx, thread, e.now().Add(delay), initiatorID, silent)
}

// CancelScheduledClose cancels a pending scheduled close.
func (e *Engine) CancelScheduledClose(ctx context.Context, staffChannelID string) error {
	thread, err := e.threadForChannel(ctx, staffChannelID)
	if err != nil {
		return err
	}
	return e.lifecycle.CancelScheduledClose(ctx, thread)
}

// Block suppresses all relaying for a user in a workspace. A non-positive
// duration blocks permanently.
func (e *Engine) Block(ctx context.Context, workspaceID, userID string, duration time.Duration) error {
	block := Block{WorkspaceID: workspaceID, UserID: userID}
	if duration > 0 {
		block.ExpiresAt = e.now().Add(duration)
	}
	return e.store.UpsertBlock(ctx, block)
}

// Unblock lifts a block, rejecting when none exists.
func (e *Engine) Unblock(ctx context.Context, workspaceID, userID string) error {
	err := e.store.DeleteBlock(ctx, workspaceID, userID)
	if errors.Is(err, ErrNotFound) {
		return reject(ErrNotFound, "that user is not blocked")
	}
	return err
}

// SetReplyAlert toggles a staff member's reply-alert subscription for the
// thread bound to staffChannelID.
func (e *Engine) SetReplyAlert(ctx context.Context, staffChannelID, staffID string, subscribed bool) error {
	thread, err := e.threadForChannel(ctx, staffChannelID)
	if err != nil {
		return err
	}
	alert := ThreadReplyAlert{ThreadID: thread.ID, UserID: staffID}
	if subscribed {
		return e.store.AddThreadReplyAlert(ctx, alert)
	}
	err = e.store.RemoveThreadReplyAlert(ctx, alert)
	if errors.Is(err, ErrNotFound) {
		return reject(ErrNotFound, "you are not subscribed to replies in this thread")
	}
	return err
}

// SetOpenAlert toggles a staff member's open-alert subscription for a
// workspace.
func (e *Engine) SetOpenAlert(ctx context.Context, workspaceID, staffID string, subscribed bool) error {
	alert := WorkspaceOpenAlert{WorkspaceID: workspaceID, UserID: staffID}
	if subscribed {
		return e.store.AddWorkspaceOpenAlert(ctx, alert)
	}
	err := e.store.RemoveWorkspaceOpenAlert(ctx, alert)
	if errors.Is(err, ErrNotFound) {
		return reject(ErrNotFound, "you are not subscribed to thread opens in this workspace")
	}
	return err
}

func (e *Engine) threadForChannel(ctx context.Context, staffChannelID string) (Thread, error) {
	thread, err := e.store.OpenThreadByStaffChannel(ctx, staffChannelID)
	if errors.Is(err, ErrNotFound) {
		return Thread{}, reject(ErrNoThread, "this channel is not bound to an open thread")
	}
	return thread, err
}

func (e *Engine) threadContext(ctx context.Context, staffChannelID string) (Thread, WorkspaceConfig, Member, error) {
	thread, err := e.threadForChannel(ctx, staffChannelID)
	if err != nil {
		return Thread{}, WorkspaceConfig{}, Member{}, err
	}
	cfg, err := e.configs.Workspace(thread.WorkspaceID)
	if err != nil {
		return Thread{}, WorkspaceConfig{}, Member{}, fmt.Errorf("workspace config: %w", err)
	}
	user, err := e.platform.MemberOf(ctx, thread.WorkspaceID, thread.UserID)
	if err != nil {
		return Thread{}, WorkspaceConfig{}, Member{}, fmt.Errorf("member lookup: %w", err)
	}
	return thread, cfg, user, nil
}

// reportToUser turns rejections and delivery failures into user-facing
// copy; anything else is a system fault that is logged, generically
// reported, and propagated.
func (e *Engine) reportToUser(ctx context.Context, userID string, err error) error {
	if IsRejection(err) {
		if errors.Is(err, ErrBlocked) {
			return nil
		}
		if _, sendErr := e.platform.SendUserMessage(ctx, userID, OutgoingMessage{Content: err.Error()}); sendErr != nil {
			log.Printf("report rejection to %s: %v", userID, sendErr)
		}
		return nil
	}
	if errors.Is(err, ErrDeliveryFailed) {
		return nil
	}
	log.Printf("inbound relay for %s failed: %v", userID, err)
	if _, sendErr := e.platform.SendUserMessage(ctx, userID, OutgoingMessage{
		Content: "Something went wrong relaying your message. Please try again.",
	}); sendErr != nil {
		log.Printf("report failure to %s: %v", userID, sendErr)
	}
	return err
}
