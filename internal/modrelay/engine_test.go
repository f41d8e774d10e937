package modrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newEngineFixture(t *testing.T) (*Engine, ThreadStore, *fakePlatform) {
	t.Helper()
	store := NewMemoryThreadStore()
	platform := newFakePlatform()
	platform.addMember("ws-1", Member{UserID: "u-1", Username: "someone", WorkspaceName: "Alpha"})
	platform.addMember("ws-1", Member{UserID: "staff-1", Username: "helper", WorkspaceName: "Alpha"})
	engine := NewEngine(EngineOptions{
		Store:    store,
		Platform: platform,
		Configs: fakeConfigs{
			"ws-1": {WorkspaceID: "ws-1", RelayChannelID: "relay-1", DisplayMode: DisplayModeCard},
		},
	})
	return engine, store, platform
}

func TestHandleInboundMessageOpensAndRelays(t *testing.T) {
	engine, store, platform := newEngineFixture(t)
	ctx := context.Background()

	err := engine.HandleInboundMessage(ctx, InboundMessage{MessageID: "dm-1", UserID: "u-1", Content: "hello"})
	if err != nil {
		t.Fatalf("HandleInboundMessage: %v", err)
	}

	thread, err := store.OpenThreadByUser(ctx, "ws-1", "u-1")
	if err != nil {
		t.Fatalf("no thread opened: %v", err)
	}
	msgs := platform.channelMessages(thread.StaffChannelID)
	// Starter, mirrored greeting, relayed message.
	if len(msgs) != 3 {
		t.Fatalf("channel messages = %d, want 3", len(msgs))
	}
	if msgs[2].body.Card == nil || msgs[2].body.Card.Body != "hello" {
		t.Fatalf("relayed copy = %+v", msgs[2].body)
	}

	// A follow-up reuses the thread.
	if err := engine.HandleInboundMessage(ctx, InboundMessage{MessageID: "dm-2", UserID: "u-1", Content: "again"}); err != nil {
		t.Fatalf("second message: %v", err)
	}
	if platform.createdThreads != 1 {
		t.Fatalf("created threads = %d, want 1", platform.createdThreads)
	}
}

func TestUserLeaveNotesOpenThread(t *testing.T) {
	engine, store, platform := newEngineFixture(t)
	ctx := context.Background()

	// No open thread means nothing to annotate.
	if err := engine.HandleUserLeave(ctx, "ws-1", "u-1"); err != nil {
		t.Fatalf("HandleUserLeave without thread: %v", err)
	}

	if err := engine.HandleInboundMessage(ctx, InboundMessage{MessageID: "dm-1", UserID: "u-1", Content: "hello"}); err != nil {
		t.Fatalf("HandleInboundMessage: %v", err)
	}
	thread, err := store.OpenThreadByUser(ctx, "ws-1", "u-1")
	if err != nil {
		t.Fatalf("no thread opened: %v", err)
	}

	if err := engine.HandleUserLeave(ctx, "ws-1", "u-1"); err != nil {
		t.Fatalf("HandleUserLeave: %v", err)
	}
	last, ok := platform.lastChannelMessage(thread.StaffChannelID)
	if !ok || !strings.Contains(last.body.Content, "left the workspace") {
		t.Fatalf("note = %+v", last.body)
	}
}

func TestConcurrentFirstMessagesCreateOneThread(t *testing.T) {
	engine, store, platform := newEngineFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := engine.HandleInboundMessage(ctx, InboundMessage{
				MessageID: fmt.Sprintf("dm-%d", i),
				UserID:    "u-1",
				Content:   fmt.Sprintf("message %d", i),
			})
			if err != nil {
				t.Errorf("HandleInboundMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if platform.createdThreads != 1 {
		t.Fatalf("created threads = %d, want exactly 1", platform.createdThreads)
	}
	thread, err := store.OpenThreadByUser(ctx, "ws-1", "u-1")
	if err != nil {
		t.Fatalf("OpenThreadByUser: %v", err)
	}

	// Every message landed, with distinct sequence numbers.
	seen := make(map[int64]bool)
	for i := 0; i < 8; i++ {
		msg, err := store.MessageByUserMessageID(ctx, fmt.Sprintf("dm-%d", i))
		if err != nil {
			t.Fatalf("message dm-%d not recorded: %v", i, err)
		}
		if msg.ThreadID != thread.ID {
			t.Fatalf("message dm-%d in thread %d, want %d", i, msg.ThreadID, thread.ID)
		}
		if seen[msg.LocalSequence] {
			t.Fatalf("duplicate sequence %d", msg.LocalSequence)
		}
		seen[msg.LocalSequence] = true
	}
}

func TestBlockedUserIsDroppedSilently(t *testing.T) {
	engine, store, platform := newEngineFixture(t)
	ctx := context.Background()

	if err := engine.Block(ctx, "ws-1", "u-1", 0); err != nil {
		t.Fatalf("Block: %v", err)
	}

	if err := engine.HandleInboundMessage(ctx, InboundMessage{MessageID: "dm-1", UserID: "u-1", Content: "let me in"}); err != nil {
		t.Fatalf("HandleInboundMessage: %v", err)
	}

	// Nothing relays and the user gets no feedback at all.
	if platform.createdThreads != 0 {
		t.Fatal("blocked user got a thread")
	}
	if got := len(platform.userMessages("u-1")); got != 0 {
		t.Fatalf("blocked user received %d DMs", got)
	}
	if _, err := store.MessageByUserMessageID(ctx, "dm-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("blocked message recorded")
	}

	// Unblock restores service.
	if err := engine.Unblock(ctx, "ws-1", "u-1"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if err := engine.HandleInboundMessage(ctx, InboundMessage{MessageID: "dm-2", UserID: "u-1", Content: "hello"}); err != nil {
		t.Fatalf("after unblock: %v", err)
	}
	if platform.createdThreads != 1 {
		t.Fatal("unblocked user still dropped")
	}

	if err := engine.Unblock(ctx, "ws-1", "u-1"); !IsRejection(err) {
		t.Fatalf("double unblock err = %v, want rejection", err)
	}
}

func TestRejectionsAreReportedToUser(t *testing.T) {
	engine, _, platform := newEngineFixture(t)
	ctx := context.Background()

	err := engine.HandleInboundMessage(ctx, InboundMessage{
		MessageID: "dm-1",
		UserID:    "u-1",
		Content:   strings.Repeat("x", MaxRelayContentLength+1),
	})
	if err != nil {
		t.Fatalf("HandleInboundMessage: %v", err)
	}

	dms := platform.userMessages("u-1")
	// Greeting from the open plus the too-long rejection.
	found := false
	for _, dm := range dms {
		if strings.Contains(dm.body.Content, "too long") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no rejection copy in %+v", dms)
	}
}

func TestNoDestinationIsReportedToUser(t *testing.T) {
	engine, _, platform := newEngineFixture(t)

	err := engine.HandleInboundMessage(context.Background(), InboundMessage{MessageID: "dm-1", UserID: "u-stranger", Content: "hi"})
	if err != nil {
		t.Fatalf("HandleInboundMessage: %v", err)
	}
	dms := platform.userMessages("u-stranger")
	if len(dms) != 1 || !strings.Contains(dms[0].body.Content, "workspace") {
		t.Fatalf("dms = %+v", dms)
	}
}

func openEngineThread(t *testing.T, engine *Engine, store ThreadStore) Thread {
	t.Helper()
	if err := engine.HandleInboundMessage(context.Background(), InboundMessage{MessageID: "dm-seed", UserID: "u-1", Content: "hello"}); err != nil {
		t.Fatalf("seed inbound: %v", err)
	}
	thread, err := store.OpenThreadByUser(context.Background(), "ws-1", "u-1")
	if err != nil {
		t.Fatalf("OpenThreadByUser: %v", err)
	}
	return thread
}

func TestStaffReplyByChannel(t *testing.T) {
	engine, store, platform := newEngineFixture(t)
	ctx := context.Background()
	thread := openEngineThread(t, engine, store)

	staff := Member{UserID: "staff-1", Username: "helper", WorkspaceName: "Alpha"}
	record, err := engine.Reply(ctx, thread.StaffChannelID, staff, "we're on it", nil, false)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if record.StaffID != "staff-1" {
		t.Fatalf("record = %+v", record)
	}
	dms := platform.userMessages("u-1")
	last := dms[len(dms)-1]
	if last.body.Card == nil || last.body.Card.Body != "we're on it" {
		t.Fatalf("user copy = %+v", last.body)
	}

	// Edit through the channel enforces authorship.
	other := Member{UserID: "staff-2", Username: "other", WorkspaceName: "Alpha"}
	if err := engine.EditReply(ctx, thread.StaffChannelID, record.LocalSequence, other, "hijack", nil); !errors.Is(err, ErrNotMessageAuthor) {
		t.Fatalf("EditReply err = %v, want ErrNotMessageAuthor", err)
	}
	if err := engine.EditReply(ctx, thread.StaffChannelID, record.LocalSequence, staff, "fixed", nil); err != nil {
		t.Fatalf("EditReply: %v", err)
	}

	if err := engine.DeleteReply(ctx, thread.StaffChannelID, record.LocalSequence); err != nil {
		t.Fatalf("DeleteReply: %v", err)
	}
}

func TestStaffOperationsRequireBoundChannel(t *testing.T) {
	engine, _, _ := newEngineFixture(t)
	ctx := context.Background()

	staff := Member{UserID: "staff-1", Username: "helper"}
	if _, err := engine.Reply(ctx, "chan-random", staff, "anyone?", nil, false); !errors.Is(err, ErrNoThread) {
		t.Fatalf("Reply err = %v, want ErrNoThread", err)
	}
	if err := engine.CloseThread(ctx, "chan-random", "staff-1", false); !errors.Is(err, ErrNoThread) {
		t.Fatalf("CloseThread err = %v, want ErrNoThread", err)
	}
}

func TestCloseAndScheduleByChannel(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	ctx := context.Background()
	thread := openEngineThread(t, engine, store)

	if err := engine.ScheduleClose(ctx, thread.StaffChannelID, -time.Minute, "staff-1", false); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("negative delay err = %v, want ErrInvalidDuration", err)
	}
	if err := engine.ScheduleClose(ctx, thread.StaffChannelID, time.Hour, "staff-1", true); err != nil {
		t.Fatalf("ScheduleClose: %v", err)
	}
	sc, err := store.ScheduledCloseByThread(ctx, thread.ID)
	if err != nil || sc.ScheduledByID != "staff-1" || !sc.Silent {
		t.Fatalf("schedule = %+v, %v", sc, err)
	}
	if err := engine.CancelScheduledClose(ctx, thread.StaffChannelID); err != nil {
		t.Fatalf("CancelScheduledClose: %v", err)
	}

	if err := engine.CloseThread(ctx, thread.StaffChannelID, "staff-1", false); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}
	got, _ := store.ThreadByID(ctx, thread.ID)
	if got.Open() {
		t.Fatal("thread still open")
	}

	// The channel is no longer bound once closed.
	if err := engine.CloseThread(ctx, thread.StaffChannelID, "staff-1", false); !errors.Is(err, ErrNoThread) {
		t.Fatalf("close again err = %v, want ErrNoThread", err)
	}
}

func TestOpenThreadByStaffRejectsDuplicates(t *testing.T) {
	engine, _, platform := newEngineFixture(t)
	ctx := context.Background()

	thread, err := engine.OpenThread(ctx, "ws-1", "u-1", "staff-1")
	if err != nil {
		t.Fatalf("OpenThread: %v", err)
	}
	if thread.CreatedByID != "staff-1" {
		t.Fatalf("thread = %+v", thread)
	}
	// Staff-opened threads ping nobody.
	starter := platform.channelMessages(thread.StaffChannelID)[0]
	if strings.Contains(starter.body.Content, "Alert") {
		t.Fatalf("starter = %q", starter.body.Content)
	}

	if _, err := engine.OpenThread(ctx, "ws-1", "u-1", "staff-1"); !errors.Is(err, ErrThreadExists) {
		t.Fatalf("duplicate err = %v, want ErrThreadExists", err)
	}
}

func TestAlertSubscriptionToggles(t *testing.T) {
	engine, store, _ := newEngineFixture(t)
	ctx := context.Background()
	thread := openEngineThread(t, engine, store)

	if err := engine.SetReplyAlert(ctx, thread.StaffChannelID, "staff-1", true); err != nil {
		t.Fatalf("SetReplyAlert: %v", err)
	}
	alerts, _ := store.ThreadReplyAlerts(ctx, thread.ID)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v", alerts)
	}
	if err := engine.SetReplyAlert(ctx, thread.StaffChannelID, "staff-1", false); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := engine.SetReplyAlert(ctx, thread.StaffChannelID, "staff-1", false); !IsRejection(err) {
		t.Fatalf("double unsubscribe err = %v, want rejection", err)
	}

	if err := engine.SetOpenAlert(ctx, "ws-1", "staff-1", true); err != nil {
		t.Fatalf("SetOpenAlert: %v", err)
	}
	open, _ := store.WorkspaceOpenAlerts(ctx, "ws-1")
	if len(open) != 1 {
		t.Fatalf("open alerts = %+v", open)
	}
	if err := engine.SetOpenAlert(ctx, "ws-1", "staff-1", false); err != nil {
		t.Fatalf("open unsubscribe: %v", err)
	}
}

func TestUserEditAndDeleteRouting(t *testing.T) {
	engine, store, platform := newEngineFixture(t)
	ctx := context.Background()
	thread := openEngineThread(t, engine, store)

	if err := engine.HandleUserMessageUpdate(ctx, "hello", InboundMessage{MessageID: "dm-seed", UserID: "u-1", Content: "hello edited"}); err != nil {
		t.Fatalf("HandleUserMessageUpdate: %v", err)
	}
	last, _ := platform.lastChannelMessage(thread.StaffChannelID)
	if !strings.Contains(last.body.Content, "edited their message") {
		t.Fatalf("note = %q", last.body.Content)
	}

	if err := engine.HandleUserMessageDelete(ctx, "dm-seed"); err != nil {
		t.Fatalf("HandleUserMessageDelete: %v", err)
	}
	last, _ = platform.lastChannelMessage(thread.StaffChannelID)
	if !strings.Contains(last.body.Content, "deleted their message") {
		t.Fatalf("note = %q", last.body.Content)
	}

	// Events for unknown messages are ignored.
	if err := engine.HandleUserMessageUpdate(ctx, "", InboundMessage{MessageID: "dm-unknown", UserID: "u-1"}); err != nil {
		t.Fatalf("unknown update: %v", err)
	}
}
