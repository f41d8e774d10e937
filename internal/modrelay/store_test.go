package modrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedThread(t *testing.T, store ThreadStore, workspaceID, userID string) Thread {
	t.Helper()
	thread, err := store.CreateThread(context.Background(), Thread{
		WorkspaceID:    workspaceID,
		UserID:         userID,
		StaffChannelID: "chan-" + workspaceID + "-" + userID,
		CreatedByID:    userID,
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return thread
}

func TestCreateThreadEnforcesOpenUniqueness(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	first := seedThread(t, store, "ws-1", "u-1")

	_, err := store.CreateThread(ctx, Thread{WorkspaceID: "ws-1", UserID: "u-1", StaffChannelID: "chan-x"})
	if !errors.Is(err, ErrThreadExists) {
		t.Fatalf("err = %v, want ErrThreadExists", err)
	}

	// A second open thread for the same user in another workspace is fine.
	seedThread(t, store, "ws-2", "u-1")

	// Closing releases the slot for a new thread in the same workspace.
	if err := store.CloseThread(ctx, first.ID, "staff-1", time.Now()); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}
	seedThread(t, store, "ws-1", "u-1")
}

func TestCloseThreadStampsAndRemovesSchedule(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	thread := seedThread(t, store, "ws-1", "u-1")
	if err := store.UpsertScheduledClose(ctx, ScheduledClose{ThreadID: thread.ID, CloseAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertScheduledClose: %v", err)
	}

	closedAt := time.Now()
	if err := store.CloseThread(ctx, thread.ID, "staff-1", closedAt); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}

	got, err := store.ThreadByID(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ThreadByID: %v", err)
	}
	if got.Open() || got.ClosedByID != "staff-1" || !got.ClosedAt.Equal(closedAt.UTC()) {
		t.Fatalf("closed thread = %+v", got)
	}
	if _, err := store.ScheduledCloseByThread(ctx, thread.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("schedule survived close: %v", err)
	}

	// Double close is ErrNoThread, not a silent success.
	if err := store.CloseThread(ctx, thread.ID, "staff-1", time.Now()); !errors.Is(err, ErrNoThread) {
		t.Fatalf("double close err = %v, want ErrNoThread", err)
	}
}

func TestRecordMessageAllocatesMonotonicSequences(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	thread := seedThread(t, store, "ws-1", "u-1")
	other := seedThread(t, store, "ws-1", "u-2")

	for want := int64(1); want <= 3; want++ {
		msg, err := store.RecordMessage(ctx, ThreadMessage{ThreadID: thread.ID, UserID: "u-1"})
		if err != nil {
			t.Fatalf("RecordMessage: %v", err)
		}
		if msg.LocalSequence != want {
			t.Fatalf("sequence = %d, want %d", msg.LocalSequence, want)
		}
	}

	// Sequences are per thread, not global.
	msg, err := store.RecordMessage(ctx, ThreadMessage{ThreadID: other.ID, UserID: "u-2"})
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if msg.LocalSequence != 1 {
		t.Fatalf("other thread sequence = %d, want 1", msg.LocalSequence)
	}
}

func TestMessageLookups(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	thread := seedThread(t, store, "ws-1", "u-1")
	recorded, err := store.RecordMessage(ctx, ThreadMessage{
		ThreadID:       thread.ID,
		UserID:         "u-1",
		UserMessageID:  "dm-1",
		StaffMessageID: "cm-1",
		StaffID:        "staff-1",
	})
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	bySeq, err := store.MessageBySequence(ctx, thread.ID, recorded.LocalSequence)
	if err != nil || bySeq.ID != recorded.ID {
		t.Fatalf("MessageBySequence = %+v, %v", bySeq, err)
	}
	byUser, err := store.MessageByUserMessageID(ctx, "dm-1")
	if err != nil || byUser.ID != recorded.ID {
		t.Fatalf("MessageByUserMessageID = %+v, %v", byUser, err)
	}
	if _, err := store.MessageBySequence(ctx, thread.ID, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing sequence err = %v", err)
	}
}

func TestScheduledCloseUpsertOverwrites(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	thread := seedThread(t, store, "ws-1", "u-1")
	at := time.Now().Add(time.Hour)
	if err := store.UpsertScheduledClose(ctx, ScheduledClose{ThreadID: thread.ID, CloseAt: at, ScheduledByID: "staff-1"}); err != nil {
		t.Fatalf("UpsertScheduledClose: %v", err)
	}

	later := at.Add(time.Hour)
	if err := store.UpsertScheduledClose(ctx, ScheduledClose{ThreadID: thread.ID, CloseAt: later, ScheduledByID: "staff-2", Silent: true}); err != nil {
		t.Fatalf("UpsertScheduledClose overwrite: %v", err)
	}

	sc, err := store.ScheduledCloseByThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ScheduledCloseByThread: %v", err)
	}
	if !sc.CloseAt.Equal(later) || sc.ScheduledByID != "staff-2" || !sc.Silent {
		t.Fatalf("schedule = %+v", sc)
	}

	due, err := store.DueScheduledCloses(ctx, later.Add(time.Minute))
	if err != nil || len(due) != 1 {
		t.Fatalf("DueScheduledCloses = %+v, %v", due, err)
	}
}

func TestBlockLifecycle(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()
	now := time.Now()

	if err := store.UpsertBlock(ctx, Block{WorkspaceID: "ws-1", UserID: "u-1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertBlock: %v", err)
	}
	if err := store.UpsertBlock(ctx, Block{WorkspaceID: "ws-1", UserID: "u-perm"}); err != nil {
		t.Fatalf("UpsertBlock permanent: %v", err)
	}

	block, err := store.BlockFor(ctx, "ws-1", "u-1")
	if err != nil || !block.Active(now) {
		t.Fatalf("BlockFor = %+v, %v", block, err)
	}
	if block.Active(now.Add(2 * time.Hour)) {
		t.Fatal("timed block still active past expiry")
	}

	perm, err := store.BlockFor(ctx, "ws-1", "u-perm")
	if err != nil || !perm.Active(now.Add(1000*time.Hour)) {
		t.Fatalf("permanent block = %+v, %v", perm, err)
	}

	removed, err := store.DeleteExpiredBlocks(ctx, now.Add(2*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("DeleteExpiredBlocks = %d, %v", removed, err)
	}

	if err := store.DeleteBlock(ctx, "ws-1", "u-perm"); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if err := store.DeleteBlock(ctx, "ws-1", "u-perm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteBlock missing err = %v", err)
	}
}

func TestAlertSubscriptions(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	thread := seedThread(t, store, "ws-1", "u-1")
	for _, staffID := range []string{"s-2", "s-1"} {
		if err := store.AddThreadReplyAlert(ctx, ThreadReplyAlert{ThreadID: thread.ID, UserID: staffID}); err != nil {
			t.Fatalf("AddThreadReplyAlert: %v", err)
		}
	}

	alerts, err := store.ThreadReplyAlerts(ctx, thread.ID)
	if err != nil {
		t.Fatalf("ThreadReplyAlerts: %v", err)
	}
	if len(alerts) != 2 || alerts[0].UserID != "s-1" {
		t.Fatalf("alerts = %+v", alerts)
	}

	if err := store.RemoveThreadReplyAlert(ctx, ThreadReplyAlert{ThreadID: thread.ID, UserID: "s-3"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remove missing alert err = %v", err)
	}

	if err := store.AddWorkspaceOpenAlert(ctx, WorkspaceOpenAlert{WorkspaceID: "ws-1", UserID: "s-1"}); err != nil {
		t.Fatalf("AddWorkspaceOpenAlert: %v", err)
	}
	open, err := store.WorkspaceOpenAlerts(ctx, "ws-1")
	if err != nil || len(open) != 1 {
		t.Fatalf("WorkspaceOpenAlerts = %+v, %v", open, err)
	}
}

func TestDeleteThreadPurgesSchedule(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()

	thread := seedThread(t, store, "ws-1", "u-1")
	if err := store.UpsertScheduledClose(ctx, ScheduledClose{ThreadID: thread.ID, CloseAt: time.Now()}); err != nil {
		t.Fatalf("UpsertScheduledClose: %v", err)
	}
	if err := store.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := store.ThreadByID(ctx, thread.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("thread survived delete: %v", err)
	}
	if _, err := store.ScheduledCloseByThread(ctx, thread.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("schedule survived delete: %v", err)
	}
}
