package modrelay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ThreadStore persists threads, their correlated messages, scheduled closes,
// blocks and alert subscriptions. Implementations must enforce the open
// thread invariant: CreateThread fails with ErrThreadExists while another
// thread for the same (workspace, user) is still open.
type ThreadStore interface {
	CreateThread(ctx context.Context, thread Thread) (Thread, error)
	ThreadByID(ctx context.Context, id int64) (Thread, error)
	OpenThreadByUser(ctx context.Context, workspaceID, userID string) (Thread, error)
	OpenThreadByStaffChannel(ctx context.Context, staffChannelID string) (Thread, error)
	CountThreadsByUser(ctx context.Context, workspaceID, userID string) (int, error)
	ListOpenThreads(ctx context.Context) ([]Thread, error)
	// CloseThread stamps the closer and close time and removes any pending
	// scheduled close in the same unit of work.
	CloseThread(ctx context.Context, id int64, closedByID string, at time.Time) error
	// DeleteThread purges a stale thread row whose staff channel vanished.
	DeleteThread(ctx context.Context, id int64) error

	// RecordMessage atomically allocates the next local sequence number for
	// the message's thread and inserts the correlation row. The returned
	// message carries the allocated LocalSequence.
	RecordMessage(ctx context.Context, msg ThreadMessage) (ThreadMessage, error)
	MessageBySequence(ctx context.Context, threadID, sequence int64) (ThreadMessage, error)
	MessageByUserMessageID(ctx context.Context, userMessageID string) (ThreadMessage, error)

	UpsertScheduledClose(ctx context.Context, sc ScheduledClose) error
	ScheduledCloseByThread(ctx context.Context, threadID int64) (ScheduledClose, error)
	DeleteScheduledClose(ctx context.Context, threadID int64) error
	DueScheduledCloses(ctx context.Context, now time.Time) ([]ScheduledClose, error)

	UpsertBlock(ctx context.Context, block Block) error
	BlockFor(ctx context.Context, workspaceID, userID string) (Block, error)
	DeleteBlock(ctx context.Context, workspaceID, userID string) error
	DeleteExpiredBlocks(ctx context.Context, now time.Time) (int, error)

	AddThreadReplyAlert(ctx context.Context, alert ThreadReplyAlert) error
	RemoveThreadReplyAlert(ctx context.Context, alert ThreadReplyAlert) error
	ThreadReplyAlerts(ctx context.Context, threadID int64) ([]ThreadReplyAlert, error)

	AddWorkspaceOpenAlert(ctx context.Context, alert WorkspaceOpenAlert) error
	RemoveWorkspaceOpenAlert(ctx context.Context, alert WorkspaceOpenAlert) error
	WorkspaceOpenAlerts(ctx context.Context, workspaceID string) ([]WorkspaceOpenAlert, error)

	Close() error
}

type memoryThreadStore struct {
	mu              sync.Mutex
	nextThreadID    int64
	nextMessageID   int64
	threads         map[int64]Thread
	messages        map[int64]ThreadMessage
	scheduledCloses map[int64]ScheduledClose
	blocks          map[[2]string]Block
	replyAlerts     map[ThreadReplyAlert]bool
	openAlerts      map[WorkspaceOpenAlert]bool
}

// NewMemoryThreadStore returns a process-local ThreadStore suitable for
// tests and single-instance development runs.
func NewMemoryThreadStore() ThreadStore {
	return &memoryThreadStore{
		nextThreadID:    1,
		nextMessageID:   1,
		threads:         make(map[int64]Thread),
		messages:        make(map[int64]ThreadMessage),
		scheduledCloses: make(map[int64]ScheduledClose),
		blocks:          make(map[[2]string]Block),
		replyAlerts:     make(map[ThreadReplyAlert]bool),
		openAlerts:      make(map[WorkspaceOpenAlert]bool),
	}
}

func (s *memoryThreadStore) CreateThread(ctx context.Context, thread Thread) (Thread, error) {
	_ = ctx
	if thread.WorkspaceID == "" || thread.UserID == "" || thread.StaffChannelID == "" {
		return Thread{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.threads {
		if existing.WorkspaceID == thread.WorkspaceID && existing.UserID == thread.UserID && existing.Open() {
			return Thread{}, ErrThreadExists
		}
	}
	thread.ID = s.nextThreadID
	s.nextThreadID++
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	thread.ClosedAt = time.Time{}
	thread.ClosedByID = ""
	thread.LastLocalID = 0
	s.threads[thread.ID] = thread
	return thread, nil
}

func (s *memoryThreadStore) ThreadByID(ctx context.Context, id int64) (Thread, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return thread, nil
}

func (s *memoryThreadStore) OpenThreadByUser(ctx context.Context, workspaceID, userID string) (Thread, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range s.threads {
		if thread.WorkspaceID == workspaceID && thread.UserID == userID && thread.Open() {
			return thread, nil
		}
	}
	return Thread{}, ErrNotFound
}

func (s *memoryThreadStore) OpenThreadByStaffChannel(ctx context.Context, staffChannelID string) (Thread, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, thread := range s.threads {
		if thread.StaffChannelID == staffChannelID && thread.Open() {
			return thread, nil
		}
	}
	return Thread{}, ErrNotFound
}

func (s *memoryThreadStore) CountThreadsByUser(ctx context.Context, workspaceID, userID string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, thread := range s.threads {
		if thread.WorkspaceID == workspaceID && thread.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *memoryThreadStore) ListOpenThreads(ctx context.Context) ([]Thread, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []Thread
	for _, thread := range s.threads {
		if thread.Open() {
			open = append(open, thread)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

func (s *memoryThreadStore) CloseThread(ctx context.Context, id int64, closedByID string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	if !thread.Open() {
		return ErrNoThread
	}
	thread.ClosedByID = closedByID
	thread.ClosedAt = at.UTC()
	s.threads[id] = thread
	delete(s.scheduledCloses, id)
	return nil
}

func (s *memoryThreadStore) DeleteThread(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return ErrNotFound
	}
	delete(s.threads, id)
	delete(s.scheduledCloses, id)
	return nil
}

func (s *memoryThreadStore) RecordMessage(ctx context.Context, msg ThreadMessage) (ThreadMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[msg.ThreadID]
	if !ok {
		return ThreadMessage{}, ErrNotFound
	}
	thread.LastLocalID++
	s.threads[msg.ThreadID] = thread

	msg.ID = s.nextMessageID
	s.nextMessageID++
	msg.LocalSequence = thread.LastLocalID
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *memoryThreadStore) MessageBySequence(ctx context.Context, threadID, sequence int64) (ThreadMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ThreadID == threadID && msg.LocalSequence == sequence {
			return msg, nil
		}
	}
	return ThreadMessage{}, ErrNotFound
}

func (s *memoryThreadStore) MessageByUserMessageID(ctx context.Context, userMessageID string) (ThreadMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.UserMessageID == userMessageID {
			return msg, nil
		}
	}
	return ThreadMessage{}, ErrNotFound
}

func (s *memoryThreadStore) UpsertScheduledClose(ctx context.Context, sc ScheduledClose) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[sc.ThreadID]; !ok {
		return ErrNotFound
	}
	s.scheduledCloses[sc.ThreadID] = sc
	return nil
}

func (s *memoryThreadStore) ScheduledCloseByThread(ctx context.Context, threadID int64) (ScheduledClose, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scheduledCloses[threadID]
	if !ok {
		return ScheduledClose{}, ErrNotFound
	}
	return sc, nil
}

func (s *memoryThreadStore) DeleteScheduledClose(ctx context.Context, threadID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduledCloses[threadID]; !ok {
		return ErrNotFound
	}
	delete(s.scheduledCloses, threadID)
	return nil
}

func (s *memoryThreadStore) DueScheduledCloses(ctx context.Context, now time.Time) ([]ScheduledClose, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []ScheduledClose
	for _, sc := range s.scheduledCloses {
		if !sc.CloseAt.After(now) {
			due = append(due, sc)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ThreadID < due[j].ThreadID })
	return due, nil
}

func (s *memoryThreadStore) UpsertBlock(ctx context.Context, block Block) error {
	_ = ctx
	if block.WorkspaceID == "" || block.UserID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[[2]string{block.WorkspaceID, block.UserID}] = block
	return nil
}

func (s *memoryThreadStore) BlockFor(ctx context.Context, workspaceID, userID string) (Block, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.blocks[[2]string{workspaceID, userID}]
	if !ok {
		return Block{}, ErrNotFound
	}
	return block, nil
}

func (s *memoryThreadStore) DeleteBlock(ctx context.Context, workspaceID, userID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{workspaceID, userID}
	if _, ok := s.blocks[key]; !ok {
		return ErrNotFound
	}
	delete(s.blocks, key)
	return nil
}

func (s *memoryThreadStore) DeleteExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, block := range s.blocks {
		if !block.Active(now) {
			delete(s.blocks, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryThreadStore) AddThreadReplyAlert(ctx context.Context, alert ThreadReplyAlert) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyAlerts[alert] = true
	return nil
}

func (s *memoryThreadStore) RemoveThreadReplyAlert(ctx context.Context, alert ThreadReplyAlert) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.replyAlerts[alert] {
		return ErrNotFound
	}
	delete(s.replyAlerts, alert)
	return nil
}

func (s *memoryThreadStore) ThreadReplyAlerts(ctx context.Context, threadID int64) ([]ThreadReplyAlert, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var alerts []ThreadReplyAlert
	for alert := range s.replyAlerts {
		if alert.ThreadID == threadID {
			alerts = append(alerts, alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].UserID < alerts[j].UserID })
	return alerts, nil
}

func (s *memoryThreadStore) AddWorkspaceOpenAlert(ctx context.Context, alert WorkspaceOpenAlert) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openAlerts[alert] = true
	return nil
}

func (s *memoryThreadStore) RemoveWorkspaceOpenAlert(ctx context.Context, alert WorkspaceOpenAlert) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.openAlerts[alert] {
		return ErrNotFound
	}
	delete(s.openAlerts, alert)
	return nil
}

func (s *memoryThreadStore) WorkspaceOpenAlerts(ctx context.Context, workspaceID string) ([]WorkspaceOpenAlert, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var alerts []WorkspaceOpenAlert
	for alert := range s.openAlerts {
		if alert.WorkspaceID == workspaceID {
			alerts = append(alerts, alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].UserID < alerts[j].UserID })
	return alerts, nil
}

func (s *memoryThreadStore) Close() error {
	return nil
}
