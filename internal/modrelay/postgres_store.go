package modrelay

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second
	uniqueViolationCode      = "23505"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresThreadStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresThreadStore returns a ThreadStore backed by PostgreSQL. The
// schema is created on first use. The one-open-thread invariant is enforced
// with a partial unique index as a backstop behind the relay queue.
func NewPostgresThreadStore(dsn string) (ThreadStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresThreadStore{dsn: dsn, openDB: sql.Open}, nil
}

const postgresThreadSchema = `
CREATE TABLE IF NOT EXISTS modrelay_threads (
	thread_id BIGSERIAL PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	staff_channel_id TEXT NOT NULL,
	created_by_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	closed_by_id TEXT,
	closed_at TIMESTAMPTZ,
	last_local_message_id BIGINT NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS modrelay_threads_open_unique
	ON modrelay_threads (workspace_id, user_id) WHERE closed_at IS NULL;
CREATE INDEX IF NOT EXISTS modrelay_threads_staff_channel
	ON modrelay_threads (staff_channel_id) WHERE closed_at IS NULL;
CREATE TABLE IF NOT EXISTS modrelay_thread_messages (
	thread_message_id BIGSERIAL PRIMARY KEY,
	thread_id BIGINT NOT NULL REFERENCES modrelay_threads (thread_id) ON DELETE CASCADE,
	local_sequence BIGINT NOT NULL,
	user_id TEXT NOT NULL,
	user_message_id TEXT NOT NULL,
	staff_message_id TEXT NOT NULL,
	staff_id TEXT,
	anonymous BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (thread_id, local_sequence)
);
CREATE INDEX IF NOT EXISTS modrelay_thread_messages_user_message
	ON modrelay_thread_messages (user_message_id);
CREATE TABLE IF NOT EXISTS modrelay_scheduled_closes (
	thread_id BIGINT PRIMARY KEY REFERENCES modrelay_threads (thread_id) ON DELETE CASCADE,
	close_at TIMESTAMPTZ NOT NULL,
	scheduled_by_id TEXT NOT NULL,
	silent BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS modrelay_blocks (
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	PRIMARY KEY (workspace_id, user_id)
);
CREATE TABLE IF NOT EXISTS modrelay_thread_reply_alerts (
	thread_id BIGINT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (thread_id, user_id)
);
CREATE TABLE IF NOT EXISTS modrelay_workspace_open_alerts (
	workspace_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	PRIMARY KEY (workspace_id, user_id)
);`

func (s *postgresThreadStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, postgresThreadSchema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolationCode
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

const threadColumns = `thread_id, workspace_id, user_id, staff_channel_id, created_by_id,
	created_at, closed_by_id, closed_at, last_local_message_id`

func scanThread(row *sql.Row) (Thread, error) {
	var thread Thread
	var closedBy sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&thread.ID, &thread.WorkspaceID, &thread.UserID, &thread.StaffChannelID,
		&thread.CreatedByID, &thread.CreatedAt, &closedBy, &closedAt, &thread.LastLocalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	thread.ClosedByID = closedBy.String
	if closedAt.Valid {
		thread.ClosedAt = closedAt.Time
	}
	return thread, nil
}

func (s *postgresThreadStore) CreateThread(ctx context.Context, thread Thread) (Thread, error) {
	if thread.WorkspaceID == "" || thread.UserID == "" || thread.StaffChannelID == "" {
		return Thread{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Thread{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO modrelay_threads (workspace_id, user_id, staff_channel_id, created_by_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+threadColumns,
		thread.WorkspaceID, thread.UserID, thread.StaffChannelID, thread.CreatedByID)
	created, err := scanThread(row)
	if isUniqueViolation(err) {
		return Thread{}, ErrThreadExists
	}
	return created, err
}

func (s *postgresThreadStore) ThreadByID(ctx context.Context, id int64) (Thread, error) {
	if err := s.ensureReady(); err != nil {
		return Thread{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return scanThread(s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM modrelay_threads WHERE thread_id = $1`, id))
}

func (s *postgresThreadStore) OpenThreadByUser(ctx context.Context, workspaceID, userID string) (Thread, error) {
	if err := s.ensureReady(); err != nil {
		return Thread{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM modrelay_threads
		WHERE workspace_id = $1 AND user_id = $2 AND closed_at IS NULL`,
		workspaceID, userID))
}

func (s *postgresThreadStore) OpenThreadByStaffChannel(ctx context.Context, staffChannelID string) (Thread, error) {
	if err := s.ensureReady(); err != nil {
		return Thread{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM modrelay_threads
		WHERE staff_channel_id = $1 AND closed_at IS NULL`,
		staffChannelID))
}

func (s *postgresThreadStore) CountThreadsByUser(ctx context.Context, workspaceID, userID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM modrelay_threads WHERE workspace_id = $1 AND user_id = $2`,
		workspaceID, userID).Scan(&count)
	return count, err
}

func (s *postgresThreadStore) ListOpenThreads(ctx context.Context) ([]Thread, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM modrelay_threads
		WHERE closed_at IS NULL ORDER BY thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var threads []Thread
	for rows.Next() {
		var thread Thread
		var closedBy sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&thread.ID, &thread.WorkspaceID, &thread.UserID, &thread.StaffChannelID,
			&thread.CreatedByID, &thread.CreatedAt, &closedBy, &closedAt, &thread.LastLocalID); err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func (s *postgresThreadStore) CloseThread(ctx context.Context, id int64, closedByID string, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE modrelay_threads SET closed_by_id = $2, closed_at = $3
		WHERE thread_id = $1 AND closed_at IS NULL`,
		id, closedByID, at.UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM modrelay_threads WHERE thread_id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNoThread
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM modrelay_scheduled_closes WHERE thread_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresThreadStore) DeleteThread(ctx context.Context, id int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `DELETE FROM modrelay_threads WHERE thread_id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresThreadStore) RecordMessage(ctx context.Context, msg ThreadMessage) (ThreadMessage, error) {
	if err := s.ensureReady(); err != nil {
		return ThreadMessage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ThreadMessage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		UPDATE modrelay_threads SET last_local_message_id = last_local_message_id + 1
		WHERE thread_id = $1
		RETURNING last_local_message_id`, msg.ThreadID).Scan(&msg.LocalSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadMessage{}, ErrNotFound
	}
	if err != nil {
		return ThreadMessage{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO modrelay_thread_messages
			(thread_id, local_sequence, user_id, user_message_id, staff_message_id, staff_id, anonymous)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING thread_message_id`,
		msg.ThreadID, msg.LocalSequence, msg.UserID, msg.UserMessageID, msg.StaffMessageID,
		nullString(msg.StaffID), msg.Anonymous).Scan(&msg.ID)
	if err != nil {
		return ThreadMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return ThreadMessage{}, err
	}
	return msg, nil
}

const messageColumns = `thread_message_id, thread_id, local_sequence, user_id,
	user_message_id, staff_message_id, staff_id, anonymous`

func scanMessage(row *sql.Row) (ThreadMessage, error) {
	var msg ThreadMessage
	var staffID sql.NullString
	err := row.Scan(&msg.ID, &msg.ThreadID, &msg.LocalSequence, &msg.UserID,
		&msg.UserMessageID, &msg.StaffMessageID, &staffID, &msg.Anonymous)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadMessage{}, ErrNotFound
	}
	if err != nil {
		return ThreadMessage{}, err
	}
	msg.StaffID = staffID.String
	return msg, nil
}

func (s *postgresThreadStore) MessageBySequence(ctx context.Context, threadID, sequence int64) (ThreadMessage, error) {
	if err := s.ensureReady(); err != nil {
		return ThreadMessage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM modrelay_thread_messages
		WHERE thread_id = $1 AND local_sequence = $2`, threadID, sequence))
}

func (s *postgresThreadStore) MessageByUserMessageID(ctx context.Context, userMessageID string) (ThreadMessage, error) {
	if err := s.ensureReady(); err != nil {
		return ThreadMessage{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM modrelay_thread_messages
		WHERE user_message_id = $1`, userMessageID))
}

func (s *postgresThreadStore) UpsertScheduledClose(ctx context.Context, sc ScheduledClose) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO modrelay_scheduled_closes (thread_id, close_at, scheduled_by_id, silent)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id)
		DO UPDATE SET close_at = EXCLUDED.close_at,
			scheduled_by_id = EXCLUDED.scheduled_by_id,
			silent = EXCLUDED.silent`,
		sc.ThreadID, sc.CloseAt.UTC(), sc.ScheduledByID, sc.Silent)
	if err != nil {
		return err
	}
	if _, err := result.RowsAffected(); err != nil {
		return err
	}
	return nil
}

func (s *postgresThreadStore) ScheduledCloseByThread(ctx context.Context, threadID int64) (ScheduledClose, error) {
	if err := s.ensureReady(); err != nil {
		return ScheduledClose{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var sc ScheduledClose
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, close_at, scheduled_by_id, silent
		FROM modrelay_scheduled_closes WHERE thread_id = $1`, threadID).
		Scan(&sc.ThreadID, &sc.CloseAt, &sc.ScheduledByID, &sc.Silent)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledClose{}, ErrNotFound
	}
	return sc, err
}

func (s *postgresThreadStore) DeleteScheduledClose(ctx context.Context, threadID int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM modrelay_scheduled_closes WHERE thread_id = $1`, threadID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresThreadStore) DueScheduledCloses(ctx context.Context, now time.Time) ([]ScheduledClose, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, close_at, scheduled_by_id, silent
		FROM modrelay_scheduled_closes WHERE close_at <= $1 ORDER BY thread_id`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []ScheduledClose
	for rows.Next() {
		var sc ScheduledClose
		if err := rows.Scan(&sc.ThreadID, &sc.CloseAt, &sc.ScheduledByID, &sc.Silent); err != nil {
			return nil, err
		}
		due = append(due, sc)
	}
	return due, rows.Err()
}

func (s *postgresThreadStore) UpsertBlock(ctx context.Context, block Block) error {
	if block.WorkspaceID == "" || block.UserID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modrelay_blocks (workspace_id, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		block.WorkspaceID, block.UserID, nullTime(block.ExpiresAt))
	return err
}

func (s *postgresThreadStore) BlockFor(ctx context.Context, workspaceID, userID string) (Block, error) {
	if err := s.ensureReady(); err != nil {
		return Block{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var block Block
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, expires_at FROM modrelay_blocks
		WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID).
		Scan(&block.WorkspaceID, &block.UserID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, ErrNotFound
	}
	if err != nil {
		return Block{}, err
	}
	if expires.Valid {
		block.ExpiresAt = expires.Time
	}
	return block, nil
}

func (s *postgresThreadStore) DeleteBlock(ctx context.Context, workspaceID, userID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM modrelay_blocks WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresThreadStore) DeleteExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM modrelay_blocks WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *postgresThreadStore) AddThreadReplyAlert(ctx context.Context, alert ThreadReplyAlert) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modrelay_thread_reply_alerts (thread_id, user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, alert.ThreadID, alert.UserID)
	return err
}

func (s *postgresThreadStore) RemoveThreadReplyAlert(ctx context.Context, alert ThreadReplyAlert) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM modrelay_thread_reply_alerts WHERE thread_id = $1 AND user_id = $2`,
		alert.ThreadID, alert.UserID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresThreadStore) ThreadReplyAlerts(ctx context.Context, threadID int64) ([]ThreadReplyAlert, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, user_id FROM modrelay_thread_reply_alerts
		WHERE thread_id = $1 ORDER BY user_id`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []ThreadReplyAlert
	for rows.Next() {
		var alert ThreadReplyAlert
		if err := rows.Scan(&alert.ThreadID, &alert.UserID); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (s *postgresThreadStore) AddWorkspaceOpenAlert(ctx context.Context, alert WorkspaceOpenAlert) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modrelay_workspace_open_alerts (workspace_id, user_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, alert.WorkspaceID, alert.UserID)
	return err
}

func (s *postgresThreadStore) RemoveWorkspaceOpenAlert(ctx context.Context, alert WorkspaceOpenAlert) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM modrelay_workspace_open_alerts WHERE workspace_id = $1 AND user_id = $2`,
		alert.WorkspaceID, alert.UserID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresThreadStore) WorkspaceOpenAlerts(ctx context.Context, workspaceID string) ([]WorkspaceOpenAlert, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, user_id FROM modrelay_workspace_open_alerts
		WHERE workspace_id = $1 ORDER BY user_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []WorkspaceOpenAlert
	for rows.Next() {
		var alert WorkspaceOpenAlert
		if err := rows.Scan(&alert.WorkspaceID, &alert.UserID); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (s *postgresThreadStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
