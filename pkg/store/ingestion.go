package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"telescribe/pkg/model"
)

const ingestSchema = `
CREATE TABLE IF NOT EXISTS sources (
	source_id             TEXT PRIMARY KEY,
	channel_id            TEXT NOT NULL,
	channel_username      TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'active',
	include_comments      INTEGER NOT NULL DEFAULT 0,
	history_from          TEXT,
	history_to            TEXT,
	batch_size            INTEGER NOT NULL DEFAULT 0,
	poll_interval_sec     INTEGER NOT NULL DEFAULT 0,
	last_post_id          INTEGER NOT NULL DEFAULT 0,
	backfill_completed_at TEXT,
	last_attempt_at       TEXT,
	last_success_at       TEXT,
	fail_count            INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT NOT NULL DEFAULT '',
	rate_limit_until      TEXT,
	comments_unavailable  INTEGER NOT NULL DEFAULT 0,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS comment_cursors (
	source_id       TEXT NOT NULL,
	thread_id       INTEGER NOT NULL,
	last_comment_id INTEGER NOT NULL DEFAULT 0,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (source_id, thread_id)
);

CREATE TABLE IF NOT EXISTS source_attempts (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	success       INTEGER NOT NULL,
	error_class   TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_source_attempts_source ON source_attempts(source_id, started_at);
`

// IngestionStore persists per-source state, comment cursors and the
// append-only attempt log. Cursor advances are committed in the same
// transaction as the attempt line they belong to; a failed raw write never
// reaches an advance, so the next run re-fetches idempotently.
type IngestionStore struct {
	db *sqlx.DB
}

// OpenIngestion opens (and migrates) the ingestion state store file.
func OpenIngestion(path string) (*IngestionStore, error) {
	db, err := openDB(path, ingestSchema)
	if err != nil {
		return nil, err
	}
	return &IngestionStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *IngestionStore) Close() error { return s.db.Close() }

type sourceRow struct {
	SourceID            string  `db:"source_id"`
	ChannelID           string  `db:"channel_id"`
	ChannelUsername     string  `db:"channel_username"`
	Status              string  `db:"status"`
	IncludeComments     bool    `db:"include_comments"`
	HistoryFrom         *string `db:"history_from"`
	HistoryTo           *string `db:"history_to"`
	BatchSize           int     `db:"batch_size"`
	PollIntervalSec     int     `db:"poll_interval_sec"`
	LastPostID          int64   `db:"last_post_id"`
	BackfillCompletedAt *string `db:"backfill_completed_at"`
	LastAttemptAt       *string `db:"last_attempt_at"`
	LastSuccessAt       *string `db:"last_success_at"`
	FailCount           int     `db:"fail_count"`
	LastError           string  `db:"last_error"`
	RateLimitUntil      *string `db:"rate_limit_until"`
	CommentsUnavailable bool    `db:"comments_unavailable"`
	CreatedAt           string  `db:"created_at"`
	UpdatedAt           string  `db:"updated_at"`
}

func optTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := model.ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optTimeStr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := model.FormatTime(*t)
	return &s
}

func (r sourceRow) toModel() (model.SourceState, error) {
	out := model.SourceState{
		SourceID:            r.SourceID,
		ChannelID:           r.ChannelID,
		ChannelUsername:     r.ChannelUsername,
		Status:              r.Status,
		IncludeComments:     r.IncludeComments,
		BatchSize:           r.BatchSize,
		PollIntervalSec:     r.PollIntervalSec,
		LastPostID:          r.LastPostID,
		FailCount:           r.FailCount,
		LastError:           r.LastError,
		CommentsUnavailable: r.CommentsUnavailable,
	}
	var err error
	if out.HistoryFrom, err = optTime(r.HistoryFrom); err != nil {
		return out, fmt.Errorf("corrupt history_from for %s: %w", r.SourceID, err)
	}
	if out.HistoryTo, err = optTime(r.HistoryTo); err != nil {
		return out, fmt.Errorf("corrupt history_to for %s: %w", r.SourceID, err)
	}
	if out.BackfillCompletedAt, err = optTime(r.BackfillCompletedAt); err != nil {
		return out, fmt.Errorf("corrupt backfill_completed_at for %s: %w", r.SourceID, err)
	}
	if out.LastAttemptAt, err = optTime(r.LastAttemptAt); err != nil {
		return out, fmt.Errorf("corrupt last_attempt_at for %s: %w", r.SourceID, err)
	}
	if out.LastSuccessAt, err = optTime(r.LastSuccessAt); err != nil {
		return out, fmt.Errorf("corrupt last_success_at for %s: %w", r.SourceID, err)
	}
	if out.RateLimitUntil, err = optTime(r.RateLimitUntil); err != nil {
		return out, fmt.Errorf("corrupt rate_limit_until for %s: %w", r.SourceID, err)
	}
	if out.CreatedAt, err = model.ParseTime(r.CreatedAt); err != nil {
		return out, fmt.Errorf("corrupt created_at for %s: %w", r.SourceID, err)
	}
	if out.UpdatedAt, err = model.ParseTime(r.UpdatedAt); err != nil {
		return out, fmt.Errorf("corrupt updated_at for %s: %w", r.SourceID, err)
	}
	return out, nil
}

const sourceColumns = `source_id, channel_id, channel_username, status, include_comments,
	history_from, history_to, batch_size, poll_interval_sec, last_post_id,
	backfill_completed_at, last_attempt_at, last_success_at, fail_count,
	last_error, rate_limit_until, comments_unavailable, created_at, updated_at`

// UpsertSource registers a source or refreshes its declared settings.
// Cursor and failure fields of an existing row are left untouched.
func (s *IngestionStore) UpsertSource(ctx context.Context, src model.SourceState) error {
	now := model.FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (source_id, channel_id, channel_username, status,
			include_comments, history_from, history_to, batch_size,
			poll_interval_sec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			channel_username = excluded.channel_username,
			include_comments = excluded.include_comments,
			history_from     = excluded.history_from,
			history_to       = excluded.history_to,
			batch_size       = excluded.batch_size,
			poll_interval_sec = excluded.poll_interval_sec,
			updated_at       = excluded.updated_at`,
		src.SourceID, src.ChannelID, src.ChannelUsername, src.Status,
		src.IncludeComments, optTimeStr(src.HistoryFrom), optTimeStr(src.HistoryTo),
		src.BatchSize, src.PollIntervalSec, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert source %s: %w", src.SourceID, err)
	}
	return nil
}

// LoadSource fetches the state of one source.
func (s *IngestionStore) LoadSource(ctx context.Context, sourceID string) (model.SourceState, bool, error) {
	var row sourceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sourceColumns+` FROM sources WHERE source_id = ?`, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SourceState{}, false, nil
	}
	if err != nil {
		return model.SourceState{}, false, fmt.Errorf("failed to load source %s: %w", sourceID, err)
	}
	m, err := row.toModel()
	if err != nil {
		return model.SourceState{}, false, err
	}
	return m, true, nil
}

// ListSources returns every registered source ordered by source_id.
func (s *IngestionStore) ListSources(ctx context.Context) ([]model.SourceState, error) {
	var rows []sourceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+sourceColumns+` FROM sources ORDER BY source_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	out := make([]model.SourceState, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SourcePatch names the mutable fields of a source row. Nil fields are left
// unchanged; every write touches updated_at. Cursors are deliberately absent:
// they only move through AdvancePostCursor / AdvanceCommentCursor.
type SourcePatch struct {
	Status              *string
	ChannelUsername     *string
	FailCount           *int
	LastError           *string
	RateLimitUntil      *time.Time
	ClearRateLimit      bool
	BackfillCompletedAt *time.Time
	LastAttemptAt       *time.Time
	LastSuccessAt       *time.Time
	CommentsUnavailable *bool
}

// UpdateSource applies a patch to one source row.
func (s *IngestionStore) UpdateSource(ctx context.Context, sourceID string, patch SourcePatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{model.FormatTime(time.Now())}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ChannelUsername != nil {
		add("channel_username", *patch.ChannelUsername)
	}
	if patch.FailCount != nil {
		add("fail_count", *patch.FailCount)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if patch.RateLimitUntil != nil {
		add("rate_limit_until", model.FormatTime(*patch.RateLimitUntil))
	} else if patch.ClearRateLimit {
		add("rate_limit_until", nil)
	}
	if patch.BackfillCompletedAt != nil {
		add("backfill_completed_at", model.FormatTime(*patch.BackfillCompletedAt))
	}
	if patch.LastAttemptAt != nil {
		add("last_attempt_at", model.FormatTime(*patch.LastAttemptAt))
	}
	if patch.LastSuccessAt != nil {
		add("last_success_at", model.FormatTime(*patch.LastSuccessAt))
	}
	if patch.CommentsUnavailable != nil {
		add("comments_unavailable", *patch.CommentsUnavailable)
	}

	args = append(args, sourceID)
	query := "UPDATE sources SET " + strings.Join(sets, ", ") + " WHERE source_id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update source %s: %w", sourceID, err)
	}
	return nil
}

func insertAttempt(ctx context.Context, ex sqlx.ExtContext, a model.SourceAttempt) error {
	detail := "{}"
	if a.Detail != nil {
		detail = mustJSON(a.Detail)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO source_attempts (id, source_id, started_at, success, error_class, error_message, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SourceID, model.FormatTime(a.StartedAt), a.Success,
		a.ErrorClass, a.ErrorMessage, detail)
	if err != nil {
		return fmt.Errorf("failed to record source attempt: %w", err)
	}
	return nil
}

// RecordAttempt appends one attempt line without moving any cursor. Failed
// attempts always go through here, keeping the atomicity invariant: a raw
// write that blew up leaves last_post_id exactly where it was.
func (s *IngestionStore) RecordAttempt(ctx context.Context, a model.SourceAttempt) error {
	return insertAttempt(ctx, s.db, a)
}

// AdvancePostCursor commits a successful attempt line and the post cursor
// advance in one transaction. The cursor is monotonic: it never moves
// backwards.
func (s *IngestionStore) AdvancePostCursor(ctx context.Context, sourceID string, newLastPostID int64, a model.SourceAttempt) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cursor advance: %w", err)
	}
	defer tx.Rollback()

	if err := insertAttempt(ctx, tx, a); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sources SET last_post_id = MAX(last_post_id, ?), updated_at = ? WHERE source_id = ?`,
		newLastPostID, model.FormatTime(time.Now()), sourceID)
	if err != nil {
		return fmt.Errorf("failed to advance post cursor for %s: %w", sourceID, err)
	}
	return tx.Commit()
}

// AdvanceCommentCursor moves the per-thread comment high-watermark,
// monotonically.
func (s *IngestionStore) AdvanceCommentCursor(ctx context.Context, sourceID string, threadID, newLastCommentID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_cursors (source_id, thread_id, last_comment_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id, thread_id) DO UPDATE SET
			last_comment_id = MAX(comment_cursors.last_comment_id, excluded.last_comment_id),
			updated_at      = excluded.updated_at`,
		sourceID, threadID, newLastCommentID, model.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to advance comment cursor for %s/%d: %w", sourceID, threadID, err)
	}
	return nil
}

// CommentCursor returns the last seen comment id of a thread (0 when the
// thread has never been fetched).
func (s *IngestionStore) CommentCursor(ctx context.Context, sourceID string, threadID int64) (int64, error) {
	var last int64
	err := s.db.GetContext(ctx, &last,
		`SELECT last_comment_id FROM comment_cursors WHERE source_id = ? AND thread_id = ?`,
		sourceID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load comment cursor for %s/%d: %w", sourceID, threadID, err)
	}
	return last, nil
}

// Attempts returns the most recent attempt lines for a source, newest first.
func (s *IngestionStore) Attempts(ctx context.Context, sourceID string, limit int) ([]model.SourceAttempt, error) {
	type attemptRow struct {
		ID           string `db:"id"`
		SourceID     string `db:"source_id"`
		StartedAt    string `db:"started_at"`
		Success      bool   `db:"success"`
		ErrorClass   string `db:"error_class"`
		ErrorMessage string `db:"error_message"`
		Detail       string `db:"detail"`
	}
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, source_id, started_at, success, error_class, error_message, detail
		 FROM source_attempts WHERE source_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", sourceID, err)
	}
	out := make([]model.SourceAttempt, 0, len(rows))
	for _, r := range rows {
		started, err := model.ParseTime(r.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt started_at for attempt %s: %w", r.ID, err)
		}
		var detail map[string]any
		if err := json.Unmarshal([]byte(r.Detail), &detail); err != nil {
			return nil, fmt.Errorf("corrupt detail for attempt %s: %w", r.ID, err)
		}
		out = append(out, model.SourceAttempt{
			ID:           r.ID,
			SourceID:     r.SourceID,
			StartedAt:    started,
			Success:      r.Success,
			ErrorClass:   r.ErrorClass,
			ErrorMessage: r.ErrorMessage,
			Detail:       detail,
		})
	}
	return out, nil
}
