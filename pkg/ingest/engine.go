// Package ingest runs the per-source ingestion state machine: fetch posts
// (and optionally comments), persist raw snapshots, and advance cursors in
// the same transactional unit as the attempt line they belong to.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"telescribe/pkg/chat"
	"telescribe/pkg/config"
	"telescribe/pkg/identity"
	"telescribe/pkg/model"
	"telescribe/pkg/pipeline"
	"telescribe/pkg/store"
)

// RawSink is the slice of the raw store the engine writes to.
type RawSink interface {
	Upsert(ctx context.Context, raw model.RawMessage) (store.UpsertResult, error)
}

// StateStore is the slice of the ingestion store the engine drives.
type StateStore interface {
	LoadSource(ctx context.Context, sourceID string) (model.SourceState, bool, error)
	ListSources(ctx context.Context) ([]model.SourceState, error)
	UpdateSource(ctx context.Context, sourceID string, patch store.SourcePatch) error
	RecordAttempt(ctx context.Context, a model.SourceAttempt) error
	AdvancePostCursor(ctx context.Context, sourceID string, newLastPostID int64, a model.SourceAttempt) error
	AdvanceCommentCursor(ctx context.Context, sourceID string, threadID, newLastCommentID int64) error
	CommentCursor(ctx context.Context, sourceID string, threadID int64) (int64, error)
}

// Summary is the per-source outcome of one ingest run.
type Summary struct {
	SourceID   string
	Mode       string
	Skipped    bool
	Fetched    int
	Written    int
	Duplicates int
	Conflicts  int
	Comments   int
}

// Ingestion modes.
const (
	ModeBackfill = "backfill"
	ModeOnline   = "online"
)

// Engine is the ingestion engine. One Engine serves all sources; per-source
// runs are independent.
type Engine struct {
	raw    RawSink
	state  StateStore
	chat   chat.Client
	system *config.SystemConfig
}

func NewEngine(raw RawSink, state StateStore, chatClient chat.Client, system *config.SystemConfig) *Engine {
	return &Engine{raw: raw, state: state, chat: chatClient, system: system}
}

// IngestAll runs every active source with bounded parallelism and returns
// the per-source summaries. A failing source never stops its siblings.
func (e *Engine) IngestAll(ctx context.Context) ([]Summary, int, error) {
	sources, err := e.state.ListSources(ctx)
	if err != nil {
		return nil, 0, err
	}

	parallelism := e.system.SourceParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	var mu sync.Mutex
	var wg sync.WaitGroup
	summaries := make([]Summary, 0, len(sources))
	failed := 0

	for _, src := range sources {
		wg.Add(1)
		go func(sourceID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			summary, err := e.IngestSource(ctx, sourceID)
			mu.Lock()
			defer mu.Unlock()
			summaries = append(summaries, summary)
			if err != nil {
				failed++
				slog.Error("Source ingest failed", "source_id", sourceID, "error", err)
			}
		}(src.SourceID)
	}
	wg.Wait()
	return summaries, failed, nil
}

// IngestSource runs the state machine for one source: load state, pick the
// mode, fetch post batches, persist snapshots, advance cursors, then pull
// comments per thread.
func (e *Engine) IngestSource(ctx context.Context, sourceID string) (Summary, error) {
	summary := Summary{SourceID: sourceID}

	src, found, err := e.state.LoadSource(ctx, sourceID)
	if err != nil {
		return summary, err
	}
	if !found {
		return summary, pipeline.Classify(pipeline.ClassConfig, fmt.Errorf("unknown source %q", sourceID))
	}

	if src.Status != model.SourceStatusActive {
		slog.Info("Skipping inactive source", "source_id", sourceID, "status", src.Status)
		summary.Skipped = true
		return summary, nil
	}
	if src.RateLimitUntil != nil && time.Now().Before(*src.RateLimitUntil) {
		slog.Info("Skipping rate-limited source", "source_id", sourceID, "until", model.FormatTime(*src.RateLimitUntil))
		summary.Skipped = true
		return summary, nil
	}

	summary.Mode = ModeOnline
	if src.BackfillCompletedAt == nil && src.HistoryFrom != nil {
		summary.Mode = ModeBackfill
	}

	now := time.Now()
	if err := e.state.UpdateSource(ctx, sourceID, store.SourcePatch{LastAttemptAt: &now}); err != nil {
		return summary, err
	}

	threads, err := e.ingestPosts(ctx, &src, &summary)
	if err != nil {
		return summary, e.recordRunFailure(ctx, &src, err)
	}

	if src.IncludeComments && !src.CommentsUnavailable {
		if err := e.ingestComments(ctx, &src, threads, &summary); err != nil {
			return summary, e.recordRunFailure(ctx, &src, err)
		}
	}

	success := time.Now()
	zero := 0
	empty := ""
	if err := e.state.UpdateSource(ctx, sourceID, store.SourcePatch{
		LastSuccessAt:  &success,
		FailCount:      &zero,
		LastError:      &empty,
		ClearRateLimit: true,
	}); err != nil {
		return summary, err
	}

	slog.Info("Source ingested", "source_id", sourceID, "mode", summary.Mode,
		"fetched", summary.Fetched, "written", summary.Written, "comments", summary.Comments)
	return summary, nil
}

// ingestPosts walks post batches until the source is caught up. Each batch
// is written and its cursor advanced atomically. Returns the thread ids of
// the posts snapshotted in this run, for the comment pass.
func (e *Engine) ingestPosts(ctx context.Context, src *model.SourceState, summary *Summary) ([]int64, error) {
	cursor := src.LastPostID
	var threads []int64

	for {
		posts, err := e.fetchPostsRetry(ctx, src.ChannelID, cursor)
		if err != nil {
			return threads, err
		}
		if len(posts) == 0 {
			break
		}
		summary.Fetched += len(posts)

		written, maxID, windowDone, err := e.writePosts(ctx, src, posts, summary, &threads)
		if err != nil {
			// Atomicity invariant: a failed raw write records the attempt
			// and leaves the cursor untouched.
			e.logAttempt(ctx, src.SourceID, false, err, map[string]any{
				"mode": summary.Mode, "fetched": len(posts), "written": written,
			})
			return threads, err
		}

		if maxID > cursor {
			attempt := e.attempt(src.SourceID, true, nil, map[string]any{
				"mode": summary.Mode, "fetched": len(posts), "written": written,
			})
			if err := e.state.AdvancePostCursor(ctx, src.SourceID, maxID, attempt); err != nil {
				return threads, err
			}
			cursor = maxID
		}

		if windowDone {
			break
		}
		if len(posts) < e.system.BatchSize {
			break
		}
	}
	src.LastPostID = cursor

	if summary.Mode == ModeBackfill {
		now := time.Now()
		if err := e.state.UpdateSource(ctx, src.SourceID, store.SourcePatch{BackfillCompletedAt: &now}); err != nil {
			return threads, err
		}
		src.BackfillCompletedAt = &now
	}
	return threads, nil
}

// writePosts persists one fetched batch. Returns the count written, the
// highest message id durably written, and whether a backfill window boundary
// was crossed.
func (e *Engine) writePosts(ctx context.Context, src *model.SourceState, posts []chat.PostObservation, summary *Summary, threads *[]int64) (int, int64, bool, error) {
	written := 0
	var maxID int64
	windowDone := false

	for _, post := range posts {
		if summary.Mode == ModeBackfill {
			if src.HistoryTo != nil && post.Date.After(*src.HistoryTo) {
				windowDone = true
				break
			}
			if src.HistoryFrom != nil && post.Date.Before(*src.HistoryFrom) {
				// Before the window: consumed but not snapshotted.
				if post.MessageID > maxID {
					maxID = post.MessageID
				}
				continue
			}
		}

		raw, err := e.normalizePost(src.ChannelID, post)
		if err != nil {
			return written, maxID, windowDone, err
		}
		result, err := e.raw.Upsert(ctx, raw)
		if err != nil {
			return written, maxID, windowDone, pipeline.Classify(pipeline.ClassServer, err)
		}
		switch result {
		case store.Inserted:
			written++
		case store.Duplicate:
			summary.Duplicates++
		case store.Conflict:
			summary.Conflicts++
		}
		*threads = append(*threads, post.MessageID)
		if post.MessageID > maxID {
			maxID = post.MessageID
		}
	}
	summary.Written += written
	return written, maxID, windowDone, nil
}

// ingestComments pulls the discussion thread of every snapshotted post past
// its per-thread cursor. The "no discussion group" error flips
// comments_unavailable and the run continues with posts only.
func (e *Engine) ingestComments(ctx context.Context, src *model.SourceState, threads []int64, summary *Summary) error {
	for _, threadID := range threads {
		since, err := e.state.CommentCursor(ctx, src.SourceID, threadID)
		if err != nil {
			return err
		}

		for {
			comments, err := e.fetchCommentsRetry(ctx, src.ChannelID, threadID, since)
			if errors.Is(err, chat.ErrCommentsUnavailable) {
				slog.Warn("Comments channel unavailable, continuing with posts only", "source_id", src.SourceID)
				unavailable := true
				src.CommentsUnavailable = true
				return e.state.UpdateSource(ctx, src.SourceID, store.SourcePatch{CommentsUnavailable: &unavailable})
			}
			if err != nil {
				return err
			}
			if len(comments) == 0 {
				break
			}

			written := 0
			maxID := since
			for _, c := range comments {
				raw, err := e.normalizeComment(src.ChannelID, c)
				if err != nil {
					return err
				}
				result, err := e.raw.Upsert(ctx, raw)
				if err != nil {
					classified := pipeline.Classify(pipeline.ClassServer, err)
					e.logAttempt(ctx, src.SourceID, false, classified, map[string]any{
						"thread_id": threadID, "written": written,
					})
					return classified
				}
				if result == store.Inserted {
					written++
				}
				if c.MessageID > maxID {
					maxID = c.MessageID
				}
			}
			summary.Comments += written

			if maxID > since {
				if err := e.state.AdvanceCommentCursor(ctx, src.SourceID, threadID, maxID); err != nil {
					return err
				}
				since = maxID
			}
			if len(comments) < e.system.BatchSize {
				break
			}
		}
	}
	return nil
}

func (e *Engine) normalizePost(channelID string, post chat.PostObservation) (model.RawMessage, error) {
	ref, err := identity.MessageRef(channelID, model.MessageTypePost, post.MessageID)
	if err != nil {
		return model.RawMessage{}, pipeline.Classify(pipeline.ClassValidate, err)
	}
	raw := model.RawMessage{
		SourceRef:   ref,
		MessageID:   post.MessageID,
		MessageType: model.MessageTypePost,
		ChannelID:   channelID,
		Date:        post.Date.UTC(),
		Text:        post.Text,
		ThreadID:    post.ThreadID,
		Language:    post.Language,
		InsertedAt:  time.Now().UTC(),
	}
	raw.RawPayload, raw.PayloadTruncated, raw.PayloadOriginalSize = e.boundPayload(post.RawPayload)
	return raw, nil
}

func (e *Engine) normalizeComment(channelID string, c chat.CommentObservation) (model.RawMessage, error) {
	ref, err := identity.MessageRef(channelID, model.MessageTypeComment, c.MessageID)
	if err != nil {
		return model.RawMessage{}, pipeline.Classify(pipeline.ClassValidate, err)
	}
	raw := model.RawMessage{
		SourceRef:       ref,
		MessageID:       c.MessageID,
		MessageType:     model.MessageTypeComment,
		ChannelID:       channelID,
		Date:            c.Date.UTC(),
		Text:            c.Text,
		ThreadID:        c.ThreadID,
		ParentMessageID: c.ParentMessageID,
		Language:        c.Language,
		InsertedAt:      time.Now().UTC(),
	}
	raw.RawPayload, raw.PayloadTruncated, raw.PayloadOriginalSize = e.boundPayload(c.RawPayload)
	return raw, nil
}

// boundPayload truncates oversized raw payloads, keeping the original size.
func (e *Engine) boundPayload(payload string) (string, bool, int) {
	limit := e.system.PayloadLimitBytes
	if limit <= 0 || len(payload) <= limit {
		return payload, false, 0
	}
	return payload[:limit], true, len(payload)
}

// fetchPostsRetry retries retryable fetch failures with exponential backoff
// and jitter. Rate-limit errors propagate immediately so the caller can
// schedule rate_limit_until.
func (e *Engine) fetchPostsRetry(ctx context.Context, channelID string, sinceID int64) ([]chat.PostObservation, error) {
	var lastErr error
	base := time.Duration(e.system.RetryBaseMs) * time.Millisecond

	for attempt := 1; attempt <= e.maxRetries(); attempt++ {
		posts, err := e.chat.FetchPosts(ctx, channelID, sinceID, 0, e.system.BatchSize)
		if err == nil {
			return posts, nil
		}
		lastErr = err

		class := pipeline.ClassOf(err)
		if class == pipeline.ClassRateLimit {
			return nil, err
		}
		if !pipeline.Retryable(class) || attempt == e.maxRetries() {
			break
		}
		slog.Warn("Retrying post fetch", "channel_id", channelID, "attempt", attempt, "class", class, "error", err)
		if err := pipeline.Sleep(ctx, pipeline.BackoffDelay(base, attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *Engine) fetchCommentsRetry(ctx context.Context, channelID string, threadID, sinceID int64) ([]chat.CommentObservation, error) {
	var lastErr error
	base := time.Duration(e.system.RetryBaseMs) * time.Millisecond

	for attempt := 1; attempt <= e.maxRetries(); attempt++ {
		comments, err := e.chat.FetchComments(ctx, channelID, threadID, sinceID, e.system.BatchSize)
		if err == nil {
			return comments, nil
		}
		lastErr = err

		if errors.Is(err, chat.ErrCommentsUnavailable) {
			return nil, err
		}
		class := pipeline.ClassOf(err)
		if class == pipeline.ClassRateLimit {
			return nil, err
		}
		if !pipeline.Retryable(class) || attempt == e.maxRetries() {
			break
		}
		slog.Warn("Retrying comment fetch", "channel_id", channelID, "thread_id", threadID, "attempt", attempt, "error", err)
		if err := pipeline.Sleep(ctx, pipeline.BackoffDelay(base, attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *Engine) maxRetries() int {
	if e.system.IngestMaxRetries < 1 {
		return 1
	}
	return e.system.IngestMaxRetries
}

// recordRunFailure translates a failed run into source bookkeeping: fatal
// classes flip the source to error, rate limits schedule the next window,
// exhausted retryable classes just bump fail_count.
func (e *Engine) recordRunFailure(ctx context.Context, src *model.SourceState, runErr error) error {
	class := pipeline.ClassOf(runErr)
	failCount := src.FailCount + 1
	msg := runErr.Error()
	patch := store.SourcePatch{FailCount: &failCount, LastError: &msg}

	switch {
	case class == pipeline.ClassRateLimit:
		if reset := pipeline.RetryAfterOf(runErr); reset != nil {
			patch.RateLimitUntil = reset
		}
	case !pipeline.Retryable(class):
		errStatus := model.SourceStatusError
		patch.Status = &errStatus
	}

	if err := e.state.UpdateSource(ctx, src.SourceID, patch); err != nil {
		slog.Error("Failed to record run failure", "source_id", src.SourceID, "error", err)
	}
	return runErr
}

func (e *Engine) attempt(sourceID string, success bool, cause error, detail map[string]any) model.SourceAttempt {
	a := model.SourceAttempt{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		StartedAt: time.Now().UTC(),
		Success:   success,
		Detail:    detail,
	}
	if cause != nil {
		a.ErrorClass = string(pipeline.ClassOf(cause))
		a.ErrorMessage = cause.Error()
	}
	return a
}

func (e *Engine) logAttempt(ctx context.Context, sourceID string, success bool, cause error, detail map[string]any) {
	if err := e.state.RecordAttempt(ctx, e.attempt(sourceID, success, cause, detail)); err != nil {
		slog.Error("Failed to record attempt", "source_id", sourceID, "error", err)
	}
}
