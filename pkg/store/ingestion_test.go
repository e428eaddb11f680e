package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telescribe/pkg/model"
)

func openTestIngestion(t *testing.T) *IngestionStore {
	t.Helper()
	s, err := OpenIngestion(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSource(t *testing.T, s *IngestionStore, id string) {
	t.Helper()
	require.NoError(t, s.UpsertSource(context.Background(), model.SourceState{
		SourceID:  id,
		ChannelID: id,
		Status:    model.SourceStatusActive,
		BatchSize: 50,
	}))
}

func attempt(sourceID string, success bool) model.SourceAttempt {
	return model.SourceAttempt{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		StartedAt: time.Now(),
		Success:   success,
	}
}

func TestUpsertSourcePreservesCursor(t *testing.T) {
	s := openTestIngestion(t)
	ctx := context.Background()
	seedSource(t, s, "@demo")

	require.NoError(t, s.AdvancePostCursor(ctx, "@demo", 10, attempt("@demo", true)))

	// Re-seeding (config reload) must not clobber the cursor.
	seedSource(t, s, "@demo")

	src, ok, err := s.LoadSource(ctx, "@demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), src.LastPostID)
}

func TestAdvancePostCursorMonotonic(t *testing.T) {
	s := openTestIngestion(t)
	ctx := context.Background()
	seedSource(t, s, "@demo")

	require.NoError(t, s.AdvancePostCursor(ctx, "@demo", 10, attempt("@demo", true)))
	require.NoError(t, s.AdvancePostCursor(ctx, "@demo", 7, attempt("@demo", true)))

	src, _, err := s.LoadSource(ctx, "@demo")
	require.NoError(t, err)
	assert.Equal(t, int64(10), src.LastPostID)
}

func TestRecordAttemptDoesNotMoveCursor(t *testing.T) {
	s := openTestIngestion(t)
	ctx := context.Background()
	seedSource(t, s, "@demo")
	require.NoError(t, s.AdvancePostCursor(ctx, "@demo", 10, attempt("@demo", true)))

	failed := attempt("@demo", false)
	failed.ErrorClass = "server_error"
	failed.ErrorMessage = "insert blew up"
	require.NoError(t, s.RecordAttempt(ctx, failed))

	src, _, err := s.LoadSource(ctx, "@demo")
	require.NoError(t, err)
	assert.Equal(t, int64(10), src.LastPostID)

	attempts, err := s.Attempts(ctx, "@demo", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
}

func TestCommentCursorMonotonic(t *testing.T) {
	s := openTestIngestion(t)
	ctx := context.Background()
	seedSource(t, s, "@demo")

	last, err := s.CommentCursor(ctx, "@demo", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	require.NoError(t, s.AdvanceCommentCursor(ctx, "@demo", 5, 100))
	require.NoError(t, s.AdvanceCommentCursor(ctx, "@demo", 5, 90))

	last, err = s.CommentCursor(ctx, "@demo", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(100), last)
}

func TestUpdateSourcePatch(t *testing.T) {
	s := openTestIngestion(t)
	ctx := context.Background()
	seedSource(t, s, "@demo")

	status := model.SourceStatusError
	lastErr := "unauthorized"
	until := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	unavailable := true
	require.NoError(t, s.UpdateSource(ctx, "@demo", SourcePatch{
		Status:              &status,
		LastError:           &lastErr,
		RateLimitUntil:      &until,
		CommentsUnavailable: &unavailable,
	}))

	src, _, err := s.LoadSource(ctx, "@demo")
	require.NoError(t, err)
	assert.Equal(t, model.SourceStatusError, src.Status)
	assert.Equal(t, "unauthorized", src.LastError)
	require.NotNil(t, src.RateLimitUntil)
	assert.Equal(t, until, *src.RateLimitUntil)
	assert.True(t, src.CommentsUnavailable)

	// Clearing the rate limit leaves everything else in place.
	require.NoError(t, s.UpdateSource(ctx, "@demo", SourcePatch{ClearRateLimit: true}))
	src, _, err = s.LoadSource(ctx, "@demo")
	require.NoError(t, err)
	assert.Nil(t, src.RateLimitUntil)
	assert.Equal(t, model.SourceStatusError, src.Status)
}
