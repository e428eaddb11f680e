// Package chat defines the capability contract the ingestion engine consumes
// for fetching channel content, plus the factory registry through which
// concrete protocol clients plug in. The engine never inspects
// provider-specific shapes; it only sees observations.
package chat

import (
	"context"
	"errors"
	"time"
)

// ErrCommentsUnavailable is returned by FetchComments when the channel has
// no linked discussion group. The engine records it on the source and keeps
// ingesting posts.
var ErrCommentsUnavailable = errors.New("comments channel unavailable")

// PostObservation is one fetched channel post, carrying exactly the fields
// needed to produce a raw snapshot.
type PostObservation struct {
	MessageID  int64
	Date       time.Time
	Text       string
	ThreadID   int64
	Language   string
	RawPayload string
}

// CommentObservation is one fetched discussion comment under a post thread.
type CommentObservation struct {
	MessageID       int64
	ThreadID        int64
	ParentMessageID int64
	Date            time.Time
	Text            string
	Language        string
	RawPayload      string
}

// Client is the chat-protocol contract. Errors must be classified with
// pipeline.Classify / pipeline.RateLimited so the engine's retry decision
// stays a pure function of the class.
type Client interface {
	// FetchPosts returns posts with message_id > sinceID, in ascending id
	// order, capped at limit. untilID > 0 additionally bounds the range
	// (message_id <= untilID).
	FetchPosts(ctx context.Context, channelID string, sinceID, untilID int64, limit int) ([]PostObservation, error)

	// FetchComments returns comments in the post thread with
	// message_id > sinceID, ascending, capped at limit. Returns
	// ErrCommentsUnavailable when the channel has no discussion group.
	FetchComments(ctx context.Context, channelID string, threadID, sinceID int64, limit int) ([]CommentObservation, error)
}
