// Package model defines the durable records that flow through the pipeline:
// raw snapshots, per-source ingestion state, processed documents, topic
// cards/bundles and the export-only knowledge-base entries.
// All records are keyed (directly or derivatively) on the canonical
// source_ref built by pkg/identity.
package model

import "time"

// Message types recognized inside a source_ref.
const (
	MessageTypePost    = "post"
	MessageTypeComment = "comment"
)

// Source lifecycle statuses. Sources are never destroyed, only paused.
const (
	SourceStatusActive = "active"
	SourceStatusPaused = "paused"
	SourceStatusError  = "error"
)

// Topic card types.
const (
	TopicTypeSingleton = "singleton"
	TopicTypeCluster   = "cluster"
)

// Bundle item roles. Anchors always precede supporting items.
const (
	RoleAnchor     = "anchor"
	RoleSupporting = "supporting"
)

// TimeFormat is the wire format for every persisted timestamp:
// ISO-8601 UTC with a Z suffix.
const TimeFormat = "2006-01-02T15:04:05Z"

// FormatTime renders t in the canonical persisted form (UTC, Z suffix).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a canonical timestamp back into a time.Time.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// RawMessage is a snapshot of one post or comment taken at ingestion time.
// Once inserted, Text and Date are immutable; later observations that
// disagree go to the conflict journal instead of overwriting.
type RawMessage struct {
	SourceRef           string    `json:"source_ref"`
	MessageID           int64     `json:"message_id"`
	MessageType         string    `json:"message_type"`
	ChannelID           string    `json:"channel_id"`
	Date                time.Time `json:"date"`
	Text                string    `json:"text"`
	ThreadID            int64     `json:"thread_id,omitempty"`
	ParentMessageID     int64     `json:"parent_message_id,omitempty"`
	Language            string    `json:"language,omitempty"`
	RawPayload          string    `json:"raw_payload,omitempty"`
	PayloadTruncated    bool      `json:"payload_truncated,omitempty"`
	PayloadOriginalSize int       `json:"payload_original_size,omitempty"`
	InsertedAt          time.Time `json:"inserted_at"`
}

// RawConflict is one journal entry recorded when a source_ref is observed
// again. Reasons: content_mismatch, duplicate_seen, payload_truncated.
type RawConflict struct {
	ID         int64     `json:"id"`
	SourceRef  string    `json:"source_ref"`
	Reason     string    `json:"reason"`
	NewText    string    `json:"new_text,omitempty"`
	NewDate    string    `json:"new_date,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Conflict journal reasons.
const (
	ConflictContentMismatch  = "content_mismatch"
	ConflictDuplicateSeen    = "duplicate_seen"
	ConflictPayloadTruncated = "payload_truncated"
)

// SourceState carries the per-source ingestion state machine: cursors,
// history window, failure bookkeeping and rate-limit scheduling.
type SourceState struct {
	SourceID            string     `json:"source_id"`
	ChannelID           string     `json:"channel_id"`
	ChannelUsername     string     `json:"channel_username,omitempty"`
	Status              string     `json:"status"`
	IncludeComments     bool       `json:"include_comments"`
	HistoryFrom         *time.Time `json:"history_from,omitempty"`
	HistoryTo           *time.Time `json:"history_to,omitempty"`
	BatchSize           int        `json:"batch_size"`
	PollIntervalSec     int        `json:"poll_interval_sec"`
	LastPostID          int64      `json:"last_post_id"`
	BackfillCompletedAt *time.Time `json:"backfill_completed_at,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	FailCount           int        `json:"fail_count"`
	LastError           string     `json:"last_error,omitempty"`
	RateLimitUntil      *time.Time `json:"rate_limit_until,omitempty"`
	CommentsUnavailable bool       `json:"comments_unavailable"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CommentCursor is the per-thread comment high-watermark.
type CommentCursor struct {
	SourceID      string    `json:"source_id"`
	ThreadID      int64     `json:"thread_id"`
	LastCommentID int64     `json:"last_comment_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SourceAttempt is one append-only log line for a single ingestion attempt.
type SourceAttempt struct {
	ID           string         `json:"id"`
	SourceID     string         `json:"source_id"`
	StartedAt    time.Time      `json:"started_at"`
	Success      bool           `json:"success"`
	ErrorClass   string         `json:"error_class,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Entity is one extracted entity inside a ProcessedDocument.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// DocumentMetadata pins the provenance of a processing run.
type DocumentMetadata struct {
	PipelineVersion string         `json:"pipeline_version"`
	ModelID         string         `json:"model_id"`
	PromptID        string         `json:"prompt_id"`
	PromptName      string         `json:"prompt_name"`
	Parameters      map[string]any `json:"parameters"`
}

// ProcessedDocument is the structured result of one successful LLM
// transformation of a raw message. ID is always "doc:" + SourceRef.
type ProcessedDocument struct {
	SourceRef       string           `json:"source_ref"`
	ID              string           `json:"id"`
	SourceMessageID int64            `json:"source_message_id"`
	ChannelID       string           `json:"channel_id"`
	ProcessedAt     time.Time        `json:"processed_at"`
	TextClean       string           `json:"text_clean"`
	Summary         string           `json:"summary,omitempty"`
	Topics          []string         `json:"topics"`
	Entities        []Entity         `json:"entities"`
	Language        string           `json:"language,omitempty"`
	Metadata        DocumentMetadata `json:"metadata"`
}

// ProcessingFailure records a message whose retries are exhausted.
// A successful upsert of the document for the same source_ref removes it;
// the two never coexist as pending.
type ProcessingFailure struct {
	SourceRef    string    `json:"source_ref"`
	ChannelID    string    `json:"channel_id"`
	Attempts     int       `json:"attempts"`
	LastAttempt  time.Time `json:"last_attempt_at"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	ErrorDetails string    `json:"error_details,omitempty"`
}

// Anchor is a primary representative message of a topic.
type Anchor struct {
	ChannelID   string  `json:"channel_id"`
	MessageID   int64   `json:"message_id"`
	MessageType string  `json:"message_type"`
	AnchorRef   string  `json:"anchor_ref"`
	Score       float64 `json:"score"`
}

// TopicCard is the durable description of one topic. Its ID is
// deterministic: "topic:" + the primary (first, best-scored) anchor ref.
type TopicCard struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Summary       string         `json:"summary"`
	ScopeIn       []string       `json:"scope_in"`
	ScopeOut      []string       `json:"scope_out"`
	Type          string         `json:"type"`
	Anchors       []Anchor       `json:"anchors"`
	Sources       []string       `json:"sources"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Tags          []string       `json:"tags,omitempty"`
	RelatedTopics []string       `json:"related_topics,omitempty"`
	Status        string         `json:"status,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// BundleItem is one message attached to a topic bundle.
type BundleItem struct {
	ChannelID     string  `json:"channel_id"`
	MessageID     int64   `json:"message_id"`
	MessageType   string  `json:"message_type"`
	SourceRef     string  `json:"source_ref"`
	Role          string  `json:"role"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification,omitempty"`
}

// TopicBundle groups the anchor and supporting messages of a topic.
// A nil TimeFrom/TimeTo pair marks the single "current" snapshot.
type TopicBundle struct {
	TopicID   string         `json:"topic_id"`
	UpdatedAt time.Time      `json:"updated_at"`
	TimeFrom  *time.Time     `json:"time_from,omitempty"`
	TimeTo    *time.Time     `json:"time_to,omitempty"`
	Items     []BundleItem   `json:"items"`
	Channels  []string       `json:"channels"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// KBSource describes where a knowledge-base entry came from.
type KBSource struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// KBEntry is the export-only knowledge-base record. Two shapes exist:
// message entries (kb:msg:<source_ref>) and topic entries
// (kb:topic:<topic_id>). It is never persisted.
type KBEntry struct {
	ID        string         `json:"id"`
	Source    KBSource       `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Topics    []string       `json:"topics"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ResolvedSource is the export-time union of a topic's anchors and bundle
// items, keyed by source_ref. Anchors win the role; the score is the max of
// the colliding pair; justification only ever comes from the bundle item.
type ResolvedSource struct {
	SourceRef     string  `json:"source_ref"`
	ChannelID     string  `json:"channel_id"`
	MessageID     int64   `json:"message_id"`
	MessageType   string  `json:"message_type"`
	Role          string  `json:"role"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification,omitempty"`
	URL           string  `json:"telegram_url,omitempty"`
}
