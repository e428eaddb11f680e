package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"telescribe/pkg/model"
)

// UpsertResult reports what a raw upsert did.
type UpsertResult int

const (
	// Inserted: the source_ref was new, a row was written.
	Inserted UpsertResult = iota
	// Duplicate: an identical (or payload-only differing) observation of an
	// existing row. The stored row is untouched.
	Duplicate
	// Conflict: a re-observation with different text or date. The stored row
	// is untouched and a content_mismatch journal entry is written.
	Conflict
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

const rawSchema = `
CREATE TABLE IF NOT EXISTS raw_messages (
	source_ref            TEXT PRIMARY KEY,
	message_id            INTEGER NOT NULL,
	message_type          TEXT NOT NULL,
	channel_id            TEXT NOT NULL,
	date                  TEXT NOT NULL,
	text                  TEXT NOT NULL,
	thread_id             INTEGER NOT NULL DEFAULT 0,
	parent_message_id     INTEGER NOT NULL DEFAULT 0,
	language              TEXT NOT NULL DEFAULT '',
	raw_payload           TEXT NOT NULL DEFAULT '',
	payload_truncated     INTEGER NOT NULL DEFAULT 0,
	payload_original_size INTEGER NOT NULL DEFAULT 0,
	inserted_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_messages_channel ON raw_messages(channel_id, message_type, message_id);

CREATE TABLE IF NOT EXISTS raw_conflicts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source_ref  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	new_text    TEXT NOT NULL DEFAULT '',
	new_date    TEXT NOT NULL DEFAULT '',
	observed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_conflicts_ref ON raw_conflicts(source_ref);
`

// RawStore persists immutable raw snapshots plus the conflict journal.
type RawStore struct {
	db *sqlx.DB
}

// OpenRaw opens (and migrates) the raw store file.
func OpenRaw(path string) (*RawStore, error) {
	db, err := openDB(path, rawSchema)
	if err != nil {
		return nil, err
	}
	return &RawStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *RawStore) Close() error { return s.db.Close() }

type rawRow struct {
	SourceRef           string `db:"source_ref"`
	MessageID           int64  `db:"message_id"`
	MessageType         string `db:"message_type"`
	ChannelID           string `db:"channel_id"`
	Date                string `db:"date"`
	Text                string `db:"text"`
	ThreadID            int64  `db:"thread_id"`
	ParentMessageID     int64  `db:"parent_message_id"`
	Language            string `db:"language"`
	RawPayload          string `db:"raw_payload"`
	PayloadTruncated    bool   `db:"payload_truncated"`
	PayloadOriginalSize int    `db:"payload_original_size"`
	InsertedAt          string `db:"inserted_at"`
}

func (r rawRow) toModel() (model.RawMessage, error) {
	date, err := model.ParseTime(r.Date)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("corrupt date for %s: %w", r.SourceRef, err)
	}
	insertedAt, err := model.ParseTime(r.InsertedAt)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("corrupt inserted_at for %s: %w", r.SourceRef, err)
	}
	return model.RawMessage{
		SourceRef:           r.SourceRef,
		MessageID:           r.MessageID,
		MessageType:         r.MessageType,
		ChannelID:           r.ChannelID,
		Date:                date,
		Text:                r.Text,
		ThreadID:            r.ThreadID,
		ParentMessageID:     r.ParentMessageID,
		Language:            r.Language,
		RawPayload:          r.RawPayload,
		PayloadTruncated:    r.PayloadTruncated,
		PayloadOriginalSize: r.PayloadOriginalSize,
		InsertedAt:          insertedAt,
	}, nil
}

// Upsert inserts a raw snapshot keyed by source_ref. An existing row is
// never mutated: identical re-observations journal duplicate_seen, a
// payload-only difference journals payload_truncated, and a text/date
// mismatch journals content_mismatch. The stored text and date always equal
// the first observation.
func (s *RawStore) Upsert(ctx context.Context, raw model.RawMessage) (UpsertResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Duplicate, fmt.Errorf("failed to begin raw upsert: %w", err)
	}
	defer tx.Rollback()

	var existing rawRow
	err = tx.GetContext(ctx, &existing,
		`SELECT source_ref, message_id, message_type, channel_id, date, text,
		        thread_id, parent_message_id, language, raw_payload,
		        payload_truncated, payload_original_size, inserted_at
		 FROM raw_messages WHERE source_ref = ?`, raw.SourceRef)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO raw_messages (source_ref, message_id, message_type, channel_id,
			    date, text, thread_id, parent_message_id, language, raw_payload,
			    payload_truncated, payload_original_size, inserted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			raw.SourceRef, raw.MessageID, raw.MessageType, raw.ChannelID,
			model.FormatTime(raw.Date), raw.Text, raw.ThreadID, raw.ParentMessageID,
			raw.Language, raw.RawPayload, raw.PayloadTruncated, raw.PayloadOriginalSize,
			model.FormatTime(raw.InsertedAt))
		if err != nil {
			return Duplicate, fmt.Errorf("failed to insert raw message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Duplicate, fmt.Errorf("failed to commit raw insert: %w", err)
		}
		return Inserted, nil

	case err != nil:
		return Duplicate, fmt.Errorf("failed to load existing raw message: %w", err)
	}

	result := Duplicate
	reason := model.ConflictDuplicateSeen
	switch {
	case existing.Text != raw.Text || existing.Date != model.FormatTime(raw.Date):
		result = Conflict
		reason = model.ConflictContentMismatch
	case existing.RawPayload != raw.RawPayload && raw.PayloadTruncated:
		reason = model.ConflictPayloadTruncated
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO raw_conflicts (source_ref, reason, new_text, new_date, observed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		raw.SourceRef, reason, raw.Text, model.FormatTime(raw.Date),
		model.FormatTime(time.Now()))
	if err != nil {
		return Duplicate, fmt.Errorf("failed to journal raw conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Duplicate, fmt.Errorf("failed to commit raw conflict: %w", err)
	}
	return result, nil
}

// Get returns the stored snapshot for a source_ref, if present.
func (s *RawStore) Get(ctx context.Context, sourceRef string) (model.RawMessage, bool, error) {
	var row rawRow
	err := s.db.GetContext(ctx, &row,
		`SELECT source_ref, message_id, message_type, channel_id, date, text,
		        thread_id, parent_message_id, language, raw_payload,
		        payload_truncated, payload_original_size, inserted_at
		 FROM raw_messages WHERE source_ref = ?`, sourceRef)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RawMessage{}, false, nil
	}
	if err != nil {
		return model.RawMessage{}, false, fmt.Errorf("failed to get raw message: %w", err)
	}
	m, err := row.toModel()
	if err != nil {
		return model.RawMessage{}, false, err
	}
	return m, true, nil
}

// ListRefs returns every stored source_ref, optionally filtered by channel,
// in ascending order.
func (s *RawStore) ListRefs(ctx context.Context, channelID string) ([]string, error) {
	var refs []string
	var err error
	if channelID == "" {
		err = s.db.SelectContext(ctx, &refs,
			`SELECT source_ref FROM raw_messages ORDER BY source_ref ASC`)
	} else {
		err = s.db.SelectContext(ctx, &refs,
			`SELECT source_ref FROM raw_messages WHERE channel_id = ? ORDER BY source_ref ASC`, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list raw refs: %w", err)
	}
	return refs, nil
}

// Conflicts returns the journal entries for one source_ref, oldest first.
func (s *RawStore) Conflicts(ctx context.Context, sourceRef string) ([]model.RawConflict, error) {
	type conflictRow struct {
		ID         int64  `db:"id"`
		SourceRef  string `db:"source_ref"`
		Reason     string `db:"reason"`
		NewText    string `db:"new_text"`
		NewDate    string `db:"new_date"`
		ObservedAt string `db:"observed_at"`
	}
	var rows []conflictRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, source_ref, reason, new_text, new_date, observed_at
		 FROM raw_conflicts WHERE source_ref = ? ORDER BY id ASC`, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw conflicts: %w", err)
	}
	out := make([]model.RawConflict, 0, len(rows))
	for _, r := range rows {
		observed, err := model.ParseTime(r.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt observed_at for conflict %d: %w", r.ID, err)
		}
		out = append(out, model.RawConflict{
			ID:         r.ID,
			SourceRef:  r.SourceRef,
			Reason:     r.Reason,
			NewText:    r.NewText,
			NewDate:    r.NewDate,
			ObservedAt: observed,
		})
	}
	return out, nil
}
