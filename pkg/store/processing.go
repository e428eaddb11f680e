package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"telescribe/pkg/model"
)

const processingSchema = `
CREATE TABLE IF NOT EXISTS processed_documents (
	source_ref        TEXT PRIMARY KEY,
	id                TEXT NOT NULL UNIQUE,
	source_message_id INTEGER NOT NULL,
	channel_id        TEXT NOT NULL,
	processed_at      TEXT NOT NULL,
	text_clean        TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	topics            TEXT NOT NULL DEFAULT '[]',
	entities          TEXT NOT NULL DEFAULT '[]',
	language          TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_processed_channel ON processed_documents(channel_id);

CREATE TABLE IF NOT EXISTS processing_failures (
	source_ref      TEXT PRIMARY KEY,
	channel_id      TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT NOT NULL,
	error_class     TEXT NOT NULL,
	error_message   TEXT NOT NULL,
	error_details   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS topic_cards (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	summary        TEXT NOT NULL DEFAULT '',
	scope_in       TEXT NOT NULL DEFAULT '[]',
	scope_out      TEXT NOT NULL DEFAULT '[]',
	type           TEXT NOT NULL,
	anchors        TEXT NOT NULL DEFAULT '[]',
	sources        TEXT NOT NULL DEFAULT '[]',
	updated_at     TEXT NOT NULL,
	tags           TEXT NOT NULL DEFAULT '[]',
	related_topics TEXT NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS topic_bundles (
	topic_id   TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	time_from  TEXT,
	time_to    TEXT,
	items      TEXT NOT NULL DEFAULT '[]',
	channels   TEXT NOT NULL DEFAULT '[]',
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bundle_current
	ON topic_bundles(topic_id) WHERE time_from IS NULL AND time_to IS NULL;
`

// ProcessingStore persists processed documents, failure bookkeeping and the
// topicization outputs (cards and bundles).
type ProcessingStore struct {
	db *sqlx.DB
}

// OpenProcessing opens (and migrates) the processing store file.
func OpenProcessing(path string) (*ProcessingStore, error) {
	db, err := openDB(path, processingSchema)
	if err != nil {
		return nil, err
	}
	return &ProcessingStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *ProcessingStore) Close() error { return s.db.Close() }

type processedRow struct {
	SourceRef       string `db:"source_ref"`
	ID              string `db:"id"`
	SourceMessageID int64  `db:"source_message_id"`
	ChannelID       string `db:"channel_id"`
	ProcessedAt     string `db:"processed_at"`
	TextClean       string `db:"text_clean"`
	Summary         string `db:"summary"`
	Topics          string `db:"topics"`
	Entities        string `db:"entities"`
	Language        string `db:"language"`
	Metadata        string `db:"metadata"`
}

func (r processedRow) toModel() (model.ProcessedDocument, error) {
	doc := model.ProcessedDocument{
		SourceRef:       r.SourceRef,
		ID:              r.ID,
		SourceMessageID: r.SourceMessageID,
		ChannelID:       r.ChannelID,
		TextClean:       r.TextClean,
		Summary:         r.Summary,
		Language:        r.Language,
	}
	var err error
	if doc.ProcessedAt, err = model.ParseTime(r.ProcessedAt); err != nil {
		return doc, fmt.Errorf("corrupt processed_at for %s: %w", r.SourceRef, err)
	}
	if err = json.Unmarshal([]byte(r.Topics), &doc.Topics); err != nil {
		return doc, fmt.Errorf("corrupt topics for %s: %w", r.SourceRef, err)
	}
	if err = json.Unmarshal([]byte(r.Entities), &doc.Entities); err != nil {
		return doc, fmt.Errorf("corrupt entities for %s: %w", r.SourceRef, err)
	}
	if err = json.Unmarshal([]byte(r.Metadata), &doc.Metadata); err != nil {
		return doc, fmt.Errorf("corrupt metadata for %s: %w", r.SourceRef, err)
	}
	return doc, nil
}

const processedColumns = `source_ref, id, source_message_id, channel_id, processed_at,
	text_clean, summary, topics, entities, language, metadata`

// UpsertProcessed replaces the document for its source_ref and, in the same
// transaction, deletes any pending failure row. A document and a pending
// failure never coexist.
func (s *ProcessingStore) UpsertProcessed(ctx context.Context, doc model.ProcessedDocument) error {
	if doc.Topics == nil {
		doc.Topics = []string{}
	}
	if doc.Entities == nil {
		doc.Entities = []model.Entity{}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin processed upsert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO processed_documents
			(source_ref, id, source_message_id, channel_id, processed_at,
			 text_clean, summary, topics, entities, language, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.SourceRef, doc.ID, doc.SourceMessageID, doc.ChannelID,
		model.FormatTime(doc.ProcessedAt), doc.TextClean, doc.Summary,
		mustJSON(doc.Topics), mustJSON(doc.Entities), doc.Language,
		mustJSON(doc.Metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert processed document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM processing_failures WHERE source_ref = ?`, doc.SourceRef)
	if err != nil {
		return fmt.Errorf("failed to clear processing failure: %w", err)
	}
	return tx.Commit()
}

// GetProcessed returns the document for a source_ref, if present.
func (s *ProcessingStore) GetProcessed(ctx context.Context, sourceRef string) (model.ProcessedDocument, bool, error) {
	var row processedRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+processedColumns+` FROM processed_documents WHERE source_ref = ?`, sourceRef)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessedDocument{}, false, nil
	}
	if err != nil {
		return model.ProcessedDocument{}, false, fmt.Errorf("failed to get processed document: %w", err)
	}
	doc, err := row.toModel()
	if err != nil {
		return model.ProcessedDocument{}, false, err
	}
	return doc, true, nil
}

// ProcessedRefs returns the source_refs that already have a document,
// optionally filtered by channel, ascending.
func (s *ProcessingStore) ProcessedRefs(ctx context.Context, channelID string) ([]string, error) {
	var refs []string
	var err error
	if channelID == "" {
		err = s.db.SelectContext(ctx, &refs,
			`SELECT source_ref FROM processed_documents ORDER BY source_ref ASC`)
	} else {
		err = s.db.SelectContext(ctx, &refs,
			`SELECT source_ref FROM processed_documents WHERE channel_id = ? ORDER BY source_ref ASC`, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list processed refs: %w", err)
	}
	return refs, nil
}

// ListProcessed returns the documents of one channel (or all channels when
// channelID is empty), ordered by source_ref for deterministic downstream
// batches.
func (s *ProcessingStore) ListProcessed(ctx context.Context, channelID string) ([]model.ProcessedDocument, error) {
	var rows []processedRow
	var err error
	if channelID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+processedColumns+` FROM processed_documents ORDER BY source_ref ASC`)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+processedColumns+` FROM processed_documents WHERE channel_id = ? ORDER BY source_ref ASC`, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list processed documents: %w", err)
	}
	out := make([]model.ProcessedDocument, 0, len(rows))
	for _, r := range rows {
		doc, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Channels returns the distinct channel ids with processed documents,
// ascending.
func (s *ProcessingStore) Channels(ctx context.Context) ([]string, error) {
	var channels []string
	err := s.db.SelectContext(ctx, &channels,
		`SELECT DISTINCT channel_id FROM processed_documents ORDER BY channel_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed channels: %w", err)
	}
	return channels, nil
}

// RecordFailure upserts the failure row for a source_ref, accumulating the
// attempt count across runs.
func (s *ProcessingStore) RecordFailure(ctx context.Context, f model.ProcessingFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_failures
			(source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_ref) DO UPDATE SET
			channel_id      = excluded.channel_id,
			attempts        = processing_failures.attempts + excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			error_class     = excluded.error_class,
			error_message   = excluded.error_message,
			error_details   = excluded.error_details`,
		f.SourceRef, f.ChannelID, f.Attempts, model.FormatTime(f.LastAttempt),
		f.ErrorClass, f.ErrorMessage, f.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to record processing failure: %w", err)
	}
	return nil
}

// GetFailure returns the pending failure for a source_ref, if any.
func (s *ProcessingStore) GetFailure(ctx context.Context, sourceRef string) (model.ProcessingFailure, bool, error) {
	f, err := s.scanFailures(ctx,
		`SELECT source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details
		 FROM processing_failures WHERE source_ref = ?`, sourceRef)
	if err != nil {
		return model.ProcessingFailure{}, false, err
	}
	if len(f) == 0 {
		return model.ProcessingFailure{}, false, nil
	}
	return f[0], true, nil
}

// ListFailures returns the pending failures, optionally for one channel,
// ordered by source_ref.
func (s *ProcessingStore) ListFailures(ctx context.Context, channelID string) ([]model.ProcessingFailure, error) {
	if channelID == "" {
		return s.scanFailures(ctx,
			`SELECT source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details
			 FROM processing_failures ORDER BY source_ref ASC`)
	}
	return s.scanFailures(ctx,
		`SELECT source_ref, channel_id, attempts, last_attempt_at, error_class, error_message, error_details
		 FROM processing_failures WHERE channel_id = ? ORDER BY source_ref ASC`, channelID)
}

func (s *ProcessingStore) scanFailures(ctx context.Context, query string, args ...any) ([]model.ProcessingFailure, error) {
	type failureRow struct {
		SourceRef    string `db:"source_ref"`
		ChannelID    string `db:"channel_id"`
		Attempts     int    `db:"attempts"`
		LastAttempt  string `db:"last_attempt_at"`
		ErrorClass   string `db:"error_class"`
		ErrorMessage string `db:"error_message"`
		ErrorDetails string `db:"error_details"`
	}
	var rows []failureRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list processing failures: %w", err)
	}
	out := make([]model.ProcessingFailure, 0, len(rows))
	for _, r := range rows {
		last, err := model.ParseTime(r.LastAttempt)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_attempt_at for %s: %w", r.SourceRef, err)
		}
		out = append(out, model.ProcessingFailure{
			SourceRef:    r.SourceRef,
			ChannelID:    r.ChannelID,
			Attempts:     r.Attempts,
			LastAttempt:  last,
			ErrorClass:   r.ErrorClass,
			ErrorMessage: r.ErrorMessage,
			ErrorDetails: r.ErrorDetails,
		})
	}
	return out, nil
}
