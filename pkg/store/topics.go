package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"telescribe/pkg/model"
)

type topicCardRow struct {
	ID            string `db:"id"`
	Title         string `db:"title"`
	Summary       string `db:"summary"`
	ScopeIn       string `db:"scope_in"`
	ScopeOut      string `db:"scope_out"`
	Type          string `db:"type"`
	Anchors       string `db:"anchors"`
	Sources       string `db:"sources"`
	UpdatedAt     string `db:"updated_at"`
	Tags          string `db:"tags"`
	RelatedTopics string `db:"related_topics"`
	Status        string `db:"status"`
	Metadata      string `db:"metadata"`
}

func (r topicCardRow) toModel() (model.TopicCard, error) {
	card := model.TopicCard{
		ID:      r.ID,
		Title:   r.Title,
		Summary: r.Summary,
		Type:    r.Type,
		Status:  r.Status,
	}
	var err error
	if card.UpdatedAt, err = model.ParseTime(r.UpdatedAt); err != nil {
		return card, fmt.Errorf("corrupt updated_at for topic %s: %w", r.ID, err)
	}
	for _, col := range []struct {
		raw  string
		dest any
	}{
		{r.ScopeIn, &card.ScopeIn},
		{r.ScopeOut, &card.ScopeOut},
		{r.Anchors, &card.Anchors},
		{r.Sources, &card.Sources},
		{r.Tags, &card.Tags},
		{r.RelatedTopics, &card.RelatedTopics},
		{r.Metadata, &card.Metadata},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return card, fmt.Errorf("corrupt JSON column for topic %s: %w", r.ID, err)
		}
	}
	return card, nil
}

const topicCardColumns = `id, title, summary, scope_in, scope_out, type, anchors,
	sources, updated_at, tags, related_topics, status, metadata`

// UpsertTopicCard replaces the card with the same deterministic id.
func (s *ProcessingStore) UpsertTopicCard(ctx context.Context, card model.TopicCard) error {
	if card.ScopeIn == nil {
		card.ScopeIn = []string{}
	}
	if card.ScopeOut == nil {
		card.ScopeOut = []string{}
	}
	if card.Sources == nil {
		card.Sources = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO topic_cards
			(id, title, summary, scope_in, scope_out, type, anchors, sources,
			 updated_at, tags, related_topics, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.Title, card.Summary, mustJSON(card.ScopeIn),
		mustJSON(card.ScopeOut), card.Type, mustJSON(card.Anchors),
		mustJSON(card.Sources), model.FormatTime(card.UpdatedAt),
		mustJSON(orEmpty(card.Tags)), mustJSON(orEmpty(card.RelatedTopics)),
		card.Status, mustJSON(orEmptyMap(card.Metadata)))
	if err != nil {
		return fmt.Errorf("failed to upsert topic card %s: %w", card.ID, err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// GetTopicCard returns one card by id, if present.
func (s *ProcessingStore) GetTopicCard(ctx context.Context, id string) (model.TopicCard, bool, error) {
	var row topicCardRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+topicCardColumns+` FROM topic_cards WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TopicCard{}, false, nil
	}
	if err != nil {
		return model.TopicCard{}, false, fmt.Errorf("failed to get topic card %s: %w", id, err)
	}
	card, err := row.toModel()
	if err != nil {
		return model.TopicCard{}, false, err
	}
	return card, true, nil
}

// ListTopicCards returns every card ordered by id ascending.
func (s *ProcessingStore) ListTopicCards(ctx context.Context) ([]model.TopicCard, error) {
	var rows []topicCardRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+topicCardColumns+` FROM topic_cards ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topic cards: %w", err)
	}
	out := make([]model.TopicCard, 0, len(rows))
	for _, r := range rows {
		card, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, nil
}

type bundleRow struct {
	TopicID   string  `db:"topic_id"`
	UpdatedAt string  `db:"updated_at"`
	TimeFrom  *string `db:"time_from"`
	TimeTo    *string `db:"time_to"`
	Items     string  `db:"items"`
	Channels  string  `db:"channels"`
	Metadata  string  `db:"metadata"`
}

func (r bundleRow) toModel() (model.TopicBundle, error) {
	b := model.TopicBundle{TopicID: r.TopicID}
	var err error
	if b.UpdatedAt, err = model.ParseTime(r.UpdatedAt); err != nil {
		return b, fmt.Errorf("corrupt updated_at for bundle %s: %w", r.TopicID, err)
	}
	if b.TimeFrom, err = optTime(r.TimeFrom); err != nil {
		return b, fmt.Errorf("corrupt time_from for bundle %s: %w", r.TopicID, err)
	}
	if b.TimeTo, err = optTime(r.TimeTo); err != nil {
		return b, fmt.Errorf("corrupt time_to for bundle %s: %w", r.TopicID, err)
	}
	if err := json.Unmarshal([]byte(r.Items), &b.Items); err != nil {
		return b, fmt.Errorf("corrupt items for bundle %s: %w", r.TopicID, err)
	}
	if err := json.Unmarshal([]byte(r.Channels), &b.Channels); err != nil {
		return b, fmt.Errorf("corrupt channels for bundle %s: %w", r.TopicID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &b.Metadata); err != nil {
		return b, fmt.Errorf("corrupt metadata for bundle %s: %w", r.TopicID, err)
	}
	return b, nil
}

// UpsertTopicBundle replaces the "current" snapshot (both time bounds null)
// of a topic. Ranged snapshots are append-only and currently only read.
func (s *ProcessingStore) UpsertTopicBundle(ctx context.Context, b model.TopicBundle) error {
	if b.Items == nil {
		b.Items = []model.BundleItem{}
	}
	if b.Channels == nil {
		b.Channels = []string{}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin bundle upsert: %w", err)
	}
	defer tx.Rollback()

	if b.TimeFrom == nil && b.TimeTo == nil {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM topic_bundles WHERE topic_id = ? AND time_from IS NULL AND time_to IS NULL`,
			b.TopicID)
		if err != nil {
			return fmt.Errorf("failed to replace current bundle for %s: %w", b.TopicID, err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO topic_bundles (topic_id, updated_at, time_from, time_to, items, channels, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.TopicID, model.FormatTime(b.UpdatedAt), optTimeStr(b.TimeFrom),
		optTimeStr(b.TimeTo), mustJSON(b.Items), mustJSON(b.Channels),
		mustJSON(orEmptyMap(b.Metadata)))
	if err != nil {
		return fmt.Errorf("failed to upsert bundle for %s: %w", b.TopicID, err)
	}
	return tx.Commit()
}

// GetCurrentBundle returns the current snapshot bundle of a topic, if any.
func (s *ProcessingStore) GetCurrentBundle(ctx context.Context, topicID string) (model.TopicBundle, bool, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row,
		`SELECT topic_id, updated_at, time_from, time_to, items, channels, metadata
		 FROM topic_bundles
		 WHERE topic_id = ? AND time_from IS NULL AND time_to IS NULL`, topicID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TopicBundle{}, false, nil
	}
	if err != nil {
		return model.TopicBundle{}, false, fmt.Errorf("failed to get bundle for %s: %w", topicID, err)
	}
	b, err := row.toModel()
	if err != nil {
		return model.TopicBundle{}, false, err
	}
	return b, true, nil
}
