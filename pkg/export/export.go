// Package export emits the knowledge base as a deterministic batch artifact:
// kb_entries.ndjson, topics.json, and one topic_<id>.json detail file per
// topic. Two runs over the same state produce byte-identical entry and topic
// streams.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/identity"
	"telescribe/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExportVersion tags the topic detail artifacts.
const ExportVersion = "1"

// DocSource is the slice of the processing store the exporter reads.
type DocSource interface {
	ListProcessed(ctx context.Context, channelID string) ([]model.ProcessedDocument, error)
	ListTopicCards(ctx context.Context) ([]model.TopicCard, error)
	GetCurrentBundle(ctx context.Context, topicID string) (model.TopicBundle, bool, error)
}

// SourceDirectory resolves channel usernames for t.me links.
type SourceDirectory interface {
	ListSources(ctx context.Context) ([]model.SourceState, error)
}

// Summary is the outcome of one export run.
type Summary struct {
	Messages int
	Topics   int
	OutDir   string
}

// Exporter writes the three artifact kinds.
type Exporter struct {
	docs    DocSource
	sources SourceDirectory
	clock   func() time.Time
}

func NewExporter(docs DocSource, sources SourceDirectory) *Exporter {
	return &Exporter{docs: docs, sources: sources, clock: time.Now}
}

// Export writes all artifacts into outDir, creating it if needed.
func (e *Exporter) Export(ctx context.Context, outDir string) (Summary, error) {
	summary := Summary{OutDir: outDir}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return summary, fmt.Errorf("failed to create export dir: %w", err)
	}

	usernames, err := e.usernames(ctx)
	if err != nil {
		return summary, err
	}

	docs, err := e.docs.ListProcessed(ctx, "")
	if err != nil {
		return summary, err
	}
	cards, err := e.docs.ListTopicCards(ctx)
	if err != nil {
		return summary, err
	}

	messageEntries := make([]model.KBEntry, 0, len(docs))
	for _, doc := range docs {
		messageEntries = append(messageEntries, e.messageEntry(doc, usernames))
	}
	sort.Slice(messageEntries, func(i, j int) bool { return messageEntries[i].ID < messageEntries[j].ID })

	// Cards come back sorted by id; keep that order for entries and details.
	topicEntries := make([]model.KBEntry, 0, len(cards))
	for _, card := range cards {
		bundle, found, err := e.docs.GetCurrentBundle(ctx, card.ID)
		if err != nil {
			return summary, err
		}
		if !found {
			bundle = model.TopicBundle{TopicID: card.ID, UpdatedAt: card.UpdatedAt, Items: []model.BundleItem{}, Channels: []string{}}
		}
		resolved := ResolveSources(card, bundle, usernames)
		topicEntries = append(topicEntries, e.topicEntry(card, resolved))

		if err := e.writeTopicDetail(outDir, card, bundle, resolved); err != nil {
			return summary, err
		}
	}
	sort.Slice(topicEntries, func(i, j int) bool { return topicEntries[i].ID < topicEntries[j].ID })

	if err := e.writeNDJSON(filepath.Join(outDir, "kb_entries.ndjson"), messageEntries, topicEntries); err != nil {
		return summary, err
	}
	if err := e.writeTopicsIndex(filepath.Join(outDir, "topics.json"), cards); err != nil {
		return summary, err
	}

	summary.Messages = len(messageEntries)
	summary.Topics = len(topicEntries)
	return summary, nil
}

// usernames maps channel_id to its known public username.
func (e *Exporter) usernames(ctx context.Context) (map[string]string, error) {
	sources, err := e.sources.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(sources))
	for _, s := range sources {
		if s.ChannelUsername != "" {
			out[s.ChannelID] = s.ChannelUsername
		}
	}
	return out, nil
}

// messageEntry maps one processed document onto its kb entry.
func (e *Exporter) messageEntry(doc model.ProcessedDocument, usernames map[string]string) model.KBEntry {
	content := doc.TextClean
	if doc.Summary != "" {
		content = doc.Summary + "\n\n" + doc.TextClean
	}

	metadata := map[string]any{
		"channel_id":   doc.ChannelID,
		"message_id":   doc.SourceMessageID,
		"language":     doc.Language,
		"telegram_url": nullableURL(ResolveURL(usernames[doc.ChannelID], doc.ChannelID, doc.SourceMessageID)),
	}

	return model.KBEntry{
		ID:        identity.KBMsgID(doc.SourceRef),
		Source:    model.KBSource{Type: "telegram_message", Ref: doc.SourceRef},
		CreatedAt: doc.ProcessedAt,
		Title:     fmt.Sprintf("Message %d", doc.SourceMessageID),
		Content:   content,
		Topics:    orEmpty(doc.Topics),
		Metadata:  metadata,
	}
}

// topicEntry maps one topic card onto its kb entry.
func (e *Exporter) topicEntry(card model.TopicCard, resolved []model.ResolvedSource) model.KBEntry {
	content := card.Summary +
		"\n\n**Scope In:** " + strings.Join(card.ScopeIn, ", ") +
		"\n**Scope Out:** " + strings.Join(card.ScopeOut, ", ")

	return model.KBEntry{
		ID:        identity.KBTopicID(card.ID),
		Source:    model.KBSource{Type: "topic", Ref: card.ID},
		CreatedAt: card.UpdatedAt,
		Title:     card.Title,
		Content:   content,
		Topics:    []string{card.ID},
		Tags:      card.Tags,
		Metadata: map[string]any{
			"type":             card.Type,
			"sources":          orEmpty(card.Sources),
			"resolved_sources": resolved,
		},
	}
}

// ResolveSources merges card anchors and bundle items into one stream keyed
// by source_ref. Anchors win the role, the score is the max of a colliding
// pair, and justification only ever comes from the bundle item. Anchors sort
// first, then by (-score, source_ref).
func ResolveSources(card model.TopicCard, bundle model.TopicBundle, usernames map[string]string) []model.ResolvedSource {
	merged := make(map[string]*model.ResolvedSource)

	for _, a := range card.Anchors {
		merged[a.AnchorRef] = &model.ResolvedSource{
			SourceRef:   a.AnchorRef,
			ChannelID:   a.ChannelID,
			MessageID:   a.MessageID,
			MessageType: a.MessageType,
			Role:        model.RoleAnchor,
			Score:       a.Score,
		}
	}
	for _, item := range bundle.Items {
		if existing, ok := merged[item.SourceRef]; ok {
			if item.Score > existing.Score {
				existing.Score = item.Score
			}
			existing.Justification = item.Justification
			continue
		}
		merged[item.SourceRef] = &model.ResolvedSource{
			SourceRef:     item.SourceRef,
			ChannelID:     item.ChannelID,
			MessageID:     item.MessageID,
			MessageType:   item.MessageType,
			Role:          item.Role,
			Score:         item.Score,
			Justification: item.Justification,
		}
	}

	out := make([]model.ResolvedSource, 0, len(merged))
	for _, rs := range merged {
		rs.URL = ResolveURL(usernames[rs.ChannelID], rs.ChannelID, rs.MessageID)
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == model.RoleAnchor
		}
		return identity.AnchorLess(out[i].Score, out[i].SourceRef, out[j].Score, out[j].SourceRef)
	})
	return out
}

// writeNDJSON writes one stable-key minified JSON object per line, message
// entries then topic entries. LF-terminated, no trailing blank line.
func (e *Exporter) writeNDJSON(path string, groups ...[]model.KBEntry) error {
	var b strings.Builder
	for _, group := range groups {
		for _, entry := range group {
			line, err := json.MarshalToString(entry)
			if err != nil {
				return fmt.Errorf("failed to serialize kb entry %s: %w", entry.ID, err)
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// writeTopicsIndex writes the sorted topic card array, 2-space indented.
func (e *Exporter) writeTopicsIndex(path string, cards []model.TopicCard) error {
	sorted := make([]model.TopicCard, len(cards))
	copy(sorted, cards)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize topics index: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// topicDetail is the per-topic artifact shape.
type topicDetail struct {
	TopicCard       model.TopicCard        `json:"topic_card"`
	TopicBundle     model.TopicBundle      `json:"topic_bundle"`
	ResolvedSources []model.ResolvedSource `json:"resolved_sources"`
	ExportedAt      string                 `json:"exported_at"`
	ExportVersion   string                 `json:"export_version"`
}

func (e *Exporter) writeTopicDetail(outDir string, card model.TopicCard, bundle model.TopicBundle, resolved []model.ResolvedSource) error {
	detail := topicDetail{
		TopicCard:       card,
		TopicBundle:     bundle,
		ResolvedSources: resolved,
		ExportedAt:      model.FormatTime(e.clock()),
		ExportVersion:   ExportVersion,
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize topic detail %s: %w", card.ID, err)
	}

	name := "topic_" + strings.ReplaceAll(card.ID, ":", "_") + ".json"
	path := filepath.Join(outDir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// nullableURL turns "" into a JSON null.
func nullableURL(url string) any {
	if url == "" {
		return nil
	}
	return url
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
