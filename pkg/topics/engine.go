// Package topics runs the deterministic topicization batch: it proposes
// topics for the processed documents of a scope via the LLM, normalizes and
// gates the proposals, attaches supporting items with a second LLM call, and
// upserts topic cards and their current bundles.
package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/config"
	"telescribe/pkg/identity"
	"telescribe/pkg/llm"
	"telescribe/pkg/model"
	"telescribe/pkg/pipeline"
	"telescribe/pkg/prompts"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DocSource is the slice of the processing store the engine consumes.
type DocSource interface {
	ListProcessed(ctx context.Context, channelID string) ([]model.ProcessedDocument, error)
	Channels(ctx context.Context) ([]string, error)
}

// TopicSink is the slice of the processing store the engine writes to.
type TopicSink interface {
	UpsertTopicCard(ctx context.Context, card model.TopicCard) error
	UpsertTopicBundle(ctx context.Context, b model.TopicBundle) error
}

// Summary is the outcome of one topicization run.
type Summary struct {
	Candidates int
	Proposed   int
	Accepted   int
	Rejected   int
	Supporting int
}

// Engine is the topicization engine.
type Engine struct {
	docs   DocSource
	sink   TopicSink
	llm    llm.Client
	system *config.SystemConfig
	clock  func() time.Time
}

func NewEngine(docs DocSource, sink TopicSink, client llm.Client, system *config.SystemConfig) *Engine {
	return &Engine{docs: docs, sink: sink, llm: client, system: system, clock: time.Now}
}

// candidate is the compact per-document representation fed to the LLM.
type candidate struct {
	SourceRef string   `json:"source_ref"`
	TextClean string   `json:"text_clean"`
	Summary   string   `json:"summary,omitempty"`
	Topics    []string `json:"topics"`
}

// proposal mirrors one topic object in the topicize response.
type proposal struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	ScopeIn  []string `json:"scope_in"`
	ScopeOut []string `json:"scope_out"`
	Type     string   `json:"type"`
	Anchors  []struct {
		AnchorRef string  `json:"anchor_ref"`
		Score     float64 `json:"score"`
	} `json:"anchors"`
	Tags []string `json:"tags"`
}

// supportingItem mirrors one item object in the topic_supporting response.
type supportingItem struct {
	SourceRef     string  `json:"source_ref"`
	Score         float64 `json:"score"`
	Justification string  `json:"justification"`
}

// Topicize runs the batch for one channel, or for every known channel in
// turn when channelID is empty.
func (e *Engine) Topicize(ctx context.Context, channelID string) (Summary, error) {
	if channelID != "" {
		return e.topicizeChannel(ctx, channelID)
	}
	channels, err := e.docs.Channels(ctx)
	if err != nil {
		return Summary{}, err
	}
	var total Summary
	for _, ch := range channels {
		s, err := e.topicizeChannel(ctx, ch)
		total.Candidates += s.Candidates
		total.Proposed += s.Proposed
		total.Accepted += s.Accepted
		total.Rejected += s.Rejected
		total.Supporting += s.Supporting
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) topicizeChannel(ctx context.Context, channelID string) (Summary, error) {
	docs, err := e.docs.ListProcessed(ctx, channelID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Candidates: len(docs)}
	if len(docs) == 0 {
		return summary, nil
	}

	byRef := make(map[string]model.ProcessedDocument, len(docs))
	for _, d := range docs {
		byRef[d.SourceRef] = d
	}

	proposals, err := e.propose(ctx, docs)
	if err != nil {
		return summary, err
	}
	summary.Proposed = len(proposals)

	seen := make(map[string]struct{})
	for _, p := range proposals {
		card, ok := e.normalize(p, byRef)
		if !ok {
			summary.Rejected++
			continue
		}
		if _, dup := seen[card.ID]; dup {
			slog.Warn("Duplicate topic id in proposals, keeping the first", "topic_id", card.ID)
			summary.Rejected++
			continue
		}
		seen[card.ID] = struct{}{}

		supporting, err := e.supporting(ctx, card, docs)
		if err != nil {
			// The card stands on its anchors; supporting items are best-effort.
			slog.Warn("Supporting-item call failed", "topic_id", card.ID, "error", err)
			supporting = nil
		}
		summary.Supporting += len(supporting)

		bundle := e.bundle(card, supporting)
		if err := e.sink.UpsertTopicCard(ctx, card); err != nil {
			return summary, err
		}
		if err := e.sink.UpsertTopicBundle(ctx, bundle); err != nil {
			return summary, err
		}
		summary.Accepted++
	}

	slog.Info("Topicization finished", "channel_id", channelID,
		"candidates", summary.Candidates, "accepted", summary.Accepted, "rejected", summary.Rejected)
	return summary, nil
}

// propose runs the first LLM call over the candidate list.
func (e *Engine) propose(ctx context.Context, docs []model.ProcessedDocument) ([]proposal, error) {
	candidates := make([]candidate, 0, len(docs))
	for _, d := range docs {
		text := d.TextClean
		if len(text) > 500 {
			text = text[:500]
		}
		topics := d.Topics
		if topics == nil {
			topics = []string{}
		}
		candidates = append(candidates, candidate{
			SourceRef: d.SourceRef,
			TextClean: text,
			Summary:   d.Summary,
			Topics:    topics,
		})
	}

	serialized, err := json.MarshalToString(candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize candidates: %w", err)
	}

	prompt, err := prompts.Get(prompts.Topicize)
	if err != nil {
		return nil, pipeline.Classify(pipeline.ClassConfig, err)
	}
	user, err := prompt.Render(map[string]any{"Candidates": serialized})
	if err != nil {
		return nil, pipeline.Classify(pipeline.ClassConfig, err)
	}

	response, err := e.generate(ctx, prompt.System, user)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Topics []proposal `json:"topics"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, pipeline.Classify(pipeline.ClassParse,
			fmt.Errorf("topicize response is not a JSON object: %w", err))
	}
	return parsed.Topics, nil
}

// normalize turns one proposal into a gated TopicCard, or rejects it.
func (e *Engine) normalize(p proposal, byRef map[string]model.ProcessedDocument) (model.TopicCard, bool) {
	// Drop hallucinated and duplicate refs first.
	type scored struct {
		ref   string
		score float64
	}
	uniq := make(map[string]float64)
	for _, a := range p.Anchors {
		if _, known := byRef[a.AnchorRef]; !known {
			continue
		}
		if prev, dup := uniq[a.AnchorRef]; !dup || a.Score > prev {
			uniq[a.AnchorRef] = a.Score
		}
	}
	anchors := make([]scored, 0, len(uniq))
	for ref, score := range uniq {
		anchors = append(anchors, scored{ref: ref, score: score})
	}
	sort.Slice(anchors, func(i, j int) bool {
		return identity.AnchorLess(anchors[i].score, anchors[i].ref, anchors[j].score, anchors[j].ref)
	})

	anchorCap := e.system.AnchorCap
	if anchorCap < 1 {
		anchorCap = 3
	}
	switch p.Type {
	case model.TopicTypeSingleton:
		if len(anchors) > 1 {
			anchors = anchors[:1]
		}
	case model.TopicTypeCluster:
		if len(anchors) > anchorCap {
			anchors = anchors[:anchorCap]
		}
	default:
		return model.TopicCard{}, false
	}

	// Quality gates; rejected proposals are discarded silently.
	switch p.Type {
	case model.TopicTypeSingleton:
		if len(anchors) != 1 || anchors[0].score < e.system.SingletonScore {
			return model.TopicCard{}, false
		}
		if len(byRef[anchors[0].ref].TextClean) < e.system.SingletonMinTextLen {
			return model.TopicCard{}, false
		}
	case model.TopicTypeCluster:
		if len(anchors) < 2 {
			return model.TopicCard{}, false
		}
		for _, a := range anchors {
			if a.score < e.system.ClusterScore {
				return model.TopicCard{}, false
			}
		}
	}

	modelAnchors := make([]model.Anchor, 0, len(anchors))
	channels := make(map[string]struct{})
	for _, a := range anchors {
		anchor, err := anchorFromRef(a.ref, a.score)
		if err != nil {
			return model.TopicCard{}, false
		}
		modelAnchors = append(modelAnchors, anchor)
		channels[anchor.ChannelID] = struct{}{}
	}

	card := model.TopicCard{
		ID:       identity.TopicID(modelAnchors[0].AnchorRef),
		Title:    strings.TrimSpace(p.Title),
		Summary:  strings.TrimSpace(p.Summary),
		ScopeIn:  orEmpty(p.ScopeIn),
		ScopeOut: orEmpty(p.ScopeOut),
		Type:     p.Type,
		Anchors:  modelAnchors,
		Sources:  sortedKeys(channels),
		Tags:     p.Tags,
	}
	card.UpdatedAt = e.clock().UTC()
	if card.Title == "" {
		return model.TopicCard{}, false
	}
	return card, true
}

// supporting runs the second LLM call: the topic context against every
// non-anchor candidate.
func (e *Engine) supporting(ctx context.Context, card model.TopicCard, docs []model.ProcessedDocument) ([]supportingItem, error) {
	anchorRefs := make(map[string]struct{}, len(card.Anchors))
	refList := make([]string, 0, len(card.Anchors))
	for _, a := range card.Anchors {
		anchorRefs[a.AnchorRef] = struct{}{}
		refList = append(refList, a.AnchorRef)
	}

	pool := make([]candidate, 0, len(docs))
	for _, d := range docs {
		if _, isAnchor := anchorRefs[d.SourceRef]; isAnchor {
			continue
		}
		text := d.TextClean
		if len(text) > 500 {
			text = text[:500]
		}
		pool = append(pool, candidate{SourceRef: d.SourceRef, TextClean: text, Summary: d.Summary, Topics: orEmpty(d.Topics)})
	}
	if len(pool) == 0 {
		return nil, nil
	}

	serialized, err := json.MarshalToString(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize candidate pool: %w", err)
	}

	prompt, err := prompts.Get(prompts.TopicSupporting)
	if err != nil {
		return nil, pipeline.Classify(pipeline.ClassConfig, err)
	}
	user, err := prompt.Render(map[string]any{
		"Title":      card.Title,
		"Summary":    card.Summary,
		"ScopeIn":    strings.Join(card.ScopeIn, ", "),
		"ScopeOut":   strings.Join(card.ScopeOut, ", "),
		"AnchorRefs": strings.Join(refList, ", "),
		"Candidates": serialized,
	})
	if err != nil {
		return nil, pipeline.Classify(pipeline.ClassConfig, err)
	}

	response, err := e.generate(ctx, prompt.System, user)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []supportingItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, pipeline.Classify(pipeline.ClassParse,
			fmt.Errorf("supporting response is not a JSON object: %w", err))
	}

	poolRefs := make(map[string]struct{}, len(pool))
	for _, c := range pool {
		poolRefs[c.SourceRef] = struct{}{}
	}

	accepted := make([]supportingItem, 0, len(parsed.Items))
	seen := make(map[string]struct{})
	for _, item := range parsed.Items {
		if item.Score < e.system.SupportingScore {
			continue
		}
		if _, known := poolRefs[item.SourceRef]; !known {
			continue
		}
		if _, dup := seen[item.SourceRef]; dup {
			continue
		}
		seen[item.SourceRef] = struct{}{}
		accepted = append(accepted, item)
	}
	return accepted, nil
}

// bundle assembles the current-snapshot bundle: anchors first, then
// supporting items, each block ordered by (-score, source_ref); items are
// unique by source_ref with anchors winning collisions.
func (e *Engine) bundle(card model.TopicCard, supporting []supportingItem) model.TopicBundle {
	items := make([]model.BundleItem, 0, len(card.Anchors)+len(supporting))
	taken := make(map[string]struct{}, len(card.Anchors))
	channels := make(map[string]struct{})

	for _, a := range card.Anchors {
		items = append(items, model.BundleItem{
			ChannelID:   a.ChannelID,
			MessageID:   a.MessageID,
			MessageType: a.MessageType,
			SourceRef:   a.AnchorRef,
			Role:        model.RoleAnchor,
			Score:       a.Score,
		})
		taken[a.AnchorRef] = struct{}{}
		channels[a.ChannelID] = struct{}{}
	}

	sup := make([]model.BundleItem, 0, len(supporting))
	for _, s := range supporting {
		if _, dup := taken[s.SourceRef]; dup {
			continue
		}
		anchor, err := anchorFromRef(s.SourceRef, s.Score)
		if err != nil {
			continue
		}
		sup = append(sup, model.BundleItem{
			ChannelID:     anchor.ChannelID,
			MessageID:     anchor.MessageID,
			MessageType:   anchor.MessageType,
			SourceRef:     s.SourceRef,
			Role:          model.RoleSupporting,
			Score:         s.Score,
			Justification: s.Justification,
		})
		taken[s.SourceRef] = struct{}{}
		channels[anchor.ChannelID] = struct{}{}
	}
	sort.Slice(sup, func(i, j int) bool {
		return identity.AnchorLess(sup[i].Score, sup[i].SourceRef, sup[j].Score, sup[j].SourceRef)
	})
	items = append(items, sup...)

	return model.TopicBundle{
		TopicID:   card.ID,
		UpdatedAt: card.UpdatedAt,
		Items:     items,
		Channels:  sortedKeys(channels),
	}
}

func (e *Engine) generate(ctx context.Context, system, user string) (string, error) {
	params := llm.Params{Temperature: 0, MaxTokens: e.system.LLMMaxTokens, JSONObject: true}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.system.LLMTimeoutMs)*time.Millisecond)
	defer cancel()

	response, err := e.llm.Generate(callCtx, system, user, params)
	if err != nil {
		return "", pipeline.Classify(pipeline.ClassServer, err)
	}
	return strings.TrimSpace(response), nil
}

// anchorFromRef expands a source_ref back into its components.
func anchorFromRef(ref string, score float64) (model.Anchor, error) {
	channelID, messageType, messageID, err := identity.ParseRef(ref)
	if err != nil {
		return model.Anchor{}, err
	}
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return model.Anchor{}, fmt.Errorf("non-numeric message id in ref %q: %w", ref, err)
	}
	return model.Anchor{
		ChannelID:   channelID,
		MessageID:   id,
		MessageType: messageType,
		AnchorRef:   ref,
		Score:       score,
	}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
