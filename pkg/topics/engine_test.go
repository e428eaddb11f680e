package topics

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telescribe/pkg/config"
	"telescribe/pkg/identity"
	"telescribe/pkg/llm"
	"telescribe/pkg/model"
	"telescribe/pkg/store"
)

// stubLLM answers the topicize call with topicsJSON and the supporting call
// (recognized by its anchor-refs header) with supportingJSON.
type stubLLM struct {
	topicsJSON     string
	supportingJSON string
	calls          int
}

func (s *stubLLM) Generate(_ context.Context, _, user string, _ llm.Params) (string, error) {
	s.calls++
	if strings.Contains(user, "Anchor refs:") {
		if s.supportingJSON == "" {
			return `{"items":[]}`, nil
		}
		return s.supportingJSON, nil
	}
	return s.topicsJSON, nil
}

func (s *stubLLM) IsTransientError(error) bool { return false }
func (s *stubLLM) Provider() string            { return "stub" }
func (s *stubLLM) ModelID() string             { return "stub-model" }

func testSystem() *config.SystemConfig {
	sys := config.DefaultSystemConfig()
	sys.LLMTimeoutMs = 5000
	return sys
}

func openProcessing(t *testing.T) *store.ProcessingStore {
	t.Helper()
	s, err := store.OpenProcessing(filepath.Join(t.TempDir(), "processed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDoc(t *testing.T, s *store.ProcessingStore, channelID string, messageID int64, textLen int) string {
	t.Helper()
	ref, err := identity.MessageRef(channelID, model.MessageTypePost, messageID)
	require.NoError(t, err)
	require.NoError(t, s.UpsertProcessed(context.Background(), model.ProcessedDocument{
		SourceRef:       ref,
		ID:              identity.DocID(ref),
		SourceMessageID: messageID,
		ChannelID:       channelID,
		ProcessedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		TextClean:       strings.Repeat("x", textLen),
		Topics:          []string{},
		Entities:        []model.Entity{},
	}))
	return ref
}

func TestClusterTieBreaksOnAnchorRef(t *testing.T) {
	s := openProcessing(t)
	ctx := context.Background()
	seedDoc(t, s, "@ch", 3, 400)
	seedDoc(t, s, "@ch", 1, 400)
	seedDoc(t, s, "@ch", 2, 400)

	stub := &stubLLM{topicsJSON: `{"topics":[{
		"title":"Tie break","summary":"s","type":"cluster",
		"anchors":[
			{"anchor_ref":"tg:@ch:post:3","score":0.9},
			{"anchor_ref":"tg:@ch:post:1","score":0.9},
			{"anchor_ref":"tg:@ch:post:2","score":0.8}
		]}]}`}
	engine := NewEngine(s, s, stub, testSystem())

	summary, err := engine.Topicize(ctx, "@ch")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted)

	card, found, err := s.GetTopicCard(ctx, "topic:tg:@ch:post:1")
	require.NoError(t, err)
	require.True(t, found)

	refs := make([]string, len(card.Anchors))
	for i, a := range card.Anchors {
		refs[i] = a.AnchorRef
	}
	assert.Equal(t, []string{"tg:@ch:post:1", "tg:@ch:post:3", "tg:@ch:post:2"}, refs)
}

func TestTopicizeIsDeterministic(t *testing.T) {
	run := func() (model.TopicCard, model.TopicBundle) {
		s := openProcessing(t)
		ctx := context.Background()
		seedDoc(t, s, "@ch", 1, 400)
		seedDoc(t, s, "@ch", 2, 400)
		seedDoc(t, s, "@ch", 3, 400)

		stub := &stubLLM{
			topicsJSON: `{"topics":[{
				"title":"T","summary":"s","type":"cluster",
				"anchors":[
					{"anchor_ref":"tg:@ch:post:1","score":0.9},
					{"anchor_ref":"tg:@ch:post:2","score":0.8}
				]}]}`,
			supportingJSON: `{"items":[{"source_ref":"tg:@ch:post:3","score":0.7,"justification":"related"}]}`,
		}
		engine := NewEngine(s, s, stub, testSystem())
		engine.clock = func() time.Time { return time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC) }

		_, err := engine.Topicize(ctx, "@ch")
		require.NoError(t, err)

		card, found, err := s.GetTopicCard(ctx, "topic:tg:@ch:post:1")
		require.NoError(t, err)
		require.True(t, found)
		bundle, found, err := s.GetCurrentBundle(ctx, "topic:tg:@ch:post:1")
		require.NoError(t, err)
		require.True(t, found)
		return card, bundle
	}

	cardA, bundleA := run()
	cardB, bundleB := run()
	assert.Equal(t, cardA, cardB)
	assert.Equal(t, bundleA, bundleB)

	// Anchors precede supporting items.
	require.Len(t, bundleA.Items, 3)
	assert.Equal(t, model.RoleAnchor, bundleA.Items[0].Role)
	assert.Equal(t, model.RoleAnchor, bundleA.Items[1].Role)
	assert.Equal(t, model.RoleSupporting, bundleA.Items[2].Role)
	assert.Equal(t, "related", bundleA.Items[2].Justification)
}

func TestSingletonGates(t *testing.T) {
	cases := []struct {
		name     string
		score    float64
		textLen  int
		accepted bool
	}{
		{"passes both gates", 0.8, 400, true},
		{"score too low", 0.7, 400, false},
		{"text too short", 0.8, 100, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := openProcessing(t)
			ctx := context.Background()
			ref := seedDoc(t, s, "@ch", 1, tc.textLen)

			stub := &stubLLM{topicsJSON: `{"topics":[{
				"title":"Solo","summary":"s","type":"singleton",
				"anchors":[{"anchor_ref":"` + ref + `","score":` + formatScore(tc.score) + `}]}]}`}
			engine := NewEngine(s, s, stub, testSystem())

			summary, err := engine.Topicize(ctx, "@ch")
			require.NoError(t, err)
			if tc.accepted {
				assert.Equal(t, 1, summary.Accepted)
			} else {
				assert.Equal(t, 0, summary.Accepted)
				assert.Equal(t, 1, summary.Rejected)
			}
		})
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func TestClusterRequiresTwoQualifyingAnchors(t *testing.T) {
	s := openProcessing(t)
	ctx := context.Background()
	seedDoc(t, s, "@ch", 1, 400)
	seedDoc(t, s, "@ch", 2, 400)

	// Second anchor below the cluster threshold.
	stub := &stubLLM{topicsJSON: `{"topics":[{
		"title":"Weak","summary":"s","type":"cluster",
		"anchors":[
			{"anchor_ref":"tg:@ch:post:1","score":0.9},
			{"anchor_ref":"tg:@ch:post:2","score":0.4}
		]}]}`}
	engine := NewEngine(s, s, stub, testSystem())

	summary, err := engine.Topicize(ctx, "@ch")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Accepted)
	assert.Equal(t, 1, summary.Rejected)
}

func TestAnchorCapAndDedup(t *testing.T) {
	s := openProcessing(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		seedDoc(t, s, "@ch", i, 400)
	}

	stub := &stubLLM{topicsJSON: `{"topics":[{
		"title":"Big","summary":"s","type":"cluster",
		"anchors":[
			{"anchor_ref":"tg:@ch:post:1","score":0.95},
			{"anchor_ref":"tg:@ch:post:1","score":0.90},
			{"anchor_ref":"tg:@ch:post:2","score":0.85},
			{"anchor_ref":"tg:@ch:post:3","score":0.80},
			{"anchor_ref":"tg:@ch:post:4","score":0.75},
			{"anchor_ref":"tg:@ch:post:99","score":0.99}
		]}]}`}
	engine := NewEngine(s, s, stub, testSystem())

	summary, err := engine.Topicize(ctx, "@ch")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Accepted)

	card, found, err := s.GetTopicCard(ctx, "topic:tg:@ch:post:1")
	require.NoError(t, err)
	require.True(t, found)

	// Hallucinated post:99 dropped, duplicate post:1 collapsed, capped at 3.
	require.Len(t, card.Anchors, 3)
	assert.Equal(t, "tg:@ch:post:1", card.Anchors[0].AnchorRef)
	assert.Equal(t, 0.95, card.Anchors[0].Score)
	assert.Equal(t, "tg:@ch:post:2", card.Anchors[1].AnchorRef)
	assert.Equal(t, "tg:@ch:post:3", card.Anchors[2].AnchorRef)
}

func TestSupportingItemsFilteredAndDeduped(t *testing.T) {
	s := openProcessing(t)
	ctx := context.Background()
	seedDoc(t, s, "@ch", 1, 400)
	seedDoc(t, s, "@ch", 2, 400)
	seedDoc(t, s, "@ch", 3, 400)
	seedDoc(t, s, "@ch", 4, 400)

	stub := &stubLLM{
		topicsJSON: `{"topics":[{
			"title":"T","summary":"s","type":"cluster",
			"anchors":[
				{"anchor_ref":"tg:@ch:post:1","score":0.9},
				{"anchor_ref":"tg:@ch:post:2","score":0.8}
			]}]}`,
		supportingJSON: `{"items":[
			{"source_ref":"tg:@ch:post:3","score":0.9,"justification":"strong"},
			{"source_ref":"tg:@ch:post:3","score":0.6,"justification":"dup"},
			{"source_ref":"tg:@ch:post:4","score":0.3,"justification":"too weak"},
			{"source_ref":"tg:@ch:post:1","score":0.9,"justification":"anchor"},
			{"source_ref":"tg:@ch:post:42","score":0.9,"justification":"hallucinated"}
		]}`,
	}
	engine := NewEngine(s, s, stub, testSystem())

	summary, err := engine.Topicize(ctx, "@ch")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Accepted)
	assert.Equal(t, 1, summary.Supporting)

	bundle, found, err := s.GetCurrentBundle(ctx, "topic:tg:@ch:post:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, bundle.Items, 3)
	assert.Equal(t, "tg:@ch:post:3", bundle.Items[2].SourceRef)
	assert.Equal(t, model.RoleSupporting, bundle.Items[2].Role)
}

func TestEmptyChannelFansOutPerChannel(t *testing.T) {
	s := openProcessing(t)
	seedDoc(t, s, "@a", 1, 400)
	seedDoc(t, s, "@b", 1, 400)

	stub := &stubLLM{topicsJSON: `{"topics":[]}`}
	engine := NewEngine(s, s, stub, testSystem())

	summary, err := engine.Topicize(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Candidates)
	assert.Equal(t, 2, stub.calls)
}

func TestEmptyScopeIsNoop(t *testing.T) {
	s := openProcessing(t)
	stub := &stubLLM{}
	engine := NewEngine(s, s, stub, testSystem())

	summary, err := engine.Topicize(context.Background(), "@ch")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Equal(t, 0, stub.calls)
}
