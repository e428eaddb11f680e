package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telescribe/pkg/identity"
	"telescribe/pkg/model"
)

func openTestProcessing(t *testing.T) *ProcessingStore {
	t.Helper()
	s, err := OpenProcessing(filepath.Join(t.TempDir(), "processed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(ref string) model.ProcessedDocument {
	return model.ProcessedDocument{
		SourceRef:       ref,
		ID:              identity.DocID(ref),
		SourceMessageID: 1,
		ChannelID:       "@demo",
		ProcessedAt:     time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		TextClean:       "hello",
		Topics:          []string{"greetings"},
		Entities:        []model.Entity{{Type: "word", Value: "hello", Confidence: 0.9}},
		Language:        "en",
		Metadata: model.DocumentMetadata{
			PipelineVersion: "1",
			ModelID:         "stub",
			PromptID:        "sha256:abc",
			PromptName:      "process_message",
			Parameters:      map[string]any{"temperature": 0.0},
		},
	}
}

func TestUpsertProcessedIdempotent(t *testing.T) {
	s := openTestProcessing(t)
	ctx := context.Background()
	ref := "tg:@demo:post:1"

	require.NoError(t, s.UpsertProcessed(ctx, sampleDoc(ref)))
	require.NoError(t, s.UpsertProcessed(ctx, sampleDoc(ref)))

	refs, err := s.ProcessedRefs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, refs)

	doc, ok, err := s.GetProcessed(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, identity.DocID(ref), doc.ID)
	assert.Equal(t, []string{"greetings"}, doc.Topics)
	assert.Equal(t, "stub", doc.Metadata.ModelID)
}

func TestUpsertProcessedClearsFailure(t *testing.T) {
	s := openTestProcessing(t)
	ctx := context.Background()
	ref := "tg:@demo:post:1"

	require.NoError(t, s.RecordFailure(ctx, model.ProcessingFailure{
		SourceRef:    ref,
		ChannelID:    "@demo",
		Attempts:     3,
		LastAttempt:  time.Now(),
		ErrorClass:   "parse_error",
		ErrorMessage: "bad json",
	}))

	_, pending, err := s.GetFailure(ctx, ref)
	require.NoError(t, err)
	require.True(t, pending)

	require.NoError(t, s.UpsertProcessed(ctx, sampleDoc(ref)))

	// Success and pending failure never coexist.
	_, pending, err = s.GetFailure(ctx, ref)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRecordFailureAccumulatesAttempts(t *testing.T) {
	s := openTestProcessing(t)
	ctx := context.Background()
	ref := "tg:@demo:post:2"

	f := model.ProcessingFailure{
		SourceRef:    ref,
		ChannelID:    "@demo",
		Attempts:     3,
		LastAttempt:  time.Now(),
		ErrorClass:   "timeout",
		ErrorMessage: "deadline exceeded",
	}
	require.NoError(t, s.RecordFailure(ctx, f))
	require.NoError(t, s.RecordFailure(ctx, f))

	got, ok, err := s.GetFailure(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, got.Attempts)

	failures, err := s.ListFailures(ctx, "@demo")
	require.NoError(t, err)
	require.Len(t, failures, 1)
}

func TestTopicCardReplaceByID(t *testing.T) {
	s := openTestProcessing(t)
	ctx := context.Background()

	card := model.TopicCard{
		ID:      "topic:tg:@demo:post:1",
		Title:   "First",
		Summary: "v1",
		Type:    model.TopicTypeSingleton,
		Anchors: []model.Anchor{{
			ChannelID: "@demo", MessageID: 1, MessageType: model.MessageTypePost,
			AnchorRef: "tg:@demo:post:1", Score: 0.9,
		}},
		Sources:   []string{"@demo"},
		UpdatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertTopicCard(ctx, card))

	card.Summary = "v2"
	require.NoError(t, s.UpsertTopicCard(ctx, card))

	cards, err := s.ListTopicCards(ctx)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "v2", cards[0].Summary)
	assert.Len(t, cards[0].Anchors, 1)
}

func TestTopicBundleCurrentSnapshotReplaced(t *testing.T) {
	s := openTestProcessing(t)
	ctx := context.Background()

	bundle := model.TopicBundle{
		TopicID:   "topic:tg:@demo:post:1",
		UpdatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Items: []model.BundleItem{{
			ChannelID: "@demo", MessageID: 1, MessageType: model.MessageTypePost,
			SourceRef: "tg:@demo:post:1", Role: model.RoleAnchor, Score: 0.9,
		}},
		Channels: []string{"@demo"},
	}
	require.NoError(t, s.UpsertTopicBundle(ctx, bundle))

	bundle.Items = append(bundle.Items, model.BundleItem{
		ChannelID: "@demo", MessageID: 2, MessageType: model.MessageTypePost,
		SourceRef: "tg:@demo:post:2", Role: model.RoleSupporting, Score: 0.6,
	})
	require.NoError(t, s.UpsertTopicBundle(ctx, bundle))

	got, ok, err := s.GetCurrentBundle(ctx, "topic:tg:@demo:post:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Items, 2)
}

func TestCanonicalJSONIsStable(t *testing.T) {
	v := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	first, err := canonicalJSON(v)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := canonicalJSON(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, first)
}
