package process

import (
	"context"
	"errors"
	"path/filepath"
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

// scriptedLLM returns canned responses (or errors) in sequence, then repeats
// the last entry.
type scriptedLLM struct {
	responses []string
	errs      []error
	transient bool
	calls     int
}

func (s *scriptedLLM) Generate(context.Context, string, string, llm.Params) (string, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) IsTransientError(error) bool { return s.transient }
func (s *scriptedLLM) Provider() string            { return "stub" }
func (s *scriptedLLM) ModelID() string             { return "stub-model" }

func testSystem() *config.SystemConfig {
	sys := config.DefaultSystemConfig()
	sys.RetryBaseMs = 1
	sys.ProcessMaxAttempts = 3
	sys.LLMConcurrency = 2
	return sys
}

func openStores(t *testing.T) (*store.RawStore, *store.ProcessingStore) {
	t.Helper()
	dir := t.TempDir()
	raw, err := store.OpenRaw(filepath.Join(dir, "raw.db"))
	require.NoError(t, err)
	proc, err := store.OpenProcessing(filepath.Join(dir, "processed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close(); proc.Close() })
	return raw, proc
}

func seedRaw(t *testing.T, raw *store.RawStore, channelID string, messageID int64, text string) string {
	t.Helper()
	ref, err := identity.MessageRef(channelID, model.MessageTypePost, messageID)
	require.NoError(t, err)
	msg := model.RawMessage{
		SourceRef:   ref,
		MessageID:   messageID,
		MessageType: model.MessageTypePost,
		ChannelID:   channelID,
		Date:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Text:        text,
		InsertedAt:  time.Now().UTC(),
	}
	_, err = raw.Upsert(context.Background(), msg)
	require.NoError(t, err)
	return ref
}

func TestHappyPathProducesDocument(t *testing.T) {
	raw, proc := openStores(t)
	ctx := context.Background()
	ref := seedRaw(t, raw, "@demo", 1, "hello")

	stub := &scriptedLLM{responses: []string{`{"text_clean":"hello","language":"en"}`}}
	engine := NewEngine(raw, proc, stub, testSystem())

	summary, err := engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Pending: 1, Processed: 1}, summary)

	doc, found, err := proc.GetProcessed(ctx, ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "doc:"+ref, doc.ID)
	assert.Equal(t, "hello", doc.TextClean)
	assert.Equal(t, "en", doc.Language)
	assert.Equal(t, []string{}, doc.Topics)
	assert.Equal(t, "stub-model", doc.Metadata.ModelID)
	assert.Equal(t, "process_message", doc.Metadata.PromptName)
	assert.Contains(t, doc.Metadata.PromptID, "sha256:")

	_, pending, err := proc.GetFailure(ctx, ref)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestAlreadyProcessedIsSkipped(t *testing.T) {
	raw, proc := openStores(t)
	ctx := context.Background()
	seedRaw(t, raw, "@demo", 1, "hello")

	stub := &scriptedLLM{responses: []string{`{"text_clean":"hello"}`}}
	engine := NewEngine(raw, proc, stub, testSystem())

	_, err := engine.Process(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, stub.calls)

	summary, err := engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Equal(t, 1, stub.calls)
}

func TestRetriesExhaustedThenRecovery(t *testing.T) {
	raw, proc := openStores(t)
	ctx := context.Background()
	ref := seedRaw(t, raw, "@demo", 1, "hello")

	broken := &scriptedLLM{responses: []string{"not json at all"}}
	engine := NewEngine(raw, proc, broken, testSystem())

	summary, err := engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Pending: 1, Failed: 1}, summary)
	assert.Equal(t, 3, broken.calls)

	failure, pending, err := proc.GetFailure(ctx, ref)
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, "parse_error", failure.ErrorClass)

	_, found, err := proc.GetProcessed(ctx, ref)
	require.NoError(t, err)
	assert.False(t, found)

	// Next run with a healthy model clears the failure row.
	fixed := &scriptedLLM{responses: []string{`{"text_clean":"hello"}`}}
	engine = NewEngine(raw, proc, fixed, testSystem())

	summary, err = engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Pending: 1, Processed: 1}, summary)

	_, pending, err = proc.GetFailure(ctx, ref)
	require.NoError(t, err)
	assert.False(t, pending)
	_, found, err = proc.GetProcessed(ctx, ref)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMissingTextCleanIsRetryable(t *testing.T) {
	raw, proc := openStores(t)
	ctx := context.Background()
	ref := seedRaw(t, raw, "@demo", 1, "hello")

	stub := &scriptedLLM{responses: []string{
		`{"summary":"no clean text"}`,
		`{"text_clean":"hello"}`,
	}}
	engine := NewEngine(raw, proc, stub, testSystem())

	summary, err := engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Pending: 1, Processed: 1}, summary)
	assert.Equal(t, 2, stub.calls)

	_, found, err := proc.GetProcessed(ctx, ref)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFatalErrorRecordedWithoutRetry(t *testing.T) {
	raw, proc := openStores(t)
	ctx := context.Background()
	ref := seedRaw(t, raw, "@demo", 1, "hello")

	stub := &scriptedLLM{
		responses: []string{""},
		errs:      []error{errors.New("401 unauthorized: bad api key")},
	}
	engine := NewEngine(raw, proc, stub, testSystem())

	summary, err := engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{Pending: 1, Failed: 1}, summary)
	assert.Equal(t, 1, stub.calls)

	failure, pending, err := proc.GetFailure(ctx, ref)
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, 1, failure.Attempts)
	assert.Equal(t, "auth", failure.ErrorClass)
}

func TestFailingMessageDoesNotStopBatch(t *testing.T) {
	raw, proc := openStores(t)
	ctx := context.Background()
	seedRaw(t, raw, "@demo", 1, "bad")
	seedRaw(t, raw, "@demo", 2, "good")

	// The refs are processed concurrently, so the script keys on input
	// rather than call order: only "good" gets valid JSON back.
	stub := &inputKeyedLLM{byText: map[string]string{
		"good": `{"text_clean":"good"}`,
	}}
	sys := testSystem()
	sys.LLMConcurrency = 1
	engine := NewEngine(raw, proc, stub, sys)

	summary, err := engine.Process(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
}

func TestFencedResponsesAreAccepted(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

// inputKeyedLLM answers based on a substring of the user prompt.
type inputKeyedLLM struct {
	byText map[string]string
}

func (s *inputKeyedLLM) Generate(_ context.Context, _, user string, _ llm.Params) (string, error) {
	for key, resp := range s.byText {
		if strings.Contains(user, key) {
			return resp, nil
		}
	}
	return "garbage", nil
}

func (s *inputKeyedLLM) IsTransientError(error) bool { return false }
func (s *inputKeyedLLM) Provider() string            { return "stub" }
func (s *inputKeyedLLM) ModelID() string             { return "stub-model" }
