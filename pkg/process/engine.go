// Package process turns raw snapshots into structured documents: for every
// source_ref with a raw row and no processed row, it invokes the LLM with the
// process_message prompt, validates the structured response, and upserts a
// ProcessedDocument. Exhausted retries become ProcessingFailure rows; a
// failing message never stops the batch.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"telescribe/pkg/config"
	"telescribe/pkg/identity"
	"telescribe/pkg/llm"
	"telescribe/pkg/model"
	"telescribe/pkg/pipeline"
	"telescribe/pkg/prompts"
	"telescribe/pkg/version"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawReader is the slice of the raw store the engine reads from.
type RawReader interface {
	ListRefs(ctx context.Context, channelID string) ([]string, error)
	Get(ctx context.Context, sourceRef string) (model.RawMessage, bool, error)
}

// DocStore is the slice of the processing store the engine writes to.
type DocStore interface {
	ProcessedRefs(ctx context.Context, channelID string) ([]string, error)
	UpsertProcessed(ctx context.Context, doc model.ProcessedDocument) error
	RecordFailure(ctx context.Context, f model.ProcessingFailure) error
}

// Summary is the outcome of one processing run.
type Summary struct {
	Pending   int
	Processed int
	Failed    int
}

// Engine is the processing engine.
type Engine struct {
	raw    RawReader
	docs   DocStore
	llm    llm.Client
	system *config.SystemConfig
	clock  func() time.Time
}

func NewEngine(raw RawReader, docs DocStore, client llm.Client, system *config.SystemConfig) *Engine {
	return &Engine{raw: raw, docs: docs, llm: client, system: system, clock: time.Now}
}

// Process runs the batch for one channel (or all channels when channelID is
// empty): the pending set is every raw source_ref without a processed row.
func (e *Engine) Process(ctx context.Context, channelID string) (Summary, error) {
	pending, err := e.pendingRefs(ctx, channelID)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Pending: len(pending)}
	if len(pending) == 0 {
		return summary, nil
	}
	slog.Info("Processing pending messages", "channel_id", channelID, "pending", len(pending))

	workers := e.system.LLMConcurrency
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ref := range pending {
		wg.Add(1)
		go func(sourceRef string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ok := e.processOne(ctx, sourceRef)
			mu.Lock()
			if ok {
				summary.Processed++
			} else {
				summary.Failed++
			}
			mu.Unlock()
		}(ref)
	}
	wg.Wait()

	slog.Info("Processing run finished", "processed", summary.Processed, "failed", summary.Failed)
	return summary, nil
}

// pendingRefs diffs raw refs against processed refs, preserving raw order.
func (e *Engine) pendingRefs(ctx context.Context, channelID string) ([]string, error) {
	rawRefs, err := e.raw.ListRefs(ctx, channelID)
	if err != nil {
		return nil, err
	}
	processedRefs, err := e.docs.ProcessedRefs(ctx, channelID)
	if err != nil {
		return nil, err
	}

	done := make(map[string]struct{}, len(processedRefs))
	for _, ref := range processedRefs {
		done[ref] = struct{}{}
	}

	var pending []string
	for _, ref := range rawRefs {
		if _, ok := done[ref]; !ok {
			pending = append(pending, ref)
		}
	}
	return pending, nil
}

// processOne runs the per-message retry loop. Returns true when a document
// was persisted.
func (e *Engine) processOne(ctx context.Context, sourceRef string) bool {
	raw, found, err := e.raw.Get(ctx, sourceRef)
	if err != nil || !found {
		e.recordFailure(ctx, sourceRef, "", 1, pipeline.Classify(pipeline.ClassServer,
			fmt.Errorf("raw message unavailable: %v", err)))
		return false
	}

	base := time.Duration(e.system.RetryBaseMs) * time.Millisecond
	maxAttempts := e.system.ProcessMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		doc, err := e.transform(ctx, raw)
		if err == nil {
			if err := e.docs.UpsertProcessed(ctx, doc); err != nil {
				lastErr = pipeline.Classify(pipeline.ClassServer, err)
			} else {
				return true
			}
		} else {
			lastErr = err
		}

		class := pipeline.ClassOf(lastErr)
		if !pipeline.Retryable(class) {
			// Fatal per-message classes are recorded immediately.
			e.recordFailure(ctx, sourceRef, raw.ChannelID, attempt, lastErr)
			return false
		}
		if attempt < maxAttempts {
			slog.Warn("Retrying message processing", "source_ref", sourceRef, "attempt", attempt, "class", class)
			if err := pipeline.Sleep(ctx, pipeline.BackoffDelay(base, attempt)); err != nil {
				e.recordFailure(ctx, sourceRef, raw.ChannelID, attempt, lastErr)
				return false
			}
		}
	}

	e.recordFailure(ctx, sourceRef, raw.ChannelID, maxAttempts, lastErr)
	return false
}

// llmDoc is the JSON object the process_message prompt asks for.
type llmDoc struct {
	TextClean string         `json:"text_clean"`
	Summary   *string        `json:"summary"`
	Topics    []string       `json:"topics"`
	Entities  []model.Entity `json:"entities"`
	Language  *string        `json:"language"`
}

// transform runs one LLM call and validates the response into a document.
func (e *Engine) transform(ctx context.Context, raw model.RawMessage) (model.ProcessedDocument, error) {
	prompt, err := prompts.Get(prompts.ProcessMessage)
	if err != nil {
		return model.ProcessedDocument{}, pipeline.Classify(pipeline.ClassConfig, err)
	}

	user, err := prompt.Render(map[string]any{
		"ChannelID": raw.ChannelID,
		"MessageID": raw.MessageID,
		"Date":      model.FormatTime(raw.Date),
		"Text":      raw.Text,
	})
	if err != nil {
		return model.ProcessedDocument{}, pipeline.Classify(pipeline.ClassConfig, err)
	}

	params := llm.Params{
		Temperature: 0,
		MaxTokens:   e.system.LLMMaxTokens,
		JSONObject:  true,
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(e.system.LLMTimeoutMs)*time.Millisecond)
	defer cancel()

	response, err := e.llm.Generate(callCtx, prompt.System, user, params)
	if err != nil {
		if e.llm.IsTransientError(err) {
			return model.ProcessedDocument{}, pipeline.Classify(pipeline.ClassServer, err)
		}
		if class := pipeline.ClassOf(err); class != pipeline.ClassUnknown {
			return model.ProcessedDocument{}, err
		}
		return model.ProcessedDocument{}, pipeline.Classify(classifyFatal(err), err)
	}

	var parsed llmDoc
	if err := json.Unmarshal([]byte(stripFences(response)), &parsed); err != nil {
		return model.ProcessedDocument{}, pipeline.Classify(pipeline.ClassParse,
			fmt.Errorf("response is not a JSON object: %w", err))
	}
	if strings.TrimSpace(parsed.TextClean) == "" {
		return model.ProcessedDocument{}, pipeline.Classify(pipeline.ClassValidate,
			fmt.Errorf("response missing required text_clean"))
	}

	doc := model.ProcessedDocument{
		SourceRef:       raw.SourceRef,
		ID:              identity.DocID(raw.SourceRef),
		SourceMessageID: raw.MessageID,
		ChannelID:       raw.ChannelID,
		ProcessedAt:     e.clock().UTC(),
		TextClean:       parsed.TextClean,
		Topics:          parsed.Topics,
		Entities:        parsed.Entities,
		Metadata: model.DocumentMetadata{
			PipelineVersion: version.Version,
			ModelID:         e.llm.ModelID(),
			PromptID:        prompt.ID(),
			PromptName:      prompt.Name,
			Parameters:      params.Map(),
		},
	}
	if parsed.Summary != nil {
		doc.Summary = *parsed.Summary
	}
	if parsed.Language != nil {
		doc.Language = *parsed.Language
	}
	if doc.Topics == nil {
		doc.Topics = []string{}
	}
	if doc.Entities == nil {
		doc.Entities = []model.Entity{}
	}
	return doc, nil
}

func (e *Engine) recordFailure(ctx context.Context, sourceRef, channelID string, attempts int, cause error) {
	if channelID == "" {
		if ch, _, _, err := identity.ParseRef(sourceRef); err == nil {
			channelID = ch
		}
	}
	f := model.ProcessingFailure{
		SourceRef:   sourceRef,
		ChannelID:   channelID,
		Attempts:    attempts,
		LastAttempt: e.clock().UTC(),
		ErrorClass:  string(pipeline.ClassOf(cause)),
	}
	if cause != nil {
		f.ErrorMessage = cause.Error()
	}
	if err := e.docs.RecordFailure(ctx, f); err != nil {
		slog.Error("Failed to record processing failure", "source_ref", sourceRef, "error", err)
	}
}

// classifyFatal maps a non-transient, unclassified LLM error onto the
// closest fatal class for the failure row.
func classifyFatal(err error) pipeline.ErrClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "api key"):
		return pipeline.ClassAuth
	case strings.Contains(msg, "quota"), strings.Contains(msg, "insufficient"), strings.Contains(msg, "billing"):
		return pipeline.ClassQuota
	}
	return pipeline.ClassUnknown
}

// stripFences removes a markdown code fence around a JSON response. Models
// occasionally wrap JSON-object output even when asked not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
