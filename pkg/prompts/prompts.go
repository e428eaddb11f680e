// Package prompts is the versioned prompt registry. Every LLM call in the
// pipeline goes through a named Prompt whose id is the short hash of its
// system prompt and user template, computed once at startup. Changing a
// prompt's wording changes its id, which is recorded in document metadata.
package prompts

import (
	"bytes"
	"fmt"
	"text/template"

	"telescribe/pkg/llm"
)

// Registered prompt names.
const (
	ProcessMessage  = "process_message"
	Topicize        = "topicize"
	TopicSupporting = "topic_supporting"
)

// Prompt is one versioned system/user prompt pair.
type Prompt struct {
	Name   string
	System string

	userTemplate string
	tmpl         *template.Template
	id           string
}

// ID returns the cached "sha256:<hex16>" prompt id.
func (p *Prompt) ID() string { return p.id }

// Render fills the user template with data.
func (p *Prompt) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %q: %w", p.Name, err)
	}
	return buf.String(), nil
}

var registry = make(map[string]*Prompt)

func register(name, system, userTemplate string) *Prompt {
	p := &Prompt{
		Name:         name,
		System:       system,
		userTemplate: userTemplate,
		tmpl:         template.Must(template.New(name).Parse(userTemplate)),
		id:           llm.ComputePromptID(system, userTemplate),
	}
	registry[name] = p
	return p
}

// Get returns a registered prompt by name.
func Get(name string) (*Prompt, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}
	return p, nil
}

const processMessageSystem = `You are a precise text-normalization assistant for chat messages.
Given one raw message from a Telegram channel, produce a JSON object with:
- "text_clean": the message text with markup noise, invite spam and decorative
  symbols removed, preserving the author's meaning. Required, non-empty.
- "summary": one or two sentences summarizing the message, or null if the
  message is too short to summarize.
- "topics": an array of short lowercase topic labels (may be empty).
- "entities": an array of {"type","value","confidence"} objects for named
  entities found in the text; confidence is a number in [0,1].
- "language": the ISO 639-1 code of the message language, or null if unclear.
Respond with the JSON object only.`

const processMessageUser = `Channel: {{.ChannelID}}
Message ID: {{.MessageID}}
Date: {{.Date}}

Message text:
{{.Text}}`

const topicizeSystem = `You are a topic-mining assistant. You receive a list of processed
messages from Telegram channels, each with a source_ref, cleaned text excerpt,
summary and candidate topic labels. Group the messages into coherent topics.
For each topic produce a JSON object with:
- "title": a short descriptive title.
- "summary": two to four sentences describing the topic.
- "scope_in": an array of phrases describing what belongs to the topic.
- "scope_out": an array of phrases describing what does not belong.
- "type": "singleton" for a topic carried by one strong message, "cluster"
  for a topic spanning several messages.
- "anchors": an array of {"anchor_ref","score"} objects naming the messages
  that best represent the topic; score is a number in [0,1].
- "tags": optional short labels.
Respond with a JSON object {"topics": [...]} only. Do not invent anchor_ref
values; use only source_ref values present in the input.`

const topicizeUser = `Candidate messages:
{{.Candidates}}`

const topicSupportingSystem = `You are a topic-mining assistant. You receive one topic (title,
summary, scope) together with its anchor message references, and a list of
other candidate messages. Select the candidates that materially support the
topic. For each selected candidate produce {"source_ref","score",
"justification"}: score in [0,1] reflects how strongly the message supports
the topic, justification is one short sentence. Exclude messages that merely
mention the topic in passing. Respond with a JSON object {"items": [...]}
only. Use only source_ref values present in the candidate list.`

const topicSupportingUser = `Topic: {{.Title}}
Summary: {{.Summary}}
In scope: {{.ScopeIn}}
Out of scope: {{.ScopeOut}}
Anchor refs: {{.AnchorRefs}}

Candidate messages:
{{.Candidates}}`

// The registry is fixed at startup; engines look prompts up by name.
func init() {
	register(ProcessMessage, processMessageSystem, processMessageUser)
	register(Topicize, topicizeSystem, topicizeUser)
	register(TopicSupporting, topicSupportingSystem, topicSupportingUser)
}
