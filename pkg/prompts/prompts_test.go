package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHasAllPipelinePrompts(t *testing.T) {
	for _, name := range []string{ProcessMessage, Topicize, TopicSupporting} {
		p, err := Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
		assert.True(t, strings.HasPrefix(p.ID(), "sha256:"))
		assert.Len(t, strings.TrimPrefix(p.ID(), "sha256:"), 16)
	}

	_, err := Get("nope")
	assert.Error(t, err)
}

func TestPromptIDsAreDistinctAndStable(t *testing.T) {
	proc, err := Get(ProcessMessage)
	require.NoError(t, err)
	top, err := Get(Topicize)
	require.NoError(t, err)
	sup, err := Get(TopicSupporting)
	require.NoError(t, err)

	ids := map[string]bool{proc.ID(): true, top.ID(): true, sup.ID(): true}
	assert.Len(t, ids, 3)

	again, err := Get(ProcessMessage)
	require.NoError(t, err)
	assert.Equal(t, proc.ID(), again.ID())
}

func TestRenderProcessMessage(t *testing.T) {
	p, err := Get(ProcessMessage)
	require.NoError(t, err)

	out, err := p.Render(map[string]any{
		"ChannelID": "@demo",
		"MessageID": int64(42),
		"Date":      "2025-01-01T00:00:00Z",
		"Text":      "hello world",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Channel: @demo")
	assert.Contains(t, out, "Message ID: 42")
	assert.Contains(t, out, "hello world")
}
