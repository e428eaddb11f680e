package identity

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalRef(t *testing.T) {
	ref, err := CanonicalRef("@demo", "post", "1")
	require.NoError(t, err)
	assert.Equal(t, "tg:@demo:post:1", ref)
	assert.True(t, IsValidRef(ref))

	ref, err = CanonicalRef("-1001234567890", "comment", "42")
	require.NoError(t, err)
	assert.Equal(t, "tg:-1001234567890:comment:42", ref)
}

func TestCanonicalRefRejectsBadInput(t *testing.T) {
	cases := []struct {
		name                 string
		channel, mtype, msg  string
	}{
		{"bad type", "@demo", "reply", "1"},
		{"colon in channel", "a:b", "post", "1"},
		{"colon in message id", "@demo", "post", "1:2"},
		{"empty channel", "", "post", "1"},
		{"empty message id", "@demo", "post", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CanonicalRef(tc.channel, tc.mtype, tc.msg)
			assert.Error(t, err)
		})
	}
}

func TestMessageRef(t *testing.T) {
	ref, err := MessageRef("@demo", "post", 17)
	require.NoError(t, err)
	assert.Equal(t, "tg:@demo:post:17", ref)
}

func TestParseRef(t *testing.T) {
	ch, mtype, id, err := ParseRef("tg:@demo:post:1")
	require.NoError(t, err)
	assert.Equal(t, "@demo", ch)
	assert.Equal(t, "post", mtype)
	assert.Equal(t, "1", id)

	_, _, _, err = ParseRef("doc:tg:@demo:post:1")
	assert.Error(t, err)
}

func TestDerivedIDs(t *testing.T) {
	assert.Equal(t, "doc:tg:@demo:post:1", DocID("tg:@demo:post:1"))
	assert.Equal(t, "topic:tg:@demo:post:1", TopicID("tg:@demo:post:1"))
	assert.Equal(t, "kb:msg:tg:@demo:post:1", KBMsgID("tg:@demo:post:1"))
	assert.Equal(t, "kb:topic:topic:tg:@demo:post:1", KBTopicID("topic:tg:@demo:post:1"))
}

func TestAnchorLessOrdering(t *testing.T) {
	type a struct {
		score float64
		ref   string
	}
	anchors := []a{
		{0.8, "tg:@c:post:2"},
		{0.9, "tg:@c:post:3"},
		{0.9, "tg:@c:post:1"},
	}
	sort.Slice(anchors, func(i, j int) bool {
		return AnchorLess(anchors[i].score, anchors[i].ref, anchors[j].score, anchors[j].ref)
	})
	// Score descending, ref ascending on the 0.9 tie.
	assert.Equal(t, "tg:@c:post:1", anchors[0].ref)
	assert.Equal(t, "tg:@c:post:3", anchors[1].ref)
	assert.Equal(t, "tg:@c:post:2", anchors[2].ref)
}
