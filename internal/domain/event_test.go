package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventMatchByType(t *testing.T) {
	ev := FederationEvent{EventType: "m.message", Content: map[string]any{"message_id": "42"}}

	assert.True(t, EventMatch{EventType: "m.message"}.Matches(ev))
	assert.False(t, EventMatch{EventType: "m.message.edit"}.Matches(ev))
}

func TestEventMatchNormalizesIDSerialization(t *testing.T) {
	m := EventMatch{EventType: "m.message", MessageID: 42}

	asString := FederationEvent{EventType: "m.message", Content: map[string]any{"message_id": "42"}}
	asNumber := FederationEvent{EventType: "m.message", Content: map[string]any{"message_id": float64(42)}}

	assert.True(t, m.Matches(asString))
	assert.True(t, m.Matches(asNumber))
}

func TestEventMatchAllConstraints(t *testing.T) {
	ev := FederationEvent{
		EventType: "m.reaction.add",
		Content:   map[string]any{"message_id": "7", "user_id": "9", "emoji": "👍"},
	}

	assert.True(t, EventMatch{EventType: "m.reaction.add", MessageID: 7, UserID: 9, Emoji: "👍"}.Matches(ev))
	assert.False(t, EventMatch{EventType: "m.reaction.add", MessageID: 7, Emoji: "🔥"}.Matches(ev))
	assert.False(t, EventMatch{EventType: "m.reaction.add", MessageID: 8}.Matches(ev))
	assert.False(t, EventMatch{EventType: "m.reaction.add", UserID: 1}.Matches(ev))
}

func TestEventMatchMissingContentField(t *testing.T) {
	ev := FederationEvent{EventType: "m.member.join", Content: map[string]any{}}
	assert.False(t, EventMatch{EventType: "m.member.join", UserID: 5}.Matches(ev))
}

func TestAnyMatches(t *testing.T) {
	events := []FederationEvent{
		{EventType: "m.message", Content: map[string]any{"message_id": "1"}},
		{EventType: "m.message", Content: map[string]any{"message_id": "2"}},
		{EventType: "m.message.delete", Content: map[string]any{"message_id": "1"}},
	}

	assert.True(t, EventMatch{EventType: "m.message", MessageID: 2}.AnyMatches(events))
	assert.True(t, EventMatch{EventType: "m.message.delete", MessageID: 1}.AnyMatches(events))
	assert.False(t, EventMatch{EventType: "m.message.edit"}.AnyMatches(events))
	assert.False(t, EventMatch{EventType: "m.message"}.AnyMatches(nil))
}
