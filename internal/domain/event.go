package domain

import (
	"encoding/json"
	"strconv"
)

// FederationEvent is one entry of the federation read API's event log. Content
// is free-form; convergence checks compare selected fields by string equality
// because node implementations are free to serialize IDs as numbers or strings.
type FederationEvent struct {
	EventID      string          `json:"event_id"`
	RoomID       string          `json:"room_id"`
	EventType    string          `json:"event_type"`
	Sender       string          `json:"sender"`
	OriginServer string          `json:"origin_server"`
	OriginTS     int64           `json:"origin_ts"`
	Content      map[string]any  `json:"content"`
	Depth        int64           `json:"depth"`
	StateKey     *string         `json:"state_key"`
	Signatures   json.RawMessage `json:"signatures"`
}

// EventMatch selects federation events by type plus optional content fields.
// Zero-valued fields are not compared.
type EventMatch struct {
	EventType string
	MessageID int64
	UserID    int64
	Emoji     string
}

// Matches reports whether the event satisfies every constraint in the match.
func (m EventMatch) Matches(ev FederationEvent) bool {
	if ev.EventType != m.EventType {
		return false
	}
	if m.MessageID != 0 && contentField(ev.Content, "message_id") != strconv.FormatInt(m.MessageID, 10) {
		return false
	}
	if m.UserID != 0 && contentField(ev.Content, "user_id") != strconv.FormatInt(m.UserID, 10) {
		return false
	}
	if m.Emoji != "" && contentField(ev.Content, "emoji") != m.Emoji {
		return false
	}
	return true
}

// AnyMatches reports whether any event in the slice satisfies the match.
func (m EventMatch) AnyMatches(events []FederationEvent) bool {
	for _, ev := range events {
		if m.Matches(ev) {
			return true
		}
	}
	return false
}

// contentField normalizes a content value to its string form. JSON numbers
// decode as float64; IDs are within 2^53 so the integer round-trip is exact.
func contentField(content map[string]any, key string) string {
	v, ok := content[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
