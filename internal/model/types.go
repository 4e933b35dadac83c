package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// -----------------------------------------------------------------------------
// Chat Types
// -----------------------------------------------------------------------------

// MessageKind classifies a chat message.
type MessageKind string

const (
	KindChat       MessageKind = "CHAT"       // Plain chat text
	KindJoin       MessageKind = "JOIN"       // Participant joined the room
	KindLeave      MessageKind = "LEAVE"      // Participant left the room
	KindAssignment MessageKind = "ASSIGNMENT" // System assigned an agent to the room
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindChat, KindJoin, KindLeave, KindAssignment:
		return true
	}
	return false
}

// Message is a chat message delivered on a room topic.
type Message struct {
	ID        string      `json:"id,omitempty"`        // Server-assigned
	Sender    string      `json:"sender"`              // Sender identity
	Content   string      `json:"content"`             // Text body
	Kind      MessageKind `json:"type"`                // CHAT, JOIN, LEAVE, ASSIGNMENT
	RoomID    string      `json:"roomId,omitempty"`    // Room the message belongs to
	Recipient string      `json:"recipient,omitempty"` // Set for direct messages
	Timestamp Timestamp   `json:"timestamp"`
}

// Draft is an outbound message. The sender and timestamp are stamped at send
// time and the server assigns the ID.
type Draft struct {
	Content   string
	Kind      MessageKind // Defaults to KindChat
	Recipient string
}

// Stamp builds the wire message for a draft.
func (d Draft) Stamp(sender, room string, now time.Time) Message {
	kind := d.Kind
	if kind == "" {
		kind = KindChat
	}
	return Message{
		Sender:    sender,
		Content:   d.Content,
		Kind:      kind,
		RoomID:    room,
		Recipient: d.Recipient,
		Timestamp: Timestamp{Time: now.UTC()},
	}
}

// Notification announces activity in a room, typically one the consumer is
// not viewing.
type Notification struct {
	RoomID    string    `json:"roomId"`
	Preview   string    `json:"content"` // Content preview
	Timestamp Timestamp `json:"timestamp"`

	// Viewed is set locally: true when the room had message handlers
	// registered at dispatch time.
	Viewed bool `json:"-"`
}

// -----------------------------------------------------------------------------
// Timestamps
// -----------------------------------------------------------------------------

// Timestamp is a time.Time that accepts the formats the chat backend emits:
// RFC 3339, zone-less ISO-8601 local date-times (interpreted as UTC) and
// epoch milliseconds.
type Timestamp struct {
	time.Time
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// MarshalJSON always writes RFC 3339 with nanoseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON parses strings, numbers and null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("parse epoch millis %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses a textual timestamp in any accepted layout.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	for _, layout := range localLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
