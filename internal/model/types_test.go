package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageKind_Valid(t *testing.T) {
	tests := []struct {
		kind MessageKind
		want bool
	}{
		{KindChat, true},
		{KindJoin, true},
		{KindLeave, true},
		{KindAssignment, true},
		{"", false},
		{"chat", false},
		{"TYPING", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDraft_Stamp(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("ICT", 7*3600))

	msg := Draft{Content: "hello"}.Stamp("agent-7", "room-1", now)

	if msg.Kind != KindChat {
		t.Errorf("Kind = %q, want %q", msg.Kind, KindChat)
	}
	if msg.Sender != "agent-7" {
		t.Errorf("Sender = %q, want agent-7", msg.Sender)
	}
	if msg.RoomID != "room-1" {
		t.Errorf("RoomID = %q, want room-1", msg.RoomID)
	}
	if msg.ID != "" {
		t.Errorf("ID = %q, want empty", msg.ID)
	}
	if !msg.Timestamp.Equal(now) || msg.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want %v in UTC", msg.Timestamp.Time, now.UTC())
	}

	direct := Draft{Content: "psst", Kind: KindAssignment, Recipient: "agent-9"}.Stamp("system", "room-2", now)
	if direct.Kind != KindAssignment || direct.Recipient != "agent-9" {
		t.Errorf("direct = %+v", direct)
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	want := time.Date(2024, 1, 15, 12, 0, 5, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{name: "rfc3339", input: `"2024-01-15T12:00:05Z"`, want: want},
		{name: "rfc3339 offset", input: `"2024-01-15T19:00:05+07:00"`, want: want},
		{name: "local date time", input: `"2024-01-15T12:00:05"`, want: want},
		{name: "local with fraction", input: `"2024-01-15T12:00:05.000"`, want: want},
		{name: "epoch millis", input: `1705320005000`, want: want},
		{name: "null", input: `null`, want: time.Time{}},
		{name: "empty string", input: `""`, want: time.Time{}},
		{name: "garbage", input: `"yesterday"`, wantErr: true},
		{name: "bad number", input: `12a`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := ts.UnmarshalJSON([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ts.Time)
				}
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalJSON: %v", err)
			}
			if !ts.Equal(tt.want) {
				t.Errorf("got %v, want %v", ts.Time, tt.want)
			}
		})
	}
}

func TestMessage_JSON(t *testing.T) {
	data := []byte(`{
		"id": "m-1",
		"sender": "customer-42",
		"content": "my bus left without me",
		"type": "CHAT",
		"roomId": "room-1",
		"timestamp": "2024-01-15T12:00:05"
	}`)

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if msg.ID != "m-1" || msg.Sender != "customer-42" || msg.RoomID != "room-1" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Kind != KindChat {
		t.Errorf("Kind = %q, want CHAT", msg.Kind)
	}
	if msg.Timestamp.Hour() != 12 {
		t.Errorf("Timestamp = %v", msg.Timestamp.Time)
	}

	out, err := json.Marshal(Draft{Content: "on my way"}.Stamp("agent-7", "room-1", msg.Timestamp.Time))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("Unmarshal fields: %v", err)
	}
	if _, ok := fields["id"]; ok {
		t.Error("outbound message should not carry an id")
	}
	if fields["timestamp"] != "2024-01-15T12:00:05Z" {
		t.Errorf("timestamp = %v", fields["timestamp"])
	}
}
