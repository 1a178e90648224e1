package decode

import (
	"testing"
	"time"
)

type readPayload struct {
	ConversationID int64    `json:"conversationId"`
	MessageIDs     []int64  `json:"messageIds"`
	Tags           []string `json:"tags"`
}

type tunables struct {
	TypingTTL time.Duration `json:"typingTTL"`
	Window    time.Duration `json:"window"`
}

func TestDecodeJSONNumbersAndSlices(t *testing.T) {
	raw := []byte(`{"conversationId": 42, "messageIds": [7, "9", 11.0], "tags": ["a", 3]}`)
	p, err := DecodeJSON[readPayload](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ConversationID != 42 {
		t.Fatalf("conversationId = %d", p.ConversationID)
	}
	want := []int64{7, 9, 11}
	if len(p.MessageIDs) != len(want) {
		t.Fatalf("messageIds = %v", p.MessageIDs)
	}
	for i := range want {
		if p.MessageIDs[i] != want[i] {
			t.Fatalf("messageIds = %v, want %v", p.MessageIDs, want)
		}
	}
	if len(p.Tags) != 2 || p.Tags[0] != "a" || p.Tags[1] != "3" {
		t.Fatalf("tags = %v", p.Tags)
	}
}

func TestDecodeDurations(t *testing.T) {
	p, err := DecodeMap[tunables](map[string]any{"typingTTL": "10s", "window": "15m"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.TypingTTL != 10*time.Second || p.Window != 15*time.Minute {
		t.Fatalf("unexpected durations %+v", p)
	}
}

func TestDecodeRejectsUnusedWhenStrict(t *testing.T) {
	_, err := DecodeMap[tunables](map[string]any{"bogus": 1}, Options{WeaklyTypedInput: true, ErrorUnused: true})
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if _, err := DecodeMap[tunables](nil); err == nil {
		t.Fatalf("expected error for nil payload")
	}
}
