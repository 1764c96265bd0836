package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rcord/rcord/pkg/protocol"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		payload map[string]any
		wantErr bool
	}{
		{
			name:    "empty payload",
			action:  protocol.ActionHeartbeat,
			payload: map[string]any{},
		},
		{
			name:    "nil payload",
			action:  protocol.ActionListUsers,
			payload: nil,
		},
		{
			name:    "payload fields preserved",
			action:  protocol.ActionLogin,
			payload: map[string]any{"username": "alice", "password": "secret"},
		},
		{
			name:    "empty action rejected",
			action:  "",
			payload: map[string]any{},
			wantErr: true,
		},
		{
			name:    "action key collision rejected",
			action:  protocol.ActionLogin,
			payload: map[string]any{"action": "logout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.Encode(tt.action, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !strings.HasSuffix(string(data), "\n") {
				t.Error("Encode() record is not newline-terminated")
			}
			if strings.Count(string(data), "\n") != 1 {
				t.Error("Encode() record contains interior newlines")
			}

			var decoded map[string]any
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Encode() produced invalid JSON: %v", err)
			}
			if decoded["action"] != tt.action {
				t.Errorf("action = %v, want %v", decoded["action"], tt.action)
			}
			for key, value := range tt.payload {
				if decoded[key] != value {
					t.Errorf("field %s = %v, want %v", key, decoded[key], value)
				}
			}
		})
	}
}

func TestEncode_DoesNotMutatePayload(t *testing.T) {
	payload := map[string]any{"room": "general"}
	if _, err := protocol.Encode(protocol.ActionJoinRoom, payload); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, ok := payload["action"]; ok {
		t.Error("Encode() wrote the action key into the caller's payload")
	}
}

func TestDecode(t *testing.T) {
	record := `{"action":"list_messages","ok":true,"target":"room:general",` +
		`"messages":[{"sender":"bob","ts":"2026-08-25T10:00:00Z","kind":"text","text":"hi"}]}`

	msg, err := protocol.Decode([]byte(record))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Action != protocol.ActionListMessages {
		t.Errorf("Action = %q, want %q", msg.Action, protocol.ActionListMessages)
	}
	if msg.Target != "room:general" {
		t.Errorf("Target = %q, want room:general", msg.Target)
	}
	if len(msg.Messages) != 1 || msg.Messages[0].Text != "hi" {
		t.Errorf("Messages = %+v, want one text message", msg.Messages)
	}
	if msg.Failed() {
		t.Error("Failed() = true for a successful reply")
	}
}

func TestDecode_Malformed(t *testing.T) {
	if _, err := protocol.Decode([]byte("{not json")); err == nil {
		t.Error("Decode() accepted a malformed record")
	}
}

func TestServerMessage_Failed(t *testing.T) {
	tests := []struct {
		name   string
		record string
		want   bool
	}{
		{"failure reply", `{"action":"login","ok":false,"error":"invalid_credentials"}`, true},
		{"success reply", `{"action":"login_ok","ok":true,"username":"alice"}`, false},
		{"push without ok", `{"action":"invite_received","room":"general"}`, false},
		{"success with warning error", `{"action":"list_invites","ok":true,"error":"invite_expired"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Decode([]byte(tt.record))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if msg.Failed() != tt.want {
				t.Errorf("Failed() = %v, want %v", msg.Failed(), tt.want)
			}
		})
	}
}

func TestChannelTarget(t *testing.T) {
	tests := []struct {
		name    string
		channel protocol.Channel
		target  string
	}{
		{"room", protocol.Channel{Kind: protocol.KindRoom, Name: "general"}, "room:general"},
		{"chat", protocol.Channel{Kind: protocol.KindChat, Name: "alice:bob"}, "chat:alice:bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.channel.Target(); got != tt.target {
				t.Errorf("Target() = %q, want %q", got, tt.target)
			}
			parsed, err := protocol.ParseTarget(tt.target)
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tt.target, err)
			}
			if parsed != tt.channel {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.target, parsed, tt.channel)
			}
		})
	}
}

func TestParseTarget_Malformed(t *testing.T) {
	for _, target := range []string{"", "general", "guild:general"} {
		if _, err := protocol.ParseTarget(target); err == nil {
			t.Errorf("ParseTarget(%q) accepted a malformed target", target)
		}
	}
}

func TestInvite_Channel(t *testing.T) {
	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	room := protocol.Invite{Room: "general", InvitedAt: at}
	if got := room.Channel(); got != (protocol.Channel{Kind: protocol.KindRoom, Name: "general"}) {
		t.Errorf("room invite Channel() = %+v", got)
	}

	chat := protocol.Invite{Chat: "alice:bob", From: "alice", InvitedAt: at}
	if got := chat.Channel(); got != (protocol.Channel{Kind: protocol.KindChat, Name: "alice:bob"}) {
		t.Errorf("chat invite Channel() = %+v", got)
	}
}
