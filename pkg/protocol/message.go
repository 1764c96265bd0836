// Package protocol defines the RCord wire protocol: newline-delimited UTF-8
// JSON objects exchanged over a single stream connection. Every object carries
// an "action" field naming the request or event; the remaining fields are
// action-specific. The same records travel over raw TCP (one record per line)
// and over WebSocket (one record per text frame).
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Client→server actions.
const (
	ActionRegister          = "register"
	ActionLogin             = "login"
	ActionHeartbeat         = "heartbeat"
	ActionLogout            = "logout"
	ActionListUsers         = "list_users"
	ActionListRooms         = "list_rooms"
	ActionListChats         = "list_chats"
	ActionListInvites       = "list_invites"
	ActionListMembers       = "list_members"
	ActionCreateRoom        = "create_room"
	ActionJoinRoom          = "join_room"
	ActionInviteRoom        = "invite_room"
	ActionCreateChat        = "create_chat"
	ActionAcceptChat        = "accept_chat"
	ActionDeclineRoomInvite = "decline_room_invite"
	ActionDeclineChatInvite = "decline_chat_invite"
	ActionSendMessage       = "send_message"
	ActionListMessages      = "list_messages"
)

// Media-connection actions.
const (
	ActionMediaLogin  = "media_login"
	ActionVoiceChunk  = "voice_chunk"
	ActionScreenFrame = "screen_frame"
)

// Server→client actions without a matching request action.
const (
	ActionRegisterOK     = "register_ok"
	ActionLoginOK        = "login_ok"
	ActionInviteReceived = "invite_received"
)

// Message kinds carried by send_message / list_messages records.
const (
	MessageKindText  = "text"
	MessageKindFile  = "file"
	MessageKindImage = "image"
)

// ChannelKind distinguishes the two channel namespaces.
type ChannelKind string

const (
	KindRoom ChannelKind = "room"
	KindChat ChannelKind = "chat"
)

// Channel identifies a room or a direct chat.
type Channel struct {
	Kind ChannelKind
	Name string
}

// Target returns the wire form of the channel key, "<kind>:<name>".
// This is the key used by the server for message history and media routing.
func (c Channel) Target() string {
	return string(c.Kind) + ":" + c.Name
}

// ParseTarget parses a "<kind>:<name>" channel key.
func ParseTarget(target string) (Channel, error) {
	kind, name, ok := strings.Cut(target, ":")
	if !ok {
		return Channel{}, fmt.Errorf("malformed channel target %q", target)
	}
	switch ChannelKind(kind) {
	case KindRoom, KindChat:
		return Channel{Kind: ChannelKind(kind), Name: name}, nil
	default:
		return Channel{}, fmt.Errorf("unknown channel kind %q", kind)
	}
}

// User is one entry of a list_users response: a username plus its presence
// flag.
type User struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Invite is one entry of a list_invites response. Exactly one of Room or
// Chat is set. InvitedAt is the server-side invitation timestamp; the client
// enforces a display TTL against it, the server enforces the real one.
type Invite struct {
	Room      string    `json:"room,omitempty"`
	Chat      string    `json:"chat,omitempty"`
	From      string    `json:"from,omitempty"`
	InvitedAt time.Time `json:"invited_at"`
}

// Channel returns the channel the invite points at.
func (inv Invite) Channel() Channel {
	if inv.Room != "" {
		return Channel{Kind: KindRoom, Name: inv.Room}
	}
	return Channel{Kind: KindChat, Name: inv.Chat}
}

// Message is a stored chat message as returned by list_messages. The client
// does not reinterpret the content; file and image payloads stay base64.
type Message struct {
	Sender   string    `json:"sender"`
	SentAt   time.Time `json:"ts"`
	Kind     string    `json:"kind"`
	Text     string    `json:"text,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Content  string    `json:"content,omitempty"`
}

// ServerMessage is a decoded server→client record. The protocol is a flat
// JSON object per action, so one struct with omitempty fields covers every
// action; fields absent from a record stay zero.
type ServerMessage struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`

	Username string    `json:"username,omitempty"`
	Users    []User    `json:"users,omitempty"`
	Rooms    []string  `json:"rooms,omitempty"`
	Chats    []string  `json:"chats,omitempty"`
	Invites  []Invite  `json:"invites,omitempty"`
	Target   string    `json:"target,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Members  []string  `json:"members,omitempty"`

	// invite_received push fields.
	Room       string    `json:"room,omitempty"`
	Chat       string    `json:"chat,omitempty"`
	From       string    `json:"from,omitempty"`
	InviteType string    `json:"invite_type,omitempty"`
	InvitedAt  time.Time `json:"invited_at,omitzero"`

	// Media relay fields; audio and frame payloads stay base64.
	Audio      string `json:"audio,omitempty"`
	Frame      string `json:"frame,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Failed reports whether the record is a failure reply.
func (m *ServerMessage) Failed() bool {
	return !m.OK && m.Error != ""
}

// Decode parses one delimited record into a ServerMessage.
func Decode(record []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &msg, nil
}

// Encode serializes an outbound request: the payload augmented with the
// action field, as one newline-terminated JSON record. The payload must not
// already define an "action" key.
func Encode(action string, payload map[string]any) ([]byte, error) {
	if action == "" {
		return nil, fmt.Errorf("empty action")
	}
	if _, clash := payload["action"]; clash {
		return nil, fmt.Errorf("payload must not define the action key")
	}
	record := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		record[key] = value
	}
	record["action"] = action
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", action, err)
	}
	return append(data, '\n'), nil
}
