package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rcord/rcord/internal/config"
	"github.com/rcord/rcord/internal/storage"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "DB.dat"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	cfg := config.Server{
		Host:             "127.0.0.1",
		Port:             0,
		MediaPort:        0,
		HeartbeatTimeout: time.Minute,
		CheckInterval:    time.Minute,
	}
	s := New(cfg, store)
	go s.Start()
	t.Cleanup(s.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" || s.MediaAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s
}

// testClient is a raw TCP client speaking the line protocol.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialTest(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dialing server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &testClient{t: t, conn: conn, scanner: scanner}
}

func (c *testClient) send(payload map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("encoding request: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("sending request: %v", err)
	}
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !c.scanner.Scan() {
		c.t.Fatalf("no reply from server: %v", c.scanner.Err())
	}
	var reply map[string]any
	if err := json.Unmarshal(c.scanner.Bytes(), &reply); err != nil {
		c.t.Fatalf("invalid reply %q: %v", c.scanner.Text(), err)
	}
	return reply
}

// expect reads one record and checks its action and ok flag.
func (c *testClient) expect(action string, ok bool) map[string]any {
	c.t.Helper()
	reply := c.recv()
	if reply["action"] != action || reply["ok"] != ok {
		c.t.Fatalf("reply = %v, want action=%s ok=%v", reply, action, ok)
	}
	return reply
}

// login registers (ignoring username_taken) and logs in.
func (c *testClient) login(username string) {
	c.t.Helper()
	c.send(map[string]any{"action": "register", "username": username, "password": "pw"})
	c.recv()
	c.send(map[string]any{"action": "login", "username": username, "password": "pw"})
	c.expect("login_ok", true)
}

func TestRegisterAndLogin(t *testing.T) {
	s := startTestServer(t)
	c := dialTest(t, s.Addr())

	c.send(map[string]any{"action": "register", "username": "alice", "password": "secret"})
	c.expect("register_ok", true)

	c.send(map[string]any{"action": "register", "username": "alice", "password": "other"})
	reply := c.expect("register", false)
	if reply["error"] != "username_taken" {
		t.Errorf("error = %v, want username_taken", reply["error"])
	}

	c.send(map[string]any{"action": "login", "username": "alice", "password": "wrong"})
	reply = c.expect("login", false)
	if reply["error"] != "invalid_credentials" {
		t.Errorf("error = %v, want invalid_credentials", reply["error"])
	}

	c.send(map[string]any{"action": "login", "username": "alice", "password": "secret"})
	reply = c.expect("login_ok", true)
	if reply["username"] != "alice" {
		t.Errorf("username = %v, want alice", reply["username"])
	}

	c.send(map[string]any{"action": "heartbeat"})
	c.expect("heartbeat", true)
}

func TestSecondLoginRejected(t *testing.T) {
	s := startTestServer(t)
	first := dialTest(t, s.Addr())
	first.login("alice")

	second := dialTest(t, s.Addr())
	second.send(map[string]any{"action": "login", "username": "alice", "password": "pw"})
	reply := second.expect("login", false)
	if reply["error"] != "already_online" {
		t.Errorf("error = %v, want already_online", reply["error"])
	}
}

func TestAuthRequired(t *testing.T) {
	s := startTestServer(t)
	c := dialTest(t, s.Addr())

	for _, action := range []string{
		"heartbeat", "list_rooms", "list_chats", "list_invites",
		"create_room", "join_room", "invite_room", "create_chat",
		"accept_chat", "send_message", "list_messages", "list_members",
	} {
		c.send(map[string]any{"action": action})
		reply := c.expect(action, false)
		if reply["error"] != "not_authenticated" {
			t.Errorf("%s error = %v, want not_authenticated", action, reply["error"])
		}
	}
}

func TestRoomMessaging(t *testing.T) {
	s := startTestServer(t)
	c := dialTest(t, s.Addr())
	c.login("alice")

	c.send(map[string]any{"action": "create_room", "room": "general"})
	c.expect("create_room", true)

	c.send(map[string]any{"action": "create_room", "room": "general"})
	reply := c.expect("create_room", false)
	if reply["error"] != "room_exists" {
		t.Errorf("error = %v, want room_exists", reply["error"])
	}

	c.send(map[string]any{"action": "list_rooms"})
	reply = c.expect("list_rooms", true)
	rooms, _ := reply["rooms"].([]any)
	if len(rooms) != 1 || rooms[0] != "general" {
		t.Errorf("rooms = %v, want [general]", reply["rooms"])
	}

	c.send(map[string]any{"action": "send_message", "room": "general", "kind": "text", "text": "hello"})
	reply = c.expect("send_message", true)
	if reply["target"] != "room:general" {
		t.Errorf("target = %v, want room:general", reply["target"])
	}

	c.send(map[string]any{"action": "list_messages", "room": "general", "limit": 100})
	reply = c.expect("list_messages", true)
	messages, _ := reply["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("messages = %v, want one", reply["messages"])
	}
	msg := messages[0].(map[string]any)
	if msg["sender"] != "alice" || msg["text"] != "hello" || msg["ts"] == nil {
		t.Errorf("message = %v", msg)
	}

	c.send(map[string]any{"action": "list_members", "room": "general"})
	reply = c.expect("list_members", true)
	members, _ := reply["members"].([]any)
	if len(members) != 1 || members[0] != "alice" {
		t.Errorf("members = %v, want [alice]", reply["members"])
	}
}

func TestSendMessageValidation(t *testing.T) {
	s := startTestServer(t)
	c := dialTest(t, s.Addr())
	c.login("alice")
	c.send(map[string]any{"action": "create_room", "room": "general"})
	c.expect("create_room", true)

	tests := []struct {
		name    string
		payload map[string]any
		wantErr string
	}{
		{
			"no target",
			map[string]any{"action": "send_message", "kind": "text", "text": "hi"},
			"missing_target",
		},
		{
			"text without text",
			map[string]any{"action": "send_message", "room": "general", "kind": "text"},
			"missing_text",
		},
		{
			"file without content",
			map[string]any{"action": "send_message", "room": "general", "kind": "file", "filename": "a.txt"},
			"missing_attachment",
		},
		{
			"unknown kind",
			map[string]any{"action": "send_message", "room": "general", "kind": "video", "text": "x"},
			"unknown_message_kind",
		},
		{
			"not a member",
			map[string]any{"action": "send_message", "room": "private", "kind": "text", "text": "hi"},
			"not_room_member",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.payload)
			reply := c.expect("send_message", false)
			if reply["error"] != tt.wantErr {
				t.Errorf("error = %v, want %s", reply["error"], tt.wantErr)
			}
		})
	}
}

func TestRoomInviteFlow(t *testing.T) {
	s := startTestServer(t)
	alice := dialTest(t, s.Addr())
	alice.login("alice")
	bob := dialTest(t, s.Addr())
	bob.login("bob")

	alice.send(map[string]any{"action": "create_room", "room": "general"})
	alice.expect("create_room", true)

	// Joining uninvited is refused.
	bob.send(map[string]any{"action": "join_room", "room": "general"})
	reply := bob.expect("join_room", false)
	if reply["error"] != "invite_required" {
		t.Fatalf("error = %v, want invite_required", reply["error"])
	}

	alice.send(map[string]any{"action": "invite_room", "room": "general", "username": "bob"})
	alice.expect("invite_room", true)

	// Bob gets the push and sees the invite in his list.
	push := bob.expect("invite_received", true)
	if push["invite_type"] != "room" || push["room"] != "general" || push["from"] != "alice" {
		t.Errorf("push = %v", push)
	}
	if push["invited_at"] == nil {
		t.Error("push is missing invited_at")
	}

	bob.send(map[string]any{"action": "list_invites"})
	reply = bob.expect("list_invites", true)
	invites, _ := reply["invites"].([]any)
	if len(invites) != 1 {
		t.Fatalf("invites = %v, want one", reply["invites"])
	}

	bob.send(map[string]any{"action": "join_room", "room": "general"})
	bob.expect("join_room", true)

	// The invite is consumed by the join.
	bob.send(map[string]any{"action": "list_invites"})
	reply = bob.expect("list_invites", true)
	if invites, _ := reply["invites"].([]any); len(invites) != 0 {
		t.Errorf("invites = %v after join, want none", invites)
	}

	bob.send(map[string]any{"action": "list_members", "room": "general"})
	reply = bob.expect("list_members", true)
	members, _ := reply["members"].([]any)
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("members = %v, want [alice bob]", reply["members"])
	}
}

func TestDeclineRoomInvite(t *testing.T) {
	s := startTestServer(t)
	alice := dialTest(t, s.Addr())
	alice.login("alice")
	bob := dialTest(t, s.Addr())
	bob.login("bob")

	alice.send(map[string]any{"action": "create_room", "room": "general"})
	alice.expect("create_room", true)
	alice.send(map[string]any{"action": "invite_room", "room": "general", "username": "bob"})
	alice.expect("invite_room", true)
	bob.expect("invite_received", true)

	bob.send(map[string]any{"action": "decline_room_invite", "room": "general"})
	bob.expect("decline_room_invite", true)

	bob.send(map[string]any{"action": "decline_room_invite", "room": "general"})
	reply := bob.expect("decline_room_invite", false)
	if reply["error"] != "invite_not_found" {
		t.Errorf("error = %v, want invite_not_found", reply["error"])
	}

	// Declined means joining needs a fresh invite again.
	bob.send(map[string]any{"action": "join_room", "room": "general"})
	bob.expect("join_room", false)
}

func TestChatFlow(t *testing.T) {
	s := startTestServer(t)
	alice := dialTest(t, s.Addr())
	alice.login("alice")
	bob := dialTest(t, s.Addr())
	bob.login("bob")

	alice.send(map[string]any{"action": "create_chat", "username": "bob"})
	reply := alice.expect("create_chat", true)
	if reply["chat"] != "alice:bob" {
		t.Fatalf("chat = %v, want alice:bob", reply["chat"])
	}

	push := bob.expect("invite_received", true)
	if push["invite_type"] != "chat" || push["chat"] != "alice:bob" || push["from"] != "alice" {
		t.Errorf("push = %v", push)
	}

	bob.send(map[string]any{"action": "accept_chat", "chat": "alice:bob"})
	bob.expect("accept_chat", true)

	bob.send(map[string]any{"action": "list_chats"})
	reply = bob.expect("list_chats", true)
	chats, _ := reply["chats"].([]any)
	if len(chats) != 1 || chats[0] != "alice:bob" {
		t.Errorf("chats = %v, want [alice:bob]", reply["chats"])
	}

	bob.send(map[string]any{"action": "send_message", "chat": "alice:bob", "kind": "text", "text": "hi alice"})
	bob.expect("send_message", true)

	alice.send(map[string]any{"action": "list_messages", "chat": "alice:bob", "limit": 100})
	reply = alice.expect("list_messages", true)
	messages, _ := reply["messages"].([]any)
	if len(messages) != 1 || messages[0].(map[string]any)["sender"] != "bob" {
		t.Errorf("messages = %v", reply["messages"])
	}
}

func TestListUsersShowsPresence(t *testing.T) {
	s := startTestServer(t)
	alice := dialTest(t, s.Addr())
	alice.login("alice")

	bob := dialTest(t, s.Addr())
	bob.send(map[string]any{"action": "register", "username": "bob", "password": "pw"})
	bob.expect("register_ok", true)

	alice.send(map[string]any{"action": "list_users"})
	reply := alice.expect("list_users", true)
	users, _ := reply["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("users = %v, want two entries", reply["users"])
	}
	byName := map[string]bool{}
	for _, entry := range users {
		user := entry.(map[string]any)
		byName[user["username"].(string)] = user["online"].(bool)
	}
	if !byName["alice"] || byName["bob"] {
		t.Errorf("presence = %v, want alice online, bob offline", byName)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	s := startTestServer(t)
	c := dialTest(t, s.Addr())
	c.login("alice")

	c.send(map[string]any{"action": "logout"})
	c.expect("logout", true)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if c.scanner.Scan() {
		t.Errorf("server kept talking after logout: %s", c.scanner.Text())
	}
}

func TestUnknownActionAndInvalidJSON(t *testing.T) {
	s := startTestServer(t)
	c := dialTest(t, s.Addr())

	c.send(map[string]any{"action": "dance"})
	reply := c.expect("dance", false)
	if reply["error"] != "unknown_action" {
		t.Errorf("error = %v, want unknown_action", reply["error"])
	}

	if _, err := c.conn.Write([]byte("{not json\n")); err != nil {
		t.Fatal(err)
	}
	reply = c.recv()
	if reply["ok"] != false || reply["error"] != "invalid_json" {
		t.Errorf("reply = %v, want invalid_json failure", reply)
	}

	// The session is still usable afterwards.
	c.send(map[string]any{"action": "list_users"})
	c.expect("list_users", true)
}

func TestWebSocketTransport(t *testing.T) {
	s := startTestServer(t)

	conn, _, _, err := ws.Dial(context.Background(), "ws://"+s.Addr())
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, []byte(`{"action":"register","username":"alice","password":"pw"}`)); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("invalid reply %q: %v", data, err)
	}
	if reply["action"] != "register_ok" || reply["ok"] != true {
		t.Errorf("reply = %v", reply)
	}
}

func TestMediaRelay(t *testing.T) {
	s := startTestServer(t)
	alice := dialTest(t, s.Addr())
	alice.login("alice")
	bob := dialTest(t, s.Addr())
	bob.login("bob")

	// Establish a shared chat.
	alice.send(map[string]any{"action": "create_chat", "username": "bob"})
	alice.expect("create_chat", true)
	bob.expect("invite_received", true)
	bob.send(map[string]any{"action": "accept_chat", "chat": "alice:bob"})
	bob.expect("accept_chat", true)

	aliceMedia := dialTest(t, s.MediaAddr())
	bobMedia := dialTest(t, s.MediaAddr())

	// media_login requires a live chat session.
	aliceMedia.send(map[string]any{"action": "media_login", "username": "nobody"})
	reply := aliceMedia.expect("media_login", false)
	if reply["error"] != "not_authenticated" {
		t.Fatalf("error = %v, want not_authenticated", reply["error"])
	}

	aliceMedia.send(map[string]any{"action": "media_login", "username": "alice"})
	aliceMedia.expect("media_login", true)
	bobMedia.send(map[string]any{"action": "media_login", "username": "bob"})
	bobMedia.expect("media_login", true)

	aliceMedia.send(map[string]any{
		"action": "voice_chunk",
		"target": "chat:alice:bob",
		"audio":  "UklGRg==",
	})
	relayed := bobMedia.recv()
	if relayed["action"] != "voice_chunk" || relayed["from"] != "alice" || relayed["audio"] != "UklGRg==" {
		t.Errorf("relayed = %v", relayed)
	}
	if relayed["target"] != "chat:alice:bob" {
		t.Errorf("target = %v", relayed["target"])
	}

	// Outsiders cannot relay into a channel they are not in.
	charlieChat := dialTest(t, s.Addr())
	charlieChat.login("charlie")
	charlieMedia := dialTest(t, s.MediaAddr())
	charlieMedia.send(map[string]any{"action": "media_login", "username": "charlie"})
	charlieMedia.expect("media_login", true)
	charlieMedia.send(map[string]any{
		"action": "screen_frame",
		"target": "chat:alice:bob",
		"frame":  "AAAA",
	})
	reply = charlieMedia.expect("screen_frame", false)
	if reply["error"] != "not_chat_member" {
		t.Errorf("error = %v, want not_chat_member", reply["error"])
	}
}
