package server

import (
	"encoding/json"
	"log"

	"github.com/rcord/rcord/pkg/protocol"
)

// request is one decoded client record. All actions share the flat shape;
// unused fields stay zero.
type request struct {
	Action     string `json:"action"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Room       string `json:"room"`
	Chat       string `json:"chat"`
	Kind       string `json:"kind"`
	Text       string `json:"text"`
	Filename   string `json:"filename"`
	Content    string `json:"content"`
	Limit      int    `json:"limit"`
	Target     string `json:"target"`
	Audio      string `json:"audio"`
	Frame      string `json:"frame"`
	SampleRate int    `json:"sample_rate"`
}

// reply encodes a record and queues it on the session.
func (s *Server) reply(sess *session, action string, payload map[string]any) {
	data, err := protocol.Encode(action, payload)
	if err != nil {
		log.Printf("Failed to encode %s reply: %v", action, err)
		return
	}
	sess.send(data)
}

// fail sends a failure reply carrying the request's action, so the client
// can attribute the error.
func (s *Server) fail(sess *session, action, errCode string) {
	if action == "" {
		action = "error"
	}
	s.reply(sess, action, map[string]any{"ok": false, "error": errCode})
}

// handleChat processes one chat record. Returns false when the session should
// end (logout).
func (s *Server) handleChat(sess *session, record []byte) bool {
	var req request
	if err := json.Unmarshal(record, &req); err != nil {
		s.fail(sess, "", "invalid_json")
		return true
	}

	switch req.Action {
	case protocol.ActionRegister:
		s.handleRegister(sess, req)
	case protocol.ActionLogin:
		s.handleLogin(sess, req)
	case protocol.ActionHeartbeat:
		if !s.requireAuth(sess, req) {
			return true
		}
		now := s.now().UTC()
		s.reg.touch(sess.username, now)
		if err := s.store.SetStatus(sess.username, true, now); err != nil {
			log.Printf("Failed to persist status for %s: %v", sess.username, err)
		}
		s.reply(sess, protocol.ActionHeartbeat, map[string]any{"ok": true})
	case protocol.ActionListUsers:
		users := s.reg.usersWithStatus(s.store.ListUsers())
		s.reply(sess, protocol.ActionListUsers, map[string]any{"ok": true, "users": users})
	case protocol.ActionListRooms:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.reply(sess, protocol.ActionListRooms, map[string]any{
			"ok":    true,
			"rooms": s.store.ListRoomsForUser(sess.username),
		})
	case protocol.ActionListChats:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.reply(sess, protocol.ActionListChats, map[string]any{
			"ok":    true,
			"chats": s.store.ListChatsForUser(sess.username),
		})
	case protocol.ActionListInvites:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleListInvites(sess)
	case protocol.ActionCreateRoom:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleCreateRoom(sess, req)
	case protocol.ActionJoinRoom:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleJoinRoom(sess, req)
	case protocol.ActionInviteRoom:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleInviteRoom(sess, req)
	case protocol.ActionCreateChat:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleCreateChat(sess, req)
	case protocol.ActionAcceptChat:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleAcceptChat(sess, req)
	case protocol.ActionDeclineRoomInvite:
		if !s.requireAuth(sess, req) {
			return true
		}
		if req.Room == "" {
			s.fail(sess, req.Action, "missing_room")
			return true
		}
		removed, err := s.store.RemoveRoomInvite(sess.username, req.Room)
		if err != nil {
			s.storageFailure(sess, req.Action, err)
			return true
		}
		if !removed {
			s.fail(sess, req.Action, "invite_not_found")
			return true
		}
		s.reply(sess, req.Action, map[string]any{"ok": true, "room": req.Room})
	case protocol.ActionDeclineChatInvite:
		if !s.requireAuth(sess, req) {
			return true
		}
		if req.Chat == "" {
			s.fail(sess, req.Action, "missing_chat")
			return true
		}
		removed, err := s.store.RemoveChatInvite(sess.username, req.Chat)
		if err != nil {
			s.storageFailure(sess, req.Action, err)
			return true
		}
		if !removed {
			s.fail(sess, req.Action, "invite_not_found")
			return true
		}
		s.reply(sess, req.Action, map[string]any{"ok": true, "chat": req.Chat})
	case protocol.ActionSendMessage:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleSendMessage(sess, req)
	case protocol.ActionListMessages:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleListMessages(sess, req)
	case protocol.ActionListMembers:
		if !s.requireAuth(sess, req) {
			return true
		}
		s.handleListMembers(sess, req)
	case protocol.ActionLogout:
		s.reply(sess, protocol.ActionLogout, map[string]any{"ok": true})
		return false
	default:
		s.fail(sess, req.Action, "unknown_action")
	}
	return true
}

// requireAuth fails the request unless the session has logged in.
func (s *Server) requireAuth(sess *session, req request) bool {
	if sess.username == "" {
		s.fail(sess, req.Action, "not_authenticated")
		return false
	}
	return true
}

func (s *Server) storageFailure(sess *session, action string, err error) {
	log.Printf("Storage error handling %s: %v", action, err)
	s.fail(sess, action, "storage_failure")
}

func (s *Server) handleRegister(sess *session, req request) {
	if req.Username == "" || req.Password == "" {
		s.fail(sess, req.Action, "missing_credentials")
		return
	}
	created, err := s.store.RegisterUser(req.Username, req.Password)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	if !created {
		s.fail(sess, req.Action, "username_taken")
		return
	}
	log.Printf("Registered user %s", req.Username)
	s.reply(sess, protocol.ActionRegisterOK, map[string]any{"ok": true, "username": req.Username})
}

func (s *Server) handleLogin(sess *session, req request) {
	if req.Username == "" || req.Password == "" {
		s.fail(sess, req.Action, "missing_credentials")
		return
	}
	if s.reg.online(req.Username) {
		s.fail(sess, req.Action, "already_online")
		return
	}
	if !s.store.ValidateLogin(req.Username, req.Password) {
		s.fail(sess, req.Action, "invalid_credentials")
		return
	}

	sess.username = req.Username
	now := s.now().UTC()
	s.reg.setOnline(req.Username, sess, now)
	if err := s.store.SetStatus(req.Username, true, now); err != nil {
		log.Printf("Failed to persist status for %s: %v", req.Username, err)
	}
	log.Printf("User %s logged in", req.Username)
	s.reply(sess, protocol.ActionLoginOK, map[string]any{"ok": true, "username": req.Username})
}

// handleListInvites drops expired invites first, then reports the survivors.
// The reply stays ok, with an invite_expired marker when something aged out.
func (s *Server) handleListInvites(sess *session) {
	expiredRooms, expiredChats, err := s.store.CleanupExpiredInvites(sess.username)
	if err != nil {
		s.storageFailure(sess, protocol.ActionListInvites, err)
		return
	}
	payload := map[string]any{
		"ok":      true,
		"invites": s.store.ListInvites(sess.username),
	}
	if len(expiredRooms) > 0 || len(expiredChats) > 0 {
		payload["error"] = "invite_expired"
	}
	s.reply(sess, protocol.ActionListInvites, payload)
}

func (s *Server) handleCreateRoom(sess *session, req request) {
	if req.Room == "" {
		s.fail(sess, req.Action, "missing_room")
		return
	}
	created, err := s.store.CreateRoom(req.Room, sess.username)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	if !created {
		s.fail(sess, req.Action, "room_exists")
		return
	}
	s.reply(sess, protocol.ActionCreateRoom, map[string]any{"ok": true, "room": req.Room})
}

func (s *Server) handleJoinRoom(sess *session, req request) {
	if req.Room == "" {
		s.fail(sess, req.Action, "missing_room")
		return
	}
	hasInvite, expired, err := s.store.HasRoomInvite(sess.username, req.Room)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	if expired {
		s.fail(sess, req.Action, "invite_expired")
		return
	}
	if !hasInvite && !s.store.RoomHasMember(req.Room, sess.username) {
		s.fail(sess, req.Action, "invite_required")
		return
	}
	joined, err := s.store.AddRoomMember(req.Room, sess.username)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	if !joined {
		s.fail(sess, req.Action, "room_not_found")
		return
	}
	s.reply(sess, protocol.ActionJoinRoom, map[string]any{"ok": true, "room": req.Room})
}

func (s *Server) handleInviteRoom(sess *session, req request) {
	if req.Room == "" || req.Username == "" {
		s.fail(sess, req.Action, "missing_parameters")
		return
	}
	if !s.store.RoomHasMember(req.Room, sess.username) {
		s.fail(sess, req.Action, "not_room_member")
		return
	}
	if !s.store.UserExists(req.Username) {
		s.fail(sess, req.Action, "user_not_found")
		return
	}
	invitedAt, ok, err := s.store.InviteToRoom(req.Room, req.Username, sess.username)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	if !ok {
		s.fail(sess, req.Action, "room_not_found")
		return
	}
	s.reply(sess, protocol.ActionInviteRoom, map[string]any{
		"ok":       true,
		"room":     req.Room,
		"username": req.Username,
	})
	s.pushInvite(req.Username, map[string]any{
		"ok":          true,
		"invite_type": "room",
		"room":        req.Room,
		"from":        sess.username,
		"invited_at":  invitedAt,
	})
}

func (s *Server) handleCreateChat(sess *session, req request) {
	if req.Username == "" {
		s.fail(sess, req.Action, "missing_username")
		return
	}
	if !s.store.UserExists(req.Username) {
		s.fail(sess, req.Action, "user_not_found")
		return
	}
	chatID, err := s.store.CreateChat(sess.username, req.Username)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	invitedAt, invited, err := s.store.InviteToChat(req.Username, chatID, sess.username)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	s.reply(sess, protocol.ActionCreateChat, map[string]any{"ok": true, "chat": chatID})
	if invited {
		s.pushInvite(req.Username, map[string]any{
			"ok":          true,
			"invite_type": "chat",
			"chat":        chatID,
			"from":        sess.username,
			"invited_at":  invitedAt,
		})
	}
}

// pushInvite notifies a target user of a fresh invite, if they are online.
func (s *Server) pushInvite(username string, payload map[string]any) {
	data, err := protocol.Encode(protocol.ActionInviteReceived, payload)
	if err != nil {
		log.Printf("Failed to encode invite push: %v", err)
		return
	}
	s.reg.push(username, data)
}

func (s *Server) handleAcceptChat(sess *session, req request) {
	if req.Chat == "" {
		s.fail(sess, req.Action, "missing_chat")
		return
	}
	accepted, expired, err := s.store.AcceptChatInvite(sess.username, req.Chat)
	if err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	if expired {
		s.fail(sess, req.Action, "invite_expired")
		return
	}
	if !accepted {
		s.fail(sess, req.Action, "chat_not_found")
		return
	}
	s.reply(sess, protocol.ActionAcceptChat, map[string]any{"ok": true, "chat": req.Chat})
}

// resolveTarget checks membership for the room/chat named in the request and
// returns the canonical target key.
func (s *Server) resolveTarget(sess *session, req request) (string, string) {
	switch {
	case req.Room != "":
		if !s.store.RoomHasMember(req.Room, sess.username) {
			return "", "not_room_member"
		}
		return "room:" + req.Room, ""
	case req.Chat != "":
		if !s.store.ChatHasMember(req.Chat, sess.username) {
			return "", "not_chat_member"
		}
		return "chat:" + req.Chat, ""
	default:
		return "", "missing_target"
	}
}

func (s *Server) handleSendMessage(sess *session, req request) {
	target, errCode := s.resolveTarget(sess, req)
	if errCode != "" {
		s.fail(sess, req.Action, errCode)
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = protocol.MessageKindText
	}
	var msg protocol.Message
	switch kind {
	case protocol.MessageKindText:
		if req.Text == "" {
			s.fail(sess, req.Action, "missing_text")
			return
		}
		msg = protocol.Message{Kind: kind, Text: req.Text}
	case protocol.MessageKindFile, protocol.MessageKindImage:
		if req.Filename == "" || req.Content == "" {
			s.fail(sess, req.Action, "missing_attachment")
			return
		}
		msg = protocol.Message{Kind: kind, Filename: req.Filename, Content: req.Content}
	default:
		s.fail(sess, req.Action, "unknown_message_kind")
		return
	}

	if err := s.store.AddMessage(target, sess.username, msg); err != nil {
		s.storageFailure(sess, req.Action, err)
		return
	}
	s.reply(sess, protocol.ActionSendMessage, map[string]any{
		"ok":     true,
		"target": target,
		"kind":   kind,
	})
}

func (s *Server) handleListMessages(sess *session, req request) {
	target, errCode := s.resolveTarget(sess, req)
	if errCode != "" {
		s.fail(sess, req.Action, errCode)
		return
	}
	s.reply(sess, protocol.ActionListMessages, map[string]any{
		"ok":       true,
		"target":   target,
		"messages": s.store.ListMessages(target, req.Limit),
	})
}

func (s *Server) handleListMembers(sess *session, req request) {
	target, errCode := s.resolveTarget(sess, req)
	if errCode != "" {
		s.fail(sess, req.Action, errCode)
		return
	}
	var members []string
	if req.Room != "" {
		members = s.store.RoomMembers(req.Room)
	} else {
		members = s.store.ChatMembers(req.Chat)
	}
	s.reply(sess, protocol.ActionListMembers, map[string]any{
		"ok":      true,
		"target":  target,
		"members": members,
	})
}
