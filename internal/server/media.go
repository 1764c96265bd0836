package server

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/rcord/rcord/pkg/protocol"
)

// handleMedia processes one media record. The media port carries only
// media_login and the two relay actions; everything else is rejected. Relayed
// records fan out to the channel's other members and are never persisted.
func (s *Server) handleMedia(sess *session, record []byte) bool {
	var req request
	if err := json.Unmarshal(record, &req); err != nil {
		s.fail(sess, "", "invalid_json")
		return true
	}

	switch req.Action {
	case protocol.ActionMediaLogin:
		// The media session piggybacks on an authenticated chat session.
		if req.Username == "" || !s.reg.online(req.Username) {
			s.fail(sess, req.Action, "not_authenticated")
			return true
		}
		sess.username = req.Username
		s.reg.bindMedia(req.Username, sess)
		s.reply(sess, protocol.ActionMediaLogin, map[string]any{"ok": true})
	case protocol.ActionVoiceChunk:
		s.relayMedia(sess, req, "audio", req.Audio)
	case protocol.ActionScreenFrame:
		s.relayMedia(sess, req, "frame", req.Frame)
	default:
		s.fail(sess, req.Action, "unknown_action")
	}
	return true
}

// relayMedia forwards one voice chunk or screen frame to the target channel's
// members, excluding the sender.
func (s *Server) relayMedia(sess *session, req request, payloadKey, payloadValue string) {
	if sess.username == "" {
		s.fail(sess, req.Action, "not_authenticated")
		return
	}
	if req.Target == "" || payloadValue == "" {
		s.fail(sess, req.Action, "missing_payload")
		return
	}

	var recipients []string
	switch {
	case strings.HasPrefix(req.Target, "room:"):
		room := strings.TrimPrefix(req.Target, "room:")
		if !s.store.RoomHasMember(room, sess.username) {
			s.fail(sess, req.Action, "not_room_member")
			return
		}
		recipients = s.store.RoomMembers(room)
	case strings.HasPrefix(req.Target, "chat:"):
		chat := strings.TrimPrefix(req.Target, "chat:")
		if !s.store.ChatHasMember(chat, sess.username) {
			s.fail(sess, req.Action, "not_chat_member")
			return
		}
		recipients = s.store.ChatMembers(chat)
	default:
		s.fail(sess, req.Action, "unknown_target")
		return
	}

	payload := map[string]any{
		"from":     sess.username,
		"target":   req.Target,
		payloadKey: payloadValue,
	}
	if req.SampleRate > 0 {
		payload["sample_rate"] = req.SampleRate
	}
	data, err := protocol.Encode(req.Action, payload)
	if err != nil {
		log.Printf("Failed to encode %s relay: %v", req.Action, err)
		return
	}
	s.reg.pushMedia(recipients, sess.username, data)
}
