package client

import (
	"github.com/rcord/rcord/pkg/protocol"
)

// dispatch applies one decoded server record to the session. List responses
// replace store state wholesale; acks trigger the re-fetches that keep the
// client view aligned with server-side ordering; unknown actions are a
// forward-compatible no-op.
func (c *Client) dispatch(msg *protocol.ServerMessage) {
	if msg.Failed() {
		// The server already removed an expired invite; re-list so the
		// local view converges.
		if msg.Error == "invite_expired" {
			c.RefreshInvites()
		}
		c.emit(Event{Type: EventError, Action: msg.Action, Err: msg.Error, Message: msg})
		return
	}

	switch msg.Action {
	case protocol.ActionRegisterOK:
		c.emit(Event{Type: EventRegistered, Action: msg.Action, Message: msg})

	case protocol.ActionLoginOK:
		c.store.SetUsername(msg.Username)
		c.emit(Event{Type: EventLoggedIn, Action: msg.Action, Message: msg})
		c.RefreshUsers()
		c.RefreshRooms()
		c.RefreshChats()
		c.RefreshInvites()

	case protocol.ActionListUsers:
		c.store.SetUsers(msg.Users)
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionListRooms:
		c.store.SetRooms(msg.Rooms)
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionListChats:
		c.store.SetChats(msg.Chats)
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionListInvites:
		c.store.SetInvites(msg.Invites)
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionListMessages:
		c.store.SetMessages(msg.Target, msg.Messages)
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionSendMessage:
		// Re-fetch instead of appending locally, so the view matches
		// server-side ordering under concurrent senders.
		if channel, ok := c.store.ActiveChannel(); ok {
			c.refreshMessages(channel)
		}

	case protocol.ActionCreateRoom:
		c.RefreshRooms()

	case protocol.ActionJoinRoom:
		c.RefreshRooms()
		c.RefreshInvites()

	case protocol.ActionCreateChat:
		c.RefreshChats()

	case protocol.ActionAcceptChat:
		c.RefreshChats()
		c.RefreshInvites()

	case protocol.ActionDeclineRoomInvite, protocol.ActionDeclineChatInvite:
		c.RefreshInvites()

	case protocol.ActionInviteReceived:
		// The push is only a hint; the list response stays the single
		// source for the invite roster.
		c.RefreshInvites()

	case protocol.ActionListMembers:
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionLogout:
		c.store.Clear()
		c.emit(Event{Type: EventUpdated, Action: msg.Action, Message: msg})

	case protocol.ActionHeartbeat, protocol.ActionInviteRoom:
		// Acks with nothing to reconcile.

	default:
		// Unknown action: ignore.
	}
}
