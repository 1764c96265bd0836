package client

import (
	"sync"
	"time"

	"github.com/rcord/rcord/pkg/protocol"
)

// Store is the client-side mirror of server data: identity, rosters, message
// logs keyed by channel target, presence, pending invites, and the active
// channel selector. The Store is the single owner of this state; the rest of
// the client reads it and issues requests, and every list_X response replaces
// the corresponding roster wholesale.
type Store struct {
	mu       sync.RWMutex
	username string
	users    []string
	presence map[string]bool
	rooms    []string
	chats    []string
	invites  []protocol.Invite
	messages map[string][]protocol.Message
	active   *protocol.Channel
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		presence: make(map[string]bool),
		messages: make(map[string][]protocol.Message),
	}
}

// SetUsername records the authenticated identity.
func (s *Store) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

// Username returns the authenticated identity, empty until login.
func (s *Store) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsers replaces the user roster and the presence map from a list_users
// response, preserving server order.
func (s *Store) SetUsers(users []protocol.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make([]string, 0, len(users))
	s.presence = make(map[string]bool, len(users))
	for _, user := range users {
		s.users = append(s.users, user.Username)
		s.presence[user.Username] = user.Online
	}
}

// Users returns the user roster in server order.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.users...)
}

// Online reports the last known presence of a user.
func (s *Store) Online(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence[username]
}

// SetRooms replaces the room roster.
func (s *Store) SetRooms(rooms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = append([]string(nil), rooms...)
}

// Rooms returns the room roster in server order.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.rooms...)
}

// SetChats replaces the chat roster.
func (s *Store) SetChats(chats []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append([]string(nil), chats...)
}

// Chats returns the chat roster in server order.
func (s *Store) Chats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.chats...)
}

// SetInvites replaces the pending invites.
func (s *Store) SetInvites(invites []protocol.Invite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites = append([]protocol.Invite(nil), invites...)
}

// Invites returns the pending invites in server order.
func (s *Store) Invites() []protocol.Invite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Invite(nil), s.invites...)
}

// PruneInvites drops invites older than the TTL, preserving the order of the
// survivors, and returns the invites it removed.
func (s *Store) PruneInvites(now time.Time) []protocol.Invite {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept, expired := PruneInvites(s.invites, now)
	s.invites = kept
	return expired
}

// SetMessages replaces the message log for one channel target. Other targets
// are untouched.
func (s *Store) SetMessages(target string, messages []protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[target] = append([]protocol.Message(nil), messages...)
}

// Messages returns the message log for a channel target, oldest first.
func (s *Store) Messages(target string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Message(nil), s.messages[target]...)
}

// SelectChannel makes a channel the active one.
func (s *Store) SelectChannel(channel protocol.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &channel
}

// ClearChannel deselects the active channel.
func (s *Store) ClearChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
}

// ActiveChannel returns the selected channel, if any.
func (s *Store) ActiveChannel() (protocol.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return protocol.Channel{}, false
	}
	return *s.active, true
}

// Clear empties all rosters, presence, invites, message logs, the active
// channel, and the identity. Called on logout and on disconnect.
// Configuration (server address) lives outside the Store and survives.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = ""
	s.users = nil
	s.presence = make(map[string]bool)
	s.rooms = nil
	s.chats = nil
	s.invites = nil
	s.messages = make(map[string][]protocol.Message)
	s.active = nil
}
