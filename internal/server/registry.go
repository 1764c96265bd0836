package server

import (
	"log"
	"sync"
	"time"

	"github.com/rcord/rcord/internal/storage"
	"github.com/rcord/rcord/pkg/protocol"
)

// session is one connected client. Replies and pushes go through the outgoing
// channel so the reader loop never blocks on a slow peer.
type session struct {
	id       string
	conn     conn
	outgoing chan []byte
	username string

	sendMu sync.Mutex
	closed bool
}

// send queues one record for the session's writer. A session that stopped
// draining loses records rather than stalling the server, and a closed
// session swallows them.
func (s *session) send(data []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.outgoing <- data:
	default:
		log.Printf("Session %s outgoing queue full, dropping record", s.id)
	}
}

// closeOutgoing stops the session's writer once nothing more will be queued.
func (s *session) closeOutgoing() {
	s.sendMu.Lock()
	s.closed = true
	s.sendMu.Unlock()
	close(s.outgoing)
}

// registry tracks which users are online, their chat sessions, their media
// sessions, and last-seen times. It is the in-memory side of presence; the
// storage layer keeps the persisted copy.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	media    map[string]*session
	status   map[string]storage.Status
}

func newRegistry(seed map[string]storage.Status) *registry {
	status := make(map[string]storage.Status, len(seed))
	for username, st := range seed {
		// Sessions do not survive a restart, so nobody starts online.
		status[username] = storage.Status{Online: false, LastSeen: st.LastSeen}
	}
	return &registry{
		sessions: make(map[string]*session),
		media:    make(map[string]*session),
		status:   status,
	}
}

// setOnline binds a chat session to a username and marks the user online.
func (r *registry) setOnline(username string, sess *session, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[username] = sess
	r.status[username] = storage.Status{Online: true, LastSeen: now}
}

// setOffline drops the user's chat session and returns their media session,
// if any, for the caller to close.
func (r *registry) setOffline(username string, now time.Time) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, username)
	media := r.media[username]
	delete(r.media, username)
	r.status[username] = storage.Status{Online: false, LastSeen: now}
	return media
}

// touch refreshes the user's last-seen time.
func (r *registry) touch(username string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[username] = storage.Status{Online: true, LastSeen: now}
}

// online reports whether the user has a bound chat session.
func (r *registry) online(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[username]
	return ok
}

// usersWithStatus decorates a username roster with current presence.
func (r *registry) usersWithStatus(usernames []string) []protocol.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]protocol.User, 0, len(usernames))
	for _, username := range usernames {
		users = append(users, protocol.User{
			Username: username,
			Online:   r.status[username].Online,
		})
	}
	return users
}

// push queues a record for a user's chat session. Returns false if the user
// is not online.
func (r *registry) push(username string, data []byte) bool {
	r.mu.RLock()
	sess := r.sessions[username]
	r.mu.RUnlock()
	if sess == nil {
		return false
	}
	sess.send(data)
	return true
}

// bindMedia attaches a media session to an already-authenticated user.
func (r *registry) bindMedia(username string, sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.media[username] = sess
}

// unbindMedia detaches a media session, but only if it is still the bound
// one: a reconnect may already have replaced it.
func (r *registry) unbindMedia(username string, sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.media[username] == sess {
		delete(r.media, username)
	}
}

// pushMedia queues a record for every recipient's media session except the
// sender's.
func (r *registry) pushMedia(recipients []string, sender string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, username := range recipients {
		if username == sender {
			continue
		}
		if sess := r.media[username]; sess != nil {
			sess.send(data)
		}
	}
}

// stale returns the users marked online whose last heartbeat is older than
// timeout.
func (r *registry) stale(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var usernames []string
	for username, st := range r.status {
		if st.Online && now.Sub(st.LastSeen) > timeout {
			usernames = append(usernames, username)
		}
	}
	return usernames
}

// sessionFor returns the chat session bound to a username, if any.
func (r *registry) sessionFor(username string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[username]
}
