// Package client implements the RCord client session layer: one persistent
// connection to the chat server, the newline-delimited JSON protocol over it,
// and the client-side mirror of server state. UI layers drive it through the
// request methods, read the Store, and consume Events; they never mutate the
// Store directly.
package client

import (
	"io"
	"log"
	"sync"

	"github.com/rcord/rcord/pkg/protocol"
)

// messageFetchLimit caps every list_messages request. The server treats a
// missing or zero limit as "all history".
const messageFetchLimit = 100

// EventType classifies events delivered to the UI layer.
type EventType int

const (
	// EventConnected fires when the connection attempt completes.
	EventConnected EventType = iota
	// EventDisconnected fires on connect failure, remote close, or an
	// explicit Disconnect.
	EventDisconnected
	// EventRegistered fires on a register_ok reply.
	EventRegistered
	// EventLoggedIn fires on a login_ok reply, after the identity is stored.
	EventLoggedIn
	// EventError carries a protocol-level failure reply.
	EventError
	// EventUpdated fires after a server record changed the Store.
	EventUpdated
)

// Event is a notification to the UI layer. Message carries the decoded
// server record for events derived from one.
type Event struct {
	Type    EventType
	Action  string
	Err     string
	Message *protocol.ServerMessage
}

// Config addresses the server.
type Config struct {
	Address      string
	MediaAddress string
	Transport    Transport
}

// Client owns the one active server connection. Connection establishment is
// asynchronous: Connect starts the attempt and the result arrives as an
// EventConnected or EventDisconnected. Send is fire-and-forget and silently
// drops while disconnected; ordering relies on the transport's in-order
// delivery.
type Client struct {
	config Config
	dial   func(Transport, string) (Conn, error)

	mu        sync.RWMutex
	conn      Conn
	connected bool
	dialing   bool
	gen       int

	decoder protocol.FrameDecoder
	store   *Store
	events  chan Event
	wg      sync.WaitGroup
}

// New creates a Client for the given server.
func New(config Config) *Client {
	return &Client{
		config: config,
		dial:   Dial,
		store:  NewStore(),
		events: make(chan Event, 32),
	}
}

// Store returns the session state store for display reads.
func (c *Client) Store() *Store {
	return c.store
}

// Events returns the channel of UI notifications.
func (c *Client) Events() <-chan Event {
	return c.events
}

// IsConnected reports whether the connection is established.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect starts a connection attempt. No-op while connected or while an
// attempt is already in flight; the outcome is signaled through Events.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.connected || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	gen := c.gen
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.dial(c.config.Transport, c.config.Address)

		c.mu.Lock()
		c.dialing = false
		if err != nil {
			c.mu.Unlock()
			log.Printf("Failed to connect to %s: %v", c.config.Address, err)
			c.emit(Event{Type: EventDisconnected, Err: err.Error()})
			return
		}
		if c.gen != gen {
			// A Disconnect intervened while the dial was in flight.
			c.mu.Unlock()
			conn.Close()
			c.emit(Event{Type: EventDisconnected})
			return
		}
		c.conn = conn
		c.connected = true
		c.decoder.Reset()
		c.mu.Unlock()

		c.emit(Event{Type: EventConnected})

		c.wg.Add(1)
		go c.receive(conn)
	}()
}

// Disconnect tears down the transport and resets the session. Idempotent and
// safe to call mid-receive: the frame decoder only ever yields complete
// records, so nothing partial is dispatched.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.decoder.Reset()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		c.store.Clear()
		c.emit(Event{Type: EventDisconnected})
	}
}

// Close disconnects and waits for background goroutines to stop.
func (c *Client) Close() {
	c.Disconnect()
	c.wg.Wait()
}

// Send serializes a request and writes it as one delimited record. Silently
// dropped while disconnected; the payload must not define an "action" key.
func (c *Client) Send(action string, payload map[string]any) {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return
	}

	data, err := protocol.Encode(action, payload)
	if err != nil {
		log.Printf("Failed to encode %s request: %v", action, err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		log.Printf("Failed to send %s request: %v", action, err)
	}
}

// receive reads chunks from the connection until it fails, feeding them
// through the frame decoder into dispatch.
func (c *Client) receive(conn Conn) {
	defer c.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading from server: %v", err)
			}
			c.handleClosed(conn)
			return
		}
		if n > 0 {
			c.handleChunk(buf[:n])
		}
	}
}

// handleChunk frames newly arrived bytes and dispatches every complete
// record. A record that fails to parse is dropped with a diagnostic; records
// after it in the same chunk are still dispatched.
func (c *Client) handleChunk(chunk []byte) {
	for _, record := range c.decoder.Feed(chunk) {
		msg, err := protocol.Decode(record)
		if err != nil {
			log.Printf("Dropping malformed record: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

// handleClosed reacts to the remote side closing the connection. If an
// explicit Disconnect already ran, the session is clean and nothing happens.
func (c *Client) handleClosed(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.decoder.Reset()
	c.mu.Unlock()

	conn.Close()
	c.store.Clear()
	c.emit(Event{Type: EventDisconnected})
}

// emit delivers an event without blocking the receive loop. A UI that stops
// draining loses notifications, not protocol state.
func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	default:
		log.Printf("Event channel full, dropping %v event", event.Type)
	}
}

// Request helpers: one per user intent, all fire-and-forget.

// Register requests a new account.
func (c *Client) Register(username, password string) {
	c.Send(protocol.ActionRegister, map[string]any{"username": username, "password": password})
}

// Login authenticates. On login_ok the client refreshes all four rosters.
func (c *Client) Login(username, password string) {
	c.Send(protocol.ActionLogin, map[string]any{"username": username, "password": password})
}

// Heartbeat refreshes server-side presence. Callers schedule it.
func (c *Client) Heartbeat() {
	c.Send(protocol.ActionHeartbeat, map[string]any{})
}

// Logout ends the authenticated session.
func (c *Client) Logout() {
	c.Send(protocol.ActionLogout, map[string]any{})
}

// RefreshUsers requests the user roster.
func (c *Client) RefreshUsers() {
	c.Send(protocol.ActionListUsers, map[string]any{})
}

// RefreshRooms requests the room roster.
func (c *Client) RefreshRooms() {
	c.Send(protocol.ActionListRooms, map[string]any{})
}

// RefreshChats requests the chat roster.
func (c *Client) RefreshChats() {
	c.Send(protocol.ActionListChats, map[string]any{})
}

// RefreshInvites requests the pending invites.
func (c *Client) RefreshInvites() {
	c.Send(protocol.ActionListInvites, map[string]any{})
}

// CreateRoom creates a room owned by the caller.
func (c *Client) CreateRoom(room string) {
	c.Send(protocol.ActionCreateRoom, map[string]any{"room": room})
}

// JoinRoom accepts a room invite (or re-joins an existing membership).
func (c *Client) JoinRoom(room string) {
	c.Send(protocol.ActionJoinRoom, map[string]any{"room": room})
}

// InviteToRoom invites another user into a room.
func (c *Client) InviteToRoom(room, username string) {
	c.Send(protocol.ActionInviteRoom, map[string]any{"room": room, "username": username})
}

// CreateChat opens (or re-opens) a direct chat with a user.
func (c *Client) CreateChat(username string) {
	c.Send(protocol.ActionCreateChat, map[string]any{"username": username})
}

// AcceptChat accepts a chat invite.
func (c *Client) AcceptChat(chat string) {
	c.Send(protocol.ActionAcceptChat, map[string]any{"chat": chat})
}

// DeclineInvite declines a pending invite.
func (c *Client) DeclineInvite(invite protocol.Invite) {
	if invite.Room != "" {
		c.Send(protocol.ActionDeclineRoomInvite, map[string]any{"room": invite.Room})
	} else {
		c.Send(protocol.ActionDeclineChatInvite, map[string]any{"chat": invite.Chat})
	}
}

// SelectChannel makes a channel active and fetches its message log.
func (c *Client) SelectChannel(channel protocol.Channel) {
	c.store.SelectChannel(channel)
	c.refreshMessages(channel)
}

// ClearChannel deselects the active channel.
func (c *Client) ClearChannel() {
	c.store.ClearChannel()
}

// SendText sends a text message to the active channel.
func (c *Client) SendText(text string) {
	channel, ok := c.store.ActiveChannel()
	if !ok {
		return
	}
	payload := map[string]any{"kind": protocol.MessageKindText, "text": text}
	payload[string(channel.Kind)] = channel.Name
	c.Send(protocol.ActionSendMessage, payload)
}

// SendAttachment sends a file or image message to the active channel.
// Content must already be base64-encoded; the client treats it as opaque.
func (c *Client) SendAttachment(kind, filename, content string) {
	channel, ok := c.store.ActiveChannel()
	if !ok {
		return
	}
	payload := map[string]any{"kind": kind, "filename": filename, "content": content}
	payload[string(channel.Kind)] = channel.Name
	c.Send(protocol.ActionSendMessage, payload)
}

// ListMembers requests the member list of a channel.
func (c *Client) ListMembers(channel protocol.Channel) {
	c.Send(protocol.ActionListMembers, map[string]any{string(channel.Kind): channel.Name})
}

func (c *Client) refreshMessages(channel protocol.Channel) {
	payload := map[string]any{"limit": messageFetchLimit}
	payload[string(channel.Kind)] = channel.Name
	c.Send(protocol.ActionListMessages, payload)
}
