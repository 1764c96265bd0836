package client

import (
	"encoding/base64"
	"io"
	"log"
	"sync"

	"github.com/rcord/rcord/pkg/protocol"
)

// MediaClient is the second stream connection, to the server's media port. It
// carries the same newline-delimited JSON protocol but only the media actions:
// media_login binds the connection to an authenticated chat session, then
// voice_chunk and screen_frame records are relayed between channel members.
// Capture and playback of the media itself belong to the caller; this client
// only moves the records.
type MediaClient struct {
	config Config
	dial   func(Transport, string) (Conn, error)

	mu        sync.RWMutex
	conn      Conn
	connected bool
	dialing   bool
	gen       int

	decoder  protocol.FrameDecoder
	messages chan *protocol.ServerMessage
	wg       sync.WaitGroup
}

// NewMediaClient creates a MediaClient for the media address in config.
func NewMediaClient(config Config) *MediaClient {
	return &MediaClient{
		config:   config,
		dial:     Dial,
		messages: make(chan *protocol.ServerMessage, 64),
	}
}

// Messages returns the channel of inbound media records (voice_chunk,
// screen_frame, and media acks).
func (m *MediaClient) Messages() <-chan *protocol.ServerMessage {
	return m.messages
}

// IsConnected reports whether the media connection is established.
func (m *MediaClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Connect dials the media port. No-op if already connected or while another
// Connect is in flight.
func (m *MediaClient) Connect() error {
	m.mu.Lock()
	if m.connected || m.dialing {
		m.mu.Unlock()
		return nil
	}
	m.dialing = true
	gen := m.gen
	m.mu.Unlock()

	conn, err := m.dial(m.config.Transport, m.config.MediaAddress)

	m.mu.Lock()
	m.dialing = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if m.gen != gen {
		// A Disconnect intervened while the dial was in flight.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.connected = true
	m.decoder.Reset()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.receive(conn)
	return nil
}

// Disconnect closes the media connection. Idempotent; an in-flight dial is
// abandoned rather than committed.
func (m *MediaClient) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.decoder.Reset()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send writes one media record. Silently dropped while disconnected.
func (m *MediaClient) Send(action string, payload map[string]any) {
	m.mu.RLock()
	conn := m.conn
	connected := m.connected
	m.mu.RUnlock()

	if !connected || conn == nil {
		return
	}
	data, err := protocol.Encode(action, payload)
	if err != nil {
		log.Printf("Failed to encode %s record: %v", action, err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		log.Printf("Failed to send %s record: %v", action, err)
	}
}

// Login binds the media connection to the chat session of username.
func (m *MediaClient) Login(username string) {
	m.Send(protocol.ActionMediaLogin, map[string]any{"username": username})
}

// SendVoiceChunk relays one captured audio chunk to a channel.
func (m *MediaClient) SendVoiceChunk(channel protocol.Channel, audio []byte, sampleRate int) {
	m.Send(protocol.ActionVoiceChunk, map[string]any{
		"target":      channel.Target(),
		"audio":       base64.StdEncoding.EncodeToString(audio),
		"sample_rate": sampleRate,
	})
}

// SendScreenFrame relays one encoded screen frame to a channel.
func (m *MediaClient) SendScreenFrame(channel protocol.Channel, frame []byte) {
	m.Send(protocol.ActionScreenFrame, map[string]any{
		"target": channel.Target(),
		"frame":  base64.StdEncoding.EncodeToString(frame),
	})
}

// handleClosed tears down the connection the receive loop was reading from.
// If a Disconnect already cleared it or a new Connect replaced it, the newer
// state is left alone.
func (m *MediaClient) handleClosed(conn Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	m.decoder.Reset()
	m.mu.Unlock()

	conn.Close()
}

func (m *MediaClient) receive(conn Conn) {
	defer m.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading from media server: %v", err)
			}
			m.handleClosed(conn)
			return
		}
		for _, record := range m.decoder.Feed(buf[:n]) {
			msg, decodeErr := protocol.Decode(record)
			if decodeErr != nil {
				log.Printf("Dropping malformed media record: %v", decodeErr)
				continue
			}
			select {
			case m.messages <- msg:
			default:
				// Media is lossy by nature; drop rather than stall.
			}
		}
	}
}
