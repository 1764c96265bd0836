// Package server implements the RCord chat server: a chat listener and a
// media listener, both speaking newline-delimited JSON over raw TCP or
// WebSocket on the same port, backed by the storage package.
package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcord/rcord/internal/config"
	"github.com/rcord/rcord/internal/storage"
	"github.com/rcord/rcord/pkg/protocol"
)

// Server accepts chat and media connections and routes every request through
// the action handler.
type Server struct {
	addr             string
	mediaAddr        string
	heartbeatTimeout time.Duration
	checkInterval    time.Duration

	store *storage.Store
	reg   *registry

	mu            sync.RWMutex
	listener      net.Listener
	mediaListener net.Listener
	clients       map[*session]bool
	quit          chan struct{}
	wg            sync.WaitGroup

	now func() time.Time
}

// New creates a Server over an opened store.
func New(cfg config.Server, store *storage.Store) *Server {
	return &Server{
		addr:             cfg.Addr(),
		mediaAddr:        cfg.MediaAddr(),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		checkInterval:    cfg.CheckInterval,
		store:            store,
		reg:              newRegistry(store.Statuses()),
		clients:          make(map[*session]bool),
		quit:             make(chan struct{}),
		now:              time.Now,
	}
}

// Start listens on both ports and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Printf("Server listening on %s (TCP and WebSocket)", listener.Addr().String())

	mediaListener, err := net.Listen("tcp", s.mediaAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to start media server: %w", err)
	}
	log.Printf("Media server listening on %s", mediaListener.Addr().String())

	s.mu.Lock()
	s.listener = listener
	s.mediaListener = mediaListener
	s.mu.Unlock()

	s.wg.Add(3)
	go s.accept(listener, s.serveChat)
	go s.accept(mediaListener, s.serveMedia)
	go s.monitor()

	<-s.quit
	return nil
}

// Stop closes the listeners, disconnects every client, and waits for all
// goroutines to finish.
func (s *Server) Stop() {
	close(s.quit)

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.mediaListener != nil {
		s.mediaListener.Close()
	}
	for sess := range s.clients {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr returns the chat listener's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// MediaAddr returns the media listener's address.
func (s *Server) MediaAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mediaListener != nil {
		return s.mediaListener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of open connections, chat and media.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) accept(listener net.Listener, serve func(*session)) {
	defer s.wg.Done()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("Failed to accept connection: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c, err := detect(netConn)
			if err != nil {
				log.Printf("Failed to set up connection: %v", err)
				netConn.Close()
				return
			}

			sess := &session{
				id:       uuid.NewString(),
				conn:     c,
				outgoing: make(chan []byte, 32),
			}
			s.mu.Lock()
			s.clients[sess] = true
			s.mu.Unlock()

			serve(sess)
		}()
	}
}

// serveChat runs one chat session: a writer goroutine draining outgoing, and
// a read loop feeding records to the action handler.
func (s *Server) serveChat(sess *session) {
	defer func() {
		if sess.username != "" {
			s.disconnectUser(sess.username)
		}
		s.teardown(sess)
	}()

	s.runSession(sess, s.handleChat)
}

// serveMedia runs one media session.
func (s *Server) serveMedia(sess *session) {
	defer func() {
		if sess.username != "" {
			s.reg.unbindMedia(sess.username, sess)
		}
		s.teardown(sess)
	}()

	s.runSession(sess, s.handleMedia)
}

// runSession owns the session's writer goroutine and read loop. handle is
// called once per complete record; returning false ends the session.
func (s *Server) runSession(sess *session, handle func(*session, []byte) bool) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range sess.outgoing {
			if _, err := sess.conn.Write(data); err != nil {
				log.Printf("Failed to write to session %s: %v", sess.id, err)
				return
			}
		}
	}()
	defer func() {
		sess.closeOutgoing()
		<-writerDone
	}()

	var decoder protocol.FrameDecoder
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				select {
				case <-s.quit:
				default:
					log.Printf("Error reading from session %s: %v", sess.id, err)
				}
			}
			return
		}
		for _, record := range decoder.Feed(buf[:n]) {
			if !handle(sess, record) {
				return
			}
		}
	}
}

// teardown closes the connection and forgets the session.
func (s *Server) teardown(sess *session) {
	sess.conn.Close()
	s.mu.Lock()
	delete(s.clients, sess)
	s.mu.Unlock()
}

// disconnectUser marks a user offline and closes their media session.
func (s *Server) disconnectUser(username string) {
	now := s.now().UTC()
	media := s.reg.setOffline(username, now)
	if media != nil {
		media.conn.Close()
	}
	if err := s.store.SetStatus(username, false, now); err != nil {
		log.Printf("Failed to persist status for %s: %v", username, err)
	}
	log.Printf("User %s disconnected", username)
}
