package server

import (
	"log"
	"time"
)

// monitor periodically marks users offline when their last heartbeat is
// older than the timeout, closing their connections.
func (s *Server) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sweepStale(s.now())
		}
	}
}

// sweepStale disconnects every user whose presence has gone stale.
func (s *Server) sweepStale(now time.Time) {
	for _, username := range s.reg.stale(now, s.heartbeatTimeout) {
		log.Printf("User %s timed out, disconnecting", username)
		if sess := s.reg.sessionFor(username); sess != nil {
			// Closing the conn ends the session loop, which handles the
			// offline transition.
			sess.conn.Close()
			continue
		}
		s.disconnectUser(username)
	}
}
