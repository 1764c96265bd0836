package client

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// blockConn holds Read open until released, then fails it with a reset error.
type blockConn struct {
	mu       sync.Mutex
	closed   bool
	released chan struct{}
	once     sync.Once
}

func newBlockConn() *blockConn {
	return &blockConn{released: make(chan struct{})}
}

func (b *blockConn) Read(buf []byte) (int, error) {
	<-b.released
	return 0, errors.New("connection reset")
}

func (b *blockConn) Write(data []byte) (int, error) {
	return len(data), nil
}

func (b *blockConn) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *blockConn) release() {
	b.once.Do(func() { close(b.released) })
}

func (b *blockConn) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func TestMediaClient_StaleReceiveLeavesReplacementAlone(t *testing.T) {
	connA := newBlockConn()
	connB := newBlockConn()
	conns := []*blockConn{connA, connB}

	m := NewMediaClient(Config{MediaAddress: "test"})
	m.dial = func(Transport, string) (Conn, error) {
		conn := conns[0]
		conns = conns[1:]
		return conn, nil
	}

	if err := m.Connect(); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	m.Disconnect()
	if err := m.Connect(); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	// Wake the first connection's receive loop after the replacement is
	// established; it must only tear down its own connection.
	connA.release()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !m.IsConnected() || connB.isClosed() {
			t.Fatalf("stale receive tore down the replacement: connected=%v, closed=%v",
				m.IsConnected(), connB.isClosed())
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.Disconnect()
	connB.release()
	m.wg.Wait()
}

func TestMediaClient_DisconnectDuringDial(t *testing.T) {
	dialStarted := make(chan struct{})
	dialRelease := make(chan struct{})
	conn := newBlockConn()

	m := NewMediaClient(Config{MediaAddress: "test"})
	m.dial = func(Transport, string) (Conn, error) {
		close(dialStarted)
		<-dialRelease
		return conn, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Connect(); err != nil {
			t.Errorf("Connect() error = %v", err)
		}
	}()

	<-dialStarted
	m.Disconnect()
	close(dialRelease)
	<-done

	if m.IsConnected() {
		t.Error("dial committed after Disconnect")
	}
	if !conn.isClosed() {
		t.Error("late-dialed connection left open")
	}
}
