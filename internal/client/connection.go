package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport selects how the client reaches the server. Both transports carry
// the same newline-delimited JSON protocol.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportWS  Transport = "ws"
)

// Conn is a byte-stream connection to the server. Read returns whatever bytes
// are available; framing is the FrameDecoder's concern.
type Conn interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	Close() error
}

// Dial opens a connection to address using the given transport.
func Dial(transport Transport, address string) (Conn, error) {
	switch transport {
	case TransportTCP, "":
		conn, err := net.Dial("tcp", address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		return conn, nil
	case TransportWS:
		conn, _, _, err := ws.Dial(context.Background(), "ws://"+address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to server: %w", err)
		}
		return &wsConn{conn: conn}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// wsConn adapts a WebSocket connection to the byte-stream Conn interface
// using gobwas/ws. Each text frame carries exactly one protocol record, so
// reads re-append the newline delimiter the frame boundary stands in for,
// and writes strip it before framing.
type wsConn struct {
	conn          net.Conn
	readBuffer    []byte
	readBufferPos int
	mu            sync.Mutex
}

func (wc *wsConn) Read(buf []byte) (int, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	if wc.readBufferPos < len(wc.readBuffer) {
		n := copy(buf, wc.readBuffer[wc.readBufferPos:])
		wc.readBufferPos += n
		if wc.readBufferPos >= len(wc.readBuffer) {
			wc.readBuffer = nil
			wc.readBufferPos = 0
		}
		return n, nil
	}

	data, err := wsutil.ReadServerText(wc.conn)
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')

	n := copy(buf, data)
	if n < len(data) {
		wc.readBuffer = data[n:]
		wc.readBufferPos = 0
	}
	return n, nil
}

func (wc *wsConn) Write(data []byte) (int, error) {
	record := bytes.TrimSuffix(data, []byte("\n"))
	if err := wsutil.WriteClientText(wc.conn, record); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (wc *wsConn) Close() error {
	_ = wsutil.WriteClientMessage(wc.conn, ws.OpClose, nil)
	return wc.conn.Close()
}
