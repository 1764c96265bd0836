package server

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// conn is a byte-stream connection to one client. Both transports present the
// same interface; framing happens above, in the FrameDecoder.
type conn interface {
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
	Close() error
}

// httpMethods are the prefixes that mark an incoming connection as an HTTP
// request, and therefore a WebSocket upgrade rather than a raw TCP client.
var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
	[]byte("OPTI"), []byte("PATC"), []byte("DELE"), []byte("CONN"),
}

// detect sniffs the first bytes of an accepted connection and returns either
// the raw TCP stream or an upgraded WebSocket, so one listener serves both
// kinds of client.
func detect(netConn net.Conn) (conn, error) {
	reader := bufio.NewReader(netConn)
	prefix, err := reader.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to peek connection: %w", err)
	}

	buffered := &bufferedConn{Conn: netConn, reader: reader}
	for _, method := range httpMethods {
		if bytes.HasPrefix(prefix, method) {
			if _, err := ws.Upgrade(buffered); err != nil {
				return nil, fmt.Errorf("failed to upgrade connection: %w", err)
			}
			return &wsServerConn{conn: buffered}, nil
		}
	}
	return buffered, nil
}

// bufferedConn keeps reads going through the peek buffer while writes hit the
// socket directly.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(buf []byte) (int, error) {
	return bc.reader.Read(buf)
}

// wsServerConn adapts an upgraded WebSocket to the byte-stream conn
// interface. One text frame carries one protocol record, so reads re-append
// the newline delimiter and writes strip it.
type wsServerConn struct {
	conn          *bufferedConn
	readBuffer    []byte
	readBufferPos int
	readMu        sync.Mutex
	writeMu       sync.Mutex
}

func (wc *wsServerConn) Read(buf []byte) (int, error) {
	wc.readMu.Lock()
	defer wc.readMu.Unlock()

	if wc.readBufferPos < len(wc.readBuffer) {
		n := copy(buf, wc.readBuffer[wc.readBufferPos:])
		wc.readBufferPos += n
		if wc.readBufferPos >= len(wc.readBuffer) {
			wc.readBuffer = nil
			wc.readBufferPos = 0
		}
		return n, nil
	}

	data, err := wsutil.ReadClientText(wc.conn)
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

func (wc *wsServerConn) Write(data []byte) (int, error) {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	record := bytes.TrimSuffix(data, []byte("\n"))
	if err := wsutil.WriteServerText(wc.conn, record); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (wc *wsServerConn) Close() error {
	wc.writeMu.Lock()
	_ = wsutil.WriteServerMessage(wc.conn, ws.OpClose, nil)
	wc.writeMu.Unlock()
	return wc.conn.Close()
}
