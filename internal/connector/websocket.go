package connector

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Websocket is one side of a websocket connection.
type Websocket struct {
	Conn         net.Conn
	WriteTimeout time.Duration
	state        ws.State
	rw           io.ReadWriter
}

// Upgrade turns an inbound HTTP request into the server side of a websocket connection.
// Deadlines inherited from the HTTP server are cleared; writes get their own.
func Upgrade(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*Websocket, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return &Websocket{Conn: conn, WriteTimeout: writeTimeout, state: ws.StateServerSide, rw: conn}, nil
}

// Dial opens the client side of a websocket connection.
func Dial(appCtx context.Context, url string, timeout time.Duration) (*Websocket, error) {
	ctx := appCtx
	if timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, timeout)
		ctx = timeoutCtx
		defer cancel()
	}
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	var rw io.ReadWriter = conn
	if br != nil {
		// Frames sent right after the handshake may already sit in br.
		rw = bufferedConn{Reader: br, Writer: conn}
	}
	return &Websocket{Conn: conn, WriteTimeout: timeout, state: ws.StateClientSide, rw: rw}, nil
}

// Write writes a text frame on websocket connection.
func (w *Websocket) Write(data []byte) error {
	if w.WriteTimeout > 0 {
		if err := w.Conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout)); err != nil {
			return err
		}
	}
	return wsutil.WriteMessage(w.Conn, w.state, ws.OpText, data)
}

// Read reads the next data frame from websocket connection, answering control frames
// on the way. A close frame from the peer is returned as an error.
func (w *Websocket) Read() ([]byte, error) {
	data, _, err := wsutil.ReadData(w.rw, w.state)
	return data, err
}

// Close closes the underlying connection.
func (w *Websocket) Close() error {
	return w.Conn.Close()
}

type bufferedConn struct {
	*bufio.Reader
	io.Writer
}
