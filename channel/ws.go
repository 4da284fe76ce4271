package channel

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WS is a Channel over a websocket connection. Text frames map to websocket
// text messages and binary frames to binary messages. Sends are serialized;
// Recv must be called from a single goroutine, per the websocket package's
// own concurrency rules.
type WS struct {
	mu   sync.Mutex // serializes writes
	conn *websocket.Conn
}

// NewWS returns a Channel that transmits and receives frames on conn.
func NewWS(conn *websocket.Conn) *WS { return &WS{conn: conn} }

// Send implements part of the Channel interface.
func (w *WS) Send(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	kind := websocket.TextMessage
	if f.Binary {
		kind = websocket.BinaryMessage
	}
	return w.conn.WriteMessage(kind, f.Data)
}

// Recv implements part of the Channel interface. Control frames are
// handled by the websocket package; only data frames are returned.
func (w *WS) Recv() (Frame, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch kind {
		case websocket.TextMessage:
			return Text(data), nil
		case websocket.BinaryMessage:
			return Binary(data), nil
		}
	}
}

// Close implements part of the Channel interface.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
