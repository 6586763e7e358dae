package stream

import (
	"context"

	"nhooyr.io/websocket"
)

// wsTransport adapts a nhooyr websocket connection to the Transport
// interface. nhooyr handles protocol-level ping/pong and close frames
// internally; the application-level heartbeat rides on JSON frames.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWSTransport wraps an accepted websocket connection.
func NewWSTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		// The protocol is text frames; binary frames are ignored.
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
