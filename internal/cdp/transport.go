package cdp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is a duplex, message-framed stream. Conn reads from it on one
// goroutine and writes to it on another; implementations need not be safe
// for concurrent readers or concurrent writers.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// wsTransport carries protocol frames as WebSocket text messages.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	// Best effort close handshake; the browser may already be gone.
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

type request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// frame is any inbound message. Responses carry an id; events carry a
// method and no id. Unknown fields are ignored.
type frame struct {
	ID        *int64          `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func encodeRequest(id int64, sessionID, method string, params interface{}) ([]byte, error) {
	req := request{
		ID:        id,
		Method:    method,
		SessionID: sessionID,
	}

	if params != nil {
		switch p := params.(type) {
		case json.RawMessage:
			req.Params = p
		default:
			data, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("marshaling params: %w", err)
			}
			req.Params = data
		}
	}

	return json.Marshal(req)
}

// decodeFrame reads the id before the body, so a response whose body does
// not decode still names the call it answers. In that case the returned
// frame carries only the id alongside the error.
func decodeFrame(data []byte) (*frame, error) {
	var head struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformed, err)
		if head.ID != nil {
			return &frame{ID: head.ID}, err
		}
		return nil, err
	}
	if f.ID == nil && f.Method == "" {
		return nil, fmt.Errorf("%w: neither id nor method", ErrMalformed)
	}
	return &f, nil
}
