package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dial discovers the browser WebSocket endpoint at host:port and connects
// to it.
func Dial(ctx context.Context, host string, port int, opts ...Option) (*Conn, error) {
	// First, get the WebSocket URL from the JSON endpoint
	jsonURL := fmt.Sprintf("http://%s:%d/json/version", host, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	defer resp.Body.Close()

	var versionResp struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versionResp); err != nil {
		return nil, fmt.Errorf("decoding version response: %w", err)
	}

	if versionResp.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("no WebSocket URL in response")
	}

	return DialURL(ctx, versionResp.WebSocketDebuggerURL, opts...)
}

// DialURL connects to a known browser WebSocket URL.
func DialURL(ctx context.Context, wsURL string, opts ...Option) (*Conn, error) {
	dialer := websocket.Dialer{}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to WebSocket: %w", err)
	}

	c := NewConn(NewWebSocketTransport(ws), opts...)
	c.url = wsURL
	c.log.Info("connected", zap.String("url", wsURL))
	return c, nil
}
