// Package testutil provides test helpers: a fake DevTools endpoint for
// unit tests and a real headless Chrome for integration tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Request is a command received by the fake browser.
type Request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Reply describes how the fake browser answers a command.
type Reply struct {
	Result interface{}
	Error  *ErrorBody
	// NoReply leaves the command unanswered.
	NoReply bool
	// Delay answers asynchronously after the given duration.
	Delay time.Duration
}

// ErrorBody is a protocol error envelope.
type ErrorBody struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Handler answers one command.
type Handler func(req Request) Reply

// FakeBrowser speaks the DevTools wire format over a real WebSocket. It
// serves /json/version for endpoint discovery.
type FakeBrowser struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	conn     *websocket.Conn
	writeMu  sync.Mutex

	requests chan Request
}

// NewFakeBrowser starts a fake browser. Stop it with Close.
func NewFakeBrowser() *FakeBrowser {
	fb := &FakeBrowser{
		handlers: make(map[string]Handler),
		requests: make(chan Request, 1024),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "FakeChrome/1.0",
			"webSocketDebuggerUrl": fb.URL(),
		})
	})
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.server = httptest.NewServer(mux)

	return fb
}

// URL returns the browser WebSocket URL.
func (fb *FakeBrowser) URL() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http") + "/devtools/browser/fake"
}

// HostPort returns the host and port of the discovery endpoint.
func (fb *FakeBrowser) HostPort() (string, int) {
	addr := fb.server.Listener.Addr().String()
	i := strings.LastIndex(addr, ":")
	var port int
	fmt.Sscanf(addr[i+1:], "%d", &port)
	return addr[:i], port
}

// Handle registers a handler for method, replacing any previous one.
func (fb *FakeBrowser) Handle(method string, h Handler) {
	fb.mu.Lock()
	fb.handlers[method] = h
	fb.mu.Unlock()
}

// HandleResult registers a handler that always answers with result.
func (fb *FakeBrowser) HandleResult(method string, result interface{}) {
	fb.Handle(method, func(Request) Reply { return Reply{Result: result} })
}

// HandleJSON registers a handler that always answers with a raw JSON
// result.
func (fb *FakeBrowser) HandleJSON(method string, result string) {
	fb.HandleResult(method, json.RawMessage(result))
}

// Requests delivers every command the fake browser receives.
func (fb *FakeBrowser) Requests() <-chan Request {
	return fb.requests
}

// NextRequest waits for the next command with the given method.
func (fb *FakeBrowser) NextRequest(method string, timeout time.Duration) (Request, error) {
	deadline := time.After(timeout)
	for {
		select {
		case req := <-fb.requests:
			if req.Method == method {
				return req, nil
			}
		case <-deadline:
			return Request{}, fmt.Errorf("no %s request within %s", method, timeout)
		}
	}
}

// Respond answers a command that was left unanswered.
func (fb *FakeBrowser) Respond(id int64, result interface{}) error {
	return fb.writeJSON(map[string]interface{}{"id": id, "result": result})
}

// Emit sends an event.
func (fb *FakeBrowser) Emit(sessionID, method string, params interface{}) error {
	msg := map[string]interface{}{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	return fb.writeJSON(msg)
}

// SendRaw writes an arbitrary text frame.
func (fb *FakeBrowser) SendRaw(data []byte) error {
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()

	conn := fb.current()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect drops the client connection without a close handshake.
func (fb *FakeBrowser) Disconnect() {
	if conn := fb.current(); conn != nil {
		conn.Close()
	}
}

// Close stops the server.
func (fb *FakeBrowser) Close() {
	fb.Disconnect()
	fb.server.Close()
}

func (fb *FakeBrowser) current() *websocket.Conn {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.conn
}

func (fb *FakeBrowser) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return fb.SendRaw(data)
}

func (fb *FakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()

	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		select {
		case fb.requests <- req:
		default:
		}

		fb.mu.Lock()
		h, ok := fb.handlers[req.Method]
		fb.mu.Unlock()

		reply := Reply{Error: &ErrorBody{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", req.Method)}}
		if ok {
			reply = h(req)
		}
		if reply.NoReply {
			continue
		}

		if reply.Delay > 0 {
			go func(id int64, reply Reply) {
				time.Sleep(reply.Delay)
				fb.answer(id, req.SessionID, reply)
			}(req.ID, reply)
			continue
		}
		fb.answer(req.ID, req.SessionID, reply)
	}
}

func (fb *FakeBrowser) answer(id int64, sessionID string, reply Reply) {
	msg := map[string]interface{}{"id": id}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	if reply.Error != nil {
		msg["error"] = reply.Error
	} else if reply.Result != nil {
		msg["result"] = reply.Result
	} else {
		msg["result"] = map[string]interface{}{}
	}
	fb.writeJSON(msg)
}
