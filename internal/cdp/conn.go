// Package cdp is a multiplexed Chrome DevTools Protocol client. A single
// Conn carries any number of concurrent commands and per-target sessions
// over one WebSocket, correlating responses by id and fanning events out
// to subscribers.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a call whose context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// DefaultEventBuffer is the channel capacity given to each subscriber.
const DefaultEventBuffer = 100

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used by the connection.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.log = logger.Named("cdp")
		}
	}
}

// WithCallTimeout sets the bound applied to calls without a deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithEventBuffer sets the per-subscriber event channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// Conn is a Chrome DevTools Protocol connection. The transport is owned
// by two goroutines: readLoop is the only reader and writeLoop the only
// writer. Callers submit frames and wait on per-request slots.
type Conn struct {
	transport   Transport
	url         string
	log         *zap.Logger
	callTimeout time.Duration
	eventBuffer int

	messageID atomic.Int64
	pending   map[int64]*pendingCall
	pendingMu sync.Mutex

	subs   map[string][]*Subscription // key: "sessionID:method"
	subsMu sync.Mutex

	sessions     map[string]*Session // targetID -> session
	sessionsByID map[string]*Session
	sessionsMu   sync.Mutex

	outbox     chan outbound
	closed     atomic.Bool
	closeOnce  sync.Once
	closeCh    chan struct{}
	closeErr   error
	readerDone chan struct{}
	writerDone chan struct{}
}

type pendingCall struct {
	method    string
	sessionID string
	ch        chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

type outbound struct {
	data  []byte
	errCh chan error
}

// NewConn starts a connection over an established transport.
func NewConn(transport Transport, opts ...Option) *Conn {
	c := &Conn{
		transport:    transport,
		log:          zap.NewNop(),
		callTimeout:  DefaultCallTimeout,
		eventBuffer:  DefaultEventBuffer,
		pending:      make(map[int64]*pendingCall),
		subs:         make(map[string][]*Subscription),
		sessions:     make(map[string]*Session),
		sessionsByID: make(map[string]*Session),
		outbox:       make(chan outbound),
		closeCh:      make(chan struct{}),
		readerDone:   make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	go c.writeLoop()

	return c
}

// URL returns the WebSocket URL this connection was dialed with, if any.
func (c *Conn) URL() string {
	return c.url
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// Err returns the reason the connection shut down, or nil while it is
// alive or after a clean Close.
func (c *Conn) Err() error {
	select {
	case <-c.closeCh:
		return c.closeErr
	default:
		return nil
	}
}

// Close detaches cached sessions (best effort), shuts the connection down
// and waits for its goroutines to exit.
func (c *Conn) Close() error {
	if !c.closed.Load() {
		c.sessionsMu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessionsMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, s := range sessions {
			c.Call(ctx, "Target.detachFromTarget", map[string]interface{}{
				"sessionId": s.ID,
			})
		}
		cancel()
	}

	c.shutdown(nil)
	<-c.readerDone
	<-c.writerDone
	return nil
}

// Call sends a browser-level command and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.send(ctx, nil, "", method, params)
}

// CallSession sends a command routed to sessionID and waits for its
// response.
func (c *Conn) CallSession(ctx context.Context, sessionID string, method string, params interface{}) (json.RawMessage, error) {
	c.sessionsMu.Lock()
	sess := c.sessionsByID[sessionID]
	c.sessionsMu.Unlock()
	return c.send(ctx, sess, sessionID, method, params)
}

func (c *Conn) send(ctx context.Context, sess *Session, sessionID, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if sess != nil && sess.detached.Load() {
		return nil, ErrSessionClosed
	}

	id := c.messageID.Add(1)
	data, err := encodeRequest(id, sessionID, method, params)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{
		method:    method,
		sessionID: sessionID,
		ch:        make(chan callResult, 1),
	}

	// Registration and the close/detach sweeps share pendingMu, so a call
	// is either swept or sees the closed state here.
	c.pendingMu.Lock()
	if c.closed.Load() {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	if sess != nil && sess.detached.Load() {
		c.pendingMu.Unlock()
		return nil, ErrSessionClosed
	}
	c.pending[id] = call
	c.pendingMu.Unlock()

	defer c.forget(id)

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	c.log.Debug("call",
		zap.Int64("id", id),
		zap.String("method", method),
		zap.String("session", sessionID))

	if err := c.write(callCtx, data); err != nil {
		if callCtx.Err() != nil {
			return nil, c.waitErr(callCtx, method)
		}
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-callCtx.Done():
		// A response may have raced the deadline.
		select {
		case res := <-call.ch:
			return res.result, res.err
		default:
		}
		return nil, c.waitErr(callCtx, method)
	}
}

func (c *Conn) waitErr(ctx context.Context, method string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &timeoutError{method: method, cause: context.DeadlineExceeded}
	}
	return ctx.Err()
}

func (c *Conn) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// fulfil resolves the pending slot for id exactly once. It reports false
// when no caller is waiting for id.
func (c *Conn) fulfil(id int64, res callResult) bool {
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		call.ch <- res
	}
	c.pendingMu.Unlock()
	return ok
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	ob := outbound{data: data, errCh: make(chan error, 1)}

	select {
	case c.outbox <- ob:
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ob.errCh:
		return err
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case ob := <-c.outbox:
			if err := c.transport.WriteMessage(ob.data); err != nil {
				ob.errCh <- fmt.Errorf("sending message: %w", ErrClosed)
				c.shutdown(fmt.Errorf("writing frame: %w", err))
				return
			}
			ob.errCh <- nil
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.Info("connection lost", zap.Error(err))
			}
			c.shutdown(fmt.Errorf("reading frame: %w", err))
			return
		}
		c.dispatch(data)
	}
}

// dispatch classifies one inbound frame. A frame that does not parse is
// logged and dropped; it never stops the reader.
func (c *Conn) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		if f != nil && f.ID != nil && c.fulfil(*f.ID, callResult{err: err}) {
			c.log.Warn("failing call on malformed response", zap.Int64("id", *f.ID), zap.Error(err))
			return
		}
		c.log.Warn("dropping frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	if f.ID != nil {
		res := callResult{result: f.Result}
		if f.Error != nil {
			res = callResult{err: f.Error}
		} else if len(res.result) == 0 {
			res.result = json.RawMessage("{}")
		}
		if !c.fulfil(*f.ID, res) {
			c.log.Debug("dropping response with no waiting caller", zap.Int64("id", *f.ID))
		}
		return
	}

	c.handleNotice(f)
	c.publish(Event{SessionID: f.SessionID, Method: f.Method, Params: f.Params})
}

// shutdown fails every pending call, invalidates every session and closes
// every subscription. It runs once.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause

		c.pendingMu.Lock()
		c.closed.Store(true)
		for id, call := range c.pending {
			call.ch <- callResult{err: ErrClosed}
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		close(c.closeCh)
		c.transport.Close()

		c.sessionsMu.Lock()
		for _, s := range c.sessionsByID {
			s.markDetached()
		}
		c.sessions = make(map[string]*Session)
		c.sessionsByID = make(map[string]*Session)
		c.sessionsMu.Unlock()

		c.subsMu.Lock()
		for key, subs := range c.subs {
			for _, s := range subs {
				s.closeLocked()
			}
			delete(c.subs, key)
		}
		c.subsMu.Unlock()
	})
}
