package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Session routes commands and events to one browsing target over the
// shared connection.
type Session struct {
	ID       string
	TargetID string

	conn     *Conn
	detached atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

// Call sends a command to the session's target and waits for the
// response. It fails with ErrSessionClosed once the session is detached.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.conn.send(ctx, s, s.ID, method, params)
}

// Subscribe registers for events named method on this session.
func (s *Session) Subscribe(method string) *Subscription {
	return s.conn.Subscribe(s.ID, method)
}

// Detached reports whether the session can no longer be used.
func (s *Session) Detached() bool {
	return s.detached.Load()
}

// Done is closed when the session is detached or its target goes away.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) markDetached() {
	s.detached.Store(true)
	s.doneOnce.Do(func() { close(s.done) })
}

// Attach returns the session for targetID, attaching with flattened
// session routing on first use. Failure to attach is reported as
// ErrSessionUnavailable.
func (c *Conn) Attach(ctx context.Context, targetID string) (*Session, error) {
	c.sessionsMu.Lock()
	if s, ok := c.sessions[targetID]; ok && !s.Detached() {
		c.sessionsMu.Unlock()
		return s, nil
	}
	c.sessionsMu.Unlock()

	result, err := c.Call(ctx, "Target.attachToTarget", map[string]interface{}{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: attaching to target %s: %w", ErrSessionUnavailable, targetID, err)
	}

	var attachResp struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &attachResp); err != nil {
		return nil, fmt.Errorf("%w: parsing attach response: %v", ErrSessionUnavailable, err)
	}
	if attachResp.SessionID == "" {
		return nil, fmt.Errorf("%w: no session id for target %s", ErrSessionUnavailable, targetID)
	}

	s := &Session{
		ID:       attachResp.SessionID,
		TargetID: targetID,
		conn:     c,
		done:     make(chan struct{}),
	}

	c.sessionsMu.Lock()
	if existing, ok := c.sessions[targetID]; ok && !existing.Detached() {
		// Lost a race with a concurrent Attach; keep the first session.
		c.sessionsMu.Unlock()
		c.Call(ctx, "Target.detachFromTarget", map[string]interface{}{"sessionId": s.ID})
		return existing, nil
	}
	c.sessions[targetID] = s
	c.sessionsByID[s.ID] = s
	c.sessionsMu.Unlock()

	c.log.Info("attached", zap.String("target", targetID), zap.String("session", s.ID))
	return s, nil
}

// Detach detaches the session from its target. Requests still waiting on
// the session fail with ErrSessionClosed.
func (c *Conn) Detach(ctx context.Context, s *Session) error {
	if s.Detached() {
		return nil
	}
	_, err := c.Call(ctx, "Target.detachFromTarget", map[string]interface{}{
		"sessionId": s.ID,
	})
	c.dropSession(s.ID)
	if err != nil {
		return fmt.Errorf("detaching session: %w", err)
	}
	return nil
}

// dropSession invalidates a session and fails its outstanding requests.
func (c *Conn) dropSession(sessionID string) {
	c.sessionsMu.Lock()
	s, ok := c.sessionsByID[sessionID]
	if ok {
		delete(c.sessionsByID, sessionID)
		if c.sessions[s.TargetID] == s {
			delete(c.sessions, s.TargetID)
		}
	}
	c.sessionsMu.Unlock()

	if ok {
		s.markDetached()
		c.log.Info("session detached", zap.String("target", s.TargetID), zap.String("session", sessionID))
	}

	failed := 0
	c.pendingMu.Lock()
	for id, call := range c.pending {
		if call.sessionID == sessionID {
			call.ch <- callResult{err: ErrSessionClosed}
			delete(c.pending, id)
			failed++
		}
	}
	c.pendingMu.Unlock()

	if failed > 0 {
		c.log.Debug("failed requests on detached session", zap.String("session", sessionID), zap.Int("count", failed))
	}
}
