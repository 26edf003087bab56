package cdp

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// AnyMethod subscribes to every event of a session.
const AnyMethod = "*"

// Event is an unsolicited message from the browser.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Subscription receives events matching one session and method.
//
// Delivery is lossy: events are handed to C without blocking the reader,
// and an event that finds C full is dropped. Events are signals (a load
// fired, a target went away), not state, so a subscriber that stops
// reading only misses signals. C is closed by Close or when the
// connection shuts down.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	key    string
	conn   *Conn
	closed bool
}

// Subscribe registers for events named method on sessionID. An empty
// sessionID selects browser-level events; AnyMethod matches every method.
func (c *Conn) Subscribe(sessionID, method string) *Subscription {
	ch := make(chan Event, c.eventBuffer)
	sub := &Subscription{
		C:    ch,
		ch:   ch,
		key:  sessionID + ":" + method,
		conn: c,
	}

	c.subsMu.Lock()
	if c.closed.Load() {
		sub.closeLocked()
	} else {
		c.subs[sub.key] = append(c.subs[sub.key], sub)
	}
	c.subsMu.Unlock()

	return sub
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	c := s.conn
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subs := c.subs[s.key]
	for i, h := range subs {
		if h == s {
			c.subs[s.key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subs[s.key]) == 0 {
		delete(c.subs, s.key)
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (c *Conn) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	delivered := 0
	for _, key := range []string{ev.SessionID + ":" + ev.Method, ev.SessionID + ":" + AnyMethod} {
		for _, s := range c.subs[key] {
			select {
			case s.ch <- ev:
				delivered++
			default:
				c.log.Debug("subscriber full, dropping event", zap.String("method", ev.Method))
			}
		}
	}

	if delivered == 0 {
		c.log.Debug("event without listener", zap.String("method", ev.Method), zap.String("session", ev.SessionID))
	}
}

// handleNotice reacts to out-of-band connection and target notices before
// they are published.
func (c *Conn) handleNotice(f *frame) {
	switch f.Method {
	case "Target.detachedFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
			TargetID  string `json:"targetId"`
		}
		if err := json.Unmarshal(f.Params, &p); err != nil {
			c.log.Warn("bad detach notice", zap.Error(err))
			return
		}
		c.dropSession(p.SessionID)
	case "Target.targetDestroyed", "Target.targetCrashed":
		var p struct {
			TargetID string `json:"targetId"`
		}
		if err := json.Unmarshal(f.Params, &p); err != nil {
			c.log.Warn("bad target notice", zap.Error(err))
			return
		}
		c.sessionsMu.Lock()
		s := c.sessions[p.TargetID]
		c.sessionsMu.Unlock()
		if s != nil {
			c.dropSession(s.ID)
		}
	case "Inspector.detached":
		var p struct {
			Reason string `json:"reason"`
		}
		json.Unmarshal(f.Params, &p)
		if f.SessionID != "" {
			c.dropSession(f.SessionID)
			return
		}
		c.log.Info("browser detached inspector", zap.String("reason", p.Reason))
		c.shutdown(fmt.Errorf("inspector detached (%s): %w", p.Reason, ErrClosed))
	}
}
