package page

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tomyan/pagelens/internal/cdp"
	"github.com/tomyan/pagelens/internal/dom"
)

var keyCodes = map[string]int{
	"Enter":      13,
	"Tab":        9,
	"Escape":     27,
	"Backspace":  8,
	"Delete":     46,
	"ArrowUp":    38,
	"ArrowDown":  40,
	"ArrowLeft":  37,
	"ArrowRight": 39,
	"Home":       36,
	"End":        35,
	"PageUp":     33,
	"PageDown":   34,
	"Space":      32,
}

// Modifier bits of Input.dispatchKeyEvent.
const (
	modAlt   = 1
	modCtrl  = 2
	modMeta  = 4
	modShift = 8
)

var modifierNames = map[string]int{
	"alt":     modAlt,
	"control": modCtrl,
	"ctrl":    modCtrl,
	"meta":    modMeta,
	"cmd":     modMeta,
	"shift":   modShift,
}

// ClickIndex scrolls the element at index into view and clicks its
// centre.
func (s *Service) ClickIndex(ctx context.Context, stateID string, index int) error {
	n, sess, err := s.target(ctx, stateID, index)
	if err != nil {
		return err
	}

	x, y, err := elementCenter(ctx, sess, n.BackendNodeID)
	if err != nil {
		return fmt.Errorf("element %d: %w", index, err)
	}
	if err := dispatchClick(ctx, sess, x, y); err != nil {
		return err
	}

	s.log.Debug("clicked", zap.Int("index", index), zap.Float64("x", x), zap.Float64("y", y))
	return nil
}

// FillIndex focuses the element at index and inserts text as if typed.
func (s *Service) FillIndex(ctx context.Context, stateID string, index int, text string) error {
	n, sess, err := s.target(ctx, stateID, index)
	if err != nil {
		return err
	}

	if _, err := sess.Call(ctx, "DOM.focus", map[string]interface{}{
		"backendNodeId": n.BackendNodeID,
	}); err != nil {
		return fmt.Errorf("focusing element %d: %w", index, err)
	}
	if _, err := sess.Call(ctx, "Input.insertText", map[string]interface{}{
		"text": text,
	}); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}

	s.log.Debug("filled", zap.Int("index", index), zap.Int("runes", len([]rune(text))))
	return nil
}

// PressKey presses a key on the focused element. combo is a key name,
// optionally prefixed by modifiers: "Enter", "Control+a", "Shift+Tab".
func (s *Service) PressKey(ctx context.Context, combo string) error {
	key, mods, err := parseCombo(combo)
	if err != nil {
		return err
	}

	sess, err := s.session(ctx)
	if err != nil {
		return err
	}

	params := map[string]interface{}{
		"type":      "keyDown",
		"key":       key,
		"modifiers": mods,
	}
	if code, ok := keyCodes[key]; ok {
		params["windowsVirtualKeyCode"] = code
		params["nativeVirtualKeyCode"] = code
		if key == "Space" {
			params["key"] = " "
		}
	}
	if k := params["key"].(string); len([]rune(k)) == 1 && mods&^modShift == 0 {
		params["text"] = k
	}

	if _, err := sess.Call(ctx, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("keyDown for %q: %w", combo, err)
	}
	params["type"] = "keyUp"
	delete(params, "text")
	if _, err := sess.Call(ctx, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("keyUp for %q: %w", combo, err)
	}
	return nil
}

// fallbackPageHeight is used when the browser reports no viewport height.
const fallbackPageHeight = 1000

// Scroll turns the mouse wheel over the centre of the viewport by dx, dy
// CSS pixels. Positive dy scrolls down. Element positions change, so the
// current state is discarded.
func (s *Service) Scroll(ctx context.Context, dx, dy float64) error {
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}
	width, height, err := viewport(ctx, sess)
	if err != nil {
		return err
	}
	return s.wheel(ctx, sess, width/2, height/2, dx, dy)
}

// ScrollPages scrolls vertically by pages viewport heights. Negative
// pages scroll up.
func (s *Service) ScrollPages(ctx context.Context, pages float64) error {
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}
	width, height, err := viewport(ctx, sess)
	if err != nil {
		return err
	}
	step := height
	if step <= 0 {
		step = fallbackPageHeight
	}
	return s.wheel(ctx, sess, width/2, height/2, 0, pages*step)
}

func (s *Service) wheel(ctx context.Context, sess *cdp.Session, x, y, dx, dy float64) error {
	if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", map[string]interface{}{
		"type":   "mouseWheel",
		"x":      x,
		"y":      y,
		"deltaX": dx,
		"deltaY": dy,
	}); err != nil {
		return fmt.Errorf("scrolling: %w", err)
	}
	s.invalidate()

	s.log.Debug("scrolled", zap.Float64("dx", dx), zap.Float64("dy", dy))
	return nil
}

// viewport returns the visual viewport size in CSS pixels.
func viewport(ctx context.Context, sess *cdp.Session) (width, height float64, err error) {
	result, err := sess.Call(ctx, "Page.getLayoutMetrics", nil)
	if err != nil {
		return 0, 0, fmt.Errorf("getting layout metrics: %w", err)
	}

	var metrics struct {
		CSSVisualViewport struct {
			ClientWidth  float64 `json:"clientWidth"`
			ClientHeight float64 `json:"clientHeight"`
		} `json:"cssVisualViewport"`
	}
	if err := json.Unmarshal(result, &metrics); err != nil {
		return 0, 0, fmt.Errorf("parsing layout metrics: %w", err)
	}
	return metrics.CSSVisualViewport.ClientWidth, metrics.CSSVisualViewport.ClientHeight, nil
}

func parseCombo(combo string) (key string, mods int, err error) {
	parts := strings.Split(combo, "+")
	key = parts[len(parts)-1]
	if key == "" {
		return "", 0, fmt.Errorf("invalid key %q", combo)
	}
	for _, p := range parts[:len(parts)-1] {
		bit, ok := modifierNames[strings.ToLower(p)]
		if !ok {
			return "", 0, fmt.Errorf("unknown modifier %q in %q", p, combo)
		}
		mods |= bit
	}
	return key, mods, nil
}

// target resolves index to its node and the session of the document it
// lives in.
func (s *Service) target(ctx context.Context, stateID string, index int) (*dom.Node, *cdp.Session, error) {
	n, err := s.lookup(stateID, index)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()

	// Backend node ids are per process; a node inside a separately
	// fetched frame is addressed through that frame's target.
	for i := len(n.Containment) - 1; i >= 0; i-- {
		c := n.Containment[i]
		if c.Kind == dom.ContainmentIframe && remote[c.FrameID] {
			sess, err := s.conn.Attach(ctx, c.FrameID)
			if err != nil {
				return nil, nil, err
			}
			return n, sess, nil
		}
	}

	sess, err := s.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	return n, sess, nil
}

// elementCenter scrolls a node into view and returns the centre of its
// first content quad in viewport coordinates.
func elementCenter(ctx context.Context, sess *cdp.Session, backendNodeID int64) (x, y float64, err error) {
	if _, err := sess.Call(ctx, "DOM.scrollIntoViewIfNeeded", map[string]interface{}{
		"backendNodeId": backendNodeID,
	}); err != nil {
		return 0, 0, fmt.Errorf("scrolling into view: %w", err)
	}

	result, err := sess.Call(ctx, "DOM.getContentQuads", map[string]interface{}{
		"backendNodeId": backendNodeID,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("getting content quads: %w", err)
	}

	var resp struct {
		Quads [][]float64 `json:"quads"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, 0, fmt.Errorf("parsing content quads: %w", err)
	}

	for _, q := range resp.Quads {
		if len(q) < 8 {
			continue
		}
		x = (q[0] + q[2] + q[4] + q[6]) / 4
		y = (q[1] + q[3] + q[5] + q[7]) / 4
		return x, y, nil
	}
	return 0, 0, fmt.Errorf("element has no visible area")
}

// dispatchClick sends mouseMoved, mousePressed and mouseReleased at x, y.
func dispatchClick(ctx context.Context, sess *cdp.Session, x, y float64) error {
	for _, kind := range []string{"mouseMoved", "mousePressed", "mouseReleased"} {
		params := map[string]interface{}{
			"type": kind,
			"x":    x,
			"y":    y,
		}
		if kind != "mouseMoved" {
			params["button"] = "left"
			params["clickCount"] = 1
		}
		if _, err := sess.Call(ctx, "Input.dispatchMouseEvent", params); err != nil {
			return fmt.Errorf("dispatching %s: %w", kind, err)
		}
	}
	return nil
}
