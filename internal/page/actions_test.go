package page_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/pagelens/internal/dom"
	"github.com/tomyan/pagelens/internal/page"
	"github.com/tomyan/pagelens/internal/testutil"
)

func extracted(t *testing.T, fb *testutil.FakeBrowser) (*page.Service, *dom.State) {
	t.Helper()
	svc := newService(t, fb)
	state, err := svc.ExtractState(context.Background())
	require.NoError(t, err)
	drain(fb)
	return svc, state
}

func TestClickIndex(t *testing.T) {
	fb := newBrowser(t, true)
	fb.HandleJSON("DOM.scrollIntoViewIfNeeded", `{}`)
	fb.HandleJSON("DOM.getContentQuads", `{"quads":[[10,40,90,40,90,60,10,60],[0,0,1,0,1,1,0,1]]}`)
	fb.HandleJSON("Input.dispatchMouseEvent", `{}`)
	svc, state := extracted(t, fb)

	require.NoError(t, svc.ClickIndex(context.Background(), state.ID, 2))

	reqs := drain(fb)
	scroll := only(reqs, "DOM.scrollIntoViewIfNeeded")
	require.Len(t, scroll, 1)
	assert.Equal(t, "S-T1", scroll[0].SessionID)
	assert.Equal(t, float64(5), params(t, scroll[0])["backendNodeId"])

	mouse := only(reqs, "Input.dispatchMouseEvent")
	require.Len(t, mouse, 3)
	for i, kind := range []string{"mouseMoved", "mousePressed", "mouseReleased"} {
		p := params(t, mouse[i])
		assert.Equal(t, kind, p["type"])
		assert.Equal(t, float64(50), p["x"])
		assert.Equal(t, float64(50), p["y"])
	}
	assert.Equal(t, "left", params(t, mouse[1])["button"])
	assert.Equal(t, float64(1), params(t, mouse[2])["clickCount"])
}

func TestClickIndex_NoVisibleArea(t *testing.T) {
	fb := newBrowser(t, true)
	fb.HandleJSON("DOM.scrollIntoViewIfNeeded", `{}`)
	fb.HandleJSON("DOM.getContentQuads", `{"quads":[]}`)
	fb.HandleJSON("Input.dispatchMouseEvent", `{}`)
	svc, state := extracted(t, fb)

	err := svc.ClickIndex(context.Background(), state.ID, 2)
	require.Error(t, err)
	assert.Empty(t, only(drain(fb), "Input.dispatchMouseEvent"))
}

func TestClickIndex_StaleState(t *testing.T) {
	fb := newBrowser(t, true)
	svc, state := extracted(t, fb)
	_, err := svc.ExtractState(context.Background())
	require.NoError(t, err)
	drain(fb)

	err = svc.ClickIndex(context.Background(), state.ID, 2)
	assert.ErrorIs(t, err, page.ErrStaleIndex)
	assert.Empty(t, drain(fb), "nothing is sent for a stale index")
}

func TestFillIndex(t *testing.T) {
	fb := newBrowser(t, true)
	fb.HandleJSON("DOM.focus", `{}`)
	fb.HandleJSON("Input.insertText", `{}`)
	svc, state := extracted(t, fb)

	require.NoError(t, svc.FillIndex(context.Background(), state.ID, 1, "you@example.com"))

	reqs := drain(fb)
	focus := only(reqs, "DOM.focus")
	require.Len(t, focus, 1)
	assert.Equal(t, float64(4), params(t, focus[0])["backendNodeId"])

	insert := only(reqs, "Input.insertText")
	require.Len(t, insert, 1)
	assert.Equal(t, "you@example.com", params(t, insert[0])["text"])
}

func TestFillIndex_FocusFailure(t *testing.T) {
	fb := newBrowser(t, true)
	fb.Handle("DOM.focus", func(testutil.Request) testutil.Reply {
		return testutil.Reply{Error: &testutil.ErrorBody{Code: -32000, Message: "Element is not focusable"}}
	})
	fb.HandleJSON("Input.insertText", `{}`)
	svc, state := extracted(t, fb)

	err := svc.FillIndex(context.Background(), state.ID, 2, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not focusable")
	assert.Empty(t, only(drain(fb), "Input.insertText"))
}

func TestPressKey(t *testing.T) {
	tests := []struct {
		combo     string
		key       string
		modifiers float64
		code      float64
		text      string
	}{
		{combo: "Enter", key: "Enter", code: 13},
		{combo: "a", key: "a", text: "a"},
		{combo: "Shift+A", key: "A", modifiers: 8, text: "A"},
		{combo: "Control+a", key: "a", modifiers: 2},
		{combo: "Ctrl+Shift+Tab", key: "Tab", modifiers: 10, code: 9},
		{combo: "Space", key: " ", code: 32, text: " "},
	}

	for _, tt := range tests {
		t.Run(tt.combo, func(t *testing.T) {
			fb := newBrowser(t, true)
			fb.HandleJSON("Input.dispatchKeyEvent", `{}`)
			svc := newService(t, fb)

			require.NoError(t, svc.PressKey(context.Background(), tt.combo))

			events := only(drain(fb), "Input.dispatchKeyEvent")
			require.Len(t, events, 2)

			down, up := params(t, events[0]), params(t, events[1])
			assert.Equal(t, "keyDown", down["type"])
			assert.Equal(t, "keyUp", up["type"])
			assert.Equal(t, tt.key, down["key"])
			assert.Equal(t, tt.modifiers, down["modifiers"])
			if tt.code != 0 {
				assert.Equal(t, tt.code, down["windowsVirtualKeyCode"])
			}
			if tt.text != "" {
				assert.Equal(t, tt.text, down["text"])
			} else {
				assert.NotContains(t, down, "text")
			}
			assert.NotContains(t, up, "text")
		})
	}
}

func TestPressKey_UnknownModifier(t *testing.T) {
	fb := newBrowser(t, true)
	svc := newService(t, fb)

	err := svc.PressKey(context.Background(), "Hyper+a")
	require.Error(t, err)
	assert.Empty(t, only(drain(fb), "Input.dispatchKeyEvent"))
}

func TestScroll(t *testing.T) {
	fb := newBrowser(t, true)
	fb.HandleJSON("Page.getLayoutMetrics", `{"visualViewport":{"clientWidth":800},"cssVisualViewport":{"clientWidth":800,"clientHeight":600}}`)
	fb.HandleJSON("Input.dispatchMouseEvent", `{}`)
	svc, state := extracted(t, fb)

	require.NoError(t, svc.Scroll(context.Background(), 0, 300))

	wheel := only(drain(fb), "Input.dispatchMouseEvent")
	require.Len(t, wheel, 1)
	p := params(t, wheel[0])
	assert.Equal(t, "mouseWheel", p["type"])
	assert.Equal(t, float64(400), p["x"])
	assert.Equal(t, float64(300), p["y"])
	assert.Equal(t, float64(0), p["deltaX"])
	assert.Equal(t, float64(300), p["deltaY"])
	assert.Equal(t, "S-T1", wheel[0].SessionID)

	// Positions moved, so indices from before the scroll are stale.
	assert.Nil(t, svc.State())
	_, err := svc.ResolveIndex(state.ID, 1)
	assert.ErrorIs(t, err, page.ErrStaleIndex)
}

func TestScrollPages(t *testing.T) {
	fb := newBrowser(t, true)
	fb.HandleJSON("Page.getLayoutMetrics", `{"cssVisualViewport":{"clientWidth":800,"clientHeight":600}}`)
	fb.HandleJSON("Input.dispatchMouseEvent", `{}`)
	svc := newService(t, fb)

	require.NoError(t, svc.ScrollPages(context.Background(), -2))

	wheel := only(drain(fb), "Input.dispatchMouseEvent")
	require.Len(t, wheel, 1)
	assert.Equal(t, float64(-1200), params(t, wheel[0])["deltaY"])
}

func TestScrollPages_UnknownViewportHeight(t *testing.T) {
	fb := newBrowser(t, true)
	fb.HandleJSON("Input.dispatchMouseEvent", `{}`)
	svc := newService(t, fb)

	require.NoError(t, svc.ScrollPages(context.Background(), 1))

	wheel := only(drain(fb), "Input.dispatchMouseEvent")
	require.Len(t, wheel, 1)
	assert.Equal(t, float64(1000), params(t, wheel[0])["deltaY"])
}

func TestScroll_DispatchFailureKeepsState(t *testing.T) {
	fb := newBrowser(t, true)
	fb.Handle("Input.dispatchMouseEvent", func(testutil.Request) testutil.Reply {
		return testutil.Reply{Error: &testutil.ErrorBody{Code: -32000, Message: "Target closed"}}
	})
	svc, state := extracted(t, fb)

	err := svc.Scroll(context.Background(), 0, 100)
	require.Error(t, err)
	assert.Same(t, state, svc.State())
}
