package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tomyan/pagelens/internal/cdp"
	"github.com/tomyan/pagelens/internal/testutil"
)

// newTestConn connects to a fresh fake browser. Both are closed when the
// test ends.
func newTestConn(t *testing.T, opts ...cdp.Option) (*testutil.FakeBrowser, *cdp.Conn) {
	t.Helper()

	fb := testutil.NewFakeBrowser()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := cdp.DialURL(ctx, fb.URL(), opts...)
	if err != nil {
		fb.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		fb.Close()
	})
	return fb, conn
}

// sync round-trips a command so every frame sent before it has been
// processed by the reader.
func syncConn(t *testing.T, fb *testutil.FakeBrowser, conn *cdp.Conn) {
	t.Helper()
	fb.HandleJSON("Test.sync", `{}`)
	if _, err := conn.Call(context.Background(), "Test.sync", nil); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

func TestConn_Call_ReturnsResult(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.HandleJSON("Browser.getVersion", `{"product":"FakeChrome/1.0","protocolVersion":"1.3"}`)

	version, err := conn.Version(context.Background())
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version.Browser != "FakeChrome/1.0" {
		t.Errorf("expected FakeChrome/1.0, got %q", version.Browser)
	}
	if version.ProtocolVersion != "1.3" {
		t.Errorf("expected protocol 1.3, got %q", version.ProtocolVersion)
	}
}

func TestConn_Call_SendsParams(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.HandleJSON("Page.navigate", `{"frameId":"F1"}`)

	_, err := conn.Call(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	req, err := fb.NextRequest("Page.navigate", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("bad params: %v", err)
	}
	if params.URL != "https://example.com" {
		t.Errorf("expected url param, got %q", params.URL)
	}
	if req.ID <= 0 {
		t.Errorf("expected positive request id, got %d", req.ID)
	}
}

func TestConn_Call_ConcurrentCallsGetOwnResponses(t *testing.T) {
	fb, conn := newTestConn(t)

	const n = 50
	// Earlier requests are answered later, so responses arrive reversed.
	fb.Handle("Test.echo", func(req testutil.Request) testutil.Reply {
		var p struct {
			N int `json:"n"`
		}
		json.Unmarshal(req.Params, &p)
		return testutil.Reply{
			Result: map[string]int{"n": p.N},
			Delay:  time.Duration(n-p.N) * 2 * time.Millisecond,
		}
	})

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := conn.Call(context.Background(), "Test.echo", map[string]int{"n": i})
			if err != nil {
				errs <- err
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(result, &got); err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- fmt.Errorf("call %d received response for %d", i, got.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestConn_Call_ForwardsProtocolError(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.Handle("DOM.getDocument", func(testutil.Request) testutil.Reply {
		return testutil.Reply{Error: &testutil.ErrorBody{Code: -32000, Message: "No node with given id found"}}
	})

	_, err := conn.Call(context.Background(), "DOM.getDocument", nil)
	if !errors.Is(err, cdp.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}

	var perr *cdp.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
	if perr.Code != -32000 || perr.Message != "No node with given id found" {
		t.Errorf("error envelope not forwarded verbatim: %+v", perr)
	}
}

func TestConn_Call_ProtocolErrorWithStructuredData(t *testing.T) {
	fb, conn := newTestConn(t, cdp.WithCallTimeout(5*time.Second))
	fb.Handle("DOM.focus", func(testutil.Request) testutil.Reply {
		return testutil.Reply{Error: &testutil.ErrorBody{
			Code:    -32000,
			Message: "Node is detached",
			Data:    map[string]int{"nodeId": 7},
		}}
	})

	_, err := conn.Call(context.Background(), "DOM.focus", nil)
	if errors.Is(err, cdp.ErrTimeout) {
		t.Fatalf("response was dropped: %v", err)
	}
	var perr *cdp.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if got := perr.DataString(); got != `{"nodeId":7}` {
		t.Errorf("data = %q", got)
	}
	if got, want := perr.Error(), `protocol error -32000: Node is detached ({"nodeId":7})`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConn_Call_ProtocolErrorStringDataUnquoted(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.Handle("DOM.focus", func(testutil.Request) testutil.Reply {
		return testutil.Reply{Error: &testutil.ErrorBody{Code: -32602, Message: "Invalid parameters", Data: "backendNodeId: integer value expected"}}
	})

	_, err := conn.Call(context.Background(), "DOM.focus", nil)
	want := "protocol error -32602: Invalid parameters (backendNodeId: integer value expected)"
	if err == nil || err.Error() != want {
		t.Errorf("got %v, want %q", err, want)
	}
}

func TestConn_Call_MalformedResponseFailsCall(t *testing.T) {
	fb, conn := newTestConn(t, cdp.WithCallTimeout(5*time.Second))
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Test.hang", nil)
		done <- err
	}()

	req, err := fb.NextRequest("Test.hang", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	bad := fmt.Sprintf(`{"id":%d,"error":{"code":"oops","message":7}}`, req.ID)
	if err := fb.SendRaw([]byte(bad)); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, cdp.ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call was not failed by its malformed response")
	}

	// The connection keeps working.
	fb.HandleResult("Test.ok", map[string]int{"value": 1})
	if _, err := conn.Call(context.Background(), "Test.ok", nil); err != nil {
		t.Errorf("call after malformed response: %v", err)
	}
}

func TestConn_Call_UnknownMethodIsProtocolError(t *testing.T) {
	_, conn := newTestConn(t)

	_, err := conn.Call(context.Background(), "Nope.nothing", nil)
	if !errors.Is(err, cdp.ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestConn_Call_TimesOut(t *testing.T) {
	fb, conn := newTestConn(t, cdp.WithCallTimeout(50*time.Millisecond))
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	start := time.Now()
	_, err := conn.Call(context.Background(), "Test.hang", nil)
	if !errors.Is(err, cdp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected timeout to match context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestConn_Call_ContextDeadlineIsTimeout(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Call(ctx, "Test.hang", nil)
	if !errors.Is(err, cdp.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestConn_Call_CancelReturnsContextError(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		fb.NextRequest("Test.hang", time.Second)
		cancel()
	}()

	_, err := conn.Call(ctx, "Test.hang", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_Call_TimeoutDoesNotAffectOtherCalls(t *testing.T) {
	fb, conn := newTestConn(t, cdp.WithCallTimeout(100*time.Millisecond))
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })
	fb.Handle("Test.slow", func(testutil.Request) testutil.Reply {
		return testutil.Reply{Result: map[string]bool{"ok": true}, Delay: 20 * time.Millisecond}
	})

	hangErr := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Test.hang", nil)
		hangErr <- err
	}()

	result, err := conn.Call(context.Background(), "Test.slow", nil)
	if err != nil {
		t.Fatalf("unrelated call failed: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result %s", result)
	}

	if err := <-hangErr; !errors.Is(err, cdp.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	// The connection is still usable after a timeout.
	if _, err := conn.Call(context.Background(), "Test.slow", nil); err != nil {
		t.Errorf("call after timeout failed: %v", err)
	}
}

func TestConn_LateResponseIsDropped(t *testing.T) {
	fb, conn := newTestConn(t, cdp.WithCallTimeout(30*time.Millisecond))
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	_, err := conn.Call(context.Background(), "Test.hang", nil)
	if !errors.Is(err, cdp.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	req, err := fb.NextRequest("Test.hang", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := fb.Respond(req.ID, map[string]bool{"late": true}); err != nil {
		t.Fatal(err)
	}

	syncConn(t, fb, conn)
}

func TestConn_MalformedFrameIsDropped(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	done := make(chan error, 1)
	go func() {
		result, err := conn.Call(context.Background(), "Test.hang", nil)
		if err == nil && string(result) != `{"value":1}` {
			err = fmt.Errorf("unexpected result %s", result)
		}
		done <- err
	}()

	req, err := fb.NextRequest("Test.hang", time.Second)
	if err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{`not json`, `{"id":`, `{}`, `[1,2,3]`} {
		if err := fb.SendRaw([]byte(bad)); err != nil {
			t.Fatal(err)
		}
	}
	if err := fb.Respond(req.ID, map[string]int{"value": 1}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("in-flight call failed after malformed frames: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not complete")
	}
}

func TestConn_Close_FailsPendingCalls(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fb := testutil.NewFakeBrowser()
	defer fb.Close()
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	conn, err := cdp.DialURL(context.Background(), fb.URL())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	const k = 5
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := conn.Call(context.Background(), "Test.hang", nil)
			errs <- err
		}()
	}
	for i := 0; i < k; i++ {
		if _, err := fb.NextRequest("Test.hang", time.Second); err != nil {
			t.Fatal(err)
		}
	}

	conn.Close()

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, cdp.ErrClosed) {
				t.Errorf("expected ErrClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call still blocked after Close")
		}
	}
}

func TestConn_Disconnect_FailsPendingCalls(t *testing.T) {
	fb, conn := newTestConn(t)
	fb.Handle("Test.hang", func(testutil.Request) testutil.Reply { return testutil.Reply{NoReply: true} })

	errs := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "Test.hang", nil)
		errs <- err
	}()
	if _, err := fb.NextRequest("Test.hang", time.Second); err != nil {
		t.Fatal(err)
	}

	fb.Disconnect()

	select {
	case err := <-errs:
		if !errors.Is(err, cdp.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call still blocked after disconnect")
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not marked done after disconnect")
	}
	if conn.Err() == nil {
		t.Error("expected a shutdown cause after disconnect")
	}
}

func TestConn_Call_AfterCloseReturnsErrClosed(t *testing.T) {
	_, conn := newTestConn(t)
	conn.Close()

	_, err := conn.Call(context.Background(), "Browser.getVersion", nil)
	if !errors.Is(err, cdp.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConn_Close_Idempotent(t *testing.T) {
	_, conn := newTestConn(t)
	if err := conn.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestConn_Subscribe_ReceivesEvents(t *testing.T) {
	fb, conn := newTestConn(t)

	sub := conn.Subscribe("", "Target.targetCreated")
	defer sub.Close()

	if err := fb.Emit("", "Target.targetCreated", map[string]interface{}{
		"targetInfo": map[string]string{"targetId": "T1"},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.C:
		if ev.Method != "Target.targetCreated" {
			t.Errorf("unexpected method %q", ev.Method)
		}
		if len(ev.Params) == 0 {
			t.Error("expected params")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestConn_Subscribe_AnyMethod(t *testing.T) {
	fb, conn := newTestConn(t)

	sub := conn.Subscribe("", cdp.AnyMethod)
	defer sub.Close()

	fb.Emit("", "Custom.one", map[string]int{})
	fb.Emit("", "Custom.two", map[string]int{})

	for _, want := range []string{"Custom.one", "Custom.two"} {
		select {
		case ev := <-sub.C:
			if ev.Method != want {
				t.Errorf("expected %s, got %s", want, ev.Method)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not delivered", want)
		}
	}
}

func TestConn_Subscribe_DropsWhenFull(t *testing.T) {
	fb, conn := newTestConn(t, cdp.WithEventBuffer(1))

	sub := conn.Subscribe("", "Custom.tick")
	defer sub.Close()

	for i := 0; i < 3; i++ {
		fb.Emit("", "Custom.tick", map[string]int{"i": i})
	}
	syncConn(t, fb, conn)

	got := 0
	for {
		select {
		case <-sub.C:
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Errorf("expected 1 buffered event, got %d", got)
	}
}

func TestConn_Subscribe_ClosedOnShutdown(t *testing.T) {
	fb, conn := newTestConn(t)
	sub := conn.Subscribe("", "Custom.tick")

	fb.Disconnect()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected channel to be closed, got event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on shutdown")
	}

	// Closing after shutdown is harmless.
	sub.Close()
}

func TestConn_Unsubscribe_StopsDelivery(t *testing.T) {
	fb, conn := newTestConn(t)
	sub := conn.Subscribe("", "Custom.tick")
	sub.Close()

	fb.Emit("", "Custom.tick", map[string]int{})
	syncConn(t, fb, conn)

	if _, ok := <-sub.C; ok {
		t.Error("expected no events after Close")
	}
}

func TestDial_DiscoversWebSocketURL(t *testing.T) {
	fb := testutil.NewFakeBrowser()
	defer fb.Close()
	fb.HandleJSON("Browser.getVersion", `{"product":"FakeChrome/1.0"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, port := fb.HostPort()
	conn, err := cdp.Dial(ctx, host, port)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	if conn.URL() != fb.URL() {
		t.Errorf("expected %s, got %s", fb.URL(), conn.URL())
	}
	if _, err := conn.Version(ctx); err != nil {
		t.Errorf("version over discovered URL: %v", err)
	}
}

func TestDial_FailsWithBadPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Port 1 should fail to connect
	_, err := cdp.Dial(ctx, "localhost", 1)
	if err == nil {
		t.Error("expected connection to fail on port 1")
	}
}
