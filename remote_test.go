package selenium

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wanmail/seleniumrunner/chrome"
	"github.com/wanmail/seleniumrunner/internal/webdrivertest"
	"github.com/wanmail/seleniumrunner/log"
)

func newTestRemote(t *testing.T, legacy bool) (*webdrivertest.Server, WebDriver) {
	t.Helper()
	srv := webdrivertest.NewServer()
	srv.Legacy = legacy
	t.Cleanup(srv.Close)

	caps := Capabilities{"browserName": "chrome"}
	caps.AddChrome(chrome.Capabilities{Args: []string{"--headless=new"}, W3C: true})
	wd, err := NewRemote(context.Background(), caps, srv.URL)
	if err != nil {
		t.Fatalf("NewRemote() returned error: %v", err)
	}
	return srv, wd
}

// sessionRequests returns the requests made on the session, with the session
// ID replaced by "ID".
func sessionRequests(srv *webdrivertest.Server, id string) []string {
	var out []string
	for _, r := range srv.Requests() {
		if strings.Contains(r, "/session/"+id) {
			out = append(out, strings.Replace(r, id, "ID", 1))
		}
	}
	return out
}

func TestNewRemote(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	if !wd.W3C() {
		t.Error("wd.W3C() = false, want true")
	}
	if got, want := wd.SessionID(), "session-1"; got != want {
		t.Errorf("wd.SessionID() = %q, want %q", got, want)
	}

	sessions := srv.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("server has %d sessions, want 1", len(sessions))
	}
	opts, ok := sessions[0].Requested[chrome.CapabilitiesKey].(map[string]interface{})
	if !ok {
		t.Fatalf("requested capabilities %v lack %s", sessions[0].Requested, chrome.CapabilitiesKey)
	}
	if diff := cmp.Diff([]interface{}{"--headless=new"}, opts["args"]); diff != "" {
		t.Errorf("chrome args differ (-want +got):\n%s", diff)
	}

	caps, err := wd.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("wd.Capabilities() returned error: %v", err)
	}
	if caps.BrowserName() != "chrome" || caps.BrowserVersion() != "120.0.6099.109" || caps.PlatformName() != "linux" {
		t.Errorf("wd.Capabilities() = %v", caps)
	}
}

func TestNewRemoteLegacy(t *testing.T) {
	srv, wd := newTestRemote(t, true)
	if wd.W3C() {
		t.Error("wd.W3C() = true, want false")
	}
	caps, err := wd.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("wd.Capabilities() returned error: %v", err)
	}
	if caps.BrowserVersion() != "120.0.6099.109" || caps.PlatformName() != "LINUX" {
		t.Errorf("wd.Capabilities() = %v", caps)
	}
	// Legacy capabilities are fetched from the session.
	if diff := cmp.Diff([]string{"GET /session/ID"}, sessionRequests(srv, wd.SessionID())); diff != "" {
		t.Errorf("requests differ (-want +got):\n%s", diff)
	}
}

func TestNewRemoteErrors(t *testing.T) {
	srv := webdrivertest.NewServer()
	defer srv.Close()

	_, err := NewRemote(context.Background(), Capabilities{"browserName": "firefox"}, srv.URL)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("NewRemote() error = %v, want *Error", err)
	}
	if e.Err != ErrSessionNotCreated || e.HTTPCode != http.StatusInternalServerError {
		t.Errorf("NewRemote() error = %+v", e)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", JSONType)
		w.Write([]byte(`{"value": {}}`))
	}))
	defer empty.Close()
	if _, err := NewRemote(context.Background(), Capabilities{}, empty.URL); err == nil {
		t.Error("NewRemote() with no session ID in the reply returned nil error")
	}
}

func TestStatus(t *testing.T) {
	_, wd := newTestRemote(t, false)
	status, err := wd.Status(context.Background())
	if err != nil {
		t.Fatalf("wd.Status() returned error: %v", err)
	}
	if !status.Ready {
		t.Errorf("status.Ready = false")
	}
}

func TestDialectEndpoints(t *testing.T) {
	for _, tc := range []struct {
		legacy bool
		want   []string
	}{
		{
			legacy: false,
			want: []string{
				"POST /session/ID/timeouts",
				"POST /session/ID/window/rect",
				"POST /session/ID/execute/sync",
				"POST /session/ID/execute/async",
			},
		},
		{
			legacy: true,
			want: []string{
				"POST /session/ID/timeouts",
				"POST /session/ID/timeouts",
				"POST /session/ID/window/current/size",
				"POST /session/ID/execute",
				"POST /session/ID/execute_async",
			},
		},
	} {
		name := "w3c"
		if tc.legacy {
			name = "legacy"
		}
		t.Run(name, func(t *testing.T) {
			srv, wd := newTestRemote(t, tc.legacy)
			srv.ScriptResult("return 1;", 1)
			srv.ScriptResult("arguments[0](2);", 2)
			ctx := context.Background()

			if err := wd.SetTimeouts(ctx, Timeouts{Script: 5 * time.Second, PageLoad: 20 * time.Second}); err != nil {
				t.Fatalf("wd.SetTimeouts() returned error: %v", err)
			}
			if err := wd.ResizeWindow(ctx, 1024, 768); err != nil {
				t.Fatalf("wd.ResizeWindow() returned error: %v", err)
			}
			if v, err := wd.ExecuteScript(ctx, "return 1;", nil); err != nil || v != 1.0 {
				t.Fatalf("wd.ExecuteScript() = %v, %v", v, err)
			}
			if v, err := wd.ExecuteScriptAsync(ctx, "arguments[0](2);", nil); err != nil || v != 2.0 {
				t.Fatalf("wd.ExecuteScriptAsync() = %v, %v", v, err)
			}

			if diff := cmp.Diff(tc.want, sessionRequests(srv, wd.SessionID())); diff != "" {
				t.Errorf("requests differ (-want +got):\n%s", diff)
			}
			sess := srv.Sessions()[0]
			if sess.Timeouts["script"] != 5*time.Second || sess.Timeouts["pageLoad"] != 20*time.Second {
				t.Errorf("session timeouts = %v", sess.Timeouts)
			}
			if sess.Width != 1024 || sess.Height != 768 {
				t.Errorf("window = %dx%d, want 1024x768", sess.Width, sess.Height)
			}
		})
	}
}

func TestSetTimeoutsZero(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	if err := wd.SetTimeouts(context.Background(), Timeouts{}); err != nil {
		t.Fatalf("wd.SetTimeouts() returned error: %v", err)
	}
	if got := sessionRequests(srv, wd.SessionID()); len(got) != 0 {
		t.Errorf("zero timeouts sent requests %v", got)
	}
}

func TestNavigation(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		srv, wd := newTestRemote(t, legacy)
		ctx := context.Background()
		if err := wd.Get(ctx, "http://example.com/"); err != nil {
			t.Fatalf("wd.Get() returned error: %v", err)
		}
		if u, err := wd.CurrentURL(ctx); err != nil || u != "http://example.com/" {
			t.Errorf("wd.CurrentURL() = %q, %v", u, err)
		}
		if title, err := wd.Title(ctx); err != nil || title != "Fake page" {
			t.Errorf("wd.Title() = %q, %v", title, err)
		}

		srv.FailPage("http://bad.example/", ErrUnknownError, "net::ERR_NAME_NOT_RESOLVED")
		err := wd.Get(ctx, "http://bad.example/")
		var e *Error
		if !errors.As(err, &e) || e.Err != ErrUnknownError || !strings.Contains(e.Message, "ERR_NAME_NOT_RESOLVED") {
			t.Errorf("legacy=%t: wd.Get() error = %#v", legacy, err)
		}
	}
}

func TestPageLoadTimeout(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		srv, wd := newTestRemote(t, legacy)
		ctx := context.Background()
		if err := wd.SetTimeouts(ctx, Timeouts{PageLoad: 50 * time.Millisecond}); err != nil {
			t.Fatal(err)
		}
		srv.DelayPage("http://slow.example/", time.Minute)
		err := wd.Get(ctx, "http://slow.example/")
		if !IsTimeout(err) {
			t.Errorf("legacy=%t: wd.Get() error = %v, want a timeout", legacy, err)
		}
		if IsScriptError(err) {
			t.Errorf("legacy=%t: IsScriptError(%v) = true", legacy, err)
		}
	}
}

func TestExecuteScript(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	srv.HandleScript("return arguments[0] + arguments[1];", func(args []interface{}) (interface{}, error) {
		return args[0].(float64) + args[1].(float64), nil
	})
	srv.ScriptResult("return {a: [1, 'x']};", map[string]interface{}{"a": []interface{}{1, "x"}})
	srv.ScriptResult("return null;", nil)
	ctx := context.Background()

	v, err := wd.ExecuteScript(ctx, "return arguments[0] + arguments[1];", []interface{}{2, 3})
	if err != nil || v != 5.0 {
		t.Errorf("wd.ExecuteScript(sum) = %v, %v", v, err)
	}
	v, err = wd.ExecuteScript(ctx, "return {a: [1, 'x']};", nil)
	if err != nil {
		t.Fatalf("wd.ExecuteScript(object) returned error: %v", err)
	}
	if diff := cmp.Diff(map[string]interface{}{"a": []interface{}{1.0, "x"}}, v); diff != "" {
		t.Errorf("object result differs (-want +got):\n%s", diff)
	}
	if v, err := wd.ExecuteScript(ctx, "return null;", nil); err != nil || v != nil {
		t.Errorf("wd.ExecuteScript(null) = %v, %v", v, err)
	}

	raw, err := wd.ExecuteScriptRaw(ctx, "return {a: [1, 'x']};", nil)
	if err != nil {
		t.Fatalf("wd.ExecuteScriptRaw() returned error: %v", err)
	}
	if !strings.Contains(string(raw), `"value":{"a":[1,"x"]}`) {
		t.Errorf("wd.ExecuteScriptRaw() = %s", raw)
	}
}

func TestExecuteScriptErrors(t *testing.T) {
	for _, legacy := range []bool{false, true} {
		srv, wd := newTestRemote(t, legacy)
		srv.ScriptError("throw new Error('boom');", ErrJavascript, "Error: boom")
		srv.HandleScript("while (true) {}", func([]interface{}) (interface{}, error) {
			time.Sleep(time.Second)
			return nil, nil
		})
		ctx := context.Background()

		_, err := wd.ExecuteScript(ctx, "throw new Error('boom');", nil)
		if !IsScriptError(err) {
			t.Errorf("legacy=%t: IsScriptError(%v) = false", legacy, err)
		}
		var e *Error
		if errors.As(err, &e) && legacy && e.LegacyCode != 17 {
			t.Errorf("legacy code = %d, want 17", e.LegacyCode)
		}
		if !strings.Contains(err.Error(), "boom") {
			t.Errorf("error %q lacks the script message", err)
		}

		if err := wd.SetTimeouts(ctx, Timeouts{Script: 50 * time.Millisecond}); err != nil {
			t.Fatal(err)
		}
		_, err = wd.ExecuteScript(ctx, "while (true) {}", nil)
		if !IsTimeout(err) {
			t.Errorf("legacy=%t: IsTimeout(%v) = false", legacy, err)
		}
	}
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		desc   string
		status int
		body   string
		want   *Error
	}{
		{
			desc:   "w3c",
			status: http.StatusNotFound,
			body:   `{"value": {"error": "no such element", "message": "not here", "stacktrace": "at x"}}`,
			want:   &Error{Err: ErrNoSuchElement, Message: "not here", Stacktrace: "at x", HTTPCode: 404},
		},
		{
			desc:   "legacy",
			status: http.StatusInternalServerError,
			body:   `{"status": 28, "value": {"message": "slow"}}`,
			want:   &Error{Err: ErrScriptTimeout, Message: "slow", HTTPCode: 500, LegacyCode: 28},
		},
		{
			desc:   "unknown legacy code",
			status: http.StatusInternalServerError,
			body:   `{"status": 99, "value": "plain"}`,
			want:   &Error{Err: "unknown error - 99", HTTPCode: 500, LegacyCode: 99},
		},
		{
			desc:   "not JSON",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			want:   &Error{Err: ErrUnknownError, Message: "bad server reply status: 502 Bad Gateway", HTTPCode: 502},
		},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tc.status,
				Status:     fmt.Sprintf("%d %s", tc.status, http.StatusText(tc.status)),
			}
			err := decodeError(resp, []byte(tc.body))
			if diff := cmp.Diff(tc.want, err); diff != "" {
				t.Errorf("decodeError() differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	if got, want := (&Error{Err: ErrTimeout}).Error(), "timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, want := (&Error{Err: ErrTimeout, Message: "slow"}).Error(), "timeout: slow"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	wrapped := errors.Join(errors.New("context"), &Error{Err: ErrScriptTimeout})
	if !IsTimeout(wrapped) {
		t.Error("IsTimeout() does not see through wrapping")
	}
	if IsTimeout(errors.New("timeout")) {
		t.Error("IsTimeout() = true for a plain error")
	}
}

func TestLegacyStatusInOKReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", JSONType)
		if r.Method == "POST" && r.URL.Path == "/session" {
			w.Write([]byte(`{"sessionId": "abc", "status": 0, "value": {"browserName": "firefox"}}`))
			return
		}
		// Old servers signal errors in the status field of a 200 reply.
		w.Write([]byte(`{"sessionId": "abc", "status": 21, "value": {"message": "too slow"}}`))
	}))
	defer srv.Close()

	wd, err := NewRemote(context.Background(), Capabilities{}, srv.URL)
	if err != nil {
		t.Fatalf("NewRemote() returned error: %v", err)
	}
	err = wd.Get(context.Background(), "http://example.com")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("wd.Get() error = %v, want *Error", err)
	}
	if diff := cmp.Diff(&Error{Err: ErrTimeout, Message: "too slow", HTTPCode: 200, LegacyCode: 21}, e); diff != "" {
		t.Errorf("error differs (-want +got):\n%s", diff)
	}
}

func TestScreenshot(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	png, err := wd.Screenshot(context.Background())
	if err != nil {
		t.Fatalf("wd.Screenshot() returned error: %v", err)
	}
	if string(png) != string(srv.ScreenshotPNG) {
		t.Errorf("wd.Screenshot() = %q, want %q", png, srv.ScreenshotPNG)
	}
}

func TestLog(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC)
	srv.AddLog(string(log.Browser), string(log.Severe), "console error", ts)
	srv.AddLog(string(log.Browser), string(log.Info), "hello", ts.Add(time.Second))

	msgs, err := wd.Log(context.Background(), log.Browser)
	if err != nil {
		t.Fatalf("wd.Log() returned error: %v", err)
	}
	want := []log.Message{
		{Timestamp: ts, Level: log.Severe, Message: "console error"},
		{Timestamp: ts.Add(time.Second), Level: log.Info, Message: "hello"},
	}
	if diff := cmp.Diff(want, msgs, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("wd.Log() differs (-want +got):\n%s", diff)
	}

	msgs, err = wd.Log(context.Background(), log.Browser)
	if err != nil || len(msgs) != 0 {
		t.Errorf("second wd.Log() = %v, %v, want no entries", msgs, err)
	}
}

func TestLogTime(t *testing.T) {
	tests := []struct {
		ms   float64
		want time.Time
	}{
		{1704164645006, time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC)},
		{1704164645006.5, time.Date(2024, 1, 2, 3, 4, 5, 6e6+5e5, time.UTC)},
		{0, time.Unix(0, 0)},
	}
	for _, tc := range tests {
		if got := logTime(tc.ms); !got.Equal(tc.want) {
			t.Errorf("logTime(%f) = %v, want %v", tc.ms, got, tc.want)
		}
	}
}

func TestQuit(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	ctx := context.Background()
	if err := wd.Quit(ctx); err != nil {
		t.Fatalf("wd.Quit() returned error: %v", err)
	}
	if !srv.Sessions()[0].Quit {
		t.Error("session not deleted")
	}
	if wd.SessionID() != "" {
		t.Errorf("wd.SessionID() = %q after Quit", wd.SessionID())
	}
	// A second Quit has nothing to do.
	if err := wd.Quit(ctx); err != nil {
		t.Errorf("second wd.Quit() returned error: %v", err)
	}
}

func TestContextCanceled(t *testing.T) {
	srv, wd := newTestRemote(t, false)
	srv.DelayPage("http://slow.example/", 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := wd.Get(ctx, "http://slow.example/")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wd.Get() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestWait(t *testing.T) {
	_, wd := newTestRemote(t, false)
	ctx := context.Background()

	t.Run("condition met", func(t *testing.T) {
		calls := 0
		cond := func(ctx context.Context, wd WebDriver) (bool, error) {
			calls++
			return calls == 3, nil
		}
		if err := wd.WaitWithTimeoutAndInterval(ctx, cond, time.Second, 10*time.Millisecond); err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
		if calls != 3 {
			t.Errorf("condition called %d times, want 3", calls)
		}
	})

	t.Run("condition error", func(t *testing.T) {
		boom := errors.New("boom")
		cond := func(ctx context.Context, wd WebDriver) (bool, error) {
			return false, boom
		}
		if err := wd.WaitWithTimeout(ctx, cond, time.Second); err != boom {
			t.Errorf("Wait returned %v, want %v", err, boom)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		cond := func(ctx context.Context, wd WebDriver) (bool, error) {
			return false, nil
		}
		err := wd.WaitWithTimeoutAndInterval(ctx, cond, 50*time.Millisecond, 10*time.Millisecond)
		var te *WaitTimeoutError
		if !errors.As(err, &te) || te.Timeout != 50*time.Millisecond {
			t.Errorf("Wait returned %v, want a *WaitTimeoutError", err)
		}
	})

	t.Run("condition error caused by the deadline", func(t *testing.T) {
		cond := func(ctx context.Context, wd WebDriver) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		}
		err := wd.WaitWithTimeoutAndInterval(ctx, cond, 50*time.Millisecond, 10*time.Millisecond)
		var te *WaitTimeoutError
		if !errors.As(err, &te) {
			t.Errorf("Wait returned %v, want a *WaitTimeoutError", err)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cond := func(context.Context, WebDriver) (bool, error) {
			cancel()
			return false, nil
		}
		if err := wd.WaitWithTimeoutAndInterval(ctx, cond, time.Second, 10*time.Millisecond); !errors.Is(err, context.Canceled) {
			t.Errorf("Wait returned %v, want context.Canceled", err)
		}
	})
}
