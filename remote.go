// Remote Selenium client implementation.
// See https://www.w3.org/TR/webdriver for the protocol.

package selenium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/wanmail/seleniumrunner/log"
)

const (
	// DefaultExecutor is the default executor URL.
	DefaultExecutor = "http://127.0.0.1:4444/wd/hub"
	// JSONType is JSON content type.
	JSONType = "application/json"
	// MaxRedirects is the maximum number of redirects to follow.
	MaxRedirects = 10

	legacySuccess = 0
)

var httpClient = &http.Client{
	// http.Client doesn't copy request headers, and selenium requires that.
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) > MaxRedirects {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		req.Header.Add("Accept", JSONType)
		return nil
	},
}

// GetHTTPClient returns the HTTP client used to talk to WebDriver servers.
func GetHTTPClient() *http.Client {
	return httpClient
}

type remoteWD struct {
	id, executor string
	capabilities Capabilities

	// w3c is set when the remote end answered the new session request in the
	// W3C dialect.
	w3c bool
	// negotiated holds the capabilities returned when the session was created.
	negotiated Capabilities
}

// NewRemote creates new remote client, this will also start a new session.
// The executor is the URL to the WebDriver server and must be prefixed with
// the protocol (http, https). An empty string means DefaultExecutor.
func NewRemote(ctx context.Context, capabilities Capabilities, executor string) (WebDriver, error) {
	if executor == "" {
		executor = DefaultExecutor
	}
	wd := &remoteWD{
		executor:     strings.TrimSuffix(executor, "/"),
		capabilities: capabilities,
	}
	if _, err := wd.NewSession(ctx); err != nil {
		return nil, err
	}
	return wd, nil
}

func newRequest(ctx context.Context, method string, url string, data []byte) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	request.Header.Add("Accept", JSONType)
	if data != nil {
		request.Header.Add("Content-Type", JSONType+"; charset=utf-8")
	}
	return request, nil
}

func isMimeType(response *http.Response, mtype string) bool {
	return strings.HasPrefix(response.Header.Get("Content-Type"), mtype)
}

func (wd *remoteWD) requestURL(template string, args ...interface{}) string {
	return wd.executor + fmt.Sprintf(template, args...)
}

// serverReply covers both the W3C and the legacy JSON wire protocol reply
// envelopes.
type serverReply struct {
	SessionID *string
	Status    int
	Value     json.RawMessage
}

func (wd *remoteWD) execute(ctx context.Context, method, url string, data []byte) ([]byte, error) {
	debugLog("-> %s %s\n%s", method, url, data)
	request, err := newRequest(ctx, method, url, data)
	if err != nil {
		return nil, err
	}

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	buf, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading reply to %s %s: %w", method, url, err)
	}
	debugLog("<- %s [%s]\n%s", response.Status, response.Header.Get("Content-Type"), buf)

	if response.StatusCode >= 400 {
		return nil, decodeError(response, buf)
	}

	if isMimeType(response, JSONType) {
		reply := new(serverReply)
		if err := json.Unmarshal(buf, reply); err != nil {
			return nil, fmt.Errorf("bad server reply to %s %s: %w", method, url, err)
		}
		if reply.Status != legacySuccess {
			e := &Error{
				Err:        legacyError(reply.Status),
				HTTPCode:   response.StatusCode,
				LegacyCode: reply.Status,
			}
			e.Message, _ = extractMessage(reply.Value)
			return nil, e
		}
	}

	// Nothing was returned, this is OK for some commands.
	return buf, nil
}

func decodeError(response *http.Response, buf []byte) error {
	reply := new(serverReply)
	if err := json.Unmarshal(buf, reply); err != nil {
		return &Error{
			Err:      ErrUnknownError,
			Message:  fmt.Sprintf("bad server reply status: %s", response.Status),
			HTTPCode: response.StatusCode,
		}
	}

	e := new(Error)
	if len(reply.Value) > 0 {
		// A failed unmarshal leaves e zeroed; the legacy path below covers it.
		_ = json.Unmarshal(reply.Value, e)
	}
	e.HTTPCode = response.StatusCode
	if e.Err == "" {
		e.Err = legacyError(reply.Status)
		e.LegacyCode = reply.Status
		if e.Message == "" {
			e.Message, _ = extractMessage(reply.Value)
		}
	}
	return e
}

func extractMessage(raw json.RawMessage) (string, bool) {
	var val struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(raw, &val); err != nil || val.Message == nil {
		return "", false
	}
	return *val.Message, true
}

// decodeValue unmarshals the "value" member of a reply into v.
func decodeValue(buf []byte, v interface{}) error {
	reply := new(serverReply)
	if err := json.Unmarshal(buf, reply); err != nil {
		return err
	}
	if len(reply.Value) == 0 {
		return fmt.Errorf("reply has no value")
	}
	return json.Unmarshal(reply.Value, v)
}

func (wd *remoteWD) stringCommand(ctx context.Context, urlTemplate string) (string, error) {
	response, err := wd.execute(ctx, "GET", wd.requestURL(urlTemplate, wd.id), nil)
	if err != nil {
		return "", err
	}
	var value *string
	if err := decodeValue(response, &value); err != nil {
		return "", err
	}
	if value == nil {
		return "", fmt.Errorf("nil return value")
	}
	return *value, nil
}

func (wd *remoteWD) voidCommand(ctx context.Context, urlTemplate string, params interface{}) error {
	data := []byte("{}")
	if params != nil {
		var err error
		if data, err = json.Marshal(params); err != nil {
			return err
		}
	}
	_, err := wd.execute(ctx, "POST", wd.requestURL(urlTemplate, wd.id), data)
	return err
}

func (wd *remoteWD) Status(ctx context.Context) (*Status, error) {
	reply, err := wd.execute(ctx, "GET", wd.requestURL("/status"), nil)
	if err != nil {
		return nil, err
	}
	status := new(Status)
	if err := decodeValue(reply, status); err != nil {
		return nil, err
	}
	return status, nil
}

// w3cCapabilityNames are the capabilities that may appear unprefixed in a
// W3C new session request.
var w3cCapabilityNames = map[string]bool{
	"acceptInsecureCerts":       true,
	"browserName":               true,
	"browserVersion":            true,
	"pageLoadStrategy":          true,
	"platformName":              true,
	"proxy":                     true,
	"setWindowRect":             true,
	"strictFileInteractability": true,
	"timeouts":                  true,
	"unhandledPromptBehavior":   true,
}

func w3cCapabilities(caps Capabilities) map[string]interface{} {
	always := make(map[string]interface{})
	for k, v := range caps {
		if w3cCapabilityNames[k] || strings.Contains(k, ":") {
			always[k] = v
		}
	}
	return always
}

func (wd *remoteWD) NewSession(ctx context.Context) (string, error) {
	message := map[string]interface{}{
		"desiredCapabilities": wd.capabilities,
		"capabilities": map[string]interface{}{
			"alwaysMatch": w3cCapabilities(wd.capabilities),
		},
	}
	data, err := json.Marshal(message)
	if err != nil {
		return "", err
	}

	response, err := wd.execute(ctx, "POST", wd.requestURL("/session"), data)
	if err != nil {
		return "", err
	}

	reply := new(serverReply)
	if err := json.Unmarshal(response, reply); err != nil {
		return "", err
	}
	var w3c struct {
		SessionID    string       `json:"sessionId"`
		Capabilities Capabilities `json:"capabilities"`
	}
	if len(reply.Value) > 0 {
		// Legacy replies put the capabilities directly in value; the failed
		// decode is expected there.
		_ = json.Unmarshal(reply.Value, &w3c)
	}

	switch {
	case w3c.SessionID != "":
		wd.id = w3c.SessionID
		wd.w3c = true
		wd.negotiated = w3c.Capabilities
	case reply.SessionID != nil && *reply.SessionID != "":
		wd.id = *reply.SessionID
		wd.w3c = false
		caps := make(Capabilities)
		if err := json.Unmarshal(reply.Value, &caps); err != nil {
			return "", fmt.Errorf("decoding session capabilities: %w", err)
		}
		wd.negotiated = caps
	default:
		return "", fmt.Errorf("new session reply did not contain a session ID")
	}
	debugLog("session %s started (w3c=%t)", wd.id, wd.w3c)
	return wd.id, nil
}

// SessionID returns the current session ID.
func (wd *remoteWD) SessionID() string {
	return wd.id
}

func (wd *remoteWD) W3C() bool {
	return wd.w3c
}

func (wd *remoteWD) Capabilities(ctx context.Context) (Capabilities, error) {
	// W3C removed the "get session" command; the capabilities are only
	// reported when the session is created.
	if wd.w3c {
		c := make(Capabilities, len(wd.negotiated))
		for k, v := range wd.negotiated {
			c[k] = v
		}
		return c, nil
	}

	response, err := wd.execute(ctx, "GET", wd.requestURL("/session/%s", wd.id), nil)
	if err != nil {
		return nil, err
	}
	c := make(Capabilities)
	if err := decodeValue(response, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func millis(d time.Duration) uint {
	return uint(d / time.Millisecond)
}

func (wd *remoteWD) SetTimeouts(ctx context.Context, t Timeouts) error {
	if wd.w3c {
		params := map[string]uint{}
		if t.Script > 0 {
			params["script"] = millis(t.Script)
		}
		if t.PageLoad > 0 {
			params["pageLoad"] = millis(t.PageLoad)
		}
		if t.Implicit > 0 {
			params["implicit"] = millis(t.Implicit)
		}
		if len(params) == 0 {
			return nil
		}
		return wd.voidCommand(ctx, "/session/%s/timeouts", params)
	}

	for typ, d := range map[string]time.Duration{
		"script":    t.Script,
		"page load": t.PageLoad,
		"implicit":  t.Implicit,
	} {
		if d <= 0 {
			continue
		}
		if err := wd.voidCommand(ctx, "/session/%s/timeouts", map[string]interface{}{
			"type": typ,
			"ms":   millis(d),
		}); err != nil {
			return fmt.Errorf("setting %s timeout: %w", typ, err)
		}
	}
	return nil
}

func (wd *remoteWD) Quit(ctx context.Context) error {
	if wd.id == "" {
		return nil
	}
	_, err := wd.execute(ctx, "DELETE", wd.requestURL("/session/%s", wd.id), nil)
	if err == nil {
		wd.id = ""
	}
	return err
}

func (wd *remoteWD) Get(ctx context.Context, url string) error {
	return wd.voidCommand(ctx, "/session/%s/url", map[string]string{
		"url": url,
	})
}

func (wd *remoteWD) CurrentURL(ctx context.Context) (string, error) {
	return wd.stringCommand(ctx, "/session/%s/url")
}

func (wd *remoteWD) Title(ctx context.Context) (string, error) {
	return wd.stringCommand(ctx, "/session/%s/title")
}

func (wd *remoteWD) ResizeWindow(ctx context.Context, width, height int) error {
	params := struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}{width, height}
	if wd.w3c {
		return wd.voidCommand(ctx, "/session/%s/window/rect", params)
	}
	return wd.voidCommand(ctx, "/session/%s/window/current/size", params)
}

func (wd *remoteWD) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := wd.stringCommand(ctx, "/session/%s/screenshot")
	if err != nil {
		return nil, err
	}
	// Selenium returns a base64 encoded image.
	return base64.StdEncoding.DecodeString(data)
}

func (wd *remoteWD) Log(ctx context.Context, typ log.Type) ([]log.Message, error) {
	data, err := json.Marshal(map[string]log.Type{"type": typ})
	if err != nil {
		return nil, err
	}
	response, err := wd.execute(ctx, "POST", wd.requestURL("/session/%s/log", wd.id), data)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Timestamp float64 `json:"timestamp"`
		Level     string  `json:"level"`
		Message   string  `json:"message"`
	}
	if err := decodeValue(response, &entries); err != nil {
		return nil, err
	}
	msgs := make([]log.Message, len(entries))
	for i, e := range entries {
		msgs[i] = log.Message{
			Timestamp: logTime(e.Timestamp),
			Level:     log.Level(e.Level),
			Message:   e.Message,
		}
	}
	return msgs, nil
}

// logTime converts a log timestamp in milliseconds since the epoch. Whole
// milliseconds are kept exact; drivers rarely send a fraction.
func logTime(ms float64) time.Time {
	whole := math.Floor(ms)
	frac := time.Duration((ms - whole) * float64(time.Millisecond))
	return time.UnixMilli(int64(whole)).Add(frac)
}

func (wd *remoteWD) scriptURL(async bool) string {
	switch {
	case wd.w3c && async:
		return "/session/%s/execute/async"
	case wd.w3c:
		return "/session/%s/execute/sync"
	case async:
		return "/session/%s/execute_async"
	default:
		return "/session/%s/execute"
	}
}

func (wd *remoteWD) execScriptRaw(ctx context.Context, script string, args []interface{}, async bool) ([]byte, error) {
	if args == nil {
		args = make([]interface{}, 0)
	}
	data, err := json.Marshal(map[string]interface{}{
		"script": script,
		"args":   args,
	})
	if err != nil {
		return nil, err
	}
	return wd.execute(ctx, "POST", wd.requestURL(wd.scriptURL(async), wd.id), data)
}

func (wd *remoteWD) execScript(ctx context.Context, script string, args []interface{}, async bool) (interface{}, error) {
	response, err := wd.execScriptRaw(ctx, script, args, async)
	if err != nil {
		return nil, err
	}
	reply := new(struct{ Value interface{} })
	if err := json.Unmarshal(response, reply); err != nil {
		return nil, err
	}
	return reply.Value, nil
}

func (wd *remoteWD) ExecuteScript(ctx context.Context, script string, args []interface{}) (interface{}, error) {
	return wd.execScript(ctx, script, args, false)
}

func (wd *remoteWD) ExecuteScriptAsync(ctx context.Context, script string, args []interface{}) (interface{}, error) {
	return wd.execScript(ctx, script, args, true)
}

func (wd *remoteWD) ExecuteScriptRaw(ctx context.Context, script string, args []interface{}) ([]byte, error) {
	return wd.execScriptRaw(ctx, script, args, false)
}
