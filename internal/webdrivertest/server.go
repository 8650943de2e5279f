// Package webdrivertest runs an in-process WebDriver remote end, so that the
// client and the runner can be tested without a browser.
package webdrivertest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// ScriptFunc evaluates a script registered with HandleScript. Returning an
// *Error reports that WebDriver error; any other error is reported as a
// "javascript error".
type ScriptFunc func(args []interface{}) (interface{}, error)

// Error is a WebDriver error returned by the fake remote end.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// legacyCodes maps W3C error codes onto JSON wire protocol statuses.
var legacyCodes = map[string]int{
	"invalid session id":  6,
	"no such element":     7,
	"unknown command":     9,
	"unknown error":       13,
	"javascript error":    17,
	"timeout":             21,
	"script timeout":      28,
	"session not created": 33,
}

// Session is the state the fake keeps per session.
type Session struct {
	ID            string
	Requested     map[string]interface{}
	Timeouts      map[string]time.Duration
	URL           string
	Width, Height int
	Quit          bool
}

// Server is a fake WebDriver remote end backed by httptest.
type Server struct {
	*httptest.Server

	// BrowserName and BrowserVersion are reported as the negotiated
	// capabilities.
	BrowserName, BrowserVersion string
	// Legacy makes the server answer with JSON wire protocol envelopes.
	Legacy bool
	// ScreenshotPNG is returned, base64 encoded, by the screenshot command.
	ScreenshotPNG []byte
	// IgnorePageLoadTimeout makes delayed navigations run to completion
	// instead of failing once the session's page load timeout is reached,
	// like some ChromeDriver releases do.
	IgnorePageLoadTimeout bool

	mu         sync.Mutex
	nextID     int
	sessions   map[string]*Session
	scripts    map[string]ScriptFunc
	pageDelays map[string]time.Duration
	pageErrors map[string]*Error
	logs       map[string][]map[string]interface{}
	requests   []string
	blocked    map[string]chan struct{}
}

// NewServer starts a fake remote end impersonating Chrome. Call Close when
// done.
func NewServer() *Server {
	s := &Server{
		BrowserName:    "chrome",
		BrowserVersion: "120.0.6099.109",
		ScreenshotPNG:  []byte("\x89PNG fake"),
		sessions:       make(map[string]*Session),
		scripts:        make(map[string]ScriptFunc),
		pageDelays:     make(map[string]time.Duration),
		pageErrors:     make(map[string]*Error),
		logs:           make(map[string][]map[string]interface{}),
		blocked:        make(map[string]chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("POST /session", s.newSession)
	mux.HandleFunc("GET /session/{id}", s.withSession(s.getSession))
	mux.HandleFunc("DELETE /session/{id}", s.withSession(s.deleteSession))
	mux.HandleFunc("POST /session/{id}/timeouts", s.withSession(s.timeouts))
	mux.HandleFunc("POST /session/{id}/url", s.withSession(s.navigate))
	mux.HandleFunc("GET /session/{id}/url", s.withSession(s.currentURL))
	mux.HandleFunc("GET /session/{id}/title", s.withSession(s.title))
	mux.HandleFunc("POST /session/{id}/execute/sync", s.withSession(s.execute))
	mux.HandleFunc("POST /session/{id}/execute/async", s.withSession(s.execute))
	mux.HandleFunc("POST /session/{id}/execute", s.withSession(s.execute))
	mux.HandleFunc("POST /session/{id}/execute_async", s.withSession(s.execute))
	mux.HandleFunc("POST /session/{id}/window/rect", s.withSession(s.resize))
	mux.HandleFunc("POST /session/{id}/window/current/size", s.withSession(s.resize))
	mux.HandleFunc("GET /session/{id}/screenshot", s.withSession(s.screenshot))
	mux.HandleFunc("POST /session/{id}/log", s.withSession(s.log))

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := r.Method + " " + r.URL.Path
		s.mu.Lock()
		s.requests = append(s.requests, req)
		hold := s.blocked[req]
		s.mu.Unlock()
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// Block holds requests such as "POST /session" until release is called or
// the client gives up on them. Call release before Close.
func (s *Server) Block(request string) (release func()) {
	hold := make(chan struct{})
	s.mu.Lock()
	s.blocked[request] = hold
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.blocked, request)
			s.mu.Unlock()
			close(hold)
		})
	}
}

// HandleScript registers the evaluation of a script body.
func (s *Server) HandleScript(script string, f ScriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[script] = f
}

// ScriptResult makes script return v.
func (s *Server) ScriptResult(script string, v interface{}) {
	s.HandleScript(script, func([]interface{}) (interface{}, error) { return v, nil })
}

// ScriptError makes script fail with the given WebDriver error code.
func (s *Server) ScriptError(script, code, message string) {
	s.HandleScript(script, func([]interface{}) (interface{}, error) {
		return nil, &Error{Code: code, Message: message}
	})
}

// DelayPage makes navigation to url take d. If d exceeds the session's page
// load timeout the navigation fails with a "timeout" error.
func (s *Server) DelayPage(url string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageDelays[url] = d
}

// FailPage makes navigation to url fail with the given error code.
func (s *Server) FailPage(url, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageErrors[url] = &Error{Code: code, Message: message}
}

// AddLog appends an entry to the log of the given type.
func (s *Server) AddLog(typ, level, message string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[typ] = append(s.logs[typ], map[string]interface{}{
		"level":     level,
		"message":   message,
		"timestamp": ts.UnixNano() / int64(time.Millisecond),
	})
}

// Sessions returns a snapshot of every session created so far.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for i := 1; i <= s.nextID; i++ {
		if sess, ok := s.sessions[sessionID(i)]; ok {
			c := *sess
			c.Timeouts = make(map[string]time.Duration, len(sess.Timeouts))
			for k, v := range sess.Timeouts {
				c.Timeouts[k] = v
			}
			out = append(out, c)
		}
	}
	return out
}

// Requests returns "METHOD /path" for every request received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func sessionID(n int) string {
	return fmt.Sprintf("session-%d", n)
}

func (s *Server) reply(w http.ResponseWriter, id string, v interface{}) {
	body := map[string]interface{}{"value": v}
	if s.Legacy {
		body["sessionId"] = id
		body["status"] = 0
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) fail(w http.ResponseWriter, httpStatus int, e *Error) {
	var body map[string]interface{}
	if s.Legacy {
		code, ok := legacyCodes[e.Code]
		if !ok {
			code = legacyCodes["unknown error"]
		}
		body = map[string]interface{}{
			"status": code,
			"value":  map[string]interface{}{"message": e.Message},
		}
	} else {
		body = map[string]interface{}{
			"value": map[string]interface{}{
				"error":      e.Code,
				"message":    e.Message,
				"stacktrace": "",
			},
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.reply(w, "", map[string]interface{}{"ready": true, "message": "fake remote end ready"})
}

func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Desired      map[string]interface{} `json:"desiredCapabilities"`
		Capabilities struct {
			AlwaysMatch map[string]interface{} `json:"alwaysMatch"`
		} `json:"capabilities"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, &Error{Code: "invalid argument", Message: err.Error()})
		return
	}
	requested := req.Capabilities.AlwaysMatch
	if s.Legacy || requested == nil {
		requested = req.Desired
	}
	if name, _ := requested["browserName"].(string); name != "" && name != s.BrowserName {
		s.fail(w, http.StatusInternalServerError, &Error{
			Code:    "session not created",
			Message: fmt.Sprintf("no matching capabilities found for browser %q", name),
		})
		return
	}

	s.mu.Lock()
	s.nextID++
	id := sessionID(s.nextID)
	s.sessions[id] = &Session{
		ID:        id,
		Requested: requested,
		Timeouts:  map[string]time.Duration{"script": 30 * time.Second, "pageLoad": 300 * time.Second},
		URL:       "about:blank",
	}
	s.mu.Unlock()

	if s.Legacy {
		s.reply(w, id, map[string]interface{}{
			"browserName": s.BrowserName,
			"version":     s.BrowserVersion,
			"platform":    "LINUX",
		})
		return
	}
	s.reply(w, id, map[string]interface{}{
		"sessionId": id,
		"capabilities": map[string]interface{}{
			"browserName":    s.BrowserName,
			"browserVersion": s.BrowserVersion,
			"platformName":   "linux",
		},
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		sess, ok := s.sessions[r.PathValue("id")]
		if ok && sess.Quit {
			ok = false
		}
		s.mu.Unlock()
		if !ok {
			s.fail(w, http.StatusNotFound, &Error{Code: "invalid session id", Message: "no such session"})
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	if !s.Legacy {
		s.fail(w, http.StatusNotFound, &Error{Code: "unknown command", Message: "GET /session/{id}"})
		return
	}
	s.reply(w, sess.ID, map[string]interface{}{
		"browserName": s.BrowserName,
		"version":     s.BrowserVersion,
		"platform":    "LINUX",
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	s.mu.Lock()
	sess.Quit = true
	s.mu.Unlock()
	s.reply(w, sess.ID, nil)
}

func (s *Server) timeouts(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req map[string]interface{}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, &Error{Code: "invalid argument", Message: err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if typ, ok := req["type"].(string); ok {
		ms, _ := req["ms"].(float64)
		if typ == "page load" {
			typ = "pageLoad"
		}
		sess.Timeouts[typ] = time.Duration(ms) * time.Millisecond
	} else {
		for k, v := range req {
			if ms, ok := v.(float64); ok {
				sess.Timeouts[k] = time.Duration(ms) * time.Millisecond
			}
		}
	}
	s.reply(w, sess.ID, nil)
}

func (s *Server) timeout(sess *Session, name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.Timeouts[name]
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, &Error{Code: "invalid argument", Message: err.Error()})
		return
	}
	s.mu.Lock()
	delay := s.pageDelays[req.URL]
	pageErr := s.pageErrors[req.URL]
	s.mu.Unlock()

	if pageErr != nil {
		s.fail(w, http.StatusInternalServerError, pageErr)
		return
	}
	if limit := s.timeout(sess, "pageLoad"); delay > 0 {
		if limit > 0 && delay > limit && !s.IgnorePageLoadTimeout {
			time.Sleep(limit)
			s.fail(w, http.StatusInternalServerError, &Error{
				Code:    "timeout",
				Message: fmt.Sprintf("timed out receiving message from renderer: %v", limit),
			})
			return
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	sess.URL = req.URL
	s.mu.Unlock()
	s.reply(w, sess.ID, nil)
}

func (s *Server) currentURL(w http.ResponseWriter, r *http.Request, sess *Session) {
	s.mu.Lock()
	u := sess.URL
	s.mu.Unlock()
	s.reply(w, sess.ID, u)
}

func (s *Server) title(w http.ResponseWriter, r *http.Request, sess *Session) {
	s.reply(w, sess.ID, "Fake page")
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Script string        `json:"script"`
		Args   []interface{} `json:"args"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, &Error{Code: "invalid argument", Message: err.Error()})
		return
	}
	s.mu.Lock()
	f, ok := s.scripts[req.Script]
	s.mu.Unlock()
	if !ok {
		s.fail(w, http.StatusInternalServerError, &Error{
			Code:    "javascript error",
			Message: fmt.Sprintf("no fake registered for script %q", req.Script),
		})
		return
	}

	type result struct {
		v   interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f(req.Args)
		ch <- result{v, err}
	}()

	var timeout <-chan time.Time
	if limit := s.timeout(sess, "script"); limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case res := <-ch:
		if res.err != nil {
			var e *Error
			if !errors.As(res.err, &e) {
				e = &Error{Code: "javascript error", Message: res.err.Error()}
			}
			s.fail(w, http.StatusInternalServerError, e)
			return
		}
		s.reply(w, sess.ID, res.v)
	case <-timeout:
		s.fail(w, http.StatusInternalServerError, &Error{Code: "script timeout", Message: "script timed out"})
	}
}

func (s *Server) resize(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, &Error{Code: "invalid argument", Message: err.Error()})
		return
	}
	s.mu.Lock()
	sess.Width, sess.Height = req.Width, req.Height
	s.mu.Unlock()
	s.reply(w, sess.ID, map[string]int{"width": req.Width, "height": req.Height})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request, sess *Session) {
	s.reply(w, sess.ID, base64.StdEncoding.EncodeToString(s.ScreenshotPNG))
}

func (s *Server) log(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, &Error{Code: "invalid argument", Message: err.Error()})
		return
	}
	s.mu.Lock()
	entries := s.logs[req.Type]
	s.logs[req.Type] = nil
	s.mu.Unlock()
	if entries == nil {
		entries = []map[string]interface{}{}
	}
	s.reply(w, sess.ID, entries)
}
