// Package runner drives one browser session for page measurements: start a
// browser, load a page and wait until it is complete, run scripts in it and
// stop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/golang/glog"

	selenium "github.com/wanmail/seleniumrunner"
	"github.com/wanmail/seleniumrunner/chrome"
	"github.com/wanmail/seleniumrunner/log"
	"github.com/wanmail/seleniumrunner/sauce"
)

var (
	// ErrUnsupportedBrowser is returned by Start for unknown browser names.
	ErrUnsupportedBrowser = errors.New("unsupported browser")
	// ErrNotStarted is returned by session methods called before Start.
	ErrNotStarted = errors.New("runner not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("runner already started")
	// ErrPageCompleteTimeout is returned by LoadAndWait when the wait script
	// did not return true within the page complete check timeout.
	ErrPageCompleteTimeout = errors.New("page complete check timed out")
	// ErrPageLoadTimeout is returned by LoadAndWait when navigation did not
	// finish within the page load timeout.
	ErrPageLoadTimeout = errors.New("page load timed out")
)

// navigationSlack is added to the page load timeout when bounding
// navigation on the client side, for drivers that never report it.
var navigationSlack = 5 * time.Second

// minHeadlessChrome is the first Chrome release with the new headless mode.
var minHeadlessChrome = semver.MustParse("109.0.0")

// SessionCapabilities describe the browser a session was opened with.
type SessionCapabilities struct {
	BrowserName string
	Version     string
	Platform    string
	// Raw holds everything the driver returned.
	Raw selenium.Capabilities
}

// Serialize flattens the capabilities into a JSON friendly map. The
// browserName and version keys are always present.
func (c *SessionCapabilities) Serialize() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Raw)+2)
	for k, v := range c.Raw {
		out[k] = v
	}
	out["browserName"] = c.BrowserName
	out["version"] = c.Version
	if c.Platform != "" {
		out["platform"] = c.Platform
	}
	return out
}

// SemVer parses Version tolerantly.
func (c *SessionCapabilities) SemVer() (semver.Version, error) {
	return selenium.Capabilities{"browserVersion": c.Version}.Version()
}

// SeleniumRunner owns a WebDriver session and the local driver serving it.
// It is safe for concurrent use, although commands are serialized by the
// browser anyway.
type SeleniumRunner struct {
	opts Options

	mu sync.Mutex
	// starting cancels a Start in progress.
	starting context.CancelFunc
	wd       selenium.WebDriver
	service  *selenium.Service
	tunnel   *sauce.Connect
	caps     *SessionCapabilities
}

// New returns a runner for opts. Options are validated by Start.
func New(opts Options) *SeleniumRunner {
	return &SeleniumRunner{opts: opts.WithDefaults()}
}

// Options returns the effective options, defaults included.
func (r *SeleniumRunner) Options() Options {
	return r.opts
}

// Start opens the browser session. A local driver is started first when no
// executor is configured. On failure everything started so far is torn
// down. A concurrent Stop interrupts Start.
func (r *SeleniumRunner) Start(ctx context.Context) (*SessionCapabilities, error) {
	r.mu.Lock()
	if r.wd != nil || r.starting != nil {
		r.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.starting = cancel
	r.mu.Unlock()

	l, sc, err := r.launch(ctx)

	r.mu.Lock()
	r.starting = nil
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("start interrupted: %w", ctx.Err())
	} else if err == nil {
		r.wd, r.service, r.tunnel = l.wd, l.service, l.tunnel
		r.caps = sc
	}
	r.mu.Unlock()

	if err != nil {
		if l.wd != nil || l.service != nil || l.tunnel != nil {
			r.abandon(ctx, l)
		}
		return nil, err
	}
	return sc, nil
}

// launched is what a Start brought up.
type launched struct {
	wd      selenium.WebDriver
	service *selenium.Service
	tunnel  *sauce.Connect
}

// launch does the work of Start without holding r.mu. On error, the
// returned launched holds what still has to be torn down.
func (r *SeleniumRunner) launch(ctx context.Context) (launched, *SessionCapabilities, error) {
	var l launched
	o := r.opts
	if err := o.Validate(); err != nil {
		return l, nil, err
	}
	caps, err := o.capabilities()
	if err != nil {
		return l, nil, err
	}
	if o.Verbose {
		selenium.SetDebug(true)
	}

	executor := o.Executor
	switch {
	case executor != "":
	case o.Sauce != nil:
		addr, tunnel, err := o.startSauce(ctx)
		if err != nil {
			return l, nil, fmt.Errorf("starting sauce connect: %w", err)
		}
		l.tunnel = tunnel
		executor = addr
	default:
		service, err := o.startService(ctx)
		if err != nil {
			return l, nil, fmt.Errorf("starting %s driver: %w", o.Browser, err)
		}
		l.service = service
		executor = service.Addr()
	}

	wd, err := selenium.NewRemote(ctx, caps, executor)
	if err != nil {
		return l, nil, fmt.Errorf("opening %s session: %w", o.Browser, err)
	}
	l.wd = wd
	glog.V(1).Infof("opened %s session %s on %s (w3c=%t)", o.Browser, wd.SessionID(), redact(executor), wd.W3C())

	sc, err := r.configure(ctx, wd)
	if err != nil {
		return l, nil, err
	}
	return l, sc, nil
}

// abandon tears down a failed or interrupted Start. ctx may already be
// canceled, so only its values are kept; the stop timeout bounds the work.
func (r *SeleniumRunner) abandon(ctx context.Context, l launched) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.Timeouts.Stop)
	defer cancel()
	if err := shutdown(ctx, l); err != nil {
		glog.Warningf("cleaning up after failed start: %v", err)
	}
}

func (r *SeleniumRunner) configure(ctx context.Context, wd selenium.WebDriver) (*SessionCapabilities, error) {
	o := r.opts
	err := wd.SetTimeouts(ctx, selenium.Timeouts{
		Script:   o.Timeouts.Scripts,
		PageLoad: o.Timeouts.PageLoad,
	})
	if err != nil {
		return nil, fmt.Errorf("setting timeouts: %w", err)
	}
	if o.WindowSize != "" {
		w, h, _ := ParseWindowSize(o.WindowSize)
		if err := wd.ResizeWindow(ctx, w, h); err != nil {
			return nil, fmt.Errorf("resizing window to %s: %w", o.WindowSize, err)
		}
	}

	raw, err := wd.Capabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading session capabilities: %w", err)
	}
	sc := &SessionCapabilities{
		BrowserName: raw.BrowserName(),
		Version:     raw.BrowserVersion(),
		Platform:    raw.PlatformName(),
		Raw:         raw,
	}
	if sc.BrowserName == "" {
		sc.BrowserName = browserNames[o.Browser]
	}
	r.checkVersion(sc)
	return sc, nil
}

// checkVersion warns about settings the negotiated browser cannot honour.
func (r *SeleniumRunner) checkVersion(sc *SessionCapabilities) {
	if !r.opts.Headless || r.opts.Browser != Chrome {
		return
	}
	v, err := sc.SemVer()
	if err != nil {
		glog.V(1).Infof("cannot parse browser version %q: %v", sc.Version, err)
		return
	}
	if v.LT(minHeadlessChrome) {
		glog.Warningf("chrome %s predates the new headless mode (%s), the browser may start with a window", v, minHeadlessChrome)
	}
}

// session returns the started WebDriver.
func (r *SeleniumRunner) session() (selenium.WebDriver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wd == nil {
		return nil, ErrNotStarted
	}
	return r.wd, nil
}

// Capabilities returns what Start returned, or nil before Start.
func (r *SeleniumRunner) Capabilities() *SessionCapabilities {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps
}

// LoadAndWait navigates to url and polls waitScript until it returns true.
// An empty waitScript means DefaultPageCompleteCheck. Only the boolean true
// completes the wait; a script exception fails immediately.
func (r *SeleniumRunner) LoadAndWait(ctx context.Context, url, waitScript string) error {
	wd, err := r.session()
	if err != nil {
		return err
	}
	if waitScript == "" {
		waitScript = DefaultPageCompleteCheck
	}
	t := r.opts.Timeouts

	navCtx, cancel := context.WithTimeout(ctx, t.PageLoad+navigationSlack)
	err = wd.Get(navCtx, url)
	cancel()
	switch {
	case err == nil:
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s did not finish after %v: %w", ErrPageLoadTimeout, url, t.PageLoad, context.DeadlineExceeded)
	case selenium.IsTimeout(err):
		return fmt.Errorf("%w: %s: %w", ErrPageLoadTimeout, url, err)
	default:
		return fmt.Errorf("loading %s: %w", url, err)
	}
	glog.V(1).Infof("loaded %s, waiting for page complete check", url)

	start := time.Now()
	complete := func(ctx context.Context, wd selenium.WebDriver) (bool, error) {
		v, err := wd.ExecuteScript(ctx, waitScript, nil)
		if err != nil {
			return false, err
		}
		done, _ := v.(bool)
		return done, nil
	}
	err = wd.WaitWithTimeoutAndInterval(ctx, complete, t.PageCompleteCheck, t.PageCompleteCheckPoll)
	var timeout *selenium.WaitTimeoutError
	switch {
	case errors.As(err, &timeout):
		return fmt.Errorf("%w: %s after %v", ErrPageCompleteTimeout, url, timeout.Timeout)
	case err != nil:
		return fmt.Errorf("page complete check on %s: %w", url, err)
	}
	glog.V(1).Infof("%s complete after %v", url, time.Since(start))
	return nil
}

// RunScript executes script synchronously and returns its decoded JSON
// result: nil, bool, float64, string, []interface{} or
// map[string]interface{}.
func (r *SeleniumRunner) RunScript(ctx context.Context, script string, args ...interface{}) (interface{}, error) {
	wd, err := r.session()
	if err != nil {
		return nil, err
	}
	return wd.ExecuteScript(ctx, script, args)
}

// RunAsyncScript executes a script that reports its result through the
// callback passed as its last argument.
func (r *SeleniumRunner) RunAsyncScript(ctx context.Context, script string, args ...interface{}) (interface{}, error) {
	wd, err := r.session()
	if err != nil {
		return nil, err
	}
	return wd.ExecuteScriptAsync(ctx, script, args)
}

// TakeScreenshot returns a PNG of the current viewport.
func (r *SeleniumRunner) TakeScreenshot(ctx context.Context) ([]byte, error) {
	wd, err := r.session()
	if err != nil {
		return nil, err
	}
	return wd.Screenshot(ctx)
}

// Logs fetches and clears the browser log of the given type.
func (r *SeleniumRunner) Logs(ctx context.Context, typ log.Type) ([]log.Message, error) {
	wd, err := r.session()
	if err != nil {
		return nil, err
	}
	return wd.Log(ctx, typ)
}

// PerformanceLog fetches the DevTools events recorded since the last call.
// It requires Chrome.PerformanceLog.
func (r *SeleniumRunner) PerformanceLog(ctx context.Context) ([]chrome.PerformanceEvent, error) {
	if !r.opts.Chrome.PerformanceLog {
		return nil, fmt.Errorf("performance log is not enabled")
	}
	msgs, err := r.Logs(ctx, log.Performance)
	if err != nil {
		return nil, err
	}
	return chrome.ParsePerformanceLog(msgs)
}

// Stop quits the session and stops the local driver. It interrupts a
// Start in progress, is bounded by the stop timeout and may be called any
// number of times.
func (r *SeleniumRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.starting != nil {
		r.starting()
	}
	l := launched{wd: r.wd, service: r.service, tunnel: r.tunnel}
	r.wd, r.service, r.tunnel = nil, nil, nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeouts.Stop)
	defer cancel()
	return shutdown(ctx, l)
}

// shutdown quits the session, then stops the driver and the tunnel, giving
// up on each once ctx is done.
func shutdown(ctx context.Context, l launched) error {
	var errs []error
	if l.wd != nil {
		glog.V(1).Infof("quitting session %s", l.wd.SessionID())
		if err := l.wd.Quit(ctx); err != nil {
			errs = append(errs, fmt.Errorf("quitting session: %w", err))
		}
	}
	if l.service != nil {
		if err := stopWithin(ctx, l.service.Stop); err != nil {
			errs = append(errs, fmt.Errorf("stopping driver: %w", err))
		}
	}
	if l.tunnel != nil {
		if err := stopWithin(ctx, l.tunnel.Stop); err != nil {
			errs = append(errs, fmt.Errorf("stopping sauce connect: %w", err))
		}
	}
	return errors.Join(errs...)
}

// stopWithin runs stop, giving up on it once ctx is done.
func stopWithin(ctx context.Context, stop func() error) error {
	done := make(chan error, 1)
	go func() { done <- stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// redact hides the credentials of executor URLs.
func redact(executor string) string {
	u, err := url.Parse(executor)
	if err != nil {
		return "<invalid executor URL>"
	}
	return u.Redacted()
}
