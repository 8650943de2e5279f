package runner

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wanmail/seleniumrunner/sauce"
)

// Browsers the runner can drive.
const (
	Chrome  = "chrome"
	Firefox = "firefox"
	IE      = "ie"
	Edge    = "edge"
)

// SupportedBrowsers lists the accepted values of Options.Browser.
var SupportedBrowsers = []string{Chrome, Firefox, IE, Edge}

// DefaultPageCompleteCheck is polled after navigation when LoadAndWait is not
// given a wait script.
const DefaultPageCompleteCheck = "return window.performance.timing.loadEventEnd > 0;"

// Timeouts bound the phases of a run.
type Timeouts struct {
	// Scripts is the session script timeout enforced by the driver.
	Scripts time.Duration `yaml:"scripts"`
	// PageLoad is the session page load timeout enforced by the driver.
	PageLoad time.Duration `yaml:"pageLoad"`
	// PageCompleteCheck bounds the polling of the wait script.
	PageCompleteCheck time.Duration `yaml:"pageCompleteCheck"`
	// PageCompleteCheckPoll is the pause between two wait script runs.
	PageCompleteCheckPoll time.Duration `yaml:"pageCompleteCheckPoll"`
	// Stop bounds Stop when the caller's context has no earlier deadline.
	Stop time.Duration `yaml:"stop"`
}

// ChromeOptions are the Chrome and Edge specific settings.
type ChromeOptions struct {
	Args   []string `yaml:"args"`
	Binary string   `yaml:"binary"`
	// Extensions are paths to packed (.crx) or unpacked extensions.
	Extensions []string `yaml:"extensions"`
	// PerformanceLog enables DevTools events in the "performance" log.
	PerformanceLog bool `yaml:"performanceLog"`
	// MobileDevice is a Chrome device emulation preset, e.g. "Pixel 7".
	MobileDevice string `yaml:"mobileDevice"`
}

// FirefoxOptions are the Firefox specific settings.
type FirefoxOptions struct {
	Args   []string `yaml:"args"`
	Binary string   `yaml:"binary"`
	// Profile is a profile directory copied into the session.
	Profile string                 `yaml:"profile"`
	Prefs   map[string]interface{} `yaml:"prefs"`
}

// IEOptions are the Internet Explorer specific settings.
type IEOptions struct {
	IgnoreZoomSetting           bool `yaml:"ignoreZoomSetting"`
	IgnoreProtectedModeSettings bool `yaml:"ignoreProtectedModeSettings"`
	EnsureCleanSession          bool `yaml:"ensureCleanSession"`
}

// ProxyOptions route browser traffic. Either PAC or any of the manual
// proxies may be set.
type ProxyOptions struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
	SOCKS string `yaml:"socks"`
	PAC   string `yaml:"pac"`
	// NoProxy lists hosts that bypass the proxy.
	NoProxy []string `yaml:"noProxy"`
}

// SauceOptions run the session on Sauce Labs instead of a local driver.
type SauceOptions struct {
	UserName  string `yaml:"userName"`
	AccessKey string `yaml:"accessKey"`
	// Region is the Sauce Labs data center, "us-west-1" by default.
	Region string `yaml:"region"`

	Platform       string   `yaml:"platform"`
	BrowserVersion string   `yaml:"browserVersion"`
	Name           string   `yaml:"name"`
	Build          string   `yaml:"build"`
	Tags           []string `yaml:"tags"`

	// ConnectPath is a Sauce Connect (sc) binary. When set, a tunnel named
	// TunnelName is kept open for the duration of the session.
	ConnectPath string `yaml:"connectPath"`
	TunnelName  string `yaml:"tunnelName"`
	// CapturePerformance has Sauce record page load metrics as well.
	CapturePerformance bool `yaml:"capturePerformance"`
}

// Options configure a SeleniumRunner. The zero value drives a local Chrome.
type Options struct {
	Browser string `yaml:"browser"`
	// Executor is the URL of a running WebDriver server. When empty a driver
	// is started locally.
	Executor string `yaml:"executor"`
	// DriverPath is the driver binary to start when Executor is empty. It is
	// looked up in PATH by its default name otherwise.
	DriverPath string `yaml:"driverPath"`

	Headless bool `yaml:"headless"`
	// Verbose logs the WebDriver traffic and the driver's own output.
	Verbose bool `yaml:"verbose"`
	// FrameBuffer runs the local driver inside an Xvfb server.
	FrameBuffer bool `yaml:"frameBuffer"`
	// WindowSize is "WIDTHxHEIGHT".
	WindowSize          string `yaml:"windowSize"`
	UserAgent           string `yaml:"userAgent"`
	AcceptInsecureCerts bool   `yaml:"acceptInsecureCerts"`
	// PageLoadStrategy is one of "normal", "eager" or "none".
	PageLoadStrategy string `yaml:"pageLoadStrategy"`

	Proxy    *ProxyOptions  `yaml:"proxy"`
	Sauce    *SauceOptions  `yaml:"sauce"`
	Chrome   ChromeOptions  `yaml:"chrome"`
	Firefox  FirefoxOptions `yaml:"firefox"`
	IE       IEOptions      `yaml:"ie"`
	Timeouts Timeouts       `yaml:"timeouts"`

	// ServiceOutput receives the local driver's output. Defaults to stderr
	// when Verbose is set.
	ServiceOutput io.Writer `yaml:"-"`
}

// Default values applied by WithDefaults.
const (
	DefaultScriptTimeout            = 10 * time.Second
	DefaultPageLoadTimeout          = 5 * time.Minute
	DefaultPageCompleteCheckTimeout = 5 * time.Minute
	DefaultPageCompleteCheckPoll    = 500 * time.Millisecond
	DefaultStopTimeout              = 10 * time.Second

	DefaultSauceTunnel = "seleniumrunner"
)

// WithDefaults returns a copy of o with unset fields filled in.
func (o Options) WithDefaults() Options {
	if o.Browser == "" {
		o.Browser = Chrome
	}
	o.Browser = strings.ToLower(strings.TrimSpace(o.Browser))
	t := &o.Timeouts
	if t.Scripts == 0 {
		t.Scripts = DefaultScriptTimeout
	}
	if t.PageLoad == 0 {
		t.PageLoad = DefaultPageLoadTimeout
	}
	if t.PageCompleteCheck == 0 {
		t.PageCompleteCheck = DefaultPageCompleteCheckTimeout
	}
	if t.PageCompleteCheckPoll == 0 {
		t.PageCompleteCheckPoll = DefaultPageCompleteCheckPoll
	}
	if t.PageCompleteCheckPoll > t.PageCompleteCheck {
		t.PageCompleteCheckPoll = t.PageCompleteCheck
	}
	if t.Stop == 0 {
		t.Stop = DefaultStopTimeout
	}
	if o.Sauce != nil {
		s := *o.Sauce
		if s.Region == "" {
			s.Region = sauce.DefaultRegion
		}
		if s.ConnectPath != "" && s.TunnelName == "" {
			s.TunnelName = DefaultSauceTunnel
		}
		o.Sauce = &s
	}
	return o
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	if !isSupported(o.Browser) {
		return fmt.Errorf("%w: %q (want one of %s)", ErrUnsupportedBrowser, o.Browser, strings.Join(SupportedBrowsers, ", "))
	}
	t := o.Timeouts
	for name, d := range map[string]time.Duration{
		"scripts":               t.Scripts,
		"pageLoad":              t.PageLoad,
		"pageCompleteCheck":     t.PageCompleteCheck,
		"pageCompleteCheckPoll": t.PageCompleteCheckPoll,
		"stop":                  t.Stop,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative, got %v", name, d)
		}
	}
	if o.WindowSize != "" {
		if _, _, err := ParseWindowSize(o.WindowSize); err != nil {
			return err
		}
	}
	switch o.PageLoadStrategy {
	case "", "normal", "eager", "none":
	default:
		return fmt.Errorf("invalid page load strategy %q", o.PageLoadStrategy)
	}
	if p := o.Proxy; p != nil && p.PAC != "" && (p.HTTP != "" || p.HTTPS != "" || p.SOCKS != "") {
		return fmt.Errorf("proxy: pac cannot be combined with manual proxies")
	}
	if o.Chrome.PerformanceLog && o.Browser != Chrome && o.Browser != Edge {
		return fmt.Errorf("performance log is only available in chrome and edge, not %s", o.Browser)
	}
	if s := o.Sauce; s != nil {
		if s.UserName == "" || s.AccessKey == "" {
			return fmt.Errorf("sauce: user name and access key are required")
		}
		if _, err := sauce.Addr(s.UserName, s.AccessKey, s.Region); err != nil {
			return err
		}
		if o.FrameBuffer {
			return fmt.Errorf("sauce: xvfb only applies to a local driver")
		}
		opts := s.options()
		if err := opts.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func isSupported(browser string) bool {
	for _, b := range SupportedBrowsers {
		if b == browser {
			return true
		}
	}
	return false
}

// ParseWindowSize parses "WIDTHxHEIGHT".
func ParseWindowSize(s string) (width, height int, err error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid window size %q, want WIDTHxHEIGHT", s)
	}
	if width, err = strconv.Atoi(parts[0]); err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid window width in %q", s)
	}
	if height, err = strconv.Atoi(parts[1]); err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid window height in %q", s)
	}
	return width, height, nil
}
