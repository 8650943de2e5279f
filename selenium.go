package selenium

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blang/semver"

	"github.com/wanmail/seleniumrunner/chrome"
	"github.com/wanmail/seleniumrunner/firefox"
	"github.com/wanmail/seleniumrunner/ie"
	"github.com/wanmail/seleniumrunner/log"
)

// Capabilities configures both the WebDriver process and the target browsers,
// with standard and browser-specific options.
type Capabilities map[string]interface{}

// AddChrome adds Chrome-specific capabilities.
func (c Capabilities) AddChrome(f chrome.Capabilities) {
	c[chrome.CapabilitiesKey] = f
}

// AddEdge adds Chromium-based Edge capabilities. msedgedriver accepts the
// same options as ChromeDriver under its own key.
func (c Capabilities) AddEdge(f chrome.Capabilities) {
	c[chrome.EdgeCapabilitiesKey] = f
}

// AddFirefox adds Firefox-specific capabilities.
func (c Capabilities) AddFirefox(f firefox.Capabilities) {
	c[firefox.CapabilitiesKey] = f
}

// AddIE adds Internet Explorer-specific capabilities.
func (c Capabilities) AddIE(f ie.Capabilities) {
	c[ie.CapabilitiesKey] = f
}

// AddProxy adds proxy configuration to the capabilities.
func (c Capabilities) AddProxy(p Proxy) {
	c["proxy"] = p
}

// AddLogging adds logging configuration to the capabilities.
func (c Capabilities) AddLogging(l log.Capabilities) {
	c[log.CapabilitiesKey] = l
}

// SetLogLevel sets the logging level of a component. It is a shortcut for
// passing a log.Capabilities instance to AddLogging.
func (c Capabilities) SetLogLevel(typ log.Type, level log.Level) {
	m, ok := c[log.CapabilitiesKey].(log.Capabilities)
	if !ok {
		m = make(log.Capabilities)
		c[log.CapabilitiesKey] = m
	}
	m[typ] = level
}

// BrowserName returns the negotiated browser name, or the empty string.
func (c Capabilities) BrowserName() string {
	name, _ := c["browserName"].(string)
	return name
}

// BrowserVersion returns the browser version as reported by the driver.
// W3C drivers use "browserVersion"; older drivers report "version".
func (c Capabilities) BrowserVersion() string {
	for _, k := range []string{"browserVersion", "version"} {
		if v, ok := c[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// PlatformName returns the platform the browser runs on.
func (c Capabilities) PlatformName() string {
	for _, k := range []string{"platformName", "platform"} {
		if v, ok := c[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Version parses BrowserVersion as a semantic version. Browsers commonly
// report four components ("120.0.6099.109"); only the first three are
// kept.
func (c Capabilities) Version() (semver.Version, error) {
	v := c.BrowserVersion()
	if v == "" {
		return semver.Version{}, fmt.Errorf("capabilities do not contain a browser version")
	}
	parts := strings.SplitN(v, ".", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return semver.ParseTolerant(strings.Join(parts, "."))
}

// Proxy specifies configuration for proxies in the browser. Set the key
// "proxy" in Capabilities to an instance of this type.
type Proxy struct {
	// Type is the type of proxy to use. This is required to be populated.
	Type ProxyType `json:"proxyType"`

	// AutoconfigURL is the URL to be used for proxy auto configuration. This is
	// required if Type is set to PAC.
	AutoconfigURL string `json:"proxyAutoconfigUrl,omitempty"`

	// The following are used when Type is set to Manual.
	//
	// Note that in Firefox, connections to localhost are not proxied by default,
	// even if a proxy is set. This can be overridden via a preference setting.
	HTTP         string   `json:"httpProxy,omitempty"`
	SSL          string   `json:"sslProxy,omitempty"`
	SOCKS        string   `json:"socksProxy,omitempty"`
	SOCKSVersion int      `json:"socksVersion,omitempty"`
	NoProxy      []string `json:"noProxy,omitempty"`
}

// ProxyType is an enumeration of the types of proxies available.
type ProxyType string

// The proxy types understood by WebDriver.
const (
	Direct     ProxyType = "direct"
	Manual     ProxyType = "manual"
	Autodetect ProxyType = "autodetect"
	System     ProxyType = "system"
	PAC        ProxyType = "pac"
)

// Status contains information returned by the Status method.
type Status struct {
	// The following fields are used by Selenium and ChromeDriver.
	Build struct {
		Version, Revision, Time string
	}
	OS struct {
		Arch, Name, Version string
	}

	// The following fields are specified by the W3C WebDriver specification.
	Ready   bool
	Message string
}

// Timeouts are the session timeouts enforced by the driver. Zero values are
// left untouched.
type Timeouts struct {
	Script   time.Duration
	PageLoad time.Duration
	Implicit time.Duration
}

// Condition is a predicate polled by the Wait methods.
type Condition func(ctx context.Context, wd WebDriver) (bool, error)

// Default polling parameters for Wait.
const (
	DefaultWaitInterval = 100 * time.Millisecond
	DefaultWaitTimeout  = 60 * time.Second
)

// WebDriver defines methods supported by WebDriver drivers.
type WebDriver interface {
	// Status returns various pieces of information about the server environment.
	Status(ctx context.Context) (*Status, error)

	// NewSession starts a new session and returns the session ID.
	NewSession(ctx context.Context) (string, error)
	// SessionID returns the current session ID.
	SessionID() string
	// W3C reports whether the remote end speaks the W3C dialect.
	W3C() bool
	// Capabilities returns the current session's capabilities.
	Capabilities(ctx context.Context) (Capabilities, error)

	// SetTimeouts sets the non-zero timeouts in t.
	SetTimeouts(ctx context.Context, t Timeouts) error

	// Quit ends the current session. The browser instance will be closed.
	Quit(ctx context.Context) error

	// Get navigates the browser to the provided URL and returns once the
	// driver considers the page loaded.
	Get(ctx context.Context, url string) error
	// CurrentURL returns the browser's current URL.
	CurrentURL(ctx context.Context) (string, error)
	// Title returns the current page's title.
	Title(ctx context.Context) (string, error)
	// ResizeWindow changes the dimensions of the current window.
	ResizeWindow(ctx context.Context, width, height int) error

	// Screenshot takes a screenshot of the browser window.
	Screenshot(ctx context.Context) ([]byte, error)
	// Log fetches the logs. Log types must be previously configured in the
	// capabilities.
	Log(ctx context.Context, typ log.Type) ([]log.Message, error)

	// ExecuteScript executes a script and returns its decoded JSON result.
	ExecuteScript(ctx context.Context, script string, args []interface{}) (interface{}, error)
	// ExecuteScriptAsync executes a script that signals completion by
	// calling its last argument.
	ExecuteScriptAsync(ctx context.Context, script string, args []interface{}) (interface{}, error)
	// ExecuteScriptRaw executes a script but does not perform JSON decoding.
	ExecuteScriptRaw(ctx context.Context, script string, args []interface{}) ([]byte, error)

	// WaitWithTimeoutAndInterval waits for the condition to evaluate to true.
	WaitWithTimeoutAndInterval(ctx context.Context, condition Condition, timeout, interval time.Duration) error
	// WaitWithTimeout works like WaitWithTimeoutAndInterval, but with the
	// default polling interval.
	WaitWithTimeout(ctx context.Context, condition Condition, timeout time.Duration) error
	// Wait works like WaitWithTimeoutAndInterval, but using the default
	// timeout and polling interval.
	Wait(ctx context.Context, condition Condition) error
}
