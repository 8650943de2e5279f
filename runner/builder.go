package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/golang/glog"

	selenium "github.com/wanmail/seleniumrunner"
	"github.com/wanmail/seleniumrunner/chrome"
	"github.com/wanmail/seleniumrunner/firefox"
	"github.com/wanmail/seleniumrunner/ie"
	"github.com/wanmail/seleniumrunner/log"
	"github.com/wanmail/seleniumrunner/sauce"
)

// browserNames maps runner browser names onto WebDriver browserName values.
var browserNames = map[string]string{
	Chrome:  "chrome",
	Firefox: "firefox",
	IE:      "internet explorer",
	Edge:    "MicrosoftEdge",
}

// driverBinaries are the driver names looked up in PATH.
var driverBinaries = map[string]string{
	Chrome:  "chromedriver",
	Firefox: "geckodriver",
	IE:      "IEDriverServer",
	Edge:    "msedgedriver",
}

type serviceStarter func(ctx context.Context, path string, port int, opts ...selenium.ServiceOption) (*selenium.Service, error)

var serviceStarters = map[string]serviceStarter{
	Chrome:  selenium.NewChromeDriverService,
	Firefox: selenium.NewGeckoDriverService,
	IE:      selenium.NewIEDriverService,
	Edge:    selenium.NewEdgeDriverService,
}

// capabilities translates validated options into the new session request.
func (o Options) capabilities() (selenium.Capabilities, error) {
	caps := selenium.Capabilities{
		"browserName": browserNames[o.Browser],
	}
	if o.AcceptInsecureCerts {
		caps["acceptInsecureCerts"] = true
	}
	if o.PageLoadStrategy != "" {
		caps["pageLoadStrategy"] = o.PageLoadStrategy
	}
	if p := o.Proxy; p != nil {
		caps.AddProxy(o.proxy())
	}
	if s := o.Sauce; s != nil {
		caps[sauce.CapabilitiesKey] = s.options()
		if s.Platform != "" {
			caps["platformName"] = s.Platform
		}
		if s.BrowserVersion != "" {
			caps["browserVersion"] = s.BrowserVersion
		}
	}

	switch o.Browser {
	case Chrome, Edge:
		c, err := o.chromeCapabilities()
		if err != nil {
			return nil, err
		}
		if o.Browser == Edge {
			caps.AddEdge(c)
		} else {
			caps.AddChrome(c)
		}
		if o.Chrome.PerformanceLog {
			caps.SetLogLevel(log.Performance, log.All)
		}
	case Firefox:
		f, err := o.firefoxCapabilities()
		if err != nil {
			return nil, err
		}
		caps.AddFirefox(f)
	case IE:
		caps.AddIE(ie.Capabilities{
			IgnoreZoomSetting:           o.IE.IgnoreZoomSetting,
			IgnoreProtectedModeSettings: o.IE.IgnoreProtectedModeSettings,
			EnsureCleanSession:          o.IE.EnsureCleanSession,
		})
	}
	return caps, nil
}

func (s *SauceOptions) options() sauce.Options {
	opts := sauce.Options{
		Name:       s.Name,
		Build:      s.Build,
		Tags:       s.Tags,
		TunnelName: s.TunnelName,
	}
	if s.CapturePerformance {
		opts.ExtendedDebugging = true
		opts.CapturePerformance = true
	}
	return opts
}

func (o Options) proxy() selenium.Proxy {
	p := o.Proxy
	if p.PAC != "" {
		return selenium.Proxy{Type: selenium.PAC, AutoconfigURL: p.PAC}
	}
	proxy := selenium.Proxy{
		Type:    selenium.Manual,
		HTTP:    p.HTTP,
		SSL:     p.HTTPS,
		NoProxy: p.NoProxy,
	}
	if p.SOCKS != "" {
		proxy.SOCKS = p.SOCKS
		proxy.SOCKSVersion = 5
	}
	return proxy
}

func (o Options) chromeCapabilities() (chrome.Capabilities, error) {
	c := chrome.Capabilities{
		Path: o.Chrome.Binary,
		Args: append([]string(nil), o.Chrome.Args...),
		W3C:  true,
	}
	if o.Headless {
		c.Args = append(c.Args, "--headless=new")
	}
	if o.UserAgent != "" {
		c.Args = append(c.Args, "--user-agent="+o.UserAgent)
	}
	if o.WindowSize != "" {
		w, h, _ := ParseWindowSize(o.WindowSize)
		c.Args = append(c.Args, fmt.Sprintf("--window-size=%d,%d", w, h))
	}
	if o.Chrome.MobileDevice != "" {
		c.MobileEmulation = &chrome.MobileEmulation{DeviceName: o.Chrome.MobileDevice}
	}
	if o.Chrome.PerformanceLog {
		enabled := true
		c.PerfLoggingPrefs = &chrome.PerfLoggingPreferences{
			EnableNetwork: &enabled,
			EnablePage:    &enabled,
		}
	}
	for _, ext := range o.Chrome.Extensions {
		fi, err := os.Stat(ext)
		if err != nil {
			return c, fmt.Errorf("chrome extension: %w", err)
		}
		if fi.IsDir() {
			err = c.AddUnpackedExtension(ext)
		} else {
			err = c.AddExtension(ext)
		}
		if err != nil {
			return c, fmt.Errorf("chrome extension %q: %w", ext, err)
		}
	}
	return c, nil
}

func (o Options) firefoxCapabilities() (firefox.Capabilities, error) {
	f := firefox.Capabilities{
		Binary: o.Firefox.Binary,
		Args:   append([]string(nil), o.Firefox.Args...),
	}
	if o.Headless {
		f.Args = append(f.Args, "-headless")
	}
	for k, v := range o.Firefox.Prefs {
		f.SetPref(k, v)
	}
	if o.UserAgent != "" {
		f.SetPref("general.useragent.override", o.UserAgent)
	}
	if o.Verbose {
		f.Log = &firefox.Log{Level: firefox.Trace}
	}
	if o.Firefox.Profile != "" {
		if err := f.SetProfile(o.Firefox.Profile); err != nil {
			return f, fmt.Errorf("firefox profile %q: %w", o.Firefox.Profile, err)
		}
	}
	return f, nil
}

// driverPath resolves the driver binary for a local service.
func (o Options) driverPath() (string, error) {
	if o.DriverPath != "" {
		if _, err := os.Stat(o.DriverPath); err != nil {
			return "", fmt.Errorf("driver for %s: %w", o.Browser, err)
		}
		return o.DriverPath, nil
	}
	path, err := exec.LookPath(driverBinaries[o.Browser])
	if err != nil {
		return "", fmt.Errorf("driver for %s not found, set the driver path or an executor: %w", o.Browser, err)
	}
	return path, nil
}

// startService launches the local driver for o.Browser on a free port.
func (o Options) startService(ctx context.Context) (*selenium.Service, error) {
	path, err := o.driverPath()
	if err != nil {
		return nil, err
	}
	port, err := selenium.PickUnusedPort()
	if err != nil {
		return nil, err
	}

	var opts []selenium.ServiceOption
	if o.FrameBuffer {
		fb := selenium.FrameBufferOptions{}
		if o.WindowSize != "" {
			fb.ScreenSize = o.WindowSize + "x24"
		}
		opts = append(opts, selenium.StartFrameBufferWithOptions(fb))
	}
	switch {
	case o.ServiceOutput != nil:
		opts = append(opts, selenium.Output(o.ServiceOutput))
	case o.Verbose:
		opts = append(opts, selenium.Output(os.Stderr))
	}

	glog.V(1).Infof("starting %s on port %d", path, port)
	return serviceStarters[o.Browser](ctx, path, port, opts...)
}

// startSauce opens the Sauce Connect tunnel, if one is configured, and
// returns the Sauce Labs endpoint.
func (o Options) startSauce(ctx context.Context) (string, *sauce.Connect, error) {
	s := o.Sauce
	addr, err := sauce.Addr(s.UserName, s.AccessKey, s.Region)
	if err != nil {
		return "", nil, err
	}
	if s.ConnectPath == "" {
		return addr, nil, nil
	}
	tunnel := &sauce.Connect{
		Path:       s.ConnectPath,
		UserName:   s.UserName,
		AccessKey:  s.AccessKey,
		Region:     s.Region,
		TunnelName: s.TunnelName,
		Verbose:    o.Verbose,
	}
	switch {
	case o.ServiceOutput != nil:
		tunnel.Output = o.ServiceOutput
	case o.Verbose:
		tunnel.Output = os.Stderr
	}
	glog.V(1).Infof("opening sauce connect tunnel %s", s.TunnelName)
	if err := tunnel.Start(ctx); err != nil {
		return "", nil, err
	}
	return addr, tunnel, nil
}
