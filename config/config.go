// Package config assembles runner options from a YAML file, BROWSERTIME_*
// environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/mstoykov/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"

	"github.com/wanmail/seleniumrunner/runner"
)

// Config is the configuration of a browsertime run.
type Config struct {
	runner.Options `yaml:",inline"`

	// Scripts are run after each page is complete; their results are
	// reported by name.
	Scripts map[string]string `yaml:"scripts"`
	// WaitScript overrides the page complete check.
	WaitScript string `yaml:"waitScript"`
	// ScreenshotDir receives a screenshot per page when set.
	ScreenshotDir string `yaml:"screenshotDir"`
}

// ReadFile decodes the YAML configuration at path. Unknown keys are
// rejected.
func ReadFile(path string) (Config, error) {
	var conf Config
	f, err := os.Open(path)
	if err != nil {
		return conf, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&conf); err != nil {
		return conf, fmt.Errorf("decoding %s: %w", path, err)
	}
	return conf, nil
}

// The env* types are set whenever their variable is present, so that an
// empty variable clears a value from the configuration file. The null
// types alone treat empty text as unset.

type envString struct{ null.String }

func (s *envString) UnmarshalText(text []byte) error {
	s.String = null.StringFrom(string(text))
	return nil
}

type envBool struct{ null.Bool }

func (b *envBool) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		b.Bool = null.BoolFrom(false)
		return nil
	}
	return b.Bool.UnmarshalText(text)
}

// nullDuration is a duration that remembers whether it was set. Empty text
// sets it to zero, which WithDefaults replaces with the default.
type nullDuration struct {
	time.Duration
	Valid bool
}

func (d *nullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = nullDuration{Valid: true}
		return nil
	}
	v, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = nullDuration{Duration: v, Valid: true}
	return nil
}

// envConfig lists the settings that can come from the environment.
type envConfig struct {
	Config      envString `envconfig:"BROWSERTIME_CONFIG"`
	Browser     envString `envconfig:"BROWSERTIME_BROWSER"`
	Executor    envString `envconfig:"BROWSERTIME_EXECUTOR"`
	DriverPath  envString `envconfig:"BROWSERTIME_DRIVER_PATH"`
	Headless    envBool   `envconfig:"BROWSERTIME_HEADLESS"`
	Verbose     envBool   `envconfig:"BROWSERTIME_VERBOSE"`
	FrameBuffer envBool   `envconfig:"BROWSERTIME_XVFB"`
	WindowSize  envString `envconfig:"BROWSERTIME_WINDOW_SIZE"`
	UserAgent   envString `envconfig:"BROWSERTIME_USER_AGENT"`
	ChromeBin   envString `envconfig:"BROWSERTIME_CHROME_BINARY"`
	FirefoxBin  envString `envconfig:"BROWSERTIME_FIREFOX_BINARY"`
	WaitScript  envString `envconfig:"BROWSERTIME_WAIT_SCRIPT"`
	Screenshots envString `envconfig:"BROWSERTIME_SCREENSHOT_DIR"`

	SauceUserName  envString `envconfig:"BROWSERTIME_SAUCE_USERNAME"`
	SauceAccessKey envString `envconfig:"BROWSERTIME_SAUCE_ACCESS_KEY"`
	SauceRegion    envString `envconfig:"BROWSERTIME_SAUCE_REGION"`
	SauceConnect   envString `envconfig:"BROWSERTIME_SAUCE_CONNECT"`

	ScriptTimeout     nullDuration `envconfig:"BROWSERTIME_TIMEOUTS_SCRIPTS"`
	PageLoadTimeout   nullDuration `envconfig:"BROWSERTIME_TIMEOUTS_PAGE_LOAD"`
	PageCompleteCheck nullDuration `envconfig:"BROWSERTIME_TIMEOUTS_PAGE_COMPLETE_CHECK"`
	PageCompletePoll  nullDuration `envconfig:"BROWSERTIME_TIMEOUTS_PAGE_COMPLETE_CHECK_POLL"`
	StopTimeout       nullDuration `envconfig:"BROWSERTIME_TIMEOUTS_STOP"`
}

func readEnv(lookup func(string) (string, bool)) (envConfig, error) {
	var env envConfig
	if lookup == nil {
		lookup = os.LookupEnv
	}
	err := envconfig.Process("", &env, lookup)
	return env, err
}

func setString(dst *string, v envString) {
	if v.Valid {
		*dst = v.String.String
	}
}

func setBool(dst *bool, v envBool) {
	if v.Valid {
		*dst = v.Bool.Bool
	}
}

func setDuration(dst *time.Duration, v nullDuration) {
	if v.Valid {
		*dst = v.Duration
	}
}

func (c *Config) applyEnv(env envConfig) {
	setString(&c.Browser, env.Browser)
	setString(&c.Executor, env.Executor)
	setString(&c.DriverPath, env.DriverPath)
	setBool(&c.Headless, env.Headless)
	setBool(&c.Verbose, env.Verbose)
	setBool(&c.FrameBuffer, env.FrameBuffer)
	setString(&c.WindowSize, env.WindowSize)
	setString(&c.UserAgent, env.UserAgent)
	setString(&c.Chrome.Binary, env.ChromeBin)
	setString(&c.Firefox.Binary, env.FirefoxBin)
	setString(&c.WaitScript, env.WaitScript)
	setString(&c.ScreenshotDir, env.Screenshots)

	if env.SauceUserName.String.String != "" || env.SauceAccessKey.String.String != "" {
		c.sauce()
	}
	if c.Sauce != nil {
		setString(&c.Sauce.UserName, env.SauceUserName)
		setString(&c.Sauce.AccessKey, env.SauceAccessKey)
		setString(&c.Sauce.Region, env.SauceRegion)
		setString(&c.Sauce.ConnectPath, env.SauceConnect)
	}

	t := &c.Timeouts
	setDuration(&t.Scripts, env.ScriptTimeout)
	setDuration(&t.PageLoad, env.PageLoadTimeout)
	setDuration(&t.PageCompleteCheck, env.PageCompleteCheck)
	setDuration(&t.PageCompleteCheckPoll, env.PageCompletePoll)
	setDuration(&t.Stop, env.StopTimeout)
}

// FlagSet returns the flags understood by Load.
func FlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringP("config", "c", "", "YAML configuration `file`")
	flags.StringP("browser", "b", runner.Chrome, "browser to drive: chrome, firefox, ie or edge")
	flags.String("executor", "", "`url` of a running WebDriver server; a local driver is started when empty")
	flags.String("driver-path", "", "driver binary to start, looked up in PATH by default")
	flags.Bool("headless", false, "run the browser without a window")
	flags.Bool("verbose", false, "log WebDriver traffic and driver output")
	flags.Bool("xvfb", false, "run the local driver inside Xvfb")
	flags.String("window-size", "", "browser window size as `WIDTHxHEIGHT`")
	flags.String("user-agent", "", "override the browser user agent")
	flags.Bool("accept-insecure-certs", false, "accept invalid TLS certificates")
	flags.String("page-load-strategy", "", "normal, eager or none")
	flags.String("proxy-http", "", "HTTP proxy `host:port`")
	flags.String("proxy-https", "", "HTTPS proxy `host:port`")
	flags.String("proxy-socks", "", "SOCKS5 proxy `host:port`")
	flags.String("proxy-pac", "", "proxy auto-config `url`")
	flags.Bool("sauce", false, "run on Sauce Labs, with the credentials from BROWSERTIME_SAUCE_USERNAME and BROWSERTIME_SAUCE_ACCESS_KEY")
	flags.String("sauce-region", "", "Sauce Labs data center, us-west-1 by default")
	flags.String("sauce-platform", "", "Sauce Labs platform, e.g. \"Windows 11\"")
	flags.String("sauce-browser-version", "", "browser version on Sauce Labs")
	flags.String("sauce-name", "", "Sauce Labs job name")
	flags.String("sauce-build", "", "Sauce Labs build name")
	flags.String("sauce-connect", "", "Sauce Connect binary; opens a tunnel for the run when set")
	flags.StringSlice("chrome-arg", nil, "extra Chrome command line argument")
	flags.String("chrome-binary", "", "Chrome binary")
	flags.StringSlice("chrome-extension", nil, "packed or unpacked Chrome extension to install")
	flags.Bool("chrome-performance-log", false, "collect the Chrome DevTools performance log")
	flags.StringSlice("firefox-arg", nil, "extra Firefox command line argument")
	flags.String("firefox-binary", "", "Firefox binary")
	flags.String("firefox-profile", "", "Firefox profile `directory`")
	flags.Duration("timeouts-scripts", runner.DefaultScriptTimeout, "script timeout")
	flags.Duration("timeouts-page-load", runner.DefaultPageLoadTimeout, "page load timeout")
	flags.Duration("timeouts-page-complete-check", runner.DefaultPageCompleteCheckTimeout, "how long to poll the page complete check")
	flags.Duration("timeouts-page-complete-check-poll", runner.DefaultPageCompleteCheckPoll, "pause between two page complete checks")
	flags.Duration("timeouts-stop", runner.DefaultStopTimeout, "how long to wait for the browser to stop")
	flags.String("wait-script", "", "JavaScript that returns true once the page is complete")
	flags.StringArray("script", nil, "collect the result of a script, as `name=javascript`")
	flags.String("screenshot", "", "save a screenshot of each page into `dir`")
	return flags
}

// applyFlags overrides c with the flags that were set explicitly.
func (c *Config) applyFlags(flags *pflag.FlagSet) error {
	var err error
	str := func(name string, dst *string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetString(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetBool(name)
		}
	}
	duration := func(name string, dst *time.Duration) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetDuration(name)
		}
	}
	slice := func(name string, dst *[]string) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetStringSlice(name)
		}
	}

	str("browser", &c.Browser)
	str("executor", &c.Executor)
	str("driver-path", &c.DriverPath)
	boolean("headless", &c.Headless)
	boolean("verbose", &c.Verbose)
	boolean("xvfb", &c.FrameBuffer)
	str("window-size", &c.WindowSize)
	str("user-agent", &c.UserAgent)
	boolean("accept-insecure-certs", &c.AcceptInsecureCerts)
	str("page-load-strategy", &c.PageLoadStrategy)
	slice("chrome-arg", &c.Chrome.Args)
	str("chrome-binary", &c.Chrome.Binary)
	slice("chrome-extension", &c.Chrome.Extensions)
	boolean("chrome-performance-log", &c.Chrome.PerformanceLog)
	slice("firefox-arg", &c.Firefox.Args)
	str("firefox-binary", &c.Firefox.Binary)
	str("firefox-profile", &c.Firefox.Profile)
	duration("timeouts-scripts", &c.Timeouts.Scripts)
	duration("timeouts-page-load", &c.Timeouts.PageLoad)
	duration("timeouts-page-complete-check", &c.Timeouts.PageCompleteCheck)
	duration("timeouts-page-complete-check-poll", &c.Timeouts.PageCompleteCheckPoll)
	duration("timeouts-stop", &c.Timeouts.Stop)
	str("wait-script", &c.WaitScript)
	str("screenshot", &c.ScreenshotDir)
	if err != nil {
		return err
	}

	for _, name := range []string{"proxy-http", "proxy-https", "proxy-socks", "proxy-pac"} {
		if flags.Changed(name) && c.Proxy == nil {
			c.Proxy = &runner.ProxyOptions{}
		}
	}
	if c.Proxy != nil {
		str("proxy-http", &c.Proxy.HTTP)
		str("proxy-https", &c.Proxy.HTTPS)
		str("proxy-socks", &c.Proxy.SOCKS)
		str("proxy-pac", &c.Proxy.PAC)
	}
	if err != nil {
		return err
	}

	for _, name := range []string{"sauce", "sauce-region", "sauce-platform", "sauce-browser-version", "sauce-name", "sauce-build", "sauce-connect"} {
		if flags.Changed(name) {
			c.sauce()
		}
	}
	if c.Sauce != nil {
		str("sauce-region", &c.Sauce.Region)
		str("sauce-platform", &c.Sauce.Platform)
		str("sauce-browser-version", &c.Sauce.BrowserVersion)
		str("sauce-name", &c.Sauce.Name)
		str("sauce-build", &c.Sauce.Build)
		str("sauce-connect", &c.Sauce.ConnectPath)
	}
	if err != nil {
		return err
	}

	if flags.Changed("script") {
		scripts, err := flags.GetStringArray("script")
		if err != nil {
			return err
		}
		if c.Scripts == nil {
			c.Scripts = make(map[string]string)
		}
		for _, s := range scripts {
			name, body, err := splitScript(s)
			if err != nil {
				return err
			}
			c.Scripts[name] = body
		}
	}
	return nil
}

// sauce allocates the Sauce Labs options on first use.
func (c *Config) sauce() {
	if c.Sauce == nil {
		c.Sauce = &runner.SauceOptions{}
	}
}

func splitScript(s string) (name, body string, err error) {
	name, body, ok := strings.Cut(s, "=")
	if !ok || name == "" || body == "" {
		return "", "", fmt.Errorf("invalid script %q, want name=javascript", s)
	}
	return name, body, nil
}

// Load merges defaults, the configuration file, the environment and flags.
// The file is named by the --config flag or BROWSERTIME_CONFIG. lookup reads
// the environment and defaults to os.LookupEnv; flags may be nil.
func Load(flags *pflag.FlagSet, lookup func(string) (string, bool)) (Config, error) {
	env, err := readEnv(lookup)
	if err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}

	path := env.Config.String.String
	if flags != nil && flags.Changed("config") {
		if path, err = flags.GetString("config"); err != nil {
			return Config{}, err
		}
	}

	var conf Config
	if path != "" {
		if conf, err = ReadFile(path); err != nil {
			return Config{}, err
		}
		glog.V(1).Infof("read configuration from %s", path)
	}
	conf.applyEnv(env)
	if flags != nil {
		if err := conf.applyFlags(flags); err != nil {
			return Config{}, err
		}
	}

	conf.Options = conf.Options.WithDefaults()
	if err := conf.Options.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}
