// Package sauce runs WebDriver sessions on the Sauce Labs browser cloud.
package sauce

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CapabilitiesKey is the W3C extension capability holding Options.
const CapabilitiesKey = "sauce:options"

// DefaultRegion is used when no region is given.
const DefaultRegion = "us-west-1"

var regionHosts = map[string]string{
	"us-west-1":    "ondemand.us-west-1.saucelabs.com",
	"us-east-4":    "ondemand.us-east-4.saucelabs.com",
	"eu-central-1": "ondemand.eu-central-1.saucelabs.com",
}

// Regions lists the data centers Addr knows about.
func Regions() []string {
	out := make([]string, 0, len(regionHosts))
	for r := range regionHosts {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Addr returns the WebDriver endpoint of a Sauce Labs region, with the
// credentials embedded in the URL.
func Addr(userName, accessKey, region string) (string, error) {
	if region == "" {
		region = DefaultRegion
	}
	host, ok := regionHosts[region]
	if !ok {
		return "", fmt.Errorf("unknown Sauce Labs region %q (want one of %s)", region, strings.Join(Regions(), ", "))
	}
	u := url.URL{
		Scheme: "https",
		User:   url.UserPassword(userName, accessKey),
		Host:   host,
		Path:   "/wd/hub",
	}
	return u.String(), nil
}

// Options are the Sauce specific settings of a session.
//
// See https://docs.saucelabs.com/dev/test-configuration-options/.
type Options struct {
	// Name and Build label the job in the Sauce dashboard.
	Name  string   `json:"name,omitempty"`
	Build string   `json:"build,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	// CustomData is stored with the job, up to 64KB.
	CustomData json.RawMessage `json:"customData,omitempty"`

	// TunnelName routes the session through a Sauce Connect tunnel, so
	// that the browser can reach hosts only visible from this machine.
	TunnelName string `json:"tunnelName,omitempty"`

	// ScreenResolution of desktop VMs, e.g. "1920x1080".
	ScreenResolution string `json:"screenResolution,omitempty"`
	TimeZone         string `json:"timeZone,omitempty"`

	// The limits below are in seconds. Sauce applies its own defaults when
	// they are zero.
	MaxDuration    int `json:"maxDuration,omitempty"`
	CommandTimeout int `json:"commandTimeout,omitempty"`
	IdleTimeout    int `json:"idleTimeout,omitempty"`

	RecordVideo       *bool `json:"recordVideo,omitempty"`
	RecordScreenshots *bool `json:"recordScreenshots,omitempty"`
	RecordLogs        *bool `json:"recordLogs,omitempty"`

	// ExtendedDebugging keeps HAR files and console logs of Chrome and
	// Firefox sessions.
	ExtendedDebugging bool `json:"extendedDebugging,omitempty"`
	// CapturePerformance records page load metrics for each navigation.
	// It requires ExtendedDebugging and a Name.
	CapturePerformance bool `json:"capturePerformance,omitempty"`

	Visibility Visibility `json:"public,omitempty"`
}

// Visibility is who can see the results of a job.
type Visibility string

// The job visibilities.
const (
	Public           Visibility = "public"
	PublicRestricted Visibility = "public restricted"
	Share            Visibility = "share"
	Team             Visibility = "team"
	Private          Visibility = "private"
)

// Validate reports settings Sauce would reject.
func (o *Options) Validate() error {
	if o.CapturePerformance && (!o.ExtendedDebugging || o.Name == "") {
		return fmt.Errorf("sauce: capturePerformance needs extendedDebugging and a job name")
	}
	if len(o.CustomData) > 64<<10 {
		return fmt.Errorf("sauce: customData is %d bytes, the limit is 64KB", len(o.CustomData))
	}
	return nil
}
