// Package chrome provides Chrome-specific options for WebDriver and helpers
// for the data Chrome hands back, such as performance logs.
package chrome

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	crx3 "github.com/mediabuyerbot/go-crx3"
)

// CapabilitiesKey is the key in the top-level Capabilities map under which
// ChromeDriver expects the Chrome-specific options to be set.
const CapabilitiesKey = "goog:chromeOptions"

// EdgeCapabilitiesKey is the key msedgedriver reads the same options from.
const EdgeCapabilitiesKey = "ms:edgeOptions"

// Capabilities defines the Chrome-specific desired capabilities when using
// ChromeDriver. See
// https://chromedriver.chromium.org/capabilities
type Capabilities struct {
	// Path is the file path to the Chrome binary to use.
	Path string `json:"binary,omitempty"`
	// Args are the command-line arguments to pass to the Chrome binary, in
	// addition to the ChromeDriver-supplied ones.
	Args []string `json:"args,omitempty"`
	// ExcludeSwitches are the command line flags that should be removed from
	// the ChromeDriver-supplied default flags. The strings included here should
	// not include a preceding '--'.
	ExcludeSwitches []string `json:"excludeSwitches,omitempty"`
	// Extensions are the base-64, padded contents of Chrome extension files
	// (.crx) to install at startup. Use AddExtension or AddUnpackedExtension.
	Extensions []string `json:"extensions,omitempty"`
	// Prefs are the key/value pairs that are applied to the preferences of the
	// user profile in use.
	Prefs map[string]interface{} `json:"prefs,omitempty"`
	// MobileEmulation provides options for mobile emulation.
	MobileEmulation *MobileEmulation `json:"mobileEmulation,omitempty"`
	// PerfLoggingPrefs specifies options for performance logging.
	PerfLoggingPrefs *PerfLoggingPreferences `json:"perfLoggingPrefs,omitempty"`
	// Use W3C mode, if true.
	W3C bool `json:"w3c"`
}

// MobileEmulation provides options for mobile emulation. Only
// DeviceName or both of DeviceMetrics and UserAgent may be set at once.
type MobileEmulation struct {
	DeviceName    string         `json:"deviceName,omitempty"`
	DeviceMetrics *DeviceMetrics `json:"deviceMetrics,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
}

// DeviceMetrics specifies device attributes for emulation.
type DeviceMetrics struct {
	Width      uint    `json:"width"`
	Height     uint    `json:"height"`
	PixelRatio float64 `json:"pixelRatio"`
	// Touch indicates whether to emulate touch events. The default is true, if
	// unset.
	Touch *bool `json:"touch,omitempty"`
}

// PerfLoggingPreferences specifies configuration options for performance
// logging.
type PerfLoggingPreferences struct {
	// EnableNetwork specifies whether of not to collect events from the Network
	// domain. The default is true.
	EnableNetwork *bool `json:"enableNetwork,omitempty"`
	// EnablePage specifies whether or not to collect events from the Page
	// domain. The default is true.
	EnablePage *bool `json:"enablePage,omitempty"`
	// TraceCategories is a comma-separated string of Chrome tracing categories
	// for which trace events should be collected. An unspecified or empty string
	// disables tracing.
	TraceCategories string `json:"traceCategories,omitempty"`
	// BufferUsageReportingIntervalMillis is the requested number of milliseconds
	// between DevTools trace buffer usage events.
	BufferUsageReportingIntervalMillis uint `json:"bufferUsageReportingInterval,omitempty"`
}

// AddExtension adds a packed extension (.crx) for the browser to load at
// startup. The contents of the file are loaded into memory, as required by
// the protocol.
func (c *Capabilities) AddExtension(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c.Extensions = append(c.Extensions, base64.StdEncoding.EncodeToString(data))
	return nil
}

// AddUnpackedExtension packs the extension below dir as a CRX3 file signed
// with a throwaway key and adds it to the capabilities.
func (c *Capabilities) AddUnpackedExtension(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("extension path %q is not a directory", dir)
	}

	tmp, err := os.MkdirTemp("", "chrome-extension")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	crx := filepath.Join(tmp, filepath.Base(dir)+".crx")
	if err := crx3.Pack(dir, crx, nil); err != nil {
		return fmt.Errorf("packing extension %q: %w", dir, err)
	}
	encoded, err := crx3.Base64(crx)
	if err != nil {
		return fmt.Errorf("encoding extension %q: %w", dir, err)
	}
	c.Extensions = append(c.Extensions, string(encoded))
	return nil
}
