// Package ie provides Internet Explorer-specific options for WebDriver.
package ie

// CapabilitiesKey is the key IEDriverServer reads its options from.
const CapabilitiesKey = "se:ieOptions"

// Capabilities are the options understood by IEDriverServer.
type Capabilities struct {
	// IgnoreZoomSetting skips the check that the browser zoom is at 100%.
	IgnoreZoomSetting bool `json:"ignoreZoomSetting,omitempty"`
	// IgnoreProtectedModeSettings skips the check that all zones share the
	// same Protected Mode setting.
	IgnoreProtectedModeSettings bool `json:"ignoreProtectedModeSettings,omitempty"`
	// InitialBrowserURL is the page the browser opens before the first
	// navigation.
	InitialBrowserURL string `json:"initialBrowserUrl,omitempty"`
	// EnsureCleanSession clears the cache, cookies and history on start.
	EnsureCleanSession bool `json:"ie.ensureCleanSession,omitempty"`
	// BrowserCommandLineSwitches are passed to iexplore.exe; they require
	// ForceCreateProcessAPI.
	BrowserCommandLineSwitches string `json:"ie.browserCommandLineSwitches,omitempty"`
	ForceCreateProcessAPI      bool   `json:"ie.forceCreateProcessApi,omitempty"`
}
