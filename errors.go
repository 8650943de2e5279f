package selenium

import (
	"errors"
	"fmt"
)

// Error contains information about a failure of a command. See the error
// codes section of the W3C WebDriver specification.
type Error struct {
	// Err contains a general error string provided by the server.
	Err string `json:"error"`
	// Message is a detailed, human-readable message specific to the failure.
	Message string `json:"message"`
	// Stacktrace may contain the server-side stacktrace where the error occurred.
	Stacktrace string `json:"stacktrace"`
	// HTTPCode is the HTTP status code returned by the server.
	HTTPCode int
	// LegacyCode is the numeric status of a pre-W3C reply, or zero.
	LegacyCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Err
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}

// W3C error codes.
const (
	ErrJavascript          = "javascript error"
	ErrNoSuchElement       = "no such element"
	ErrScriptTimeout       = "script timeout"
	ErrTimeout             = "timeout"
	ErrInvalidSessionID    = "invalid session id"
	ErrSessionNotCreated   = "session not created"
	ErrUnknownError        = "unknown error"
	ErrUnknownCommand      = "unknown command"
	ErrUnexpectedAlertOpen = "unexpected alert open"
)

// legacyErrors maps the numeric statuses of the JSON wire protocol onto the
// W3C error codes.
var legacyErrors = map[int]string{
	6:  ErrInvalidSessionID,
	7:  ErrNoSuchElement,
	8:  "no such frame",
	9:  ErrUnknownCommand,
	10: "stale element reference",
	11: "element not visible",
	12: "invalid element state",
	13: ErrUnknownError,
	15: "element is not selectable",
	17: ErrJavascript,
	19: "xpath lookup error",
	21: ErrTimeout,
	23: "no such window",
	24: "invalid cookie domain",
	25: "unable to set cookie",
	26: ErrUnexpectedAlertOpen,
	27: "no alert open",
	28: ErrScriptTimeout,
	29: "invalid element coordinates",
	32: "invalid selector",
	33: ErrSessionNotCreated,
}

func legacyError(status int) string {
	if msg, ok := legacyErrors[status]; ok {
		return msg
	}
	return fmt.Sprintf("unknown error - %d", status)
}

// IsTimeout reports whether err is a page load or script timeout reported by
// the driver.
func IsTimeout(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Err == ErrTimeout || e.Err == ErrScriptTimeout
}

// IsScriptError reports whether err is an exception thrown by a script
// executed in the browser.
func IsScriptError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Err == ErrJavascript
}
