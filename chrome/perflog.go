package chrome

import (
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/golang/glog"
	"github.com/mailru/easyjson"

	"github.com/wanmail/seleniumrunner/log"
)

// PerformanceEvent is one DevTools event recorded in Chrome's performance
// log.
type PerformanceEvent struct {
	// Method is the DevTools method name, e.g. "Network.responseReceived".
	Method cdproto.MethodType
	// WebView identifies the page target that emitted the event.
	WebView string
	// Event is the typed cdproto event, e.g. *network.EventResponseReceived.
	// It is nil for methods cdproto does not know.
	Event interface{}
	// Message is the raw DevTools message.
	Message *cdproto.Message
}

// perfLogEntry is the JSON document ChromeDriver stores in the message field
// of each performance log entry.
type perfLogEntry struct {
	Message json.RawMessage `json:"message"`
	WebView string          `json:"webview"`
}

// ParsePerformanceLog decodes the entries returned for the "performance" log
// type. Entries that are not DevTools messages are skipped with a warning;
// events of methods cdproto cannot decode are returned with a nil Event.
func ParsePerformanceLog(msgs []log.Message) ([]PerformanceEvent, error) {
	events := make([]PerformanceEvent, 0, len(msgs))
	for i, m := range msgs {
		var entry perfLogEntry
		if err := json.Unmarshal([]byte(m.Message), &entry); err != nil {
			return nil, fmt.Errorf("performance log entry %d: %w", i, err)
		}
		var msg cdproto.Message
		if len(entry.Message) > 0 {
			if err := easyjson.Unmarshal(entry.Message, &msg); err != nil {
				return nil, fmt.Errorf("performance log entry %d: %w", i, err)
			}
		}
		if msg.Method == "" {
			glog.Warningf("performance log entry %d has no method, skipping", i)
			continue
		}

		ev := PerformanceEvent{
			Method:  msg.Method,
			WebView: entry.WebView,
			Message: &msg,
		}
		event, err := cdproto.UnmarshalMessage(&msg)
		if err != nil {
			glog.V(2).Infof("performance log: %s not decoded: %v", msg.Method, err)
		} else {
			ev.Event = event
		}
		events = append(events, ev)
	}
	return events, nil
}
