package selenium

import (
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
)

var debugFlag atomic.Bool

// SetDebug enables or disables logging of every WebDriver request and
// response.
func SetDebug(debug bool) {
	debugFlag.Store(debug)
}

func debugLog(format string, args ...interface{}) {
	if !debugFlag.Load() && !bool(glog.V(2)) {
		return
	}
	glog.InfoDepth(1, fmt.Sprintf(format, args...))
}
