package selenium

import (
	"os/exec"
	"testing"

	"github.com/BurntSushi/xgbutil"
)

// TestFrameBufferScreen starts a real Xvfb and checks the screen it reports
// over the X protocol.
func TestFrameBufferScreen(t *testing.T) {
	for _, bin := range []string{"Xvfb", "xauth"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	tests := []struct {
		size          string
		width, height int
	}{
		// Xvfb defaults to 1280x1024x8.
		{"", 1280, 1024},
		{"1024x768x24", 1024, 768},
	}
	for _, tc := range tests {
		t.Run(tc.size, func(t *testing.T) {
			fb, err := NewFrameBufferWithOptions(FrameBufferOptions{ScreenSize: tc.size})
			if err != nil {
				t.Fatalf("NewFrameBufferWithOptions(%q) returned error: %v", tc.size, err)
			}
			defer fb.Stop()

			x, err := xgbutil.NewConnDisplay(":" + fb.Display)
			if err != nil {
				t.Fatalf("connecting to display %q: %v", fb.Display, err)
			}
			defer x.Conn().Close()

			s := x.Screen()
			if int(s.WidthInPixels) != tc.width || int(s.HeightInPixels) != tc.height {
				t.Errorf("screen is %dx%d, want %dx%d", s.WidthInPixels, s.HeightInPixels, tc.width, tc.height)
			}
		})
	}
}
