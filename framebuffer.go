package selenium

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FrameBufferOptions describes the options that can be used to create a frame buffer.
type FrameBufferOptions struct {
	// ScreenSize is the option for the frame buffer screen size.
	// This is of the form "{width}x{height}[x{depth}]".  For example: "1024x768x24"
	ScreenSize string
}

var screenSizeExpression = regexp.MustCompile(`^\d+x\d+(?:x\d+)?$`)

// FrameBuffer controls an X virtual frame buffer running as a background
// process.
type FrameBuffer struct {
	// Display is the X11 display number that the Xvfb process is hosting
	// (without the preceding colon).
	Display string
	// AuthPath is the path to the X11 authorization file that permits X clients
	// to use the X server. This is typically provided to the client via the
	// XAUTHORITY environment variable.
	AuthPath string

	cmd *exec.Cmd
}

// NewFrameBuffer starts an X virtual frame buffer running in the background.
func NewFrameBuffer() (*FrameBuffer, error) {
	return NewFrameBufferWithOptions(FrameBufferOptions{})
}

// NewFrameBufferWithOptions starts an X virtual frame buffer running in the
// background.
func NewFrameBufferWithOptions(options FrameBufferOptions) (*FrameBuffer, error) {
	arguments := []string{"-displayfd", "3", "-nolisten", "tcp"}
	if options.ScreenSize != "" {
		if !screenSizeExpression.MatchString(options.ScreenSize) {
			return nil, fmt.Errorf("invalid screen size: expected 'WxH[xD]', got %q", options.ScreenSize)
		}
		arguments = append(arguments, "-screen", "0", options.ScreenSize)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	auth, err := os.CreateTemp("", "selenium-xvfb")
	if err != nil {
		w.Close()
		return nil, err
	}
	authPath := auth.Name()
	if err := auth.Close(); err != nil {
		w.Close()
		return nil, err
	}

	// Xvfb will print the display on which it is listening to file descriptor 3,
	// for which we provide a pipe.
	xvfb := newExecCommand("Xvfb", arguments...)
	xvfb.ExtraFiles = []*os.File{w}
	xvfb.Env = append(xvfb.Env, "XAUTHORITY="+authPath)
	if err := xvfb.Start(); err != nil {
		w.Close()
		os.Remove(authPath)
		return nil, err
	}
	w.Close()

	fb := &FrameBuffer{AuthPath: authPath, cmd: xvfb}

	type resp struct {
		display string
		err     error
	}
	ch := make(chan resp, 1)
	go func() {
		s, err := bufio.NewReader(r).ReadString('\n')
		ch <- resp{s, err}
	}()

	select {
	case resp := <-ch:
		if resp.err != nil {
			fb.Stop()
			return nil, resp.err
		}
		fb.Display = strings.TrimSpace(resp.display)
		if _, err := strconv.Atoi(fb.Display); err != nil {
			fb.Stop()
			return nil, errors.New("Xvfb did not print the display number")
		}
	case <-time.After(3 * time.Second):
		fb.Stop()
		return nil, errors.New("timeout waiting for Xvfb")
	}

	xauth := newExecCommand("xauth", "generate", ":"+fb.Display, ".", "trusted")
	xauth.Stderr = os.Stderr
	xauth.Stdout = os.Stdout
	xauth.Env = append(xauth.Env, "XAUTHORITY="+authPath)
	if err := xauth.Run(); err != nil {
		fb.Stop()
		return nil, err
	}
	return fb, nil
}

// Stop kills the background frame buffer process and removes the X
// authorization file.
func (f *FrameBuffer) Stop() error {
	defer os.Remove(f.AuthPath)
	if err := f.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	if err := f.cmd.Wait(); err != nil && err.Error() != "signal: killed" {
		return err
	}
	return nil
}
