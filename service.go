package selenium

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
)

// newExecCommand is replaced in tests.
var newExecCommand = exec.Command

// ServiceOption configures a Service instance.
type ServiceOption func(*Service) error

// Display specifies the value to which set the DISPLAY environment variable,
// as well as the path to the Xauthority file containing credentials needed to
// write to that X server.
func Display(d, xauthPath string) ServiceOption {
	return func(s *Service) error {
		if s.display != "" {
			return fmt.Errorf("service display already set: %v", s.display)
		}
		if s.xauthPath != "" {
			return fmt.Errorf("service xauth path already set: %v", s.xauthPath)
		}
		if !isDisplay(d) {
			return fmt.Errorf("supplied display %q must be of the format 'x' or 'x.y' where x and y are integers", d)
		}
		s.display = d
		s.xauthPath = xauthPath
		return nil
	}
}

// isDisplay validates that the given disp is in the format "x" or "x.y", where
// x and y are both integers.
func isDisplay(disp string) bool {
	ds := strings.Split(disp, ".")
	if len(ds) > 2 {
		return false
	}
	for _, d := range ds {
		if _, err := strconv.Atoi(d); err != nil {
			return false
		}
	}
	return true
}

// StartFrameBuffer causes an X virtual frame buffer to start before the
// WebDriver service. The frame buffer process will be terminated when the
// service itself is stopped.
func StartFrameBuffer() ServiceOption {
	return StartFrameBufferWithOptions(FrameBufferOptions{})
}

// StartFrameBufferWithOptions is like StartFrameBuffer with a configurable
// screen.
func StartFrameBufferWithOptions(options FrameBufferOptions) ServiceOption {
	return func(s *Service) error {
		if s.xvfb != nil {
			return fmt.Errorf("service Xvfb instance already running")
		}
		fb, err := NewFrameBufferWithOptions(options)
		if err != nil {
			return fmt.Errorf("error starting frame buffer: %v", err)
		}
		if err := Display(fb.Display, fb.AuthPath)(s); err != nil {
			fb.Stop()
			return err
		}
		s.xvfb = fb
		return nil
	}
}

// Output specifies that the WebDriver service should log to the provided
// writer.
func Output(w io.Writer) ServiceOption {
	return func(s *Service) error {
		s.output = w
		return nil
	}
}

// GeckoDriver sets the path to the geckodriver binary for the Selenium
// Server. Only useful with NewSeleniumService.
func GeckoDriver(path string) ServiceOption {
	return func(s *Service) error {
		s.geckoDriverPath = path
		return nil
	}
}

// ChromeDriver sets the path for Chromedriver for the Selenium Server. Only
// useful with NewSeleniumService.
func ChromeDriver(path string) ServiceOption {
	return func(s *Service) error {
		s.chromeDriverPath = path
		return nil
	}
}

// JavaPath specifies the path to the JRE.
func JavaPath(path string) ServiceOption {
	return func(s *Service) error {
		s.javaPath = path
		return nil
	}
}

// Service controls a locally-running WebDriver subprocess.
type Service struct {
	port            int
	addr            string
	cmd             *exec.Cmd
	shutdownURLPath string

	display, xauthPath string
	xvfb               *FrameBuffer

	geckoDriverPath, javaPath string
	chromeDriverPath          string

	output io.Writer
}

// Addr returns the executor URL of the service, suitable for NewRemote.
func (s *Service) Addr() string {
	return s.addr
}

// FrameBuffer returns the FrameBuffer if one was started by the service and nil otherwise.
func (s *Service) FrameBuffer() *FrameBuffer {
	return s.xvfb
}

// NewSeleniumService starts a Selenium standalone server in the background.
func NewSeleniumService(ctx context.Context, jarPath string, port int, opts ...ServiceOption) (*Service, error) {
	s, err := newService(newExecCommand("java"), "/wd/hub", port, opts...)
	if err != nil {
		return nil, err
	}
	if s.javaPath != "" {
		s.cmd.Path = s.javaPath
	}
	var props []string
	if s.geckoDriverPath != "" {
		props = append(props, "-Dwebdriver.gecko.driver="+s.geckoDriverPath)
	}
	if s.chromeDriverPath != "" {
		props = append(props, "-Dwebdriver.chrome.driver="+s.chromeDriverPath)
	}
	s.cmd.Args = append(s.cmd.Args, props...)
	s.cmd.Args = append(s.cmd.Args, "-jar", jarPath, "-port", strconv.Itoa(port))

	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewChromeDriverService starts a ChromeDriver instance in the background.
func NewChromeDriverService(ctx context.Context, path string, port int, opts ...ServiceOption) (*Service, error) {
	cmd := newExecCommand(path, "--port="+strconv.Itoa(port), "--url-base=wd/hub", "--verbose")
	s, err := newService(cmd, "/wd/hub", port, opts...)
	if err != nil {
		return nil, err
	}
	s.shutdownURLPath = "/shutdown"
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewEdgeDriverService starts an msedgedriver instance in the background.
// msedgedriver is a ChromeDriver build and takes the same flags.
func NewEdgeDriverService(ctx context.Context, path string, port int, opts ...ServiceOption) (*Service, error) {
	return NewChromeDriverService(ctx, path, port, opts...)
}

// NewGeckoDriverService starts a GeckoDriver instance in the background.
func NewGeckoDriverService(ctx context.Context, path string, port int, opts ...ServiceOption) (*Service, error) {
	cmd := newExecCommand(path, "--port", strconv.Itoa(port))
	s, err := newService(cmd, "", port, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewIEDriverService starts an IEDriverServer instance in the background.
func NewIEDriverService(ctx context.Context, path string, port int, opts ...ServiceOption) (*Service, error) {
	cmd := newExecCommand(path, "/port="+strconv.Itoa(port))
	s, err := newService(cmd, "", port, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newService(cmd *exec.Cmd, urlPrefix string, port int, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		port: port,
		addr: fmt.Sprintf("http://localhost:%d%s", port, urlPrefix),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			if s.xvfb != nil {
				s.xvfb.Stop()
			}
			return nil, err
		}
	}
	cmd.Stderr = s.output
	cmd.Stdout = s.output
	cmd.Env = append(os.Environ(), cmd.Env...)
	if s.display != "" {
		cmd.Env = append(cmd.Env, "DISPLAY=:"+s.display)
	}
	if s.xauthPath != "" {
		cmd.Env = append(cmd.Env, "XAUTHORITY="+s.xauthPath)
	}
	s.cmd = cmd
	return s, nil
}

// serviceStartTimeout caps how long start waits for the /status endpoint.
var serviceStartTimeout = 30 * time.Second

func (s *Service) start(ctx context.Context) error {
	if err := s.cmd.Start(); err != nil {
		if s.xvfb != nil {
			s.xvfb.Stop()
		}
		return err
	}
	glog.V(1).Infof("started %s (pid %d) on port %d", s.cmd.Path, s.cmd.Process.Pid, s.port)

	ctx, cancel := context.WithTimeout(ctx, serviceStartTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.ready(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			if err := s.Stop(); err != nil {
				glog.Warningf("stopping unresponsive service on port %d: %v", s.port, err)
			}
			return fmt.Errorf("server did not respond on port %d: %w", s.port, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Service) ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", s.addr+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	switch resp.StatusCode {
	// Selenium <3 returned Forbidden and BadRequest. ChromeDriver and
	// Selenium 3 return OK.
	case http.StatusForbidden, http.StatusBadRequest, http.StatusOK:
		return true
	}
	return false
}

// Stop shuts down the WebDriver service, and the X virtual frame buffer
// if one was started.
func (s *Service) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	// Selenium 3 stopped supporting the shutdown URL by default.
	// https://github.com/SeleniumHQ/selenium/issues/2852
	shutdown := false
	if s.shutdownURLPath != "" {
		if resp, err := http.Get(s.addr + s.shutdownURLPath); err == nil {
			resp.Body.Close()
			shutdown = true
		}
	}
	if !shutdown {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	err := s.wait(shutdown)
	s.cmd.Process = nil
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	if s.xvfb != nil {
		return s.xvfb.Stop()
	}
	return nil
}

// shutdownGrace is how long a driver may take to exit after a successful
// shutdown request before it is killed.
var shutdownGrace = 5 * time.Second

// wait reaps the driver process. A driver asked to shut down gets
// shutdownGrace to comply.
func (s *Service) wait(shutdown bool) error {
	if !shutdown {
		return s.cmd.Wait()
	}
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	timer := time.NewTimer(shutdownGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		glog.Warningf("driver (pid %d) still running %v after shutdown, killing it", s.cmd.Process.Pid, shutdownGrace)
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return <-done
	}
}

// PickUnusedPort asks the kernel for a free TCP port on the loopback
// interface.
func PickUnusedPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
