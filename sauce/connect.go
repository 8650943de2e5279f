package sauce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/golang/glog"
)

// newExecCommand is replaced in tests.
var newExecCommand = exec.Command

// connectTimeout caps how long Start waits for the tunnel.
var connectTimeout = 2 * time.Minute

// Connect manages a Sauce Connect Proxy process, which opens a tunnel so
// that Sauce Labs browsers can reach hosts visible from this machine.
type Connect struct {
	// Path is the sc binary.
	Path string
	// UserName and AccessKey authenticate with Sauce Labs.
	UserName, AccessKey string
	// Region is the Sauce Labs data center; DefaultRegion when empty.
	Region string
	// TunnelName identifies the tunnel; sessions opt in with
	// Options.TunnelName.
	TunnelName string
	// LogFile is where sc writes its log.
	LogFile string
	// Output receives sc's stdout and stderr.
	Output io.Writer
	// Verbose raises sc's log level.
	Verbose bool
	// Args are passed to sc before the generated flags.
	Args []string

	cmd    *exec.Cmd
	exited chan error
	dir    string
}

// Start launches sc and returns once the tunnel is ready, ctx is done or
// sc exits.
func (c *Connect) Start(ctx context.Context) error {
	if c.cmd != nil {
		return errors.New("sauce connect already started")
	}
	dir, err := os.MkdirTemp("", "sauce-connect")
	if err != nil {
		return err
	}
	// sc touches the ready file once the tunnel accepts connections.
	ready := filepath.Join(dir, "ready")

	region := c.Region
	if region == "" {
		region = DefaultRegion
	}
	args := append([]string(nil), c.Args...)
	args = append(args,
		"--user", c.UserName,
		"--api-key", c.AccessKey,
		"--region", region,
		"--readyfile", ready,
		"--pidfile", filepath.Join(dir, "sc.pid"),
	)
	if c.TunnelName != "" {
		args = append(args, "--tunnel-name", c.TunnelName)
	}
	if c.LogFile != "" {
		args = append(args, "--logfile", c.LogFile)
	}
	if c.Verbose {
		args = append(args, "-v")
	}

	cmd := newExecCommand(c.Path, args...)
	cmd.Stdout = c.Output
	cmd.Stderr = c.Output
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return err
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	c.cmd, c.exited, c.dir = cmd, exited, dir
	glog.V(1).Infof("started sauce connect (pid %d) in %s", cmd.Process.Pid, region)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(ready); err == nil {
			return nil
		}
		select {
		case err := <-exited:
			c.cleanup()
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("sauce connect stopped before the tunnel was ready: %w", err)
		case <-ctx.Done():
			cmd.Process.Kill()
			<-exited
			c.cleanup()
			return fmt.Errorf("sauce connect did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop terminates the tunnel. It does nothing if Start did not succeed.
func (c *Connect) Stop() error {
	if c.cmd == nil {
		return nil
	}
	defer c.cleanup()
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	err := <-c.exited
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}

func (c *Connect) cleanup() {
	if c.dir != "" {
		os.RemoveAll(c.dir)
	}
	c.cmd, c.exited, c.dir = nil, nil, ""
}
