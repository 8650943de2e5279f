package selenium

import (
	"context"
	"fmt"
	"time"
)

// WaitWithTimeoutAndInterval polls condition every interval until it returns
// true. A condition error ends the wait immediately and is returned as is.
func (wd *remoteWD) WaitWithTimeoutAndInterval(ctx context.Context, condition Condition, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	expired := func() bool {
		return ctx.Err() == nil && waitCtx.Err() == context.DeadlineExceeded
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := condition(waitCtx, wd)
		if err != nil {
			if expired() {
				return &WaitTimeoutError{Timeout: timeout}
			}
			return err
		}
		if done {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if expired() {
				return &WaitTimeoutError{Timeout: timeout}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitWithTimeout works like WaitWithTimeoutAndInterval, but with the default
// polling interval.
func (wd *remoteWD) WaitWithTimeout(ctx context.Context, condition Condition, timeout time.Duration) error {
	return wd.WaitWithTimeoutAndInterval(ctx, condition, timeout, DefaultWaitInterval)
}

// Wait works like WaitWithTimeoutAndInterval, but using the default timeout
// and polling interval.
func (wd *remoteWD) Wait(ctx context.Context, condition Condition) error {
	return wd.WaitWithTimeoutAndInterval(ctx, condition, DefaultWaitTimeout, DefaultWaitInterval)
}

// WaitTimeoutError is returned when a Wait condition did not become true in
// time.
type WaitTimeoutError struct {
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("condition not met after %v", e.Timeout)
}
