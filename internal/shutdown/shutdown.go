// Package shutdown provides signal-driven cancellation and the
// fail-fast abort used on a config-file write failure and on liveness
// watchdog expiry. Adapted from progressdb's pkg/shutdown.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"bunkerd/internal/logger"
)

// SetupSignalHandler installs SIGINT/SIGTERM handling and returns a
// context cancelled when either arrives.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String())
		cancel()
	}()
	return ctx, cancel
}

// Abort logs the fatal cause, gives in-flight writes a moment to flush,
// and exits the process. Called on a config-store write failure and when
// the liveness watchdog expires.
func Abort(contextMsg string, err error, delaySeconds ...int) {
	delay := 3
	if len(delaySeconds) > 0 && delaySeconds[0] >= 0 {
		delay = delaySeconds[0]
	}
	logger.Error("fatal", "msg", contextMsg, "error", err)
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", contextMsg, err)
	if delay > 0 {
		time.Sleep(time.Duration(delay) * time.Second)
	}
	os.Exit(1)
}

// DumpStacks returns all goroutine stacks as a string. Nothing in this
// module calls it; the liveness watchdog's exit path does not dump
// stacks.
func DumpStacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
