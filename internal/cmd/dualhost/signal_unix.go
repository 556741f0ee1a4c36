//go:build !windows

package dualhost

import (
	"os"
	"os/signal"
	"syscall"
)

func notifyRotate(signals chan<- os.Signal) func() {
	signal.Notify(signals, syscall.SIGHUP)
	return func() { signal.Stop(signals) }
}
