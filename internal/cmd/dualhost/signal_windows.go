//go:build windows

package dualhost

import "os"

// Windows has no SIGHUP; rotation requires a restart there.
func notifyRotate(chan<- os.Signal) func() {
	return func() {}
}
