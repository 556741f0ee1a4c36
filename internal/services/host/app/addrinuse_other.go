//go:build !windows

package server

import (
	"errors"
	"syscall"
)

// errnoAddressInUse is the errno a bind to a taken port fails with.
var errnoAddressInUse = syscall.EADDRINUSE

func addressInUse(err error) bool {
	return errors.Is(err, errnoAddressInUse)
}
