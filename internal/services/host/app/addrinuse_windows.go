//go:build windows

package server

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// errnoAddressInUse is the Winsock error a bind to a taken port fails with.
var errnoAddressInUse = windows.WSAEADDRINUSE

func addressInUse(err error) bool {
	return errors.Is(err, errnoAddressInUse) || errors.Is(err, syscall.EADDRINUSE)
}
