package config

import (
	"fmt"
	"io"
	"os"
)

var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// Exitf writes a formatted error message to stderr and exits with code 1.
// It is the fatal-exit path for command entry points.
func Exitf(format string, args ...any) {
	fmt.Fprintf(stderr, format+"\n", args...)
	exit(1)
}

// ExitOnError calls Exitf with "<prefix>: <err>" when err is non-nil.
func ExitOnError(prefix string, err error) {
	if err == nil {
		return
	}
	Exitf("%s: %v", prefix, err)
}
