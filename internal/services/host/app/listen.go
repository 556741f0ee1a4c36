package server

import (
	"context"
	"net"

	apperrors "github.com/louisbranch/dualhost/internal/platform/errors"
)

var (
	// ErrAddressInUse matches bind failures caused by a taken port.
	ErrAddressInUse = apperrors.New(apperrors.CodeAddressInUse, "address already in use")
	// ErrBindFailed matches every other bind failure.
	ErrBindFailed = apperrors.New(apperrors.CodeBindFailed, "listener bind failed")
	// ErrShutdownTimeout is returned when in-flight work outlives the drain deadline.
	ErrShutdownTimeout = apperrors.New(apperrors.CodeShutdownTimeout, "shutdown deadline exceeded")
	// ErrInvalidState is returned for lifecycle calls the current state does not allow.
	ErrInvalidState = apperrors.New(apperrors.CodeInvalidState, "invalid host state")
)

// listen binds addr for the named listener and classifies the failure.
func listen(ctx context.Context, name, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return listener, nil
	}
	metadata := map[string]string{"listener": name, "addr": addr}
	if addressInUse(err) {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeAddressInUse, name+" address already in use", metadata, err)
	}
	return nil, apperrors.WrapWithMetadata(apperrors.CodeBindFailed, "bind "+name+" listener", metadata, err)
}
