// Package timeouts defines shared timeout constants used across the host and
// its tools.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// GRPCRequest caps the time allowed for a single client gRPC request.
const GRPCRequest = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown is the default drain deadline for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
