// Package server hosts the gRPC and HTTP listeners side by side and owns
// their lifecycle.
//
// A Host moves through Created, Starting, Running, Stopping and Stopped.
// Failed is reachable from Starting when a listener cannot bind and from
// Running when a listener stops serving unexpectedly. Keys are loaded into
// the KeyStore before Start so no authenticated route is reachable without
// them.
package server
