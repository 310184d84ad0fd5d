// Package version carries the build version surfaced by the liveness
// endpoint. Overridden at build time:
//
//	go build -ldflags "-X notify-relay/internal/version.Version=v1.2.3"
package version

var Version = "dev"
