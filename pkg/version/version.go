// Package version carries the build version, overridable at link time with
// -ldflags "-X telescribe/pkg/version.Version=...".
package version

var Version = "0.1.0"
