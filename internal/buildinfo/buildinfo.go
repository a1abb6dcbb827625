// Package buildinfo holds version metadata stamped at link time, e.g.
//
//	go build -ldflags "-X github.com/nugget/loom/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound request.
func UserAgent() string {
	return fmt.Sprintf("loom/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("loom %s (%s) built %s", Version, GitCommit, BuildTime)
}
