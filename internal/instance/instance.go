// Package instance carries the identity of a running service instance:
// build information and a per-process node id.
package instance

import (
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Version information - set at build time
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info identifies a running instance.
type Info struct {
	NodeID    string    `json:"node_id"`
	Version   string    `json:"version"`
	GitCommit string    `json:"commit,omitempty"`
	BuildTime string    `json:"build_time,omitempty"`
	GoVersion string    `json:"go_version"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
}

// New captures the identity of this process.
func New() *Info {
	hostname, _ := os.Hostname()
	return &Info{
		NodeID:    uuid.New().String(),
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Hostname:  hostname,
		StartTime: time.Now(),
	}
}

// Uptime returns how long the instance has been running.
func (i *Info) Uptime() time.Duration {
	return time.Since(i.StartTime)
}

// BuildInfo returns the version information as a flat map for logs and the
// version endpoint.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	}
}
