// Package version holds the build identity stamped in via -ldflags.
package version

import "sync"

// Info is the build identity reported on the version endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var (
	mu      sync.RWMutex
	current = Info{Version: "dev"}
)

// Set records the build identity. An empty version string falls back to
// "dev" so unstamped binaries stay identifiable.
func Set(v Info) {
	mu.Lock()
	defer mu.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	current = v
}

// Current returns the recorded build identity.
func Current() Info {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
