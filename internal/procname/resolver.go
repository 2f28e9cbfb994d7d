// Package procname resolves OS process ids to display names from the
// system process inventory.
package procname

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Resolver maps PID sets to process names in one batch pass over the
// proc filesystem. A fresh root handle is opened per call so no state
// outlives a single poll.
type Resolver struct {
	procRoot string
	logger   *slog.Logger
}

// NewResolver constructs a resolver over the given proc root (normally
// "/proc").
func NewResolver(procRoot string, logger *slog.Logger) *Resolver {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{
		procRoot: procRoot,
		logger:   logger.With("component", "procname"),
	}
}

// Resolve returns names for the PIDs that still exist in the inventory.
// PIDs missing from the result exited between discovery and resolution
// (or never existed); callers synthesize placeholder labels for those.
func (r *Resolver) Resolve(pids []uint32) map[uint32]string {
	names := make(map[uint32]string, len(pids))
	if len(pids) == 0 {
		return names
	}

	root, err := os.OpenRoot(r.procRoot)
	if err != nil {
		r.logger.Warn("failed to open proc root", "path", r.procRoot, "err", err)
		return names
	}
	defer root.Close()

	for _, pid := range pids {
		name, ok := readComm(root, pid)
		if !ok {
			continue
		}
		names[pid] = name
	}
	return names
}

func readComm(root *os.Root, pid uint32) (string, bool) {
	data, err := root.ReadFile(strconv.FormatUint(uint64(pid), 10) + "/comm")
	if err != nil {
		return "", false
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", false
	}
	return name, true
}
