package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgavriloff/nvdash/internal/monitor"
	"github.com/dgavriloff/nvdash/internal/nvml"
	"github.com/dgavriloff/nvdash/internal/procname"
)

type options struct {
	procRoot   string
	snapshot   bool
	gpuIndex   int
	jsonOutput bool
}

func parseFlags() options {
	defaultProc := envOrDefault("APP_PROC_ROOT", "/proc")

	var opts options
	flag.StringVar(&opts.procRoot, "proc", defaultProc, "Path to procfs root")
	flag.BoolVar(&opts.snapshot, "snapshot", false, "Collect one full snapshot per GPU")
	flag.IntVar(&opts.gpuIndex, "index", -1, "Limit snapshotting to a single GPU index")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit device list as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	binding := nvml.NewLive(logger.With("component", "nvml"))
	resolver := procname.NewResolver(opts.procRoot, logger.With("component", "procname"))

	mon, err := monitor.New(binding, resolver, logger.With("component", "monitor"))
	if err != nil {
		logger.Error("nvml init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := mon.Close(); err != nil {
			logger.Warn("nvml shutdown", "err", err)
		}
	}()

	type deviceListing struct {
		Index         int    `json:"index"`
		Name          string `json:"name"`
		DriverVersion string `json:"driver_version"`
		CUDAVersion   string `json:"cuda_version"`
	}

	listings := make([]deviceListing, 0, mon.DeviceCount())
	for index := 0; index < mon.DeviceCount(); index++ {
		snap, err := mon.Snapshot(index)
		if err != nil {
			logger.Warn("device query failed", "index", index, "err", err)
			continue
		}
		listings = append(listings, deviceListing{
			Index:         index,
			Name:          snap.Name,
			DriverVersion: snap.DriverVersion,
			CUDAVersion:   snap.CUDAVersion,
		})
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(listings); err != nil {
			logger.Error("encode device list", "err", err)
			os.Exit(1)
		}
	} else {
		if len(listings) == 0 {
			fmt.Println("No GPUs detected")
		} else {
			fmt.Println("Detected GPUs:")
		}
		for _, listing := range listings {
			fmt.Printf("- GPU %d: %s (driver %s, CUDA %s)\n", listing.Index, listing.Name, listing.DriverVersion, listing.CUDAVersion)
		}
	}

	if !opts.snapshot {
		return
	}

	fmt.Println()
	fmt.Printf("Collecting snapshots at %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Println(strings.Repeat("-", 60))

	for index := 0; index < mon.DeviceCount(); index++ {
		if opts.gpuIndex >= 0 && opts.gpuIndex != index {
			continue
		}
		snap, err := mon.Snapshot(index)
		if err != nil {
			logger.Warn("snapshot failed", "index", index, "err", err)
			continue
		}
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			logger.Error("encode snapshot", "index", index, "err", err)
			continue
		}
		fmt.Printf("GPU %d snapshot:\n%s\n\n", index, string(data))
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
