// Package monitor implements the GPU telemetry core: snapshot building,
// bounded rolling history and the poll scheduler.
package monitor

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/dgavriloff/nvdash/internal/nvml"
)

const (
	bytesPerMB     = 1024 * 1024
	unknownVersion = "N/A"
	unknownGPU     = "Unknown GPU"
)

// NameResolver maps a PID set to display names in one batch call.
type NameResolver interface {
	Resolve(pids []uint32) map[uint32]string
}

// Monitor builds per-device snapshots from the vendor query binding.
// Driver and CUDA versions are queried once and cached for the process
// lifetime.
type Monitor struct {
	binding  nvml.Interface
	resolver NameResolver
	logger   *slog.Logger

	deviceCount   int
	driverVersion string
	cudaVersion   string
}

// New initialises the binding and caches process-wide device metadata.
// Init failure is fatal: without a compatible runtime there is nothing to
// poll.
func New(binding nvml.Interface, resolver NameResolver, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := binding.Init(); err != nil {
		return nil, fmt.Errorf("init binding: %w", err)
	}

	count, err := binding.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("device count: %w", err)
	}

	m := &Monitor{
		binding:       binding,
		resolver:      resolver,
		logger:        logger.With("component", "monitor"),
		deviceCount:   count,
		driverVersion: unknownVersion,
		cudaVersion:   unknownVersion,
	}

	if version, err := binding.DriverVersion(); err == nil {
		m.driverVersion = version
	} else {
		m.logger.Warn("driver version unavailable", "err", err)
	}

	if encoded, err := binding.CUDADriverVersion(); err == nil {
		m.cudaVersion = fmt.Sprintf("%d.%d", encoded/1000, (encoded%1000)/10)
	} else {
		m.logger.Warn("cuda version unavailable", "err", err)
	}

	return m, nil
}

// DeviceCount returns the number of devices enumerated at init. Hot-plug
// is not handled; the count is fixed for the process lifetime.
func (m *Monitor) DeviceCount() int {
	return m.deviceCount
}

// DriverVersion returns the cached system driver version or "N/A".
func (m *Monitor) DriverVersion() string {
	return m.driverVersion
}

// CUDAVersion returns the cached "{major}.{minor}" CUDA version or "N/A".
func (m *Monitor) CUDAVersion() string {
	return m.cudaVersion
}

// Close shuts the binding down.
func (m *Monitor) Close() error {
	return m.binding.Shutdown()
}

// Snapshot queries every tracked metric for one device and assembles an
// immutable snapshot. Individual metric failures degrade to documented
// defaults; only an invalid device handle yields an error.
func (m *Monitor) Snapshot(index int) (Snapshot, error) {
	raw, err := m.binding.QueryDevice(index)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query device %d: %w", index, err)
	}

	snap := Snapshot{
		Index:            index,
		Name:             m.deviceName(raw),
		DriverVersion:    m.driverVersion,
		CUDAVersion:      m.cudaVersion,
		GPUUtilPct:       u32Or(raw.UtilGPUPct, 0),
		MemUtilPct:       u32Or(raw.UtilMemPct, 0),
		VRAMUsedMB:       u64Or(raw.MemUsedBytes, 0) / bytesPerMB,
		VRAMTotalMB:      u64Or(raw.MemTotalBytes, 0) / bytesPerMB,
		TemperatureC:     u32Or(raw.TemperatureC, 0),
		FanSpeedPct:      raw.FanSpeedPct,
		PowerDrawW:       float64(u32Or(raw.PowerDrawMW, 0)) / 1000.0,
		PowerLimitW:      float64(u32Or(raw.PowerLimitMW, 0)) / 1000.0,
		ClockGraphicsMHz: u32Or(raw.ClockGraphicsMHz, 0),
		ClockMemoryMHz:   u32Or(raw.ClockMemoryMHz, 0),
		ClockSMMHz:       u32Or(raw.ClockSMMHz, 0),
	}

	snap.Processes = m.buildProcesses(raw)

	return snap, nil
}

func (m *Monitor) deviceName(raw nvml.DeviceRaw) string {
	if raw.Name != nil && *raw.Name != "" {
		return *raw.Name
	}
	if raw.PCIDeviceID != nil {
		if name := nvml.FallbackName(*raw.PCIDeviceID, u32Or(raw.PCISubsysID, 0)); name != "" {
			return name
		}
	}
	return unknownGPU
}

// buildProcesses unions the compute and graphics process lists by PID
// (first-seen wins), batch-resolves names and sorts by descending memory
// footprint, discovery order preserved on ties.
func (m *Monitor) buildProcesses(raw nvml.DeviceRaw) []ProcessUsage {
	seen := make(map[uint32]struct{})
	var processes []ProcessUsage
	var pids []uint32

	appendList := func(samples []nvml.ProcessSample) {
		for _, sample := range samples {
			if _, ok := seen[sample.PID]; ok {
				continue
			}
			seen[sample.PID] = struct{}{}
			pids = append(pids, sample.PID)
			processes = append(processes, ProcessUsage{
				PID:      sample.PID,
				MemoryMB: u64Or(sample.UsedMemoryBytes, 0) / bytesPerMB,
			})
		}
	}
	appendList(raw.ComputeProcs)
	appendList(raw.GraphicsProcs)

	if len(processes) == 0 {
		return nil
	}

	var names map[uint32]string
	if m.resolver != nil {
		names = m.resolver.Resolve(pids)
	}
	for i := range processes {
		if name, ok := names[processes[i].PID]; ok {
			processes[i].Name = name
			continue
		}
		processes[i].Name = fmt.Sprintf("PID %d", processes[i].PID)
	}

	sort.SliceStable(processes, func(i, j int) bool {
		return processes[i].MemoryMB > processes[j].MemoryMB
	})

	return processes
}

func u32Or(value *uint32, fallback uint32) uint32 {
	if value == nil {
		return fallback
	}
	return *value
}

func u64Or(value *uint64, fallback uint64) uint64 {
	if value == nil {
		return fallback
	}
	return *value
}
