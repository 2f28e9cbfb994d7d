// Package nvml wraps the NVIDIA Management Library behind a small interface
// so the telemetry core can be exercised against stub bindings in tests.
package nvml

// Interface is the query surface the telemetry core requires from the
// vendor library. Every method except QueryDevice is process-wide.
type Interface interface {
	// Init performs one-time library initialisation. It fails when no
	// compatible driver or device is present.
	Init() error
	// Shutdown releases the library. Safe to call after a failed Init.
	Shutdown() error
	DeviceCount() (int, error)
	DriverVersion() (string, error)
	// CUDADriverVersion returns the integer-encoded CUDA driver version
	// (major = v/1000, minor = (v%1000)/10).
	CUDADriverVersion() (int, error)
	// QueryDevice issues the full set of per-device metric queries.
	// Individual field failures yield nil fields; only an invalid device
	// handle produces an error.
	QueryDevice(index int) (DeviceRaw, error)
}

// DeviceRaw carries one device's raw query results. Nil fields mark
// queries the device or driver could not answer.
type DeviceRaw struct {
	Name        *string
	PCIDeviceID *uint32
	PCISubsysID *uint32

	UtilGPUPct *uint32
	UtilMemPct *uint32

	MemUsedBytes  *uint64
	MemTotalBytes *uint64

	TemperatureC *uint32
	FanSpeedPct  *uint32

	PowerDrawMW  *uint32
	PowerLimitMW *uint32

	ClockGraphicsMHz *uint32
	ClockMemoryMHz   *uint32
	ClockSMMHz       *uint32

	// ComputeProcs and GraphicsProcs are nil when the respective list
	// query failed, as opposed to empty when the device reported none.
	ComputeProcs  []ProcessSample
	GraphicsProcs []ProcessSample
}

// ProcessSample is one device-reported process entry.
type ProcessSample struct {
	PID uint32
	// UsedMemoryBytes is nil when the device did not report a memory
	// figure for the process.
	UsedMemoryBytes *uint64
}
