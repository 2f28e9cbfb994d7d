package monitor

// ProcessUsage is one process observed on a device, with its OS-resolved
// display name and device-reported memory footprint.
type ProcessUsage struct {
	PID      uint32 `json:"pid"`
	Name     string `json:"name"`
	MemoryMB uint64 `json:"memory_mb"`
}

// Snapshot is one immutable point-in-time reading of all tracked metrics
// for one device. Fields that failed to query carry their documented
// defaults instead of omitting the snapshot.
type Snapshot struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	DriverVersion string `json:"driver_version"`
	CUDAVersion   string `json:"cuda_version"`

	GPUUtilPct uint32 `json:"gpu_util_pct"`
	MemUtilPct uint32 `json:"mem_util_pct"`

	VRAMUsedMB  uint64 `json:"vram_used_mb"`
	VRAMTotalMB uint64 `json:"vram_total_mb"`

	TemperatureC uint32 `json:"temperature_c"`
	// FanSpeedPct serializes as null for devices without a fan.
	FanSpeedPct *uint32 `json:"fan_speed_pct"`

	PowerDrawW  float64 `json:"power_draw_w"`
	PowerLimitW float64 `json:"power_limit_w"`

	ClockGraphicsMHz uint32 `json:"clock_graphics_mhz"`
	ClockMemoryMHz   uint32 `json:"clock_memory_mhz"`
	ClockSMMHz       uint32 `json:"clock_sm_mhz"`

	// Processes is ordered by descending memory footprint; equal
	// footprints keep discovery order.
	Processes []ProcessUsage `json:"processes"`
}
