package nvml

import (
	"fmt"
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// valueNotAvailable is the NVML sentinel for per-process memory the
// driver could not attribute (e.g. on WDDM or older drivers).
const valueNotAvailable = ^uint64(0)

// Live is the Interface implementation backed by the real NVML shared
// library.
type Live struct {
	logger *slog.Logger
}

// NewLive constructs a binding over the system NVML library. Init must be
// called before any query method.
func NewLive(logger *slog.Logger) *Live {
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{logger: logger.With("component", "nvml")}
}

func (l *Live) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (l *Live) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (l *Live) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("device count: %s", nvml.ErrorString(ret))
	}
	return count, nil
}

func (l *Live) DriverVersion() (string, error) {
	version, ret := nvml.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("driver version: %s", nvml.ErrorString(ret))
	}
	return version, nil
}

func (l *Live) CUDADriverVersion() (int, error) {
	version, ret := nvml.SystemGetCudaDriverVersion()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("cuda driver version: %s", nvml.ErrorString(ret))
	}
	return version, nil
}

// QueryDevice collects every tracked metric for one device. Per-field
// failures are logged at debug level and surface as nil fields.
func (l *Live) QueryDevice(index int) (DeviceRaw, error) {
	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return DeviceRaw{}, fmt.Errorf("device handle %d: %s", index, nvml.ErrorString(ret))
	}

	raw := DeviceRaw{}

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		raw.Name = &name
	} else {
		l.logger.Debug("name query failed", "index", index, "ret", nvml.ErrorString(ret))
	}

	if pci, ret := device.GetPciInfo(); ret == nvml.SUCCESS {
		deviceID := pci.PciDeviceId
		subsysID := pci.PciSubSystemId
		raw.PCIDeviceID = &deviceID
		raw.PCISubsysID = &subsysID
	}

	if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
		gpu := util.Gpu
		mem := util.Memory
		raw.UtilGPUPct = &gpu
		raw.UtilMemPct = &mem
	}

	if mem, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
		used := mem.Used
		total := mem.Total
		raw.MemUsedBytes = &used
		raw.MemTotalBytes = &total
	}

	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		raw.TemperatureC = &temp
	}

	if fan, ret := device.GetFanSpeed(); ret == nvml.SUCCESS {
		raw.FanSpeedPct = &fan
	}

	if draw, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
		raw.PowerDrawMW = &draw
	}

	if limit, ret := device.GetEnforcedPowerLimit(); ret == nvml.SUCCESS {
		raw.PowerLimitMW = &limit
	}

	if clock, ret := device.GetClockInfo(nvml.CLOCK_GRAPHICS); ret == nvml.SUCCESS {
		raw.ClockGraphicsMHz = &clock
	}
	if clock, ret := device.GetClockInfo(nvml.CLOCK_MEM); ret == nvml.SUCCESS {
		raw.ClockMemoryMHz = &clock
	}
	if clock, ret := device.GetClockInfo(nvml.CLOCK_SM); ret == nvml.SUCCESS {
		raw.ClockSMMHz = &clock
	}

	if procs, ret := device.GetComputeRunningProcesses(); ret == nvml.SUCCESS {
		raw.ComputeProcs = convertProcesses(procs)
	}
	if procs, ret := device.GetGraphicsRunningProcesses(); ret == nvml.SUCCESS {
		raw.GraphicsProcs = convertProcesses(procs)
	}

	return raw, nil
}

func convertProcesses(procs []nvml.ProcessInfo) []ProcessSample {
	samples := make([]ProcessSample, 0, len(procs))
	for _, proc := range procs {
		sample := ProcessSample{PID: proc.Pid}
		if proc.UsedGpuMemory != valueNotAvailable {
			bytes := proc.UsedGpuMemory
			sample.UsedMemoryBytes = &bytes
		}
		samples = append(samples, sample)
	}
	return samples
}
