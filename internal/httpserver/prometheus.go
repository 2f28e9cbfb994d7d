package httpserver

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgavriloff/nvdash/internal/monitor"
)

type gpuMetricsCollector struct {
	poller  *monitor.Poller
	metrics []gpuMetric
}

type gpuMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(snap monitor.Snapshot) (float64, bool)
}

func newGPUMetricsCollector(poller *monitor.Poller) prometheus.Collector {
	if poller == nil || poller.DeviceCount() == 0 {
		return nil
	}

	collector := &gpuMetricsCollector{poller: poller}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("nvdash", "gpu", name),
			help,
			[]string{"index"},
			nil,
		)
	}

	collector.metrics = []gpuMetric{
		{
			desc:      desc("util_percent", "Current compute engine utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.GPUUtilPct), true
			},
		},
		{
			desc:      desc("mem_util_percent", "Current memory controller utilization percentage."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.MemUtilPct), true
			},
		},
		{
			desc:      desc("vram_used_mb", "Current VRAM usage in MB."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.VRAMUsedMB), true
			},
		},
		{
			desc:      desc("vram_total_mb", "Total VRAM capacity in MB."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.VRAMTotalMB), true
			},
		},
		{
			desc:      desc("temperature_celsius", "Current GPU temperature in Celsius."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.TemperatureC), true
			},
		},
		{
			desc:      desc("fan_percent", "Current fan speed percentage. Absent for fanless devices."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				if snap.FanSpeedPct == nil {
					return 0, false
				}
				return float64(*snap.FanSpeedPct), true
			},
		},
		{
			desc:      desc("power_watts", "Current GPU power draw in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return snap.PowerDrawW, true
			},
		},
		{
			desc:      desc("power_limit_watts", "Enforced GPU power limit in Watts."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return snap.PowerLimitW, true
			},
		},
		{
			desc:      desc("clock_graphics_mhz", "Current graphics clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.ClockGraphicsMHz), true
			},
		},
		{
			desc:      desc("clock_memory_mhz", "Current memory clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.ClockMemoryMHz), true
			},
		},
		{
			desc:      desc("clock_sm_mhz", "Current streaming multiprocessor clock in MHz."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(snap.ClockSMMHz), true
			},
		},
		{
			desc:      desc("process_count", "Number of processes reported by the device."),
			valueType: prometheus.GaugeValue,
			extract: func(snap monitor.Snapshot) (float64, bool) {
				return float64(len(snap.Processes)), true
			},
		},
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.poller == nil {
		return
	}
	for index := 0; index < c.poller.DeviceCount(); index++ {
		snap, ok := c.poller.Latest(index)
		if !ok {
			continue
		}
		label := strconv.Itoa(index)
		for _, metric := range c.metrics {
			value, ok := metric.extract(snap)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, label)
		}
	}
}
