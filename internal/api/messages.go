package api

import (
	"github.com/dgavriloff/nvdash/internal/monitor"
)

// DeviceInfo identifies one GPU in list and hello payloads.
type DeviceInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	DriverVersion string `json:"driver_version"`
	CUDAVersion   string `json:"cuda_version"`
}

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type             string       `json:"type"`
	IntervalMS       int          `json:"interval_ms"`
	IntervalPresets  []int        `json:"interval_presets_ms"`
	HistoryMaxPoints int          `json:"history_max_points"`
	Devices          []DeviceInfo `json:"devices"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, presetsMS []int, devices []DeviceInfo) HelloMessage {
	return HelloMessage{
		Type:             "hello",
		IntervalMS:       intervalMS,
		IntervalPresets:  presetsMS,
		HistoryMaxPoints: monitor.MaxHistory,
		Devices:          devices,
	}
}

// StatsMessage wraps a device snapshot for transport.
type StatsMessage struct {
	Type string `json:"type"`
	monitor.Snapshot
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(snap monitor.Snapshot) StatsMessage {
	return StatsMessage{
		Type:     "stats",
		Snapshot: snap,
	}
}

// StatusMessage reports process-wide state: versions, interval and the
// most recent poll error (empty when the last pass was clean).
type StatusMessage struct {
	Type          string `json:"type"`
	DriverVersion string `json:"driver_version"`
	CUDAVersion   string `json:"cuda_version"`
	DeviceCount   int    `json:"device_count"`
	IntervalMS    int    `json:"interval_ms"`
	PollError     string `json:"poll_error,omitempty"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests subscription to one device's telemetry.
type SubscribeMessage struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// SetIntervalMessage changes the poll interval at runtime.
type SetIntervalMessage struct {
	Type       string `json:"type"`
	IntervalMS int    `json:"interval_ms"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
