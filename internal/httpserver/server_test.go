package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dgavriloff/nvdash/internal/api"
	"github.com/dgavriloff/nvdash/internal/config"
	"github.com/dgavriloff/nvdash/internal/monitor"
	"github.com/dgavriloff/nvdash/internal/nvml"
)

type fakeBinding struct {
	count   int
	driver  string
	cuda    int
	devices map[int]nvml.DeviceRaw
}

func (f *fakeBinding) Init() error     { return nil }
func (f *fakeBinding) Shutdown() error { return nil }
func (f *fakeBinding) DeviceCount() (int, error) {
	return f.count, nil
}
func (f *fakeBinding) DriverVersion() (string, error) {
	return f.driver, nil
}
func (f *fakeBinding) CUDADriverVersion() (int, error) {
	return f.cuda, nil
}
func (f *fakeBinding) QueryDevice(index int) (nvml.DeviceRaw, error) {
	raw, ok := f.devices[index]
	if !ok {
		return nvml.DeviceRaw{}, nil
	}
	return raw, nil
}

type noopResolver struct{}

func (noopResolver) Resolve(pids []uint32) map[uint32]string {
	return map[uint32]string{}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func u32p(v uint32) *uint32 { return &v }
func u64p(v uint64) *uint64 { return &v }
func strp(v string) *string { return &v }

func testDevice(name string, util uint32) nvml.DeviceRaw {
	return nvml.DeviceRaw{
		Name:             strp(name),
		UtilGPUPct:       u32p(util),
		UtilMemPct:       u32p(12),
		MemUsedBytes:     u64p(4 << 30),
		MemTotalBytes:    u64p(24 << 30),
		TemperatureC:     u32p(55),
		FanSpeedPct:      u32p(40),
		PowerDrawMW:      u32p(180000),
		PowerLimitMW:     u32p(300000),
		ClockGraphicsMHz: u32p(1800),
		ClockMemoryMHz:   u32p(10000),
		ClockSMMHz:       u32p(1800),
		ComputeProcs:     []nvml.ProcessSample{},
		GraphicsProcs:    []nvml.ProcessSample{},
	}
}

func newTestServer(t *testing.T, deviceCount int, polled bool) *Server {
	t.Helper()

	binding := &fakeBinding{
		count:   deviceCount,
		driver:  "575.64.03",
		cuda:    12060,
		devices: map[int]nvml.DeviceRaw{},
	}
	for i := 0; i < deviceCount; i++ {
		binding.devices[i] = testDevice("Test GPU", uint32(10+i))
	}

	mon, err := monitor.New(binding, noopResolver{}, testLogger())
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}

	poller, err := monitor.NewPoller(mon, 500*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("monitor.NewPoller: %v", err)
	}
	if polled {
		poller.Tick(time.Now())
	}

	cfg := config.Config{
		ListenAddr:       ":0",
		PollInterval:     500 * time.Millisecond,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: true,
		LogLevel:         slog.LevelInfo,
		WS: config.WebsocketConfig{
			MaxClients:   4,
			WriteTimeout: time.Second,
			ReadTimeout:  5 * time.Second,
		},
	}

	return New(cfg, testLogger(), poller)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("unexpected body: %q", got)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestReadyzBeforeFirstPoll(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, false)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first poll, got %d", rec.Code)
	}

	var resp readyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding readyz response: %v", err)
	}
	if resp.Status != "initializing" {
		t.Errorf("expected initializing status, got %q", resp.Status)
	}
}

func TestReadyzAfterPoll(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after poll, got %d", rec.Code)
	}

	var resp readyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding readyz response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	if resp.GPUs != 1 {
		t.Errorf("expected 1 gpu, got %d", resp.GPUs)
	}
}

func TestAPIGPUList(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 2, true)

	req := httptest.NewRequest(http.MethodGet, "/api/gpus", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var infos []api.DeviceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decoding gpu list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(infos))
	}
	if infos[0].Name != "Test GPU" {
		t.Errorf("unexpected device name: %q", infos[0].Name)
	}
	if infos[1].Index != 1 {
		t.Errorf("unexpected device index: %d", infos[1].Index)
	}
	if infos[0].DriverVersion != "575.64.03" {
		t.Errorf("unexpected driver version: %q", infos[0].DriverVersion)
	}
	if infos[0].CUDAVersion != "12.6" {
		t.Errorf("unexpected cuda version: %q", infos[0].CUDAVersion)
	}
}

func TestAPIGPUMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 2, true)

	req := httptest.NewRequest(http.MethodGet, "/api/gpus/1/metrics", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var snap monitor.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Index != 1 {
		t.Errorf("expected index 1, got %d", snap.Index)
	}
	if snap.GPUUtilPct != 11 {
		t.Errorf("expected util 11, got %d", snap.GPUUtilPct)
	}
}

func TestAPIGPUMetricsUnknownIndex(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	for _, path := range []string{"/api/gpus/5/metrics", "/api/gpus/-1/metrics", "/api/gpus/abc/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestAPIGPUHistory(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodGet, "/api/gpus/0/history", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var view monitor.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding history view: %v", err)
	}
	if len(view.GPUUtil) != 1 {
		t.Errorf("expected one history point, got %d", len(view.GPUUtil))
	}
}

func TestAPIStatus(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status api.StatusMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.DeviceCount != 1 {
		t.Errorf("expected 1 device, got %d", status.DeviceCount)
	}
	if status.IntervalMS != 500 {
		t.Errorf("expected interval 500ms, got %d", status.IntervalMS)
	}
	if status.PollError != "" {
		t.Errorf("unexpected poll error: %q", status.PollError)
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("unexpected content type: %q", ct)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{
		"nvdash_ws_active_connections",
		"nvdash_gpu_util_percent",
		"nvdash_gpu_vram_used_mb",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %q in output", metric)
		}
	}
}

func TestWSOutboundDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	outbound := newWSOutbound(2, nil)

	if !outbound.enqueue([]byte("a")) {
		t.Fatal("first enqueue failed")
	}
	if !outbound.enqueue([]byte("b")) {
		t.Fatal("second enqueue failed")
	}
	if !outbound.enqueue([]byte("c")) {
		t.Fatal("third enqueue failed")
	}

	first := <-outbound.channel()
	if string(first) != "b" {
		t.Errorf("expected oldest message dropped, got %q", string(first))
	}
	second := <-outbound.channel()
	if string(second) != "c" {
		t.Errorf("expected %q, got %q", "c", string(second))
	}
}

func TestWSOutboundEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	outbound := newWSOutbound(2, nil)
	outbound.close()

	if outbound.enqueue([]byte("late")) {
		t.Error("enqueue after close should fail")
	}
}

func TestRequestLoggingRecordsStatus(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	server := newTestServer(t, 1, true)
	server.logger = slog.New(slog.NewTextHandler(&logBuf, nil))

	handler := server.withRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := server.loggerFromContext(r.Context())
		logger.Info("handler reached")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/teapot", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status not passed through, got %d", rec.Code)
	}

	logged := logBuf.String()
	if !strings.Contains(logged, "status=418") {
		t.Errorf("completion line missing status: %s", logged)
	}
	if !strings.Contains(logged, "req_id=") {
		t.Errorf("request id missing from log output: %s", logged)
	}
	if !strings.Contains(logged, "handler reached") {
		t.Errorf("context logger not propagated to handler: %s", logged)
	}
}

func TestWebSocketHelloStatsAndControl(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 2, true)
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readJSONFrame(t, ctx, conn)
	if hello["type"] != "hello" {
		t.Fatalf("expected hello frame first, got %v", hello["type"])
	}
	if got := hello["interval_ms"].(float64); got != 500 {
		t.Fatalf("unexpected interval in hello: %v", got)
	}
	devices, ok := hello["devices"].([]interface{})
	if !ok || len(devices) != 2 {
		t.Fatalf("expected 2 devices in hello, got %v", hello["devices"])
	}

	// Device 0 is subscribed by default; its current snapshot follows.
	stats := readJSONFrame(t, ctx, conn)
	if stats["type"] != "stats" {
		t.Fatalf("expected stats frame, got %v", stats["type"])
	}
	if got := stats["index"].(float64); got != 0 {
		t.Fatalf("expected stats for device 0, got %v", got)
	}
	if got := stats["name"]; got != "Test GPU" {
		t.Fatalf("unexpected device name in stats: %v", got)
	}

	writeJSONFrame(t, ctx, conn, `{"type":"subscribe","index":1}`)
	stats = readJSONFrame(t, ctx, conn)
	if got := stats["index"].(float64); got != 1 {
		t.Fatalf("subscribe did not switch device, got stats for %v", got)
	}

	writeJSONFrame(t, ctx, conn, `{"type":"set_interval","interval_ms":250}`)
	status := readJSONFrame(t, ctx, conn)
	if status["type"] != "status" {
		t.Fatalf("expected status reply to set_interval, got %v", status["type"])
	}
	if got := status["interval_ms"].(float64); got != 250 {
		t.Fatalf("status does not reflect new interval: %v", got)
	}
	if server.poller.Interval() != 250*time.Millisecond {
		t.Fatalf("poller interval unchanged: %s", server.poller.Interval())
	}

	writeJSONFrame(t, ctx, conn, `{"type":"ping"}`)
	pong := readJSONFrame(t, ctx, conn)
	if pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v", pong["type"])
	}
}

func TestWebSocketRejectsUnknownDeviceSubscription(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drain hello and the initial snapshot.
	readJSONFrame(t, ctx, conn)
	readJSONFrame(t, ctx, conn)

	writeJSONFrame(t, ctx, conn, `{"type":"subscribe","index":7}`)
	reply := readJSONFrame(t, ctx, conn)
	if reply["type"] != "error" {
		t.Fatalf("expected error frame, got %v", reply["type"])
	}
	if msg, _ := reply["message"].(string); !strings.Contains(msg, "7") {
		t.Fatalf("error should name the bad index, got %q", msg)
	}
}

func readJSONFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", string(data), err)
	}
	return frame
}

func writeJSONFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, payload string) {
	t.Helper()

	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func toWebsocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

func TestReserveWSCapacity(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, 1, true)
	server.maxWSClients = 2

	if !server.reserveWS() {
		t.Fatal("first reservation should succeed")
	}
	if !server.reserveWS() {
		t.Fatal("second reservation should succeed")
	}
	if server.reserveWS() {
		t.Fatal("third reservation should be rejected")
	}

	server.releaseWS()
	if !server.reserveWS() {
		t.Fatal("reservation after release should succeed")
	}
}
