package monitor

// MaxHistory bounds each rolling metric buffer. At the default 500ms poll
// interval this covers roughly the last minute.
const MaxHistory = 120

// Ring is a fixed-capacity drop-oldest sample buffer. The zero value is
// ready to use.
type Ring struct {
	buf  [MaxHistory]float64
	head int
	size int
}

// Push appends a sample, evicting the oldest one once the ring is full.
func (r *Ring) Push(value float64) {
	if r.size < MaxHistory {
		r.buf[(r.head+r.size)%MaxHistory] = value
		r.size++
		return
	}
	r.buf[r.head] = value
	r.head = (r.head + 1) % MaxHistory
}

// Len reports the number of stored samples.
func (r *Ring) Len() int {
	return r.size
}

// Values returns the stored samples oldest first. The returned slice is a
// copy and safe to retain.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%MaxHistory]
	}
	return out
}

// History holds the per-device rolling buffers. No timestamps are stored;
// sample spacing is implied by the poll interval.
type History struct {
	GPUUtil     Ring
	VRAMUsed    Ring
	Temperature Ring
	PowerDraw   Ring
}

// Push appends one point per metric from the snapshot.
func (h *History) Push(snap Snapshot) {
	h.GPUUtil.Push(float64(snap.GPUUtilPct))
	h.VRAMUsed.Push(float64(snap.VRAMUsedMB))
	h.Temperature.Push(float64(snap.TemperatureC))
	h.PowerDraw.Push(snap.PowerDrawW)
}

// View is a copy of all four buffers in chronological order, suitable for
// handing to the rendering layer.
type View struct {
	GPUUtil     []float64 `json:"gpu_util"`
	VRAMUsed    []float64 `json:"vram_used"`
	Temperature []float64 `json:"temperature"`
	PowerDraw   []float64 `json:"power_draw"`
}

// Snapshot copies the current buffer contents.
func (h *History) Snapshot() View {
	return View{
		GPUUtil:     h.GPUUtil.Values(),
		VRAMUsed:    h.VRAMUsed.Values(),
		Temperature: h.Temperature.Values(),
		PowerDraw:   h.PowerDraw.Values(),
	}
}
