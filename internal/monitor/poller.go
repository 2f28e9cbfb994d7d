package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Poller owns the per-device snapshot and history pairs and re-polls them
// once the configured interval has elapsed. Snapshots and histories are
// mutated only by the polling pass; readers get copies or immutable
// values under a read lock.
type Poller struct {
	monitor *Monitor
	logger  *slog.Logger

	mu          sync.RWMutex
	interval    time.Duration
	lastPoll    time.Time
	snapshots   []Snapshot
	histories   []*History
	pollErr     string
	subscribers map[int]map[*subscriber]struct{}
}

// NewPoller seeds one placeholder snapshot and empty history per device.
// Placeholders carry a synthesized name until the first successful poll
// replaces them.
func NewPoller(monitor *Monitor, interval time.Duration, logger *slog.Logger) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	count := monitor.DeviceCount()
	snapshots := make([]Snapshot, count)
	histories := make([]*History, count)
	for i := 0; i < count; i++ {
		snapshots[i] = Snapshot{
			Index:         i,
			Name:          fmt.Sprintf("GPU %d (error)", i),
			DriverVersion: monitor.DriverVersion(),
			CUDAVersion:   monitor.CUDAVersion(),
		}
		histories[i] = &History{}
	}

	return &Poller{
		monitor:     monitor,
		logger:      logger.With("component", "poller"),
		interval:    interval,
		snapshots:   snapshots,
		histories:   histories,
		subscribers: make(map[int]map[*subscriber]struct{}),
	}, nil
}

// Tick polls all devices if the interval has elapsed since the last poll
// and reports whether a polling pass ran. The poll time is advanced at
// the start of the pass, so a slow or failing device does not cause tight
// retry loops.
func (p *Poller) Tick(now time.Time) bool {
	p.mu.Lock()
	if !p.lastPoll.IsZero() && now.Sub(p.lastPoll) < p.interval {
		p.mu.Unlock()
		return false
	}
	p.lastPoll = now
	p.mu.Unlock()

	var passErr string
	for index := 0; index < p.monitor.DeviceCount(); index++ {
		snap, err := p.monitor.Snapshot(index)
		if err != nil {
			// Prior snapshot and history stay untouched: stale data
			// beats a blanked display.
			p.logger.Warn("device poll failed", "index", index, "err", err)
			passErr = fmt.Sprintf("GPU %d: %v", index, err)
			continue
		}
		p.store(index, snap)
	}

	p.mu.Lock()
	p.pollErr = passErr
	p.mu.Unlock()

	return true
}

// Run drives Tick at the given cadence until the context is cancelled.
// The cadence belongs to the host loop; Tick itself is gated only by the
// poll interval, so driving faster than the interval is cheap.
func (p *Poller) Run(ctx context.Context, drive time.Duration) error {
	if drive <= 0 {
		return fmt.Errorf("drive interval must be > 0")
	}

	p.logger.Info("poller started", "interval", p.Interval(), "drive", drive, "devices", p.monitor.DeviceCount())
	p.Tick(time.Now())

	ticker := time.NewTicker(drive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping", "reason", ctx.Err())
			p.closeSubscribers()
			return ctx.Err()
		case now := <-ticker.C:
			p.Tick(now)
		}
	}
}

// Latest returns the stored snapshot for the device index. After
// construction it is always defined for valid indices.
func (p *Poller) Latest(index int) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.snapshots) {
		return Snapshot{}, false
	}
	return p.snapshots[index], true
}

// HistoryView copies the device's rolling buffers, oldest first.
func (p *Poller) HistoryView(index int) (View, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index < 0 || index >= len(p.histories) {
		return View{}, false
	}
	return p.histories[index].Snapshot(), true
}

// DeviceCount reports the number of tracked devices.
func (p *Poller) DeviceCount() int {
	return p.monitor.DeviceCount()
}

// DriverVersion reports the cached system driver version.
func (p *Poller) DriverVersion() string {
	return p.monitor.DriverVersion()
}

// CUDAVersion reports the cached CUDA runtime version.
func (p *Poller) CUDAVersion() string {
	return p.monitor.CUDAVersion()
}

// CurrentError returns the most recent poll error message, or "" after a
// fully successful pass.
func (p *Poller) CurrentError() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pollErr
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval
}

// SetInterval changes the poll interval. It takes effect on the next
// elapsed-time check; no in-flight work is rescheduled.
func (p *Poller) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
	return nil
}

// Ready reports whether at least one polling pass has run.
func (p *Poller) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.lastPoll.IsZero()
}

// Subscribe registers a listener for snapshot updates of one device. The
// returned cancel func must be called to release the subscription.
func (p *Poller) Subscribe(index int) (<-chan Snapshot, func(), error) {
	if index < 0 || index >= p.monitor.DeviceCount() {
		return nil, nil, fmt.Errorf("unknown device index %d", index)
	}

	sub := newSubscriber()

	p.mu.Lock()
	if _, ok := p.subscribers[index]; !ok {
		p.subscribers[index] = make(map[*subscriber]struct{})
	}
	p.subscribers[index][sub] = struct{}{}
	current := p.snapshots[index]
	p.mu.Unlock()

	sub.send(current)

	unsubscribe := func() {
		p.removeSubscriber(index, sub)
	}
	return sub.channel(), unsubscribe, nil
}

func (p *Poller) store(index int, snap Snapshot) {
	p.mu.Lock()
	p.histories[index].Push(snap)
	p.snapshots[index] = snap

	subs := make([]*subscriber, 0, len(p.subscribers[index]))
	for sub := range p.subscribers[index] {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.send(snap)
	}
}

func (p *Poller) removeSubscriber(index int, sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.subscribers[index]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(p.subscribers, index)
		}
	}
	sub.close()
}

func (p *Poller) closeSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for index, subs := range p.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(p.subscribers, index)
	}
}

type subscriber struct {
	ch     chan Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch: make(chan Snapshot, 1),
	}
}

func (s *subscriber) channel() <-chan Snapshot {
	return s.ch
}

func (s *subscriber) send(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	// Drop the unconsumed snapshot to make room for the newer one.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
