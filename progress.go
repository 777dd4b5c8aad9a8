package gotq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"golang.org/x/time/rate"
)

var progressLogger = loggo.GetLogger("gotq.progress")

const (
	// DefaultStatsInterval is the minimum time between two stats emissions.
	DefaultStatsInterval = 500 * time.Millisecond

	// progressUpdatePoints is how many byte-driven queue updates a job may
	// request over its whole length.
	progressUpdatePoints = 100

	rollingWindow = 8
)

type (
	// Progress aggregates the bytes of every chunk of one job. Counters are
	// lock-free, emission is throttled twice: by accumulated bytes for queue
	// updates and by wall-clock interval for throughput/ETA stats.
	Progress struct {
		meta    Metadata
		clock   clock.Clock
		emitter *Emitter

		// notify asks for a queue update, it must not block.
		notify atomic.Pointer[func()]

		mu        sync.RWMutex
		counters  []*atomic.Uint64
		startedAt time.Time

		max    atomic.Uint64
		maxSet atomic.Bool

		pending   atomic.Uint64
		threshold atomic.Uint64

		limiter   *rate.Limiter
		statsMu   sync.Mutex
		lastTime  time.Time
		lastBytes atomic.Uint64
		window    [rollingWindow]uint64
		samples   int

		throughput atomic.Uint64
		eta        atomic.Int64
	}

	// ProgressHandle is the view of one chunk's counter handed to a worker.
	ProgressHandle struct {
		counter  *atomic.Uint64
		progress *Progress

		// grow raises max ahead of every counted byte.
		grow bool
	}

	// ProgressConfig configures NewProgress. Zero values are replaced by
	// defaults.
	ProgressConfig struct {
		Metadata Metadata
		Clock    clock.Clock
		Emitter  *Emitter
		Interval time.Duration
		Notify   func()
	}
)

// NewProgress returns an empty Progress, its size and max are set once the
// job knows its chunks.
func NewProgress(cfg ProgressConfig) *Progress {

	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStatsInterval
	}

	now := cfg.Clock.Now()

	p := &Progress{
		meta:      cfg.Metadata,
		clock:     cfg.Clock,
		emitter:   cfg.Emitter,
		startedAt: now,
		lastTime:  now,
		limiter:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}

	p.OnUpdate(cfg.Notify)

	return p
}

// OnUpdate replaces the function called when enough progress accumulated
// for a queue update. fn must not block.
func (p *Progress) OnUpdate(fn func()) {

	if fn == nil {
		fn = func() {}
	}

	p.notify.Store(&fn)
}

// SetEmitter replaces the destination of stats updates.
func (p *Progress) SetEmitter(e *Emitter) {
	p.statsMu.Lock()
	p.emitter = e
	p.statsMu.Unlock()
}

func (p *Progress) requestUpdate() {
	(*p.notify.Load())()
}

// SetMax sets the total number of bytes. Only the first call has an effect.
func (p *Progress) SetMax(total uint64) {

	if !p.maxSet.CompareAndSwap(false, true) {
		return
	}

	p.max.Store(total)
	p.threshold.Store(total / progressUpdatePoints)
	progressLogger.Debugf("%s: max set to %d bytes", p.meta, total)
}

// Max returns the total number of bytes, 0 until SetMax.
func (p *Progress) Max() uint64 {
	return p.max.Load()
}

// SetSize replaces the counters with n zeroed ones.
func (p *Progress) SetSize(n int) {

	counters := make([]*atomic.Uint64, n)
	for i := range counters {
		counters[i] = new(atomic.Uint64)
	}

	p.mu.Lock()
	p.counters = counters
	p.mu.Unlock()
}

// Len returns the number of counters.
func (p *Progress) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.counters)
}

// SetTimeNow restarts the elapsed-time clock.
func (p *Progress) SetTimeNow() {

	now := p.clock.Now()

	p.mu.Lock()
	p.startedAt = now
	p.mu.Unlock()

	p.statsMu.Lock()
	p.lastTime = now
	p.statsMu.Unlock()
}

// Reset zeroes every counter and the throughput window, keeping max.
func (p *Progress) Reset() {

	p.mu.RLock()
	for _, c := range p.counters {
		c.Store(0)
	}
	p.mu.RUnlock()

	p.statsMu.Lock()
	p.window = [rollingWindow]uint64{}
	p.samples = 0
	p.statsMu.Unlock()

	p.lastBytes.Store(0)
	p.pending.Store(0)
	p.throughput.Store(0)
	p.eta.Store(0)
	p.SetTimeNow()
}

// Handle returns the handle of chunk i.
func (p *Progress) Handle(i int) *ProgressHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &ProgressHandle{counter: p.counters[i], progress: p}
}

// growingHandle returns the handle of chunk i for a body of unknown length.
// Max starts at zero and follows the bytes counted.
func (p *Progress) growingHandle(i int) *ProgressHandle {

	p.max.Store(0)
	p.maxSet.Store(true)

	h := p.Handle(i)
	h.grow = true

	return h
}

// Sum returns the bytes accounted over all chunks.
func (p *Progress) Sum() (sum uint64) {

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.counters {
		sum += c.Load()
	}

	return sum
}

// Fraction returns Sum/Max, 0 when max is unknown.
func (p *Progress) Fraction() float64 {

	// Sum first, a growing max never falls behind it.
	sum := p.Sum()

	if total := p.Max(); total > 0 {
		return float64(sum) / float64(total)
	}

	return 0
}

// Throughput returns the last smoothed speed in bytes per second.
func (p *Progress) Throughput() uint64 {
	return p.throughput.Load()
}

// ETA returns the last remaining-time estimate.
func (p *Progress) ETA() time.Duration {
	return time.Duration(p.eta.Load())
}

// TotalCost returns the time since the job started transferring.
func (p *Progress) TotalCost() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clock.Now().Sub(p.startedAt)
}

// AvgSpeed returns the average speed since the job started.
func (p *Progress) AvgSpeed() uint64 {

	if ms := p.TotalCost().Milliseconds(); ms > 0 {
		return p.Sum() * 1000 / uint64(ms)
	}

	return 0
}

func (p *Progress) added(n uint64) {

	if th := p.threshold.Load(); th > 0 && p.pending.Add(n) >= th {
		p.pending.Store(0)
		p.requestUpdate()
	}

	if !p.limiter.AllowN(p.clock.Now(), 1) {
		return
	}

	// Only one worker computes stats per interval, the others move on.
	if !p.statsMu.TryLock() {
		return
	}
	defer p.statsMu.Unlock()

	p.computeStats()
}

// computeStats must be called with statsMu held.
func (p *Progress) computeStats() {

	now := p.clock.Now()
	elapsed := now.Sub(p.lastTime).Milliseconds()
	p.lastTime = now

	if elapsed < 1 {
		elapsed = 1
	}

	current := p.Sum()
	previous := p.lastBytes.Swap(current)

	var delta uint64
	if current > previous {
		delta = current - previous
	}

	p.window[p.samples%rollingWindow] = delta * 1000 / uint64(elapsed)
	p.samples++

	n := p.samples
	if n > rollingWindow {
		n = rollingWindow
	}

	var total uint64
	for i := 0; i < n; i++ {
		total += p.window[i]
	}

	speed := total / uint64(n)

	var remaining uint64
	if total := p.Max(); total > current {
		remaining = total - current
	}

	divisor := speed
	if divisor < 1 {
		divisor = 1
	}

	eta := time.Duration(remaining/divisor) * time.Second

	p.throughput.Store(speed)
	p.eta.Store(int64(eta))

	progressLogger.Tracef("%s: %d B/s, eta %s", p.meta, speed, eta)

	p.emitter.Emit(StatsUpdate{
		Metadata:   p.meta,
		Throughput: speed,
		ETA:        eta,
	})
	p.requestUpdate()
}

// Add accounts n transferred bytes and may trigger an emission.
func (h *ProgressHandle) Add(n uint64) {
	if h.grow {
		h.progress.max.Add(n)
	}
	h.counter.Add(n)
	h.progress.added(n)
}

// Set overwrites the chunk counter, used to discard a failed attempt.
func (h *ProgressHandle) Set(n uint64) {
	h.counter.Store(n)
}

// Skip accounts n bytes that were verified without transfer, they do not
// count towards throughput.
func (h *ProgressHandle) Skip(n uint64) {
	h.counter.Add(n)
	h.progress.lastBytes.Add(n)
}

// Load returns the chunk counter.
func (h *ProgressHandle) Load() uint64 {
	return h.counter.Load()
}

// Write implements io.Writer so a handle can sit behind an io.TeeReader.
func (h *ProgressHandle) Write(b []byte) (int, error) {
	n := len(b)
	h.Add(uint64(n))
	return n, nil
}
