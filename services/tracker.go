package services

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vid2slides/backend/models"
)

// ProgressTracker holds the latest progress snapshot of every session. The
// run goroutine is the only writer of a session's snapshot; pollers read the
// published pointer without taking any lock held by the writer.
type ProgressTracker struct {
	mu      sync.RWMutex
	entries map[string]*trackerEntry
	now     func() time.Time
}

type trackerEntry struct {
	snapshot atomic.Pointer[models.Progress]
	stop     atomic.Bool
	active   atomic.Bool

	// writeMu serializes the run's updates with stop requests.
	writeMu   sync.Mutex
	startedAt time.Time
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		entries: make(map[string]*trackerEntry),
		now:     time.Now,
	}
}

func (t *ProgressTracker) entry(id string) *trackerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// Begin starts a new run record for the session, replacing any previous one.
// It fails with ErrAlreadyRunning while another run is active.
func (t *ProgressTracker) Begin(id string, stride int) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &trackerEntry{}
		t.entries[id] = e
	}
	t.mu.Unlock()

	if !e.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.stop.Store(false)
	e.startedAt = t.now()
	e.snapshot.Store(&models.Progress{
		Stage:     models.StageStarting,
		FrameSkip: max(stride, 1),
	})
	return nil
}

// Update applies fn to a copy of the current snapshot, recomputes the derived
// timing fields and publishes the result.
func (t *ProgressTracker) Update(id string, fn func(p *models.Progress)) bool {
	e := t.entry(id)
	if e == nil {
		return false
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var next models.Progress
	if cur := e.snapshot.Load(); cur != nil {
		next = *cur
	}
	fn(&next)
	next.StopRequested = e.stop.Load()
	t.derive(&next, e.startedAt)
	e.snapshot.Store(&next)
	return true
}

// derive fills elapsed time, speed, ETA and, while extracting, percentage.
// Speed and ETA stay zero until measurable time has passed.
func (t *ProgressTracker) derive(p *models.Progress, startedAt time.Time) {
	elapsed := t.now().Sub(startedAt).Seconds()
	p.ElapsedTime = math.Round(elapsed*10) / 10

	p.ProcessingSpeed = 0
	p.EstimatedRemaining = 0
	if elapsed >= 0.001 && p.FramesProcessed > 0 {
		speed := float64(p.FramesProcessed) / elapsed
		p.ProcessingSpeed = math.Round(speed*10) / 10

		if p.Stage == models.StageExtracting && p.TotalFrames > 0 {
			stride := max(p.FrameSkip, 1)
			expected := (p.TotalFrames + stride - 1) / stride
			if remaining := expected - p.FramesProcessed; remaining > 0 {
				p.EstimatedRemaining = math.Round(float64(remaining)/speed*10) / 10
			}
		}
	}

	if p.Stage == models.StageExtracting && p.TotalFrames > 0 {
		pct := float64(p.CurrentFrame) / float64(p.TotalFrames) * 100
		p.Percentage = math.Round(min(pct, 100)*10) / 10
	}
}

// Read returns a copy of the latest snapshot.
func (t *ProgressTracker) Read(id string) (models.Progress, bool) {
	e := t.entry(id)
	if e == nil {
		return models.Progress{}, false
	}
	p := e.snapshot.Load()
	if p == nil {
		return models.Progress{}, false
	}
	return *p, true
}

// RequestStop sets the stop flag of an active run. It is idempotent and
// reports false when the session has no active run.
func (t *ProgressTracker) RequestStop(id string) bool {
	e := t.entry(id)
	if e == nil || !e.active.Load() {
		return false
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.stop.Store(true)
	if cur := e.snapshot.Load(); cur != nil && !cur.StopRequested {
		next := *cur
		next.StopRequested = true
		e.snapshot.Store(&next)
	}
	return true
}

func (t *ProgressTracker) StopRequested(id string) bool {
	e := t.entry(id)
	return e != nil && e.stop.Load()
}

// Active reports whether a run is currently registered for the session.
func (t *ProgressTracker) Active(id string) bool {
	e := t.entry(id)
	return e != nil && e.active.Load()
}

// End marks the run as finished. The last snapshot stays readable.
func (t *ProgressTracker) End(id string) {
	if e := t.entry(id); e != nil {
		e.active.Store(false)
	}
}

func (t *ProgressTracker) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}
