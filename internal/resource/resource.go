// Package resource tracks process-wide resource pressure (open file
// descriptors, resident memory) and gates request admission on it,
// alongside a hard cap on in-flight request count.
package resource

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/semaphore"

	"github.com/yatagarasu/yatagarasu/internal/metrics"
)

// Level classifies current resource pressure.
type Level uint8

const (
	Normal Level = iota
	Warning
	Critical
	Exhausted
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Exhausted:
		return "exhausted"
	default:
		return "normal"
	}
}

const (
	warningThreshold   = 0.80
	criticalThreshold  = 0.90
	exhaustedThreshold = 0.95
)

// Limits bounds what "100%" means for each tracked resource, since the OS
// rarely exposes a hard ceiling directly.
type Limits struct {
	MaxFileDescriptors uint64
	MaxRSSBytes        uint64
}

// Monitor samples file-descriptor and RSS usage on a fixed interval and
// exposes the current pressure Level without any per-request syscall.
type Monitor struct {
	limits Limits
	proc   *process.Process

	level atomic.Uint32
	fds   atomic.Uint64
	rss   atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// NewMonitor constructs a Monitor for the current process.
func NewMonitor(limits Limits) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Monitor{
		limits: limits,
		proc:   proc,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins sampling on interval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.sampleOnce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.sampleOnce()
			}
		}
	}()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) sampleOnce() {
	var fdFrac, rssFrac float64

	if m.limits.MaxFileDescriptors > 0 {
		if n, err := m.proc.NumFDs(); err == nil && n >= 0 {
			fds := uint64(n)
			m.fds.Store(fds)
			fdFrac = float64(fds) / float64(m.limits.MaxFileDescriptors)
		}
	}

	if m.limits.MaxRSSBytes > 0 {
		if info, err := m.proc.MemoryInfo(); err == nil && info != nil {
			m.rss.Store(info.RSS)
			rssFrac = float64(info.RSS) / float64(m.limits.MaxRSSBytes)
		}
	}

	frac := fdFrac
	if rssFrac > frac {
		frac = rssFrac
	}

	var lvl Level
	switch {
	case frac >= exhaustedThreshold:
		lvl = Exhausted
	case frac >= criticalThreshold:
		lvl = Critical
	case frac >= warningThreshold:
		lvl = Warning
	default:
		lvl = Normal
	}
	m.level.Store(uint32(lvl))
	metrics.FileDescriptorsUsed.Set(float64(m.fds.Load()))
}

// CurrentLevel returns the most recently sampled pressure level.
func (m *Monitor) CurrentLevel() Level {
	return Level(m.level.Load())
}

// FileDescriptors returns the most recently sampled open FD count.
func (m *Monitor) FileDescriptors() uint64 { return m.fds.Load() }

// RSSBytes returns the most recently sampled resident set size.
func (m *Monitor) RSSBytes() uint64 { return m.rss.Load() }

// Admission gates request acceptance on a non-blocking concurrency
// semaphore. Acquisition never waits: a would-block attempt fails fast so
// the pipeline can return 503 immediately instead of queuing.
type Admission struct {
	sem     *semaphore.Weighted
	max     int64
	current atomic.Int64
}

// NewAdmission builds an Admission gate capped at maxConcurrent in-flight
// requests.
func NewAdmission(maxConcurrent int) *Admission {
	return &Admission{sem: semaphore.NewWeighted(int64(maxConcurrent)), max: int64(maxConcurrent)}
}

// TryAcquire attempts to admit one request without blocking. The caller
// must call the returned release function exactly once if ok is true.
func (a *Admission) TryAcquire() (release func(), ok bool) {
	if !a.sem.TryAcquire(1) {
		metrics.ConcurrencyLimitRejectionsTotal.Inc()
		return nil, false
	}
	a.current.Add(1)
	return func() {
		a.current.Add(-1)
		a.sem.Release(1)
	}, true
}

// InFlight reports the current number of admitted, unreleased requests.
func (a *Admission) InFlight() int { return int(a.current.Load()) }
