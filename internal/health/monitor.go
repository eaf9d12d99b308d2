package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/limiter"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
	"github.com/vietddude/snapkeeper/internal/metrics"
)

// Checker pings one dependency.
type Checker func(ctx context.Context) error

// Queues lists every queue the report covers, stage queues first.
func Queues() []string {
	stages := []string{
		domain.QueueSnapshotJobs,
		domain.QueueCopyJobs,
		domain.QueueCopyControl,
		domain.QueuePurgeJobs,
		domain.QueuePurgeSnapshots,
		domain.QueuePurgeControl,
	}
	out := append([]string(nil), stages...)
	out = append(out, domain.QueueDeadLetter)
	for _, q := range stages {
		out = append(out, domain.PoisonQueue(q))
	}
	return out
}

// Monitor aggregates health status from the backing services, the copy
// limiter and the queues.
type Monitor struct {
	checkers   map[string]Checker
	slots      limiter.Limiter
	slotLimit  int
	queue      queue.Queue
	lastCheck  time.Time
	lastReport *Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(checkers map[string]Checker, slots limiter.Limiter, slotLimit int, q queue.Queue) *Monitor {
	return &Monitor{
		checkers:  checkers,
		slots:     slots,
		slotLimit: slotLimit,
		queue:     q,
	}
}

// CheckHealth builds a report. Results are cached for ten seconds.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < 10*time.Second {
		return *m.lastReport
	}

	report := Report{
		SystemStatus:  StatusHealthy,
		CopySlotLimit: m.slotLimit,
		QueueDepths:   make(map[string]int),
	}

	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := m.checkers[name]
		dep := DependencyHealth{Name: name, Status: StatusHealthy}
		if err := check(ctx); err != nil {
			dep.Status = StatusCritical
			dep.Error = err.Error()
			report.SystemStatus = StatusCritical
		}
		report.Dependencies = append(report.Dependencies, dep)
	}

	if m.slots != nil {
		if n, err := m.slots.Count(ctx); err == nil {
			report.CopySlotsInUse = n
			metrics.CopySlotsInUse.Set(float64(n))
		} else if report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
	}

	if m.queue != nil {
		depths, err := m.depths(ctx)
		if err != nil && report.SystemStatus == StatusHealthy {
			report.SystemStatus = StatusDegraded
		}
		for name, n := range depths {
			report.QueueDepths[name] = n
			metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
		}
		// parked messages need an operator
		if report.SystemStatus == StatusHealthy && m.parked(report.QueueDepths) > 0 {
			report.SystemStatus = StatusDegraded
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

// depthReader is implemented by queues that count several queues at once.
type depthReader interface {
	Depths(ctx context.Context, names []string) (map[string]int, error)
}

// depths returns what it could read and the last error seen.
func (m *Monitor) depths(ctx context.Context) (map[string]int, error) {
	if dr, ok := m.queue.(depthReader); ok {
		return dr.Depths(ctx, Queues())
	}
	out := make(map[string]int)
	var lastErr error
	for _, name := range Queues() {
		n, err := m.queue.Len(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		out[name] = n
	}
	return out, lastErr
}

func (m *Monitor) parked(depths map[string]int) int {
	n := depths[domain.QueueDeadLetter]
	for name, d := range depths {
		if strings.HasSuffix(name, domain.PoisonSuffix) {
			n += d
		}
	}
	return n
}
