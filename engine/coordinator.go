package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/papertrade/journal"
)

// Job identifies one scheduled cycle type. Each job type has its own lock.
type Job string

const (
	JobIngest    Job = "ingest-and-open"
	JobMonitor   Job = "monitor-and-close"
	JobRefresh   Job = "performance-refresh"
	JobDiscovery Job = "discovery-trigger"
)

var allJobs = []Job{JobIngest, JobMonitor, JobRefresh, JobDiscovery}

type jobLock struct {
	busy  atomic.Bool
	skips atomic.Int64
}

// Coordinator guards each job type with a non-blocking test-and-set lock. An
// invocation that finds the lock held is skipped entirely, never queued, and
// a skip event is recorded for observability.
type Coordinator struct {
	locks   map[Job]*jobLock
	log     *zap.Logger
	journal journal.Journal
	now     func() time.Time
}

func NewCoordinator(log *zap.Logger, j journal.Journal) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if j == nil {
		j = journal.Nop{}
	}
	locks := make(map[Job]*jobLock, len(allJobs))
	for _, job := range allJobs {
		locks[job] = &jobLock{}
	}
	return &Coordinator{locks: locks, log: log, journal: j, now: time.Now}
}

// RunIfIdle runs fn under the job's lock if it is free. The lock is released
// unconditionally when fn returns, including on error or panic. Returns
// whether fn ran and, if it ran, its error.
func (c *Coordinator) RunIfIdle(job Job, fn func() error) (bool, error) {
	l, ok := c.locks[job]
	if !ok {
		return false, fmt.Errorf("coordinator: unknown job type %q", job)
	}

	if !l.busy.CompareAndSwap(false, true) {
		l.skips.Add(1)
		c.log.Info("cycle skipped, previous run still in flight",
			zap.String("job", string(job)),
			zap.Int64("skips", l.skips.Load()))
		if err := c.journal.RecordSkip(journal.SkipRecord{Time: c.now(), Job: string(job)}); err != nil {
			c.log.Error("journal skip record failed", zap.Error(err))
		}
		return false, nil
	}
	defer l.busy.Store(false)

	return true, fn()
}

// Skips returns how many invocations of the job have been skipped.
func (c *Coordinator) Skips(job Job) int64 {
	if l, ok := c.locks[job]; ok {
		return l.skips.Load()
	}
	return 0
}

// SkipCounts snapshots every job's skip counter.
func (c *Coordinator) SkipCounts() map[Job]int64 {
	out := make(map[Job]int64, len(c.locks))
	for job, l := range c.locks {
		out[job] = l.skips.Load()
	}
	return out
}
