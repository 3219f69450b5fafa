// Package scheduler runs periodic background drivers with Postgres
// advisory locking so exactly one monitor instance works each beat.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fabrikhq/decision-core/pkg/database"
	"github.com/fabrikhq/decision-core/pkg/logger"
	"github.com/fabrikhq/decision-core/pkg/telemetry"
)

// Driver is one periodic background job.
type Driver interface {
	Name() string
	Run(ctx context.Context) error
}

// Locker serializes driver iterations across monitor instances. The
// returned release func must be called when the iteration ends.
type Locker interface {
	TryLock(ctx context.Context, name string) (acquired bool, release func(), err error)
}

type entry struct {
	driver   Driver
	interval time.Duration
}

// Scheduler ticks each registered driver on its own interval. Every
// iteration takes a per-driver lock so overlapping instances of the
// monitor do not double-run a driver.
type Scheduler struct {
	locker           Locker
	metrics          *telemetry.Metrics
	iterationTimeout time.Duration
	log              *logger.Logger

	entries []entry
	wg      sync.WaitGroup
}

// New creates a Scheduler. A zero iterationTimeout defaults to 5 minutes.
func New(locker Locker, metrics *telemetry.Metrics, iterationTimeout time.Duration, log *logger.Logger) *Scheduler {
	if iterationTimeout <= 0 {
		iterationTimeout = 5 * time.Minute
	}
	return &Scheduler{
		locker:           locker,
		metrics:          metrics,
		iterationTimeout: iterationTimeout,
		log:              log.WithComponent("scheduler"),
	}
}

// Register adds a driver. Must be called before Start.
func (s *Scheduler) Register(d Driver, interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.entries = append(s.entries, entry{driver: d, interval: interval})
}

// Start launches one loop per driver and returns. The loops stop when
// ctx is cancelled; Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.log.Info("scheduler started", "drivers", len(s.entries))
}

// Wait blocks until all driver loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// First beat immediately so a fresh deploy does not wait a full
	// interval before monitoring anything.
	s.runOnce(ctx, e.driver)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, e.driver)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, d Driver) {
	if ctx.Err() != nil {
		return
	}
	iterCtx, cancel := context.WithTimeout(ctx, s.iterationTimeout)
	defer cancel()

	acquired, release, err := s.locker.TryLock(iterCtx, d.Name())
	if err != nil {
		s.log.Error("driver lock failed", "driver", d.Name(), "error", err)
		s.record(d.Name(), "lock_error")
		return
	}
	if !acquired {
		s.record(d.Name(), "skipped")
		return
	}
	defer release()

	start := time.Now()
	err = backoff.Retry(func() error {
		if err := d.Run(iterCtx); err != nil {
			s.log.Warn("driver iteration failed, retrying", "driver", d.Name(), "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), iterCtx))

	if err != nil {
		s.log.Error("driver iteration gave up", "driver", d.Name(), "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		s.record(d.Name(), "error")
		return
	}
	s.log.Debug("driver iteration complete", "driver", d.Name(),
		"duration_ms", time.Since(start).Milliseconds())
	s.record(d.Name(), "ok")
}

func (s *Scheduler) record(driver, status string) {
	if s.metrics != nil {
		s.metrics.RecordSchedulerRun(driver, status)
	}
}

// PgLocker implements Locker with pg_try_advisory_lock. Advisory locks
// are session-scoped, so the connection is pinned until release.
type PgLocker struct {
	db  *database.DB
	log *logger.Logger
}

// NewPgLocker creates a PgLocker.
func NewPgLocker(db *database.DB, log *logger.Logger) *PgLocker {
	return &PgLocker{db: db, log: log.WithComponent("pg-locker")}
}

// TryLock implements Locker.
func (l *PgLocker) TryLock(ctx context.Context, name string) (bool, func(), error) {
	conn, err := l.db.Pool.Acquire(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("acquire connection: %w", err)
	}

	key := lockKey(name)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return false, nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return false, nil, nil
	}

	release := func() {
		// Unlock on a background context: the iteration context may
		// already be done when the deferred release runs.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			l.log.Error("advisory unlock failed", "driver", name, "error", err)
		}
		conn.Release()
	}
	return true, release, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("decision-core/monitor/" + name))
	return int64(h.Sum64())
}
