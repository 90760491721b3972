package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
)

// Janitor sweeps retention on a cron schedule: turns archived past the
// retention window are removed from postgres and from disk, and claims past
// their TTL are pruned.
type Janitor struct {
	db        *Store
	fs        *FSArchive
	schedule  *cronexpr.Expression
	retention time.Duration
	logger    *log.Logger
}

func NewJanitor(db *Store, fs *FSArchive, cronSpec string, retention time.Duration, logger *log.Logger) (*Janitor, error) {
	if db == nil || fs == nil {
		return nil, fmt.Errorf("janitor requires both the metadata store and the archive")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", cronSpec, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	}
	return &Janitor{db: db, fs: fs, schedule: expr, retention: retention, logger: logger}, nil
}

// NextRun returns the next scheduled sweep after the given time.
func (j *Janitor) NextRun(after time.Time) time.Time {
	return j.schedule.Next(after)
}

// Start runs the sweep loop until the context is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		for {
			next := j.NextRun(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := j.Sweep(ctx); err != nil {
					j.logger.Printf("sweep failed: %v", err)
				}
			}
		}
	}()
}

// Sweep performs one retention pass.
func (j *Janitor) Sweep(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(-j.retention)

	paths, err := j.db.DeleteTurnsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := j.fs.Remove(p); err != nil {
			j.logger.Printf("removing %s: %v", p, err)
		}
	}

	pruned, err := j.db.DeleteExpiredClaims(ctx, now)
	if err != nil {
		return err
	}
	if len(paths) > 0 || pruned > 0 {
		j.logger.Printf("sweep removed %d turns, %d expired claims", len(paths), pruned)
	}
	return nil
}
