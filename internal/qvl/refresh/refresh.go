// Package refresh schedules periodic rebuilds of a verify.Config
// snapshot (pinned roots + CRLs), grounded on pkg/trigger/scheduler.go's
// robfig/cron usage. The pinned-root set is read-only after
// construction: the running config is an atomically-swapped immutable
// snapshot, never a mutable singleton.
package refresh

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
)

// RefreshFunc produces a fresh, immutable verify.Config snapshot, e.g.
// by re-fetching the Intel-published CRLs and PCK root bundle.
type RefreshFunc func() (verify.Config, error)

// Scheduler holds the currently active verify.Config behind an atomic
// pointer, swapped in whole on each successful refresh.
type Scheduler struct {
	cron    *cron.Cron
	current atomic.Pointer[verify.Config]
	refresh RefreshFunc
	logger  *zap.Logger
}

// New creates a scheduler seeded with an initial config and bound to
// refresh, which is invoked on the given cron schedule (standard
// five-field cron syntax, e.g. "0 */6 * * *" for every six hours).
func New(initial verify.Config, schedule string, refresh RefreshFunc, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		refresh: refresh,
		logger:  logger,
	}
	s.current.Store(&initial)

	_, err := s.cron.AddFunc(schedule, s.runRefresh)
	if err != nil {
		return nil, errors.Wrap(err, "refresh: failed to schedule refresh job")
	}
	return s, nil
}

func (s *Scheduler) runRefresh() {
	cfg, err := s.refresh()
	if err != nil {
		s.logger.Error("refresh: failed to refresh verify config", zap.Error(err))
		return
	}
	s.current.Store(&cfg)
	s.logger.Info("refresh: verify config snapshot refreshed")
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron scheduler and waits for any in-flight job.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Current returns the currently active, immutable verify.Config
// snapshot.
func (s *Scheduler) Current() verify.Config {
	return *s.current.Load()
}
