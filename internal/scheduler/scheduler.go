package scheduler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/matplo/procorg/internal/cron"
	"github.com/matplo/procorg/internal/manager"
	"github.com/matplo/procorg/internal/metrics"
	"github.com/matplo/procorg/internal/principal"
)

// DefaultTick is the evaluation cadence. It is shorter than the minute
// granularity of trigger instants so a loop never skips a minute; the
// persisted watermark makes repeated evaluation of the same instant a
// no-op.
const DefaultTick = 30 * time.Second

// Scheduler evaluates cron expressions of the definitions visible to its
// principal on a fixed tick and fires each due trigger instant exactly
// once across all cooperating engine instances. The only scheduling state
// is the per-definition last-fired watermark in the store; the loop itself
// is stateless and restart-safe.
type Scheduler struct {
	mgr  *manager.Manager
	p    principal.Principal
	tick time.Duration

	quit chan struct{}
	done chan struct{}
}

// New creates a scheduler driving mgr as p. A privileged principal
// schedules every owner's definitions; an ordinary user only its own.
func New(mgr *manager.Manager, p principal.Principal, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{mgr: mgr, p: p, tick: tick}
}

// Start launches the tick loop. Call Stop to cancel.
func (s *Scheduler) Start() error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
	slog.Info("scheduler started", "tick", s.tick, "principal", s.p.Username)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	s.RunOnce(time.Now())
	for {
		select {
		case <-s.quit:
			return
		case now := <-t.C:
			s.RunOnce(now)
		}
	}
}

// RunOnce evaluates one tick at the given wall-clock time. Exposed so
// tests (and diagnostics) can drive the scheduler with a synthetic clock.
// A tick never blocks on execution completion: spawning is fire-and-forget.
func (s *Scheduler) RunOnce(now time.Time) {
	defs, err := s.mgr.List(s.p)
	if err != nil {
		slog.Error("scheduler: load definitions", "error", err)
		return
	}
	watermarks := make(map[int]map[string]time.Time)
	for _, def := range defs {
		if !def.Enabled || def.CronExpr == "" {
			continue
		}
		sched, err := cron.Parse(def.CronExpr)
		if err != nil {
			// Registration validates expressions; a bad one here means the
			// store was edited by hand. Skip, never crash the loop.
			slog.Warn("scheduler: unparseable cron expression", "process", def.Name, "expr", def.CronExpr, "error", err)
			continue
		}
		wm, ok := watermarks[def.OwnerUID]
		if !ok {
			if wm, err = s.mgr.Store().Watermarks(def.OwnerUID); err != nil {
				slog.Error("scheduler: load watermarks", "uid", def.OwnerUID, "error", err)
				continue
			}
			watermarks[def.OwnerUID] = wm
		}
		instant, due := cron.Due(sched, wm[def.Name], now)
		if !due {
			continue
		}
		claimed, err := s.mgr.Store().ClaimTrigger(def.OwnerUID, def.Name, instant)
		if err != nil {
			slog.Error("scheduler: claim trigger", "process", def.Name, "error", err)
			continue
		}
		if !claimed {
			// A sibling scheduler instance fired this instant first.
			metrics.IncCronSkip(def.Name)
			continue
		}
		metrics.IncCronFire(def.Name)
		slog.Info("firing scheduled execution", "process", def.Name, "instant", instant)
		go s.fire(def.Name, def.OwnerUID, def.Owner)
	}
}

func (s *Scheduler) fire(name string, ownerUID int, ownerName string) {
	owner, err := principal.LookupUID(ownerUID)
	if err != nil {
		// Account may have been removed since registration; fall back to
		// the recorded identity so the run is still attributed correctly.
		owner = principal.Principal{Username: ownerName, UID: ownerUID, IsPrivileged: ownerUID == 0}
	}
	if _, err := s.mgr.Run(name, nil, owner); err != nil {
		slog.Error("scheduled execution failed to start", "process", name, "error", err)
	}
}
