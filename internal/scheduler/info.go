package scheduler

import (
	"time"

	"github.com/matplo/procorg/internal/cron"
)

// Entry describes one scheduled definition in an Info snapshot.
type Entry struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CronExpr  string    `json:"cron_expr"`
	LastFired time.Time `json:"last_fired,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// Info is a point-in-time view of the scheduler for the CLI's
// scheduler-info command and the web layer.
type Info struct {
	Running bool    `json:"running"`
	TickSec float64 `json:"tick_seconds"`
	Entries []Entry `json:"entries"`
}

// Info reports every enabled, cron-bearing definition visible to the
// scheduler's principal with its watermark and next activation.
func (s *Scheduler) Info() (Info, error) {
	running := false
	if s.quit != nil {
		select {
		case <-s.quit:
		default:
			running = true
		}
	}
	info := Info{Running: running, TickSec: s.tick.Seconds()}

	defs, err := s.mgr.List(s.p)
	if err != nil {
		return Info{}, err
	}
	watermarks := make(map[int]map[string]time.Time)
	now := time.Now()
	for _, def := range defs {
		if !def.Enabled || def.CronExpr == "" {
			continue
		}
		sched, err := cron.Parse(def.CronExpr)
		if err != nil {
			continue
		}
		wm, ok := watermarks[def.OwnerUID]
		if !ok {
			if wm, err = s.mgr.Store().Watermarks(def.OwnerUID); err != nil {
				return Info{}, err
			}
			watermarks[def.OwnerUID] = wm
		}
		info.Entries = append(info.Entries, Entry{
			Name:      def.Name,
			Owner:     def.Owner,
			CronExpr:  def.CronExpr,
			LastFired: wm[def.Name],
			NextRun:   sched.Next(now),
		})
	}
	return info, nil
}
