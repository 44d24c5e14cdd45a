package manager

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/store"
)

// Reconcile repairs executions that a crashed engine instance left behind:
// any record persisted as Running whose PID no longer refers to a live
// process transitions to Unknown (terminal, exit code absent). Executions
// supervised by this instance are skipped; their watcher is still alive.
// This is an expected consistency repair, not an error path.
func (m *Manager) Reconcile(p principal.Principal) error {
	uids := []int{p.UID}
	if p.IsPrivileged {
		var err error
		if uids, err = m.visiblePartitions(p); err != nil {
			return err
		}
	}
	for _, uid := range uids {
		running, err := m.st.RunningExecutions(uid, "")
		if err != nil {
			return fmt.Errorf("list running for uid %d: %w", uid, err)
		}
		for _, e := range running {
			if e.Status != store.StatusRunning {
				continue
			}
			if _, ok := m.liveFor(e.ID); ok {
				continue
			}
			if pidAlive(e.PID) {
				continue
			}
			e.Status = store.StatusUnknown
			e.EndedAt = time.Now()
			e.ExitCode = nil
			if err := m.st.UpdateExecution(e); err != nil {
				slog.Warn("reconcile update", "execution", e.ID, "error", err)
				continue
			}
			m.st.RemovePIDFile(e.OwnerUID, e.ProcessName, e.ID)
			slog.Info("reconciled orphaned execution", "execution", e.ID,
				"process", e.ProcessName, "pid", e.PID)
		}
	}
	return nil
}

func (m *Manager) visiblePartitions(p principal.Principal) ([]int, error) {
	defs, err := m.st.LoadDefinitions(p)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{p.UID: true}
	uids := []int{p.UID}
	for _, d := range defs {
		if !seen[d.OwnerUID] {
			seen[d.OwnerUID] = true
			uids = append(uids, d.OwnerUID)
		}
	}
	return uids, nil
}
