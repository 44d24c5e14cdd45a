//go:build !windows

package manager

import (
	"errors"
	"log/slog"
	"syscall"
	"time"

	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/store"
)

// Stop terminates a running execution: SIGTERM to the process group, then
// SIGKILL once the grace period elapses. It blocks until the process has
// exited (or the bounded escalation completed) and returns the resulting
// record. Stopping an already-terminal execution is a no-op that returns
// the current status.
func (m *Manager) Stop(executionID string, p principal.Principal) (store.Execution, error) {
	e, err := m.st.GetExecution(executionID, p)
	if err != nil {
		return store.Execution{}, err
	}
	if e.Status.Terminal() {
		return e, nil
	}

	if le, ok := m.liveFor(executionID); ok {
		return m.stopLocal(e, le)
	}
	return m.stopRemote(e)
}

// stopLocal stops a child spawned by this engine instance. The watcher
// goroutine owns the record update; Stop only signals and waits for it.
func (m *Manager) stopLocal(e store.Execution, le *liveExec) (store.Execution, error) {
	le.stopRequested.Store(true)
	if err := signalGroup(le.pid, syscall.SIGTERM); err != nil {
		slog.Debug("sigterm", "execution", e.ID, "pid", le.pid, "error", err)
	}
	select {
	case <-le.done:
	case <-time.After(m.grace):
		slog.Warn("grace period elapsed, escalating to SIGKILL", "execution", e.ID, "pid", le.pid)
		_ = signalGroup(le.pid, syscall.SIGKILL)
		select {
		case <-le.done:
		case <-time.After(2 * time.Second):
			return store.Execution{}, errors.New("process did not exit after SIGKILL")
		}
	}
	return m.st.GetExecution(e.ID, principal.Principal{UID: e.OwnerUID, IsPrivileged: true})
}

// stopRemote stops an execution spawned by a sibling engine instance. We
// only have the persisted PID: signal it, poll for exit, and escalate. The
// sibling's watcher normally records the Stopped state; if that instance is
// gone, the record is finalized here once the process has exited.
func (m *Manager) stopRemote(e store.Execution) (store.Execution, error) {
	if e.PID == 0 || !pidAlive(e.PID) {
		return m.finalizeOrphan(e)
	}
	_ = signalGroup(e.PID, syscall.SIGTERM)
	deadline := time.Now().Add(m.grace)
	for pidAlive(e.PID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if pidAlive(e.PID) {
		slog.Warn("grace period elapsed, escalating to SIGKILL", "execution", e.ID, "pid", e.PID)
		_ = signalGroup(e.PID, syscall.SIGKILL)
		deadline = time.Now().Add(2 * time.Second)
		for pidAlive(e.PID) && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}
	// Give the remote watcher a moment to record the exit before assuming
	// it is dead.
	deadline = time.Now().Add(time.Second)
	reader := principal.Principal{UID: e.OwnerUID, IsPrivileged: true}
	for time.Now().Before(deadline) {
		cur, err := m.st.GetExecution(e.ID, reader)
		if err != nil {
			return store.Execution{}, err
		}
		if cur.Status.Terminal() {
			return cur, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return m.finalizeOrphan(e)
}

// finalizeOrphan records Stopped for an execution whose process is gone
// and whose spawning watcher no longer exists.
func (m *Manager) finalizeOrphan(e store.Execution) (store.Execution, error) {
	reader := principal.Principal{UID: e.OwnerUID, IsPrivileged: true}
	cur, err := m.st.GetExecution(e.ID, reader)
	if err != nil {
		return store.Execution{}, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	cur.Status = store.StatusStopped
	cur.EndedAt = time.Now()
	if err := m.st.UpdateExecution(cur); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost the race to the real watcher; its state wins.
			return m.st.GetExecution(e.ID, reader)
		}
		return store.Execution{}, err
	}
	m.st.RemovePIDFile(cur.OwnerUID, cur.ProcessName, cur.ID)
	return cur, nil
}
