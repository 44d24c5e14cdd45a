package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/matplo/procorg/internal/history"
	"github.com/matplo/procorg/internal/metrics"
	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/store"
)

// liveExec is the transient in-memory handle for a child spawned by this
// engine instance. It is not persisted; after a restart only the store
// record remains and reconciliation takes over.
type liveExec struct {
	cmd           *exec.Cmd
	pid           int
	done          chan struct{} // closed after the watcher records the terminal state
	stopRequested atomic.Bool
}

// newExecutionID derives an id from t: timestamp to the second plus the
// microsecond fraction, e.g. 20240817_153012_004521. Collisions within the
// same microsecond are resolved by the store's uniqueness check and a retry.
func newExecutionID(t time.Time) string {
	return fmt.Sprintf("%s_%06d", t.Format("20060102_150405"), t.Nanosecond()/1000)
}

// Run starts one execution of name with args appended to the definition's
// command. It blocks only until the child is spawned; completion is
// observed by a dedicated watcher goroutine. Multiple concurrent
// executions of the same definition are permitted, each with its own id,
// PID and log files.
func (m *Manager) Run(name string, args []string, p principal.Principal) (store.Execution, error) {
	def, err := m.st.GetDefinition(name, p)
	if err != nil {
		return store.Execution{}, err
	}
	if !def.Enabled {
		return store.Execution{}, fmt.Errorf("definition %q is disabled: %w", name, store.ErrConflict)
	}

	e := store.Execution{
		ProcessName: def.Name,
		Args:        args,
		Status:      store.StatusPending,
		OwnerUID:    def.OwnerUID,
	}
	// Claim a unique execution id; retry on the rare same-microsecond clash.
	for attempt := 0; ; attempt++ {
		e.ID = newExecutionID(time.Now())
		e.StdoutLog, e.StderrLog = m.st.LogPaths(def.OwnerUID, def.Name, e.ID)
		err := m.st.AppendExecution(e)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < 3 {
			time.Sleep(time.Millisecond)
			continue
		}
		return store.Execution{}, err
	}

	started, err := m.spawn(def, e)
	if err != nil {
		// Spawn failure terminates only this execution: Pending -> Failed
		// with no exit code.
		e.Status = store.StatusFailed
		e.EndedAt = time.Now()
		if uerr := m.st.UpdateExecution(e); uerr != nil {
			slog.Error("record spawn failure", "execution", e.ID, "error", uerr)
		}
		metrics.IncSpawnFailure(def.Name)
		history.Record(context.Background(), m.sink, history.EventEnd, e)
		return e, &SpawnFailure{Cause: err}
	}
	return started, nil
}

// spawn opens the execution's log files, launches the child with stdout
// and stderr redirected to them, applies privilege demotion when the
// definition's owner differs from the engine's identity, records the PID,
// and hands the child to a watcher goroutine.
func (m *Manager) spawn(def store.Definition, e store.Execution) (store.Execution, error) {
	outF, errF, err := m.st.OpenLogFiles(def.OwnerUID, def.Name, e.ID)
	if err != nil {
		return store.Execution{}, err
	}

	argv := append([]string{def.Command}, e.Args...)
	// #nosec G204 -- command path validated at registration time
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(def.Command)
	cmd.Stdout = outF
	cmd.Stderr = errF
	cmd.Env = os.Environ()
	configureSysProcAttr(cmd)

	// Privilege-demotion boundary: when the engine runs privileged and the
	// definition belongs to another user, the child's credentials and login
	// environment are switched before exec. The demotion applies to the
	// child process image only and is irrevocable for that child.
	if os.Geteuid() == 0 && def.OwnerUID != 0 {
		owner, err := principal.LookupUID(def.OwnerUID)
		if err != nil {
			_ = outF.Close()
			_ = errF.Close()
			return store.Execution{}, fmt.Errorf("resolve owner uid %d: %w", def.OwnerUID, err)
		}
		demote(cmd, owner)
		slog.Info("demoting execution", "process", def.Name, "execution", e.ID,
			"uid", owner.UID, "gid", owner.GID)
	}

	if err := cmd.Start(); err != nil {
		_ = outF.Close()
		_ = errF.Close()
		return store.Execution{}, err
	}

	e.Status = store.StatusRunning
	e.PID = cmd.Process.Pid
	e.StartedAt = time.Now()
	if err := m.st.UpdateExecution(e); err != nil {
		slog.Error("record running state", "execution", e.ID, "error", err)
	}
	if err := m.st.WritePIDFile(def.OwnerUID, def.Name, e.ID, e.PID); err != nil {
		slog.Warn("write pid file", "execution", e.ID, "error", err)
	}
	metrics.IncExecutionStart(def.Name)
	history.Record(context.Background(), m.sink, history.EventStart, e)
	slog.Info("execution started", "process", def.Name, "execution", e.ID, "pid", e.PID)

	le := &liveExec{cmd: cmd, pid: e.PID, done: make(chan struct{})}
	m.trackLive(e.ID, le)
	go m.watch(def, e, le, outF, errF)
	return e, nil
}

// watch is the dedicated completion watcher for one execution. It is the
// only writer of this execution's record after spawn.
func (m *Manager) watch(def store.Definition, e store.Execution, le *liveExec, outF, errF *os.File) {
	defer close(le.done)
	defer m.untrackLive(e.ID)

	err := le.cmd.Wait()
	_ = outF.Close()
	_ = errF.Close()
	m.st.RemovePIDFile(def.OwnerUID, def.Name, e.ID)

	e.EndedAt = time.Now()
	switch {
	case err == nil:
		zero := 0
		e.Status = store.StatusSucceeded
		e.ExitCode = &zero
	case le.stopRequested.Load() || diedBySignal(le.cmd):
		// Termination signals are only ever sent by the stop path, either
		// from this instance or from a sibling engine instance sharing the
		// store.
		e.Status = store.StatusStopped
	default:
		e.Status = store.StatusFailed
		if code := le.cmd.ProcessState.ExitCode(); code >= 0 {
			e.ExitCode = &code
		}
	}

	if uerr := m.st.UpdateExecution(e); uerr != nil && !errors.Is(uerr, store.ErrConflict) {
		slog.Error("record terminal state", "execution", e.ID, "error", uerr)
	}
	metrics.IncExecutionEnd(def.Name, string(e.Status), e.EndedAt.Sub(e.StartedAt).Seconds())
	history.Record(context.Background(), m.sink, history.EventEnd, e)
	slog.Info("execution finished", "process", def.Name, "execution", e.ID,
		"status", e.Status, "exit_code", e.ExitCode)
}
