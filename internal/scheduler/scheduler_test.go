package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matplo/procorg/internal/manager"
	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/store"
)

func newTestSetup(t *testing.T) (*manager.Manager, principal.Principal) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	p, err := principal.Current()
	require.NoError(t, err)
	return manager.New(st), p
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// waitExecCount polls until exactly n executions of name exist and all of
// them are terminal, or fails the test.
func waitExecCount(t *testing.T, mgr *manager.Manager, name string, p principal.Principal, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := mgr.Store().ListExecutions(name, p, "")
		require.NoError(t, err)
		if len(execs) == n {
			settled := true
			for _, e := range execs {
				if !e.Status.Terminal() {
					settled = false
					break
				}
			}
			if settled {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	execs, _ := mgr.Store().ListExecutions(name, p, "")
	t.Fatalf("expected %d executions of %s, have %d", n, name, len(execs))
}

func TestRunOnceFiresDueDefinitions(t *testing.T) {
	mgr, p := newTestSetup(t)
	_, err := mgr.Register("minutely", writeScript(t, "exit 0"), "* * * * *", "", p)
	require.NoError(t, err)

	s := New(mgr, p, time.Second)
	base := time.Now().Truncate(time.Minute)

	s.RunOnce(base.Add(5 * time.Second))
	waitExecCount(t, mgr, "minutely", p, 1)

	// Re-evaluating within the same minute is a no-op thanks to the
	// persisted watermark, however often the loop ticks.
	s.RunOnce(base.Add(25 * time.Second))
	s.RunOnce(base.Add(45 * time.Second))
	time.Sleep(200 * time.Millisecond)
	waitExecCount(t, mgr, "minutely", p, 1)

	// The next minute is a fresh trigger instant.
	s.RunOnce(base.Add(time.Minute + 5*time.Second))
	waitExecCount(t, mgr, "minutely", p, 2)
}

func TestRestartDoesNotRefire(t *testing.T) {
	mgr, p := newTestSetup(t)
	_, err := mgr.Register("minutely", writeScript(t, "exit 0"), "* * * * *", "", p)
	require.NoError(t, err)

	base := time.Now().Truncate(time.Minute)
	s1 := New(mgr, p, time.Second)
	s1.RunOnce(base.Add(5 * time.Second))
	waitExecCount(t, mgr, "minutely", p, 1)

	// A brand-new scheduler over the same store inherits the watermark and
	// does not refire the already-claimed instant.
	s2 := New(mgr, p, time.Second)
	s2.RunOnce(base.Add(30 * time.Second))
	time.Sleep(200 * time.Millisecond)
	waitExecCount(t, mgr, "minutely", p, 1)
}

func TestSiblingSchedulersFireOnce(t *testing.T) {
	mgr, p := newTestSetup(t)
	_, err := mgr.Register("minutely", writeScript(t, "exit 0"), "* * * * *", "", p)
	require.NoError(t, err)

	// Two cooperating instances over the same store evaluate the same
	// instant; the trigger claim lets exactly one win.
	s1 := New(mgr, p, time.Second)
	s2 := New(mgr, p, time.Second)
	at := time.Now().Truncate(time.Minute).Add(10 * time.Second)
	done := make(chan struct{})
	go func() { s1.RunOnce(at); close(done) }()
	s2.RunOnce(at)
	<-done

	time.Sleep(200 * time.Millisecond)
	waitExecCount(t, mgr, "minutely", p, 1)
}

func TestSchedulerSkipsDisabledAndUnscheduled(t *testing.T) {
	mgr, p := newTestSetup(t)
	script := writeScript(t, "exit 0")
	_, err := mgr.Register("manual-only", script, "", "", p)
	require.NoError(t, err)
	_, err = mgr.Register("disabled", script, "* * * * *", "", p)
	require.NoError(t, err)
	_, err = mgr.Toggle("disabled", false, p)
	require.NoError(t, err)

	s := New(mgr, p, time.Second)
	s.RunOnce(time.Now())
	time.Sleep(200 * time.Millisecond)

	execs, err := mgr.Store().ListExecutions("", p, "")
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestStartStop(t *testing.T) {
	mgr, p := newTestSetup(t)
	s := New(mgr, p, 50*time.Millisecond)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	info, err := s.Info()
	require.NoError(t, err)
	assert.True(t, info.Running)

	s.Stop()
	info, err = s.Info()
	require.NoError(t, err)
	assert.False(t, info.Running)

	// Stop is idempotent.
	s.Stop()
}

func TestInfoEntries(t *testing.T) {
	mgr, p := newTestSetup(t)
	script := writeScript(t, "exit 0")
	_, err := mgr.Register("nightly", script, "0 2 * * *", "", p)
	require.NoError(t, err)
	_, err = mgr.Register("manual", script, "", "", p)
	require.NoError(t, err)

	s := New(mgr, p, 0)
	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, DefaultTick.Seconds(), info.TickSec)
	require.Len(t, info.Entries, 1)
	e := info.Entries[0]
	assert.Equal(t, "nightly", e.Name)
	assert.Equal(t, "0 2 * * *", e.CronExpr)
	assert.True(t, e.LastFired.IsZero())
	assert.False(t, e.NextRun.IsZero())

	// After a fire the watermark shows up as LastFired.
	instant := time.Now().Truncate(time.Minute)
	won, err := mgr.Store().ClaimTrigger(p.UID, "nightly", instant)
	require.NoError(t, err)
	require.True(t, won)
	info, err = s.Info()
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	assert.True(t, info.Entries[0].LastFired.Equal(instant))
}
