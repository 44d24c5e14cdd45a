package procorg

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func newTestEngine(t *testing.T) (*Engine, Principal) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.StopGrace = 2 * time.Second
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	p, err := CurrentPrincipal()
	if err != nil {
		t.Fatalf("current principal: %v", err)
	}
	return eng, p
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestEngineFacadeLifecycle(t *testing.T) {
	requireUnix(t)
	eng, p := newTestEngine(t)

	def, err := eng.Register("hello", writeScript(t, "echo hello"), "", "greets", p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !def.Enabled || def.OwnerUID != p.UID {
		t.Fatalf("unexpected definition: %+v", def)
	}

	e, err := eng.Run("hello", nil, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		execs, err := eng.Status("hello", "", p)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if len(execs) == 1 && execs[0].Status.Terminal() {
			if execs[0].Status != StatusSucceeded {
				t.Fatalf("expected succeeded, got %s", execs[0].Status)
			}
			if execs[0].ExitCode == nil || *execs[0].ExitCode != 0 {
				t.Fatalf("expected exit code 0, got %v", execs[0].ExitCode)
			}
			if err := eng.Unregister("hello", p); err != nil {
				t.Fatalf("unregister: %v", err)
			}
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("execution %s did not terminate", e.ID)
}

func TestEngineFacadeStop(t *testing.T) {
	requireUnix(t)
	eng, p := newTestEngine(t)

	if _, err := eng.Register("svc", writeScript(t, "exec sleep 60"), "", "", p); err != nil {
		t.Fatalf("register: %v", err)
	}
	e, err := eng.Run("svc", nil, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	stopped, err := eng.Stop(e.ID, p)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", stopped.Status)
	}
}

func TestEngineFacadeScheduler(t *testing.T) {
	requireUnix(t)
	eng, p := newTestEngine(t)

	if _, err := eng.Register("cronic", writeScript(t, "exit 0"), "* * * * *", "", p); err != nil {
		t.Fatalf("register: %v", err)
	}
	sch := eng.NewScheduler(p, 50*time.Millisecond)
	if err := sch.Start(); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	defer sch.Stop()

	info, err := sch.Info()
	if err != nil {
		t.Fatalf("scheduler info: %v", err)
	}
	if !info.Running || len(info.Entries) != 1 {
		t.Fatalf("unexpected scheduler info: %+v", info)
	}
}

func TestEngineHistorySink(t *testing.T) {
	requireUnix(t)
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HistoryDSN = "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine with history sink: %v", err)
	}
	defer func() { _ = eng.Close() }()

	p, err := CurrentPrincipal()
	if err != nil {
		t.Fatalf("current principal: %v", err)
	}
	if _, err := eng.Register("audited", writeScript(t, "exit 0"), "", "", p); err != nil {
		t.Fatalf("register: %v", err)
	}
	e, err := eng.Run("audited", nil, p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		cur, err := eng.Store().GetExecution(e.ID, p)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if cur.Status.Terminal() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("execution %s did not terminate", e.ID)
}
