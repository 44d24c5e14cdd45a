// Package procorg is an embeddable process orchestration engine: it
// registers named script-backed tasks, runs them on demand or on a cron
// schedule, supervises their lifecycle, and persists per-execution output
// and status in a file-backed store that multiple cooperating OS processes
// (CLI invocations, a scheduler daemon, a web server) share safely.
package procorg

import (
	"fmt"
	"net/http"
	"time"

	"github.com/matplo/procorg/internal/config"
	"github.com/matplo/procorg/internal/history"
	"github.com/matplo/procorg/internal/history/factory"
	"github.com/matplo/procorg/internal/manager"
	"github.com/matplo/procorg/internal/metrics"
	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/scheduler"
	"github.com/matplo/procorg/internal/server"
	"github.com/matplo/procorg/internal/store"
)

// Re-exported types for embedders.
type (
	Config     = config.Config
	Definition = store.Definition
	Execution  = store.Execution
	Status     = store.Status
	Principal  = principal.Principal
)

// Execution status values.
const (
	StatusPending   = store.StatusPending
	StatusRunning   = store.StatusRunning
	StatusSucceeded = store.StatusSucceeded
	StatusFailed    = store.StatusFailed
	StatusStopped   = store.StatusStopped
	StatusUnknown   = store.StatusUnknown
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML config file layered over defaults.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// CurrentPrincipal resolves the identity of the OS user running this
// process.
func CurrentPrincipal() (Principal, error) { return principal.Current() }

// LookupPrincipal resolves a principal by system username.
func LookupPrincipal(username string) (Principal, error) { return principal.Lookup(username) }

// Engine bundles the persistent store and the execution manager for one
// engine instance. Many instances may share the same data directory.
type Engine struct {
	cfg  Config
	st   *store.Store
	mgr  *manager.Manager
	sink history.Sink
}

// New creates an Engine from cfg, opening the store and the optional
// history sink.
func New(cfg Config) (*Engine, error) {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	opts := []manager.Option{manager.WithStopGrace(cfg.StopGrace)}
	var sink history.Sink
	if cfg.HistoryDSN != "" {
		if sink, err = factory.NewSinkFromDSN(cfg.HistoryDSN); err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		opts = append(opts, manager.WithHistorySink(sink))
	}
	_ = metrics.Register(nil)
	return &Engine{cfg: cfg, st: st, mgr: manager.New(st, opts...), sink: sink}, nil
}

// Close releases the engine's external resources.
func (e *Engine) Close() error {
	if e.sink != nil {
		return e.sink.Close()
	}
	return nil
}

// Manager returns the execution manager.
func (e *Engine) Manager() *manager.Manager { return e.mgr }

// Store returns the persistent store.
func (e *Engine) Store() *store.Store { return e.st }

// Register validates and persists a new task definition owned by p.
func (e *Engine) Register(name, command, cronExpr, description string, p Principal) (Definition, error) {
	return e.mgr.Register(name, command, cronExpr, description, p)
}

// Unregister removes a definition that has no running executions.
func (e *Engine) Unregister(name string, p Principal) error {
	return e.mgr.Unregister(name, p)
}

// Toggle enables or disables a definition.
func (e *Engine) Toggle(name string, enabled bool, p Principal) (Definition, error) {
	return e.mgr.Toggle(name, enabled, p)
}

// List returns the definitions visible to p.
func (e *Engine) List(p Principal) ([]Definition, error) { return e.mgr.List(p) }

// Run starts one execution of name; it returns as soon as the child is
// spawned.
func (e *Engine) Run(name string, args []string, p Principal) (Execution, error) {
	return e.mgr.Run(name, args, p)
}

// Stop terminates a running execution, escalating from SIGTERM to SIGKILL
// after the configured grace period.
func (e *Engine) Stop(executionID string, p Principal) (Execution, error) {
	return e.mgr.Stop(executionID, p)
}

// Status lists execution records visible to p, newest first.
func (e *Engine) Status(name string, filter Status, p Principal) ([]Execution, error) {
	return e.mgr.Status(name, filter, p)
}

// Reconcile repairs Running records orphaned by a crashed engine instance.
func (e *Engine) Reconcile(p Principal) error { return e.mgr.Reconcile(p) }

// NewScheduler creates a scheduler loop over this engine's manager.
func (e *Engine) NewScheduler(p Principal, tick time.Duration) *scheduler.Scheduler {
	if tick <= 0 {
		tick = e.cfg.Tick
	}
	return scheduler.New(e.mgr, p, tick)
}

// NewServer starts the HTTP API server on addr (cfg.Listen when empty).
func (e *Engine) NewServer(addr string, sched *scheduler.Scheduler) *http.Server {
	if addr == "" {
		addr = e.cfg.Listen
	}
	return server.NewServer(addr, e.mgr, sched)
}
