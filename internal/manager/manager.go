package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/matplo/procorg/internal/cron"
	"github.com/matplo/procorg/internal/history"
	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/store"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before escalating
// to SIGKILL.
const DefaultStopGrace = 5 * time.Second

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Manager owns process definitions and supervises individual executions.
// All durable state lives in the store; the only in-memory state is the
// table of live child handles spawned by this engine instance. Sibling
// engine instances (CLI, scheduler, web server) coordinate exclusively
// through the store.
type Manager struct {
	st    *store.Store
	sink  history.Sink // optional audit sink, may be nil
	grace time.Duration

	mu   sync.Mutex
	live map[string]*liveExec // executionID -> handle, this instance only
}

// Option configures a Manager.
type Option func(*Manager)

// WithStopGrace overrides the SIGTERM-to-SIGKILL grace period.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithHistorySink mirrors execution lifecycle events to sink.
func WithHistorySink(s history.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// New creates a Manager over st.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		st:    st,
		grace: DefaultStopGrace,
		live:  make(map[string]*liveExec),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store exposes the underlying store for collaborators (scheduler, server).
func (m *Manager) Store() *store.Store { return m.st }

// Register validates and persists a new definition attributed to p.
// The command must be an absolute path to an executable file, and the cron
// expression, when present, must parse as a 5-field schedule.
func (m *Manager) Register(name, command, cronExpr, description string, p principal.Principal) (store.Definition, error) {
	if !nameRe.MatchString(name) {
		return store.Definition{}, &ValidationError{Field: "name", Reason: "allowed characters are [A-Za-z0-9._-]"}
	}
	if err := validateCommand(command); err != nil {
		return store.Definition{}, err
	}
	if cronExpr != "" {
		if _, err := cron.Parse(cronExpr); err != nil {
			return store.Definition{}, &ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
	}
	def := store.Definition{
		Name:        name,
		Command:     command,
		CronExpr:    cronExpr,
		Description: description,
		Enabled:     true,
		OwnerUID:    p.UID,
		Owner:       p.Username,
	}
	if err := m.st.SaveDefinition(def); err != nil {
		return store.Definition{}, err
	}
	return def, nil
}

func validateCommand(command string) error {
	if command == "" {
		return &ValidationError{Field: "command", Reason: "empty"}
	}
	if !filepath.IsAbs(command) {
		return &ValidationError{Field: "command", Reason: "must be an absolute path"}
	}
	fi, err := os.Stat(command)
	if err != nil {
		return &ValidationError{Field: "command", Reason: fmt.Sprintf("stat: %v", err)}
	}
	if fi.IsDir() {
		return &ValidationError{Field: "command", Reason: "is a directory"}
	}
	if fi.Mode().Perm()&0o111 == 0 {
		return &ValidationError{Field: "command", Reason: "not executable"}
	}
	return nil
}

// Unregister removes a definition. Fails with ErrPermissionDenied for a
// foreign non-privileged caller and with ErrConflict while any execution
// of it is still running.
func (m *Manager) Unregister(name string, p principal.Principal) error {
	def, err := m.st.GetDefinition(name, p)
	if err != nil {
		return err
	}
	running, err := m.st.RunningExecutions(def.OwnerUID, name)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return fmt.Errorf("definition %q has %d running execution(s): %w", name, len(running), store.ErrConflict)
	}
	if err := m.st.DeleteDefinition(name, def.OwnerUID); err != nil {
		return err
	}
	return m.st.ClearWatermark(def.OwnerUID, name)
}

// Toggle enables or disables a definition. Disabled definitions are never
// scheduled and reject manual run requests.
func (m *Manager) Toggle(name string, enabled bool, p principal.Principal) (store.Definition, error) {
	def, err := m.st.GetDefinition(name, p)
	if err != nil {
		return store.Definition{}, err
	}
	def.Enabled = enabled
	if err := m.st.UpdateDefinition(def); err != nil {
		return store.Definition{}, err
	}
	return m.st.GetDefinition(name, p)
}

// List returns the definitions visible to p.
func (m *Manager) List(p principal.Principal) ([]store.Definition, error) {
	return m.st.LoadDefinitions(p)
}

// Status returns execution records visible to p, newest first, optionally
// filtered by definition name and status. Orphaned records from crashed
// engine instances are reconciled before listing so that a dead supervisor
// never masks a task failure.
func (m *Manager) Status(name string, statusFilter store.Status, p principal.Principal) ([]store.Execution, error) {
	if name != "" {
		if _, err := m.st.GetDefinition(name, p); err != nil {
			return nil, err
		}
	}
	if err := m.Reconcile(p); err != nil {
		return nil, err
	}
	return m.st.ListExecutions(name, p, statusFilter)
}

// trackLive registers a spawned child handle under its execution id.
func (m *Manager) trackLive(id string, le *liveExec) {
	m.mu.Lock()
	m.live[id] = le
	m.mu.Unlock()
}

func (m *Manager) untrackLive(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

func (m *Manager) liveFor(id string) (*liveExec, bool) {
	m.mu.Lock()
	le, ok := m.live[id]
	m.mu.Unlock()
	return le, ok
}
