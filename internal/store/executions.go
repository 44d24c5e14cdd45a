package store

import (
	"fmt"
	"sort"

	"github.com/matplo/procorg/internal/principal"
)

// AppendExecution adds a new execution record to its owner's partition.
// IDs must be unique; a duplicate yields ErrConflict.
func (s *Store) AppendExecution(e Execution) error {
	dir, err := s.ensurePartition(e.OwnerUID)
	if err != nil {
		return err
	}
	lk, err := acquireLock(s.lockPath(e.OwnerUID), true)
	if err != nil {
		return err
	}
	defer lk.release()

	path := dir + "/" + executionsFile
	var execs []Execution
	if err := readJSON(path, &execs); err != nil {
		return err
	}
	for _, cur := range execs {
		if cur.ID == e.ID {
			return fmt.Errorf("execution %s: %w", e.ID, ErrConflict)
		}
	}
	execs = append(execs, e)
	return writeJSONAtomic(path, execs)
}

// UpdateExecution replaces the record with e.ID. Status transitions are
// monotonic: once a record is terminal no further update may change its
// status (re-applying the same terminal state is a no-op).
func (s *Store) UpdateExecution(e Execution) error {
	dir, err := s.ensurePartition(e.OwnerUID)
	if err != nil {
		return err
	}
	lk, err := acquireLock(s.lockPath(e.OwnerUID), true)
	if err != nil {
		return err
	}
	defer lk.release()

	path := dir + "/" + executionsFile
	var execs []Execution
	if err := readJSON(path, &execs); err != nil {
		return err
	}
	for i, cur := range execs {
		if cur.ID != e.ID {
			continue
		}
		if cur.Status.Terminal() && cur.Status != e.Status {
			return fmt.Errorf("execution %s already %s: %w", e.ID, cur.Status, ErrConflict)
		}
		execs[i] = e
		return writeJSONAtomic(path, execs)
	}
	return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
}

// GetExecution resolves an execution id for the caller, with the same
// ownership semantics as GetDefinition.
func (s *Store) GetExecution(id string, p principal.Principal) (Execution, error) {
	if e, err := s.executionIn(p.UID, id); err == nil {
		return e, nil
	}
	uids, err := s.partitions()
	if err != nil {
		return Execution{}, err
	}
	for _, uid := range uids {
		if uid == p.UID {
			continue
		}
		e, err := s.executionIn(uid, id)
		if err != nil {
			continue
		}
		if !p.IsPrivileged {
			return Execution{}, fmt.Errorf("execution %s owned by uid %d: %w", id, uid, ErrPermissionDenied)
		}
		return e, nil
	}
	return Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
}

func (s *Store) executionIn(uid int, id string) (Execution, error) {
	lk, err := acquireLock(s.lockPath(uid), false)
	if err != nil {
		return Execution{}, err
	}
	defer lk.release()

	var execs []Execution
	if err := readJSON(s.partitionDir(uid)+"/"+executionsFile, &execs); err != nil {
		return Execution{}, err
	}
	for _, e := range execs {
		if e.ID == id {
			return e, nil
		}
	}
	return Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
}

// ListExecutions returns executions visible to p, newest first. processName
// and statusFilter are optional; empty values match everything.
func (s *Store) ListExecutions(processName string, p principal.Principal, statusFilter Status) ([]Execution, error) {
	uids, err := s.visibleTo(p)
	if err != nil {
		return nil, err
	}
	var out []Execution
	for _, uid := range uids {
		lk, err := acquireLock(s.lockPath(uid), false)
		if err != nil {
			continue
		}
		var execs []Execution
		err = readJSON(s.partitionDir(uid)+"/"+executionsFile, &execs)
		lk.release()
		if err != nil {
			return nil, err
		}
		for _, e := range execs {
			if processName != "" && e.ProcessName != processName {
				continue
			}
			if statusFilter != "" && e.Status != statusFilter {
				continue
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// RunningExecutions returns non-terminal executions in ownerUID's partition,
// optionally filtered by process name. Used by unregister's conflict check
// and by restart reconciliation.
func (s *Store) RunningExecutions(ownerUID int, processName string) ([]Execution, error) {
	lk, err := acquireLock(s.lockPath(ownerUID), false)
	if err != nil {
		return nil, nil
	}
	defer lk.release()

	var execs []Execution
	if err := readJSON(s.partitionDir(ownerUID)+"/"+executionsFile, &execs); err != nil {
		return nil, err
	}
	var out []Execution
	for _, e := range execs {
		if e.Status.Terminal() {
			continue
		}
		if processName != "" && e.ProcessName != processName {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
