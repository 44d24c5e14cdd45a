package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/matplo/procorg/internal/principal"
)

// SaveDefinition creates a new definition in its owner's partition.
// Returns ErrConflict when the name is already taken for that owner; the
// exclusive partition lock guarantees exactly one of two concurrent
// creations with the same name succeeds.
func (s *Store) SaveDefinition(def Definition) error {
	dir, err := s.ensurePartition(def.OwnerUID)
	if err != nil {
		return err
	}
	lk, err := acquireLock(s.lockPath(def.OwnerUID), true)
	if err != nil {
		return err
	}
	defer lk.release()

	path := dir + "/" + definitionsFile
	defs := make(map[string]Definition)
	if err := readJSON(path, &defs); err != nil {
		return err
	}
	if _, exists := defs[def.Name]; exists {
		return fmt.Errorf("definition %q: %w", def.Name, ErrConflict)
	}
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	defs[def.Name] = def
	return writeJSONAtomic(path, defs)
}

// UpdateDefinition replaces an existing definition in place. Name, owner
// and CreatedAt are immutable; only mutable fields are applied.
func (s *Store) UpdateDefinition(def Definition) error {
	dir, err := s.ensurePartition(def.OwnerUID)
	if err != nil {
		return err
	}
	lk, err := acquireLock(s.lockPath(def.OwnerUID), true)
	if err != nil {
		return err
	}
	defer lk.release()

	path := dir + "/" + definitionsFile
	defs := make(map[string]Definition)
	if err := readJSON(path, &defs); err != nil {
		return err
	}
	cur, exists := defs[def.Name]
	if !exists {
		return fmt.Errorf("definition %q: %w", def.Name, ErrNotFound)
	}
	cur.Command = def.Command
	cur.CronExpr = def.CronExpr
	cur.Description = def.Description
	cur.Enabled = def.Enabled
	cur.UpdatedAt = time.Now()
	defs[def.Name] = cur
	return writeJSONAtomic(path, defs)
}

// DeleteDefinition removes a definition from ownerUID's partition.
func (s *Store) DeleteDefinition(name string, ownerUID int) error {
	dir, err := s.ensurePartition(ownerUID)
	if err != nil {
		return err
	}
	lk, err := acquireLock(s.lockPath(ownerUID), true)
	if err != nil {
		return err
	}
	defer lk.release()

	path := dir + "/" + definitionsFile
	defs := make(map[string]Definition)
	if err := readJSON(path, &defs); err != nil {
		return err
	}
	if _, exists := defs[name]; !exists {
		return fmt.Errorf("definition %q: %w", name, ErrNotFound)
	}
	delete(defs, name)
	return writeJSONAtomic(path, defs)
}

// GetDefinition resolves name for the caller. A non-privileged principal
// sees only its own partition; when the name exists in a foreign partition
// the caller gets ErrPermissionDenied rather than ErrNotFound so that
// ownership violations are distinguishable.
func (s *Store) GetDefinition(name string, p principal.Principal) (Definition, error) {
	if def, err := s.definitionIn(p.UID, name); err == nil {
		return def, nil
	}
	uids, err := s.partitions()
	if err != nil {
		return Definition{}, err
	}
	for _, uid := range uids {
		if uid == p.UID {
			continue
		}
		def, err := s.definitionIn(uid, name)
		if err != nil {
			continue
		}
		if !p.IsPrivileged {
			return Definition{}, fmt.Errorf("definition %q owned by uid %d: %w", name, uid, ErrPermissionDenied)
		}
		return def, nil
	}
	return Definition{}, fmt.Errorf("definition %q: %w", name, ErrNotFound)
}

func (s *Store) definitionIn(uid int, name string) (Definition, error) {
	lk, err := acquireLock(s.lockPath(uid), false)
	if err != nil {
		return Definition{}, err
	}
	defer lk.release()

	defs := make(map[string]Definition)
	if err := readJSON(s.partitionDir(uid)+"/"+definitionsFile, &defs); err != nil {
		return Definition{}, err
	}
	def, exists := defs[name]
	if !exists {
		return Definition{}, fmt.Errorf("definition %q: %w", name, ErrNotFound)
	}
	return def, nil
}

// LoadDefinitions returns every definition visible to p, sorted by owner
// uid then name for stable listings.
func (s *Store) LoadDefinitions(p principal.Principal) ([]Definition, error) {
	uids, err := s.visibleTo(p)
	if err != nil {
		return nil, err
	}
	var out []Definition
	for _, uid := range uids {
		lk, err := acquireLock(s.lockPath(uid), false)
		if err != nil {
			// Partition may not exist yet for this caller.
			continue
		}
		defs := make(map[string]Definition)
		err = readJSON(s.partitionDir(uid)+"/"+definitionsFile, &defs)
		lk.release()
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerUID != out[j].OwnerUID {
			return out[i].OwnerUID < out[j].OwnerUID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
