package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/matplo/procorg/internal/principal"
)

const (
	definitionsFile = "processes.json"
	executionsFile  = "executions.json"
	scheduleFile    = "schedule.json"
	lockFile        = ".lock"
	logsDirName     = "logs"
)

// Store is a file-backed persistent store partitioned per owning uid:
//
//	<dataDir>/users/<uid>/processes.json    definitions keyed by name
//	<dataDir>/users/<uid>/executions.json   execution records
//	<dataDir>/users/<uid>/schedule.json     last-fired cron watermarks
//	<dataDir>/users/<uid>/logs/<name>/<execID>.{stdout,stderr}.log
//
// Every mutation is a read-modify-write cycle under an exclusive advisory
// flock on the partition's .lock file, and the visible file is replaced by
// an atomic rename so concurrent readers in other OS processes never
// observe a partial record. The store is the sole synchronization point
// between independent engine instances.
type Store struct {
	dataDir string
}

// New creates (if needed) the data directory and returns a Store rooted there.
func New(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("empty data dir")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "users"), 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) partitionDir(uid int) string {
	return filepath.Join(s.dataDir, "users", strconv.Itoa(uid))
}

func (s *Store) lockPath(uid int) string {
	return filepath.Join(s.partitionDir(uid), lockFile)
}

func (s *Store) ensurePartition(uid int) (string, error) {
	dir := s.partitionDir(uid)
	if err := os.MkdirAll(filepath.Join(dir, logsDirName), 0o750); err != nil {
		return "", fmt.Errorf("create partition for uid %d: %w", uid, err)
	}
	return dir, nil
}

// partitions lists the uids that have a partition on disk, ascending.
func (s *Store) partitions() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "users"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	uids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		uid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	return uids, nil
}

// visibleTo returns the partitions p may read: its own, or all when privileged.
func (s *Store) visibleTo(p principal.Principal) ([]int, error) {
	if p.IsPrivileged {
		return s.partitions()
	}
	return []int{p.UID}, nil
}

// readJSON decodes path into v. A missing file leaves v untouched so the
// zero value acts as the empty collection.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic marshals v and replaces path atomically: write to a temp
// file in the same directory, fsync, rename over the target.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ChangeMarker returns an opaque monotonic marker that changes whenever any
// record visible to p changes. Web clients poll it to decide when to refresh.
func (s *Store) ChangeMarker(p principal.Principal) (int64, error) {
	uids, err := s.visibleTo(p)
	if err != nil {
		return 0, err
	}
	var marker int64
	for _, uid := range uids {
		dir := s.partitionDir(uid)
		for _, name := range []string{definitionsFile, executionsFile, scheduleFile} {
			fi, err := os.Stat(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if m := fi.ModTime().UnixNano(); m > marker {
				marker = m
			}
		}
	}
	return marker, nil
}
