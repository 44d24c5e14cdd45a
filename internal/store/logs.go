package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/matplo/procorg/internal/principal"
)

// LogPaths returns the stable stdout/stderr log file paths for one
// execution. The paths are derived purely from identifiers so every engine
// instance computes the same location.
func (s *Store) LogPaths(ownerUID int, processName, execID string) (string, string) {
	dir := filepath.Join(s.partitionDir(ownerUID), logsDirName, processName)
	return filepath.Join(dir, execID+".stdout.log"), filepath.Join(dir, execID+".stderr.log")
}

// PIDFilePath returns the path of the transient pid file written while an
// execution is alive, next to its logs.
func (s *Store) PIDFilePath(ownerUID int, processName, execID string) string {
	return filepath.Join(s.partitionDir(ownerUID), logsDirName, processName, execID+".pid")
}

// OpenLogFiles creates the log directory and opens both stream files in
// append mode. The caller (the spawning watcher) is the only writer.
func (s *Store) OpenLogFiles(ownerUID int, processName, execID string) (stdout, stderr *os.File, err error) {
	outPath, errPath := s.LogPaths(ownerUID, processName, execID)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	stdout, err = os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err = os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("open stderr log: %w", err)
	}
	return stdout, stderr, nil
}

// WritePIDFile records the live pid for an execution; removed on exit.
func (s *Store) WritePIDFile(ownerUID int, processName, execID string, pid int) error {
	path := s.PIDFilePath(ownerUID, processName, execID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600)
}

// RemovePIDFile is best-effort cleanup after an execution ends.
func (s *Store) RemovePIDFile(ownerUID int, processName, execID string) {
	_ = os.Remove(s.PIDFilePath(ownerUID, processName, execID))
}

// ReadLog returns up to maxLines lines of the given stream ("stdout" or
// "stderr") starting at line offset. maxLines <= 0 means the rest of the
// file. The returned int is the offset to resume from, which makes repeated
// calls a restartable cursor over an append-only file.
func (s *Store) ReadLog(execID, stream string, offset, maxLines int, p principal.Principal) ([]string, int, error) {
	e, err := s.GetExecution(execID, p)
	if err != nil {
		return nil, offset, err
	}
	var path string
	switch stream {
	case "stdout":
		path = e.StdoutLog
	case "stderr":
		path = e.StderrLog
	default:
		return nil, offset, fmt.Errorf("unknown stream %q", stream)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		if n < offset {
			n++
			continue
		}
		if maxLines > 0 && len(lines) >= maxLines {
			break
		}
		lines = append(lines, sc.Text())
		n++
	}
	if err := sc.Err(); err != nil {
		return lines, n, fmt.Errorf("scan log %s: %w", path, err)
	}
	return lines, n, nil
}
