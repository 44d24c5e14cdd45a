package store

import (
	"time"
)

// Watermarks returns the last-fired trigger instant per definition name in
// ownerUID's partition.
func (s *Store) Watermarks(ownerUID int) (map[string]time.Time, error) {
	lk, err := acquireLock(s.lockPath(ownerUID), false)
	if err != nil {
		return map[string]time.Time{}, nil
	}
	defer lk.release()

	wm := make(map[string]time.Time)
	if err := readJSON(s.partitionDir(ownerUID)+"/"+scheduleFile, &wm); err != nil {
		return nil, err
	}
	return wm, nil
}

// ClaimTrigger atomically advances the watermark for (ownerUID, name) to
// instant and reports whether the caller won the claim. Checking and
// writing happen inside one exclusive lock cycle, so when several
// cooperating scheduler instances evaluate the same trigger instant,
// exactly one of them fires it; the others observe the advanced watermark
// and skip. Instants at or before the current watermark are never claimed,
// which also rules out retroactive catch-up firing after downtime.
func (s *Store) ClaimTrigger(ownerUID int, name string, instant time.Time) (bool, error) {
	dir, err := s.ensurePartition(ownerUID)
	if err != nil {
		return false, err
	}
	lk, err := acquireLock(s.lockPath(ownerUID), true)
	if err != nil {
		return false, err
	}
	defer lk.release()

	path := dir + "/" + scheduleFile
	wm := make(map[string]time.Time)
	if err := readJSON(path, &wm); err != nil {
		return false, err
	}
	if last, ok := wm[name]; ok && !instant.After(last) {
		return false, nil
	}
	wm[name] = instant
	if err := writeJSONAtomic(path, wm); err != nil {
		return false, err
	}
	return true, nil
}

// ClearWatermark drops the stored watermark for name, used when a
// definition is unregistered.
func (s *Store) ClearWatermark(ownerUID int, name string) error {
	dir, err := s.ensurePartition(ownerUID)
	if err != nil {
		return err
	}
	lk, err := acquireLock(s.lockPath(ownerUID), true)
	if err != nil {
		return err
	}
	defer lk.release()

	path := dir + "/" + scheduleFile
	wm := make(map[string]time.Time)
	if err := readJSON(path, &wm); err != nil {
		return err
	}
	if _, ok := wm[name]; !ok {
		return nil
	}
	delete(wm, name)
	return writeJSONAtomic(path, wm)
}
