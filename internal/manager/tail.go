package manager

import (
	"context"
	"errors"
	"time"

	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/store"
)

// Tail is a lazy, restartable cursor over one execution's log stream. Each
// Next call returns the lines appended since the previous call; the stream
// is done once the execution is terminal and fully drained. The cursor
// holds no open file handle between calls, so it survives log readers in
// other processes and can be recreated from (execution id, stream, offset).
type Tail struct {
	m      *Manager
	execID string
	stream string
	p      principal.Principal
	offset int
}

// NewTail validates the execution and stream and returns a cursor starting
// at the beginning of the log.
func (m *Manager) NewTail(executionID, stream string, p principal.Principal) (*Tail, error) {
	if stream != "stdout" && stream != "stderr" {
		return nil, &ValidationError{Field: "stream", Reason: "must be stdout or stderr"}
	}
	if _, err := m.st.GetExecution(executionID, p); err != nil {
		return nil, err
	}
	return &Tail{m: m, execID: executionID, stream: stream, p: p}, nil
}

// Offset returns the current line offset, usable to resume a cursor later.
func (t *Tail) Offset() int { return t.offset }

// SeekEnd advances the cursor past all current content, so that Next only
// yields lines appended from now on.
func (t *Tail) SeekEnd() error {
	for {
		lines, next, err := t.m.st.ReadLog(t.execID, t.stream, t.offset, 0, t.p)
		if err != nil {
			return err
		}
		t.offset = next
		if len(lines) == 0 {
			return nil
		}
	}
}

// Next returns newly appended lines and whether the stream is exhausted.
// done is true only when the execution is terminal and no bytes remain.
func (t *Tail) Next() (lines []string, done bool, err error) {
	lines, next, err := t.m.st.ReadLog(t.execID, t.stream, t.offset, 0, t.p)
	if err != nil {
		return nil, false, err
	}
	t.offset = next
	if len(lines) > 0 {
		return lines, false, nil
	}
	e, err := t.m.st.GetExecution(t.execID, t.p)
	if err != nil {
		return nil, false, err
	}
	return nil, e.Status.Terminal(), nil
}

// Follow drives the cursor until the stream ends or ctx is cancelled,
// invoking fn for every line in order. Between reads it sleeps briefly,
// waking on newly appended bytes.
func (t *Tail) Follow(ctx context.Context, fn func(line string) error) error {
	for {
		lines, done, err := t.Next()
		if err != nil {
			return err
		}
		for _, line := range lines {
			if err := fn(line); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
		if len(lines) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ReadLog is the offset/limit read path used by the CLI's plain logs
// command and the web layer.
func (m *Manager) ReadLog(executionID, stream string, offset, maxLines int, p principal.Principal) ([]string, int, error) {
	if stream != "stdout" && stream != "stderr" {
		return nil, offset, &ValidationError{Field: "stream", Reason: "must be stdout or stderr"}
	}
	lines, next, err := m.st.ReadLog(executionID, stream, offset, maxLines, p)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil, offset, err
	}
	return lines, next, err
}
