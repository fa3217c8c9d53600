package multitable

import (
	"errors"
	"fmt"

	"statevsql/internal/schema"
)

// NoContext is the context id of events recorded outside any pushed context.
const NoContext int64 = -1

var (
	// ErrDuplicatePush is returned when a key is pushed while it is already
	// on the stack.
	ErrDuplicatePush = errors.New("context key pushed twice")
	// ErrStackUnderflow is returned when a pop finds the stack empty.
	ErrStackUnderflow = errors.New("pop without matching push")
	// ErrUnknownKey is returned when a key was not seen by the discovery pass.
	// It only happens when the input changes between the two passes.
	ErrUnknownKey = errors.New("key not in discovered schema")
)

// LineError attaches the trace line number to a fatal conversion error.
type LineError struct {
	Line int
	Key  string
	Err  error
}

func (e *LineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("line %d: %s: %v", e.Line, e.Key, e.Err)
	}
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

type frame struct {
	key  string
	slot int
	// prev is the active id at push time; a pop restores it.
	prev int64
}

// contextStack tracks the pushed context attributes and the id of the
// context row events are recorded under.
//
// Pushes only fill the value buffer and mark a row as pending. The row is
// materialized lazily (see flush) so that consecutive pushes share one row.
type contextStack struct {
	reg    *schema.Registry
	values []any
	frames []frame

	active  int64
	pending bool
}

func newContextStack(reg *schema.Registry) *contextStack {
	return &contextStack{
		reg:    reg,
		values: make([]any, reg.Len()),
		active: NoContext,
	}
}

// push records key=value. All pairs of one P line are pushed with the same
// prev id because no row is materialized in between.
func (s *contextStack) push(line int, key, value string) error {
	slot, ok := s.reg.Index(key)
	if !ok {
		return &LineError{Line: line, Key: key, Err: ErrUnknownKey}
	}
	if s.values[slot] != nil {
		return &LineError{Line: line, Key: key, Err: ErrDuplicatePush}
	}
	s.frames = append(s.frames, frame{key: key, slot: slot, prev: s.active})
	s.values[slot] = value
	s.pending = true
	return nil
}

// pop removes the top frame and restores the active id saved with it. The
// returned key is the frame's key, which may differ from label; the caller
// reports that as a mismatch. The slot of the frame's key is cleared, not
// the slot of label.
func (s *contextStack) pop(line int, label string) (string, error) {
	n := len(s.frames)
	if n == 0 {
		return "", &LineError{Line: line, Key: label, Err: ErrStackUnderflow}
	}
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]
	s.active = f.prev
	s.values[f.slot] = nil
	return f.key, nil
}

// flush materializes the pending row with insert and makes its id active.
// It is a no-op when nothing was pushed since the last flush.
func (s *contextStack) flush(insert func(values []any) (int64, error)) error {
	if !s.pending {
		return nil
	}
	id, err := insert(s.values)
	if err != nil {
		return err
	}
	s.pending = false
	s.active = id
	return nil
}

func (s *contextStack) depth() int { return len(s.frames) }

// openKeys lists the keys still pushed, bottom first.
func (s *contextStack) openKeys() []string {
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.key
	}
	return out
}
