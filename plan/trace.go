package plan

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/pgzip"
)

// Trace emits a Chrome trace event file (spec §4.F "Chrome trace"),
// adapted from the teacher's internal/trace package. Unlike the teacher's
// package-level global sink, Trace is a value the scheduler owns and
// passes around explicitly — the "explicit Context, no singletons"
// re-architecture from spec §9's design notes.
type Trace struct {
	mu    sync.Mutex
	w     io.Writer
	close func() error
	start time.Time
}

type traceEvent struct {
	Name     string      `json:"name"`
	Phase    string      `json:"ph"`
	Ts       uint64      `json:"ts"`
	Dur      uint64      `json:"dur,omitempty"`
	Pid      uint64      `json:"pid"`
	Tid      uint64      `json:"tid"`
	Args     interface{} `json:"args,omitempty"`
}

// OpenTrace creates (or truncates) path and returns a Trace writing to it.
// If path ends in ".gz", output is transparently gzip-compressed via
// klauspost/pgzip (a teacher dependency with no other natural home in
// this rewrite, since the engine itself implements no compression per
// spec §1 — trace files are the one artifact worth shrinking).
func OpenTrace(path string, create func(string) (io.WriteCloser, error)) (*Trace, error) {
	f, err := create(path)
	if err != nil {
		return nil, err
	}
	var w io.Writer = f
	closeFn := f.Close
	if strings.HasSuffix(path, ".gz") {
		gz := pgzip.NewWriter(f)
		w = gz
		closeFn = func() error {
			if err := gz.Close(); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}
	}
	t := &Trace{w: w, close: closeFn, start: time.Now()}
	if _, err := w.Write([]byte{'['}); err != nil {
		return nil, err
	}
	return t, nil
}

// Event appends one completed-duration ("X") event to the trace.
func (t *Trace) Event(name string, pid, tid int, started time.Time, dur time.Duration) error {
	ev := traceEvent{
		Name:  name,
		Phase: "X",
		Ts:    uint64(started.Sub(t.start) / time.Microsecond),
		Dur:   uint64(dur / time.Microsecond),
		Pid:   uint64(pid),
		Tid:   uint64(tid),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = t.w.Write(append(b, ','))
	return err
}

// Close flushes and closes the underlying writer. The JSON Array Format's
// closing ']' is optional and intentionally omitted, same as the teacher's
// sink.
func (t *Trace) Close() error {
	if t.close == nil {
		return nil
	}
	return t.close()
}
