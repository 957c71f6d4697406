// Package logfanin routes structured log records from child processes
// into the main process's log sink. Children never write the shared sink
// directly: each zerolog line is framed onto a dedicated pipe and the
// main-side listener re-emits it with the originating process name.
package logfanin

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/snarg/whisper-api/internal/wire"
)

// ChildWriter frames zerolog output lines for transport to the parent.
// zerolog hands each event to Write as a single line, so one Write call
// becomes one frame.
type ChildWriter struct {
	mu      sync.Mutex
	w       io.Writer
	process string
}

// NewChildWriter creates a writer forwarding log records over pipe,
// attributed to the given process name.
func NewChildWriter(pipe io.Writer, process string) *ChildWriter {
	return &ChildWriter{w: pipe, process: process}
}

func (cw *ChildWriter) Write(p []byte) (int, error) {
	record := make([]byte, len(p))
	copy(record, p)
	for len(record) > 0 && record[len(record)-1] == '\n' {
		record = record[:len(record)-1]
	}

	payload, err := json.Marshal(wire.LogPayload{Process: cw.process, Record: record})
	if err != nil {
		return 0, fmt.Errorf("logfanin: marshal record: %w", err)
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if err := wire.WriteFrame(cw.w, wire.Envelope{Type: wire.TypeLog, Data: payload}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Listener receives framed records on the main process and writes them to
// the sink with the child's process name stamped in.
type Listener struct {
	conn *wire.Conn
	sink io.Writer

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewListener creates a listener reading frames from pipe and writing
// records to sink. Call Run on its own goroutine.
func NewListener(pipe io.Reader, sink io.Writer) *Listener {
	return &Listener{
		conn: wire.NewConn(pipe, io.Discard),
		sink: sink,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run consumes records until the pipe closes or Stop is called. Parse
// failures are skipped; any unexpected channel error ends the loop.
func (l *Listener) Run() {
	defer close(l.done)
	for {
		env, ok, err := l.conn.Poll(500 * time.Millisecond)
		if err != nil {
			// ErrClosed or a broken pipe: the child is gone.
			return
		}
		if !ok {
			select {
			case <-l.stop:
				return
			default:
				continue
			}
		}
		if env.Type != wire.TypeLog {
			continue
		}

		var payload wire.LogPayload
		if err := env.DecodePayload(&payload); err != nil {
			continue
		}
		l.emit(payload)
	}
}

func (l *Listener) emit(payload wire.LogPayload) {
	// Re-stamp the process field so child records remain attributable
	// even though the main process writes them.
	var record map[string]any
	if err := json.Unmarshal(payload.Record, &record); err != nil {
		// Not JSON: pass the raw line through rather than losing it.
		fmt.Fprintf(l.sink, "%s\n", payload.Record)
		return
	}
	record["process"] = payload.Process

	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	l.sink.Write(append(line, '\n'))
}

// Stop tells the listener to end after draining pending records.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Join waits for the listener goroutine to end, up to the deadline.
// It reports whether the listener finished in time.
func (l *Listener) Join(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
