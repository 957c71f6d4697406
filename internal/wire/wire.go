// Package wire frames typed JSON messages over a byte pipe so the front
// and decoder processes can exchange them. A frame is a 4-byte big-endian
// length followed by an Envelope; only primitives and plain records cross
// the boundary.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MessageType tags an envelope.
type MessageType string

const (
	// TypeDecode carries a serialized task from front to decoder.
	TypeDecode MessageType = "decode"
	// TypeStatus requests (front→decoder) or carries (decoder→front) a
	// decoder state snapshot.
	TypeStatus MessageType = "status"
	// TypeTaskUpdate carries a task state transition from the decoder.
	TypeTaskUpdate MessageType = "task_update"
	// TypeExit tells the decoder to release resources and return.
	TypeExit MessageType = "exit"
	// TypeLog carries one structured log record from a child process.
	TypeLog MessageType = "log"
)

// Envelope is the unit crossing the process boundary.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodePayload unmarshals the envelope's data into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("wire: %s message carries no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("wire: parse %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrClosed reports that the peer closed the channel. Both sides treat it
// as the trigger for orderly shutdown, not as a failure.
var ErrClosed = errors.New("wire: channel closed")

// maxFrameSize guards against a corrupted length prefix.
const maxFrameSize = 16 << 20

// WriteFrame writes one envelope to w. Safe for a single writer only.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal envelope: %w", err)
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one envelope from r. Returns ErrClosed on EOF.
func ReadFrame(r io.Reader) (Envelope, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, fmt.Errorf("wire: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > maxFrameSize {
		return Envelope{}, fmt.Errorf("wire: frame of %d bytes exceeds limit", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: parse envelope: %w", err)
	}
	return env, nil
}

// Conn is one end of the duplex channel. A background goroutine reads
// frames so receivers can poll with a timeout; sends are serialized by a
// mutex so messages never interleave mid-frame.
type Conn struct {
	w  io.Writer
	wc io.Closer // nil when the writer needs no closing

	in      chan Envelope
	readErr error
	done    chan struct{}

	sendMu sync.Mutex
}

// NewConn wraps a read and a write side into a pollable connection.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{
		w:    w,
		in:   make(chan Envelope, 64),
		done: make(chan struct{}),
	}
	if wc, ok := w.(io.Closer); ok {
		c.wc = wc
	}
	go c.readLoop(r)
	return c
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)
	for {
		env, err := ReadFrame(r)
		if err != nil {
			c.readErr = err
			close(c.in)
			return
		}
		c.in <- env
	}
}

// Send writes one envelope with a JSON-marshaled payload.
func (c *Conn) Send(t MessageType, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("wire: marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return c.SendRaw(Envelope{Type: t, Data: raw})
}

// SendRaw writes a pre-built envelope.
func (c *Conn) SendRaw(env Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return WriteFrame(c.w, env)
}

// Poll waits up to timeout for an inbound envelope. The bool reports
// whether an envelope arrived; an error is only returned once the channel
// is closed or broken.
func (c *Conn) Poll(timeout time.Duration) (Envelope, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env, ok := <-c.in:
		if !ok {
			return Envelope{}, false, c.readErr
		}
		return env, true, nil
	case <-timer.C:
		return Envelope{}, false, nil
	}
}

// Recv blocks until an envelope arrives or the channel closes.
func (c *Conn) Recv() (Envelope, error) {
	env, ok := <-c.in
	if !ok {
		return Envelope{}, c.readErr
	}
	return env, nil
}

// Close closes the write side, which the peer observes as ErrClosed.
func (c *Conn) Close() error {
	if c.wc != nil {
		return c.wc.Close()
	}
	return nil
}
