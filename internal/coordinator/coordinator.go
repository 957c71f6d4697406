// Package coordinator runs on the front process. It moves tasks between
// the HTTP layer and the decoder process, mirrors the decoder's state,
// and orchestrates orderly shutdown.
package coordinator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/audio"
	"github.com/snarg/whisper-api/internal/logfanin"
	"github.com/snarg/whisper-api/internal/metrics"
	"github.com/snarg/whisper-api/internal/registry"
	"github.com/snarg/whisper-api/internal/task"
	"github.com/snarg/whisper-api/internal/wire"
)

// ErrInvalidAudio reports that the uploaded bytes failed the audio probe.
// No task is created and nothing reaches the decoder.
var ErrInvalidAudio = errors.New("coordinator: upload is not valid audio")

// DecoderState mirrors the decoder's last published condition.
type DecoderState struct {
	GPUMode             bool           `json:"gpu_mode"`
	MaxModelToUse       task.ModelSize `json:"max_model_to_use,omitempty"`
	LastLoadedModelSize task.ModelSize `json:"last_loaded_model_size,omitempty"`
	IsModelLoaded       bool           `json:"is_model_loaded"`
	CurrentlyBusy       bool           `json:"currently_busy"`
	TasksInQueue        int            `json:"tasks_in_queue"`
	ReceivedAt          time.Time      `json:"received_at"`
}

// Options configures a Coordinator.
type Options struct {
	Conn     *wire.Conn
	Registry *registry.Registry[string, *task.Task]
	Probe    audio.Probe
	Redactor logfanin.Redactor
	Log      zerolog.Logger
}

// Coordinator owns the front's view of the decoder: the task registry
// entries it upserts, the staged upload files, and the state mirror.
type Coordinator struct {
	conn     *wire.Conn
	registry *registry.Registry[string, *task.Task]
	files    *StagedFiles
	probe    audio.Probe
	red      logfanin.Redactor
	log      zerolog.Logger

	stateMu sync.Mutex
	state   DecoderState

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a coordinator. Call Listen on its own goroutine.
func New(opts Options) *Coordinator {
	return &Coordinator{
		conn:     opts.Conn,
		registry: opts.Registry,
		files:    NewStagedFiles(opts.Log),
		probe:    opts.Probe,
		red:      opts.Redactor,
		log:      opts.Log.With().Str("component", "coordinator").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Files exposes the staged-file tracker to the HTTP layer.
func (c *Coordinator) Files() *StagedFiles { return c.files }

// State returns the current decoder-state mirror.
func (c *Coordinator) State() DecoderState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Submit stages the uploaded bytes, probes them, creates and registers a
// task and forwards it to the decoder. The upload is rejected with
// ErrInvalidAudio before any task exists.
func (c *Coordinator) Submit(upload io.Reader, originalName, contentType string, taskType task.Type, sourceLanguage string, targetModel task.ModelSize) (*task.Task, error) {
	f, err := os.CreateTemp("", "whisper-api-upload-*")
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(f, upload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	head := make([]byte, 512)
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("probe upload: %w", err)
	}
	if err := c.probe.Probe(head[:n], contentType); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("%w: %s", ErrInvalidAudio, err)
	}

	t := task.New(f.Name(), originalName, taskType, sourceLanguage, targetModel)
	c.registry.Put(t.UUID, t)
	c.files.Add(f)

	data, err := t.ToJSON()
	if err != nil {
		c.unregister(t)
		return nil, fmt.Errorf("encode task: %w", err)
	}
	if err := c.conn.SendRaw(wire.Envelope{Type: wire.TypeDecode, Data: data}); err != nil {
		c.unregister(t)
		return nil, fmt.Errorf("forward task to decoder: %w", err)
	}

	metrics.TasksSubmittedTotal.WithLabelValues(string(taskType)).Inc()
	c.log.Info().Str("uuid", c.red.UUID(t.UUID)).Str("task_type", string(taskType)).Msg("task submitted")
	return t, nil
}

// unregister rolls back a submission that never reached the decoder:
// the registry entry goes away and the staged file is removed.
func (c *Coordinator) unregister(t *task.Task) {
	c.registry.Delete(t.UUID)
	c.files.Release(t.AudiofileName)
}

// RequestStatus asks the decoder for a fresh state snapshot without
// waiting for the answer.
func (c *Coordinator) RequestStatus() error {
	return c.conn.Send(wire.TypeStatus, nil)
}

// Listen consumes decoder messages until the channel closes or Stop is
// called. It polls with a short timeout so the stop flag is honored
// promptly.
func (c *Coordinator) Listen() {
	defer close(c.done)
	for {
		env, ok, err := c.conn.Poll(500 * time.Millisecond)
		if err != nil {
			if errors.Is(err, wire.ErrClosed) {
				c.log.Info().Msg("decoder channel closed, listener ending")
			} else {
				c.log.Error().Err(err).Msg("decoder channel broken, listener ending")
			}
			return
		}
		if !ok {
			select {
			case <-c.stop:
				c.conn.Close()
				c.log.Info().Msg("stop flag set, listener ending")
				return
			default:
				continue
			}
		}

		switch env.Type {
		case wire.TypeStatus:
			c.handleStatus(env)
		case wire.TypeTaskUpdate:
			c.handleTaskUpdate(env)
		default:
			c.log.Warn().Str("type", string(env.Type)).Msg("unknown message type from decoder")
		}
	}
}

func (c *Coordinator) handleStatus(env wire.Envelope) {
	var status wire.StatusPayload
	if err := env.DecodePayload(&status); err != nil {
		c.log.Error().Err(err).Msg("bad status payload")
		return
	}

	c.stateMu.Lock()
	c.state = DecoderState{
		GPUMode:             status.GPUMode,
		MaxModelToUse:       status.MaxModelToUse,
		LastLoadedModelSize: status.LastLoadedModelSize,
		IsModelLoaded:       status.IsModelLoaded,
		CurrentlyBusy:       status.CurrentlyBusy,
		TasksInQueue:        status.TasksInQueue,
		ReceivedAt:          time.Now(),
	}
	c.stateMu.Unlock()

	metrics.QueueDepth.Set(float64(status.TasksInQueue))
	metrics.ModelLoaded.Set(boolToGauge(status.IsModelLoaded))

	// Refresh queue positions of the registered tasks. Registered tasks
	// are shared with HTTP handlers as read-only snapshots, so the update
	// replaces the entry instead of writing through the shared pointer.
	for uuid, pos := range status.QueueStatus {
		if t, ok := c.registry.Get(uuid); ok && t.PositionInQueue != pos {
			updated := *t
			updated.PositionInQueue = pos
			c.registry.Put(uuid, &updated)
		}
	}
}

func (c *Coordinator) handleTaskUpdate(env wire.Envelope) {
	t, err := task.FromJSON(env.Data)
	if err != nil {
		c.log.Error().Err(err).Msg("bad task_update payload")
		return
	}

	c.log.Info().
		Str("uuid", c.red.UUID(t.UUID)).
		Str("status", string(t.Status)).
		Msg("task update received")

	c.registry.Put(t.UUID, t)

	if t.Status.IsTerminal() {
		c.files.Release(t.AudiofileName)
		metrics.TasksCompletedTotal.WithLabelValues(string(t.Status)).Inc()
		if t.Result != nil {
			metrics.ProcessingDuration.Observe(t.Result.ProcessingDuration().Seconds())
		}
	}
}

// Stop sets the listener stop flag.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Join waits for the listener to end, up to the deadline.
func (c *Coordinator) Join(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
