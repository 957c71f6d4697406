// Package decoder is the worker-process core: it owns the ASR models and
// a bounded in-memory job queue. The main goroutine pumps messages from
// the front; a second goroutine (the decode loop) consumes the queue and
// runs inference.
package decoder

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/logfanin"
	"github.com/snarg/whisper-api/internal/queue"
	"github.com/snarg/whisper-api/internal/task"
	"github.com/snarg/whisper-api/internal/wire"
)

// Options configures a Decoder.
type Options struct {
	Conn               *wire.Conn
	Models             *ModelManager
	QueueSize          int
	UnloadModelAfter   time.Duration // zero disables idle eviction
	LoadModelOnStartup bool
	MaxModel           task.ModelSize
	Redactor           logfanin.Redactor
	Log                zerolog.Logger
}

// Decoder runs the worker process's two threads. All queue access happens
// under mu; newTask is bound to it so the decode loop can park while the
// queue is empty.
type Decoder struct {
	conn   *wire.Conn
	models *ModelManager
	opts   Options
	log    zerolog.Logger
	red    logfanin.Redactor

	mu      sync.Mutex
	newTask *sync.Cond
	queue   *queue.Queue[string, *task.Task]
	busy    bool
	closing bool

	loopDone chan struct{}
}

// New creates a decoder ready to Run.
func New(opts Options) *Decoder {
	d := &Decoder{
		conn:     opts.Conn,
		models:   opts.Models,
		opts:     opts,
		log:      opts.Log.With().Str("component", "decoder").Logger(),
		red:      opts.Redactor,
		queue:    queue.New(opts.QueueSize, func(t *task.Task) string { return t.UUID }),
		loopDone: make(chan struct{}),
	}
	d.newTask = sync.NewCond(&d.mu)
	return d
}

// Run executes the message pump until an exit message arrives or the
// channel closes. It returns after the model is released.
func (d *Decoder) Run() error {
	if d.opts.LoadModelOnStartup {
		if _, _, err := d.models.Load(""); err != nil {
			d.log.Warn().Err(err).Msg("startup model load failed")
		}
	}

	go d.decodeLoop()
	defer d.stopDecodeLoop()

	d.emitStatus()

	pollTimeout := d.opts.UnloadModelAfter
	idleEviction := pollTimeout > 0
	if !idleEviction {
		pollTimeout = time.Hour
	}

	for {
		env, ok, err := d.conn.Poll(pollTimeout)
		if err != nil {
			// Channel closed: the front is gone, shut down in order.
			d.log.Info().Msg("message channel closed, exiting")
			d.evictIfIdle()
			return nil
		}
		if !ok {
			if idleEviction {
				d.evictIfIdle()
				d.emitStatus()
			}
			continue
		}

		switch env.Type {
		case wire.TypeExit:
			d.log.Info().Msg("exit requested")
			d.evictIfIdle()
			return nil
		case wire.TypeStatus:
			d.emitStatus()
		case wire.TypeDecode:
			d.handleDecode(env)
		default:
			d.log.Warn().Str("type", string(env.Type)).Msg("unknown message type, ignoring")
		}
	}
}

func (d *Decoder) handleDecode(env wire.Envelope) {
	t, err := task.FromJSON(env.Data)
	if err != nil {
		// Malformed decode message: logged and dropped, state unchanged.
		d.log.Error().Err(err).Msg("malformed decode message")
		return
	}

	d.mu.Lock()
	putErr := d.queue.Put(t)
	d.mu.Unlock()

	if putErr != nil {
		// The offending submission fails; everything queued is untouched.
		d.log.Warn().Err(putErr).Str("uuid", d.red.UUID(t.UUID)).Msg("queue full, rejecting task")
		t.Status = task.StatusFailed
		d.emitTaskUpdate(t)
		return
	}

	d.log.Info().Str("uuid", d.red.UUID(t.UUID)).Str("task_type", string(t.TaskType)).Msg("task enqueued")
	d.emitStatus()
	d.newTask.Signal()
}

// decodeLoop consumes the queue. It holds the lock only across queue
// operations, never across inference.
func (d *Decoder) decodeLoop() {
	defer close(d.loopDone)
	for {
		d.mu.Lock()
		for d.queue.Len() == 0 && !d.closing {
			d.newTask.Wait()
		}
		if d.closing {
			d.mu.Unlock()
			return
		}
		t, _ := d.queue.Next()
		d.busy = true
		d.mu.Unlock()

		d.emitStatus()

		t.Status = task.StatusProcessing
		t.PositionInQueue = 0
		d.emitTaskUpdate(t)

		result := d.runModel(t)
		if result != nil {
			t.Status = task.StatusFinished
			t.Result = result
			t.UsedDevice = result.UsedDevice
		} else {
			t.Status = task.StatusFailed
		}
		d.emitTaskUpdate(t)

		d.mu.Lock()
		d.queue.ClearCurrent()
		d.busy = false
		d.mu.Unlock()
		d.emitStatus()
	}
}

func (d *Decoder) stopDecodeLoop() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.newTask.Signal()
	<-d.loopDone
}

// runModel loads the right model and runs inference. A nil return means
// the task failed; the decoder itself never dies on a job error.
func (d *Decoder) runModel(t *task.Task) *task.WhisperResult {
	requested := t.TargetModelSize
	if requested == "" {
		requested = d.opts.MaxModel
	}

	model, device, err := d.models.Load(requested)
	d.emitStatus()
	if err != nil {
		d.log.Error().Err(err).Str("uuid", d.red.UUID(t.UUID)).Msg("model load failed, task fails")
		return nil
	}

	start := time.Now()
	transcription, err := model.Transcribe(t.AudiofileName, t.SourceLanguage, t.TaskType)
	end := time.Now()
	if err != nil {
		d.log.Error().Err(err).Str("uuid", d.red.UUID(t.UUID)).Msg("inference failed, task fails")
		return nil
	}

	outputLanguage := transcription.Language
	if t.TaskType == task.TypeTranslate {
		outputLanguage = "en"
	}

	return &task.WhisperResult{
		Text:           transcription.Text,
		Language:       transcription.Language,
		OutputLanguage: outputLanguage,
		Segments:       transcription.Segments,
		UsedModelSize:  d.models.LastLoaded(),
		UsedDevice:     device,
		StartTime:      start,
		EndTime:        end,
	}
}

// evictIfIdle unloads the model. The idle timer only fires when the queue
// stayed empty for the whole window, so the decode loop is parked on the
// condition variable and cannot be mid-inference.
func (d *Decoder) evictIfIdle() {
	d.mu.Lock()
	busy := d.busy
	d.mu.Unlock()
	if busy {
		return
	}
	d.models.Evict()
}

func (d *Decoder) emitTaskUpdate(t *task.Task) {
	if err := d.conn.Send(wire.TypeTaskUpdate, t); err != nil {
		d.log.Error().Err(err).Str("uuid", d.red.UUID(t.UUID)).Msg("failed to send task update")
	}
}

// emitStatus publishes the decoder's externally observable state.
func (d *Decoder) emitStatus() {
	d.mu.Lock()
	queueStatus := make(map[string]int)
	for pos, t := range d.queue.Snapshot() {
		queueStatus[t.UUID] = pos
	}
	// One atomic read: a Load or Evict on the decode loop must never
	// leave a snapshot with the loaded flag and the size out of step.
	model := d.models.Snapshot()
	payload := wire.StatusPayload{
		GPUMode:             d.models.GPUMode(),
		MaxModelToUse:       d.models.MaxModelToUse(),
		LastLoadedModelSize: model.LastLoaded,
		IsModelLoaded:       model.Loaded,
		CurrentlyBusy:       d.busy,
		TasksInQueue:        d.queue.Len(),
		QueueStatus:         queueStatus,
	}
	d.mu.Unlock()

	if err := d.conn.Send(wire.TypeStatus, payload); err != nil {
		d.log.Error().Err(err).Msg("failed to send status")
	}
}
