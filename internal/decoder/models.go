package decoder

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/snarg/whisper-api/internal/task"
)

// ErrOutOfMemory reports that no candidate model fit the device. The
// affected job fails; the decoder keeps serving the queue.
var ErrOutOfMemory = errors.New("decoder: no model fits available device memory")

// Transcription is what the black-box ASR model returns.
type Transcription struct {
	Text     string
	Language string
	Segments []task.Segment
}

// Transcriber is a loaded ASR model. Implementations live outside the
// core; the decoder only drives them.
type Transcriber interface {
	Transcribe(audioPath, sourceLanguage string, taskType task.Type) (*Transcription, error)
}

// Loader materializes a model checkpoint of the given size on a device.
// It returns ErrOutOfMemory (possibly wrapped) when the device cannot
// hold the checkpoint.
type Loader interface {
	Load(size task.ModelSize, device task.Device) (Transcriber, error)
}

// Device abstracts the accelerator.
type Device interface {
	Available() bool
	FreeMemory() uint64
	ReleaseCache()
}

// modelBudgets is the approximate device memory each checkpoint needs.
var modelBudgets = map[task.ModelSize]uint64{
	task.ModelLarge:  10e9,
	task.ModelMedium: 5e9,
	task.ModelSmall:  2e9,
	task.ModelBase:   1e9,
}

// ModelManagerOptions configures a ModelManager.
type ModelManagerOptions struct {
	Loader            Loader
	Device            Device
	UseGPUIfAvailable bool
	MaxModel          task.ModelSize // ceiling; in CPU mode the size to start from
	CPUFallbackModel  task.ModelSize // required in CPU mode when MaxModel is unset
	DevelopMode       bool           // pins selection to base
	Log               zerolog.Logger
}

// ModelManager owns the single loaded model. At most one model is loaded
// at any instant; loading a different size evicts the old one first.
// It is driven only from the decode loop plus the pump's idle eviction,
// which by construction never overlap with inference.
type ModelManager struct {
	opts    ModelManagerOptions
	gpuMode bool
	log     zerolog.Logger

	mu         sync.Mutex
	model      Transcriber
	lastLoaded task.ModelSize
}

// NewModelManager decides the operating mode once, at startup.
func NewModelManager(opts ModelManagerOptions) *ModelManager {
	m := &ModelManager{
		opts:    opts,
		gpuMode: opts.UseGPUIfAvailable && opts.Device.Available(),
		log:     opts.Log.With().Str("component", "models").Logger(),
	}
	m.log.Info().Bool("gpu_mode", m.gpuMode).Str("max_model", string(m.maxModelToUse())).Msg("operating mode selected")
	return m
}

// GPUMode reports whether the accelerator is in use.
func (m *ModelManager) GPUMode() bool { return m.gpuMode }

// ModelState is an atomic view of the held model. Loaded and LastLoaded
// are read under one lock so a concurrent Load or Evict can never tear
// them apart.
type ModelState struct {
	Loaded     bool
	LastLoaded task.ModelSize
}

// Snapshot returns the held-model state as one consistent pair.
func (m *ModelManager) Snapshot() ModelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ModelState{Loaded: m.model != nil, LastLoaded: m.lastLoaded}
}

// IsLoaded reports whether a model is currently held.
func (m *ModelManager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model != nil
}

// LastLoaded is the size of the held model, empty when none is loaded.
func (m *ModelManager) LastLoaded() task.ModelSize {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLoaded
}

// MaxModelToUse is the effective ceiling published in status snapshots.
func (m *ModelManager) MaxModelToUse() task.ModelSize { return m.maxModelToUse() }

func (m *ModelManager) maxModelToUse() task.ModelSize {
	if m.opts.DevelopMode {
		return task.ModelBase
	}
	if m.opts.MaxModel != "" {
		return m.opts.MaxModel
	}
	if m.gpuMode {
		return "" // no ceiling: whatever fits
	}
	// CPU mode requires an explicit size.
	return m.opts.CPUFallbackModel
}

// sizeIndex orders sizes by descending memory: large=0 … base=3.
func sizeIndex(size task.ModelSize) int {
	for i, s := range task.Sizes {
		if s == size {
			return i
		}
	}
	return len(task.Sizes)
}

// sizesFrom returns task.Sizes starting at the given size (descending
// memory order). An empty size means the full list.
func sizesFrom(size task.ModelSize) []task.ModelSize {
	if size == "" {
		return task.Sizes
	}
	for i, s := range task.Sizes {
		if s == size {
			return task.Sizes[i:]
		}
	}
	return task.Sizes
}

// Load picks and loads a model for the request, returning the transcriber
// and the device it runs on. The request may be empty, meaning "largest
// allowed that fits".
func (m *ModelManager) Load(requested task.ModelSize) (Transcriber, task.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.DevelopMode {
		requested = task.ModelBase
	}

	// Clamp the request to the configured ceiling.
	if ceiling := m.maxModelToUse(); ceiling != "" {
		if requested == "" || sizeIndex(requested) < sizeIndex(ceiling) {
			requested = ceiling
		}
	}

	device := task.DeviceCPU
	var candidates []task.ModelSize

	if m.gpuMode {
		// Memory already claimed by the loaded model counts as available:
		// it can be evicted in favor of a better candidate.
		available := m.opts.Device.FreeMemory()
		if m.lastLoaded != "" {
			available += modelBudgets[m.lastLoaded]
		}
		for _, s := range sizesFrom(requested) {
			if modelBudgets[s] <= available {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) > 0 {
			device = task.DeviceGPU
		} else {
			m.log.Warn().Uint64("available", available).Msg("no model fits the device, falling back to cpu")
		}
	}

	if device == task.DeviceCPU {
		start := requested
		if start == "" {
			start = m.opts.CPUFallbackModel
		}
		candidates = sizesFrom(start)
	}

	// Reuse the held model when it already matches the selection.
	if m.model != nil {
		if requested != "" && m.lastLoaded == requested {
			return m.model, device, nil
		}
		if m.lastLoaded == candidates[0] {
			return m.model, device, nil
		}
		m.evictLocked()
	}

	for _, size := range candidates {
		model, err := m.opts.Loader.Load(size, device)
		if err != nil {
			if errors.Is(err, ErrOutOfMemory) {
				m.log.Warn().Str("size", string(size)).Msg("model too large for device, trying smaller")
				continue
			}
			m.log.Error().Err(err).Str("size", string(size)).Msg("model load failed, trying smaller")
			continue
		}
		m.model = model
		m.lastLoaded = size
		m.log.Info().Str("size", string(size)).Str("device", string(device)).Msg("model loaded")
		return model, device, nil
	}

	return nil, device, fmt.Errorf("%w (requested=%q, candidates=%v)", ErrOutOfMemory, requested, candidates)
}

// Evict drops the model reference and asks the device to release its
// cache. It is idempotent.
func (m *ModelManager) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
}

func (m *ModelManager) evictLocked() {
	if m.model == nil {
		return
	}
	m.log.Info().Str("size", string(m.lastLoaded)).Msg("unloading model")
	m.model = nil
	m.lastLoaded = ""
	m.opts.Device.ReleaseCache()
}
