package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of work a task asks for.
type Type string

const (
	TypeTranscribe Type = "transcribe"
	TypeTranslate  Type = "translate"
)

// Status is the lifecycle state of a task. Transitions are monotonic:
// pending -> processing -> finished|failed. Failed is terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further updates for the task will arrive.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// ModelSize names one of the whisper model checkpoints.
type ModelSize string

const (
	ModelLarge  ModelSize = "large"
	ModelMedium ModelSize = "medium"
	ModelSmall  ModelSize = "small"
	ModelBase   ModelSize = "base"
)

// Sizes lists all model sizes in descending memory order.
var Sizes = []ModelSize{ModelLarge, ModelMedium, ModelSmall, ModelBase}

// ParseModelSize validates a client- or env-supplied model size.
// Empty input is valid and means "no preference".
func ParseModelSize(s string) (ModelSize, error) {
	switch ModelSize(s) {
	case "", ModelLarge, ModelMedium, ModelSmall, ModelBase:
		return ModelSize(s), nil
	}
	return "", fmt.Errorf("unknown model size %q (want large|medium|small|base)", s)
}

// Device names the compute device a result was produced on.
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// Segment is one timed slice of a transcription.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"` // seconds from audio begin
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	// Optional token-level data, passed through untouched.
	Tokens []int `json:"tokens,omitempty"`
}

// WhisperResult is the successful output of one decode.
type WhisperResult struct {
	Text           string    `json:"text"`
	Language       string    `json:"language"`        // detected or declared source language
	OutputLanguage string    `json:"output_language"` // equals Language for transcribe, "en" for translate
	Segments       []Segment `json:"segments"`
	UsedModelSize  ModelSize `json:"used_model_size"`
	UsedDevice     Device    `json:"used_device"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

// ProcessingDuration is the wall-clock time inference took.
func (r *WhisperResult) ProcessingDuration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Task is one submitted unit of work. It is created by the front on upload
// and mutated only by decoder-emitted updates and the registry's TTL sweep.
type Task struct {
	UUID             string         `json:"uuid"`
	AudiofileName    string         `json:"audiofile_name"`
	OriginalFileName string         `json:"original_file_name"`
	TaskType         Type           `json:"task_type"`
	SourceLanguage   string         `json:"source_language,omitempty"`
	TargetModelSize  ModelSize      `json:"target_model_size,omitempty"`
	Status           Status         `json:"status"`
	PositionInQueue  int            `json:"position_in_queue"`
	TimeUploaded     time.Time      `json:"time_uploaded"`
	Result           *WhisperResult `json:"whisper_result,omitempty"`
	UsedDevice       Device         `json:"used_device,omitempty"`
}

// New creates a pending task for a staged audio file.
// originalName defaults to "unknown" when the client did not supply one.
func New(audiofileName, originalName string, taskType Type, sourceLanguage string, targetModel ModelSize) *Task {
	if originalName == "" {
		originalName = "unknown"
	}
	return &Task{
		UUID:             NewUUID(),
		AudiofileName:    audiofileName,
		OriginalFileName: originalName,
		TaskType:         taskType,
		SourceLanguage:   sourceLanguage,
		TargetModelSize:  targetModel,
		Status:           StatusPending,
		TimeUploaded:     time.Now(),
	}
}

// NewUUID returns an opaque 32-hex task identifier.
func NewUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToJSON serializes the task for the wire.
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON parses a task received over the wire.
func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if t.UUID == "" {
		return nil, fmt.Errorf("parse task: missing uuid")
	}
	return &t, nil
}
