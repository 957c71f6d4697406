package wire

import "github.com/snarg/whisper-api/internal/task"

// StatusPayload is the decoder's self-describing state snapshot, sent
// whenever the queue changes, the model loads or unloads, the mode
// changes, or a status request arrives.
type StatusPayload struct {
	GPUMode             bool           `json:"gpu_mode"`
	MaxModelToUse       task.ModelSize `json:"max_model_to_use,omitempty"`
	LastLoadedModelSize task.ModelSize `json:"last_loaded_model_size,omitempty"`
	IsModelLoaded       bool           `json:"is_model_loaded"`
	CurrentlyBusy       bool           `json:"currently_busy"`
	TasksInQueue        int            `json:"tasks_in_queue"`
	// QueueStatus maps task uuid to queue position (0 = processing).
	QueueStatus map[string]int `json:"queue_status"`
}

// LogPayload carries one structured log record from a child process to
// the main process's sink.
type LogPayload struct {
	Process string `json:"process"`
	// Record is one zerolog JSON line, without trailing newline.
	Record []byte `json:"record"`
}
