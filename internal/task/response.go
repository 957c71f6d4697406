package task

import "time"

// Response is the JSON projection of a task returned by the HTTP API.
// It is a distinct type, not a reshape of Task: terminal fields are only
// populated once the task actually carries a result.
type Response struct {
	TaskID                 string     `json:"task_id"`
	TaskType               Type       `json:"task_type"`
	Status                 Status     `json:"status"`
	TimeUploaded           time.Time  `json:"time_uploaded"`
	Transcript             string     `json:"transcript,omitempty"`
	SourceLanguage         string     `json:"source_language,omitempty"`
	PositionInQueue        *int       `json:"position_in_queue,omitempty"`
	ProcessingDuration     float64    `json:"processing_duration,omitempty"` // seconds
	TimeProcessingFinished *time.Time `json:"time_processing_finished,omitempty"`
	TargetModelSize        ModelSize  `json:"target_model_size,omitempty"`
	UsedModelSize          ModelSize  `json:"used_model_size,omitempty"`
	UsedDevice             Device     `json:"used_device,omitempty"`
}

// ToResponse builds the API projection of the task's current state.
func (t *Task) ToResponse() Response {
	resp := Response{
		TaskID:          t.UUID,
		TaskType:        t.TaskType,
		Status:          t.Status,
		TimeUploaded:    t.TimeUploaded,
		SourceLanguage:  t.SourceLanguage,
		TargetModelSize: t.TargetModelSize,
	}

	// Position is only meaningful while the task is still in the decoder.
	if t.Status == StatusPending || t.Status == StatusProcessing {
		pos := t.PositionInQueue
		resp.PositionInQueue = &pos
	}

	if t.Result != nil {
		resp.Transcript = t.Result.Text
		resp.SourceLanguage = t.Result.Language
		resp.ProcessingDuration = t.Result.ProcessingDuration().Seconds()
		finished := t.Result.EndTime
		resp.TimeProcessingFinished = &finished
		resp.UsedModelSize = t.Result.UsedModelSize
		resp.UsedDevice = t.Result.UsedDevice
	} else if t.UsedDevice != "" {
		resp.UsedDevice = t.UsedDevice
	}

	return resp
}
