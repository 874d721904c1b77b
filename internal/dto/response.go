package dto

// EnqueueTaskResponse returns the id of the created or updated task.
type EnqueueTaskResponse struct {
	TaskID string `json:"task_id"`
}

type PurgeResponse struct {
	Removed int64 `json:"removed"`
}

type ThrottleResponse struct {
	Rate   float64 `json:"rate"`
	Paused bool    `json:"paused"`
}
