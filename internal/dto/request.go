package dto

import "time"

// EnqueueTaskRequest creates a transfer task. Supplying a known id updates
// that task in place instead of creating a duplicate.
type EnqueueTaskRequest struct {
	ID         string     `json:"id"`
	URL        string     `json:"url" binding:"required"`
	DestPath   string     `json:"dest_path" binding:"required"`
	Priority   string     `json:"priority"`
	NotBefore  *time.Time `json:"not_before"`
	NetworkReq string     `json:"network_req"`
	MaxRetries *int       `json:"max_retries"`
}

type TaskIDRequest struct {
	ID string `json:"id" binding:"required"`
}

type SetPriorityRequest struct {
	ID       string `json:"id" binding:"required"`
	Priority string `json:"priority" binding:"required"`
}

type NetworkClassRequest struct {
	Class string `json:"class" binding:"required"`
}

// ThrottleRequest adjusts the shared bandwidth throttle at runtime.
type ThrottleRequest struct {
	Rate   *float64 `json:"rate"`
	Burst  *int     `json:"burst"`
	Paused *bool    `json:"paused"`
}

type PurgeRequest struct {
	OlderThan string `json:"older_than"`
}
