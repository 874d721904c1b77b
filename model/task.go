package model

import "time"

// Status is the lifecycle state of a transfer task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further scheduling can happen from s.
// A failed task is terminal too, but may be re-queued by a manual retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// IsActive reports whether the executor currently owns the task.
func (s Status) IsActive() bool {
	return s == StatusActive
}

// Priority orders tasks in the scheduler queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a sortable tier; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// NetworkRequirement restricts which network classes a task may run on.
type NetworkRequirement string

const (
	NetworkAny       NetworkRequirement = "any"
	NetworkUnmetered NetworkRequirement = "unmetered"
	NetworkLocal     NetworkRequirement = "local"
)

// Valid reports whether r is a known requirement.
func (r NetworkRequirement) Valid() bool {
	switch r {
	case NetworkAny, NetworkUnmetered, NetworkLocal:
		return true
	}
	return false
}

// SizeUnknown marks a total size the server has not reported yet.
const SizeUnknown int64 = -1

// TransferTask is the persisted unit of work: one file acquired from a
// single HTTP(S) source. The scheduler owns status and scheduling fields;
// the executor owns the byte-progress fields while the task is active.
type TransferTask struct {
	ID string `gorm:"primaryKey;type:varchar(64)" json:"id"`

	SourceURL string `gorm:"column:source_url;type:text;not null" json:"source_url"`
	DestPath  string `gorm:"column:dest_path;type:text;not null" json:"dest_path"`

	TotalSize        int64 `gorm:"column:total_size;default:-1" json:"total_size"`
	BytesTransferred int64 `gorm:"column:bytes_transferred;default:0" json:"bytes_transferred"`

	Status     Status             `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	Priority   Priority           `gorm:"column:priority;type:varchar(8);not null" json:"priority"`
	NotBefore  *time.Time         `gorm:"column:not_before" json:"not_before,omitempty"`
	NetworkReq NetworkRequirement `gorm:"column:network_req;type:varchar(16);not null" json:"network_req"`

	RetryCount  int        `gorm:"column:retry_count;default:0" json:"retry_count"`
	LastRetryAt *time.Time `gorm:"column:last_retry_at" json:"last_retry_at,omitempty"`
	MaxRetries  int        `gorm:"column:max_retries;default:5" json:"max_retries"`

	ErrorCategory string `gorm:"column:error_category;type:varchar(32)" json:"error_category,omitempty"`
	ErrorMsg      string `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (TransferTask) TableName() string {
	return "transfer_task"
}

// TempPath is the sibling file partial downloads are written to. The
// destination name only ever exists once the transfer is complete.
func (t *TransferTask) TempPath() string {
	return t.DestPath + ".part"
}

// Remaining returns the bytes still to fetch, or SizeUnknown.
func (t *TransferTask) Remaining() int64 {
	if t.TotalSize < 0 {
		return SizeUnknown
	}
	if t.BytesTransferred >= t.TotalSize {
		return 0
	}
	return t.TotalSize - t.BytesTransferred
}
