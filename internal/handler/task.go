package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"fetchd/config"
	"fetchd/internal/dto"
	"fetchd/internal/netmon"
	"fetchd/internal/scheduler"
	"fetchd/internal/store"
	"fetchd/internal/throttle"
	"fetchd/model"
	"fetchd/utils"

	"github.com/gin-gonic/gin"
)

var (
	sched     *scheduler.Scheduler
	monitor   *netmon.Monitor
	throttler *throttle.Throttle
)

// Init wires the handlers to the engine singletons.
func Init(s *scheduler.Scheduler, m *netmon.Monitor, t *throttle.Throttle) {
	sched = s
	monitor = m
	throttler = t
}

// EnqueueTask creates or updates a transfer task.
func EnqueueTask(c *gin.Context) {
	var req dto.EnqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	// Relative destinations land under the configured download directory.
	dest := req.DestPath
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(config.AppConfig.DownloadDir, dest)
	}
	task, err := sched.Enqueue(c.Request.Context(), scheduler.EnqueueRequest{
		ID:         req.ID,
		SourceURL:  req.URL,
		DestPath:   dest,
		Priority:   model.Priority(req.Priority),
		NotBefore:  req.NotBefore,
		NetworkReq: model.NetworkRequirement(req.NetworkReq),
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.EnqueueTaskResponse{TaskID: task.ID})
}

func controlHandler(do func(c *gin.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dto.TaskIDRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := do(c, req.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			utils.Fail(c, err)
			return
		}
		utils.Success(c, nil)
	}
}

// PauseTask stops a task after its current chunk.
var PauseTask = controlHandler(func(c *gin.Context, id string) error {
	return sched.Pause(c.Request.Context(), id)
})

// ResumeTask re-queues a paused task.
var ResumeTask = controlHandler(func(c *gin.Context, id string) error {
	return sched.Resume(c.Request.Context(), id)
})

// CancelTask cancels a task and, per policy, discards its partial file.
var CancelTask = controlHandler(func(c *gin.Context, id string) error {
	return sched.Remove(c.Request.Context(), id)
})

// RetryTask manually re-queues a terminally failed task.
var RetryTask = controlHandler(func(c *gin.Context, id string) error {
	return sched.Retry(c.Request.Context(), id)
})

// PauseAllTasks pauses every queued and active task.
func PauseAllTasks(c *gin.Context) {
	if err := sched.PauseAll(c.Request.Context()); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}

// ResumeAllTasks resumes every paused task.
func ResumeAllTasks(c *gin.Context) {
	if err := sched.ResumeAll(c.Request.Context()); err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}

// SetTaskPriority re-sorts a queued task without interrupting active ones.
func SetTaskPriority(c *gin.Context) {
	var req dto.SetPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sched.SetPriority(c.Request.Context(), req.ID, model.Priority(req.Priority)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		utils.Fail(c, err)
		return
	}
	utils.Success(c, nil)
}

// GetTask returns one task record.
func GetTask(c *gin.Context) {
	task, err := store.Get(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		utils.Fail(c, err)
		return
	}
	utils.Success(c, task)
}

// ListTasks returns all tasks, optionally filtered by status.
func ListTasks(c *gin.Context) {
	status := model.Status(c.Query("status"))
	var (
		tasks []model.TransferTask
		err   error
	)
	if status == "" {
		tasks, err = store.ListAll(c.Request.Context())
	} else {
		tasks, err = store.ListByStatus(c.Request.Context(), status)
	}
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, tasks)
}

// PurgeTasks removes terminal task records older than the given age.
func PurgeTasks(c *gin.Context) {
	var req dto.PurgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	age := time.Duration(0)
	if req.OlderThan != "" {
		parsed, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than: " + err.Error()})
			return
		}
		age = parsed
	}
	removed, err := store.PurgeTerminalBefore(c.Request.Context(), time.Now().Add(-age))
	if err != nil {
		utils.Fail(c, err)
		return
	}
	utils.Success(c, dto.PurgeResponse{Removed: removed})
}

// StreamEvents streams progress tuples to the presentation layer as
// server-sent events until the client disconnects.
func StreamEvents(c *gin.Context) {
	ch, cancel := sched.Events().Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-ch:
			c.SSEvent("progress", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
