// Package transfer moves bytes for a single task from its HTTP(S) source to
// the destination path, resumably. Partial data lives in a sibling .part
// file; the destination name appears only after a completed rename, so a
// half-written file can never be mistaken for a finished download.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"fetchd/internal/store"
	"fetchd/internal/throttle"
	"fetchd/model"

	"golang.org/x/net/context"
)

// ErrPaused is returned when a pause request stops the chunk loop. The
// partial file and persisted offset stay intact for a later resume.
var ErrPaused = errors.New("transfer: paused")

// emaAlpha weights the newest chunk in the moving speed average.
const emaAlpha = 0.3

// Progress is one per-chunk progress sample.
type Progress struct {
	TaskID string
	Bytes  int64
	Total  int64   // model.SizeUnknown until the first response reports it
	Speed  float64 // bytes per second, exponential moving average
	ETASec int64   // -1 when speed is zero or total size is unknown
}

// Handle lets the scheduler ask a running transfer to stop after the
// current chunk. Cancellation goes through the run context instead.
type Handle struct {
	pause atomic.Bool
}

// Pause requests a cooperative stop; checked between chunks.
func (h *Handle) Pause() {
	h.pause.Store(true)
}

// PauseRequested reports whether a pause has been asked for.
func (h *Handle) PauseRequested() bool {
	return h.pause.Load()
}

// Executor streams one task's bytes through the shared bandwidth throttle.
type Executor struct {
	client     *http.Client
	throttle   *throttle.Throttle
	policy     *Policy
	chunkSize  int64
	onProgress func(Progress)
}

// New builds an executor. The timeout bounds connect, TLS handshake and
// response headers per request; read stalls end when the run context does.
func New(tb *throttle.Throttle, policy *Policy, chunkSize int64, timeout time.Duration, onProgress func(Progress)) *Executor {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
	if policy != nil {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if _, err := policy.ValidateURL(req.URL.String()); err != nil {
				return policyError(err)
			}
			return nil
		}
	}
	return &Executor{
		client:     client,
		throttle:   tb,
		policy:     policy,
		chunkSize:  chunkSize,
		onProgress: onProgress,
	}
}

// Run downloads the task until completion, pause, cancellation or failure.
// A 416 from the server means the resume offset is no longer valid; the
// partial file is discarded and the transfer restarts from zero once
// without involving the scheduler's retry budget.
func (e *Executor) Run(ctx context.Context, task *model.TransferTask, h *Handle) error {
	restarted := false
	for {
		err := e.runOnce(ctx, task, h)
		var terr *Error
		if errors.As(err, &terr) && terr.Category == CategoryRangeUnsat && !restarted {
			restarted = true
			if rmErr := os.Remove(task.TempPath()); rmErr != nil && !os.IsNotExist(rmErr) {
				return localIOError(rmErr)
			}
			task.BytesTransferred = 0
			continue
		}
		return err
	}
}

func (e *Executor) runOnce(ctx context.Context, task *model.TransferTask, h *Handle) error {
	tempPath := task.TempPath()

	// The temp file is the authority on how much is already on disk; the
	// persisted counter may trail it by up to one chunk after a crash.
	offset := int64(0)
	if fi, err := os.Stat(tempPath); err == nil {
		offset = fi.Size()
	}
	task.BytesTransferred = offset

	if err := os.MkdirAll(filepath.Dir(task.DestPath), 0o755); err != nil {
		return localIOError(err)
	}
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return localIOError(err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.SourceURL, nil)
	if err != nil {
		return networkError(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Classify(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Server ignored the range header; start over on the same file.
		if offset > 0 {
			if err := f.Truncate(0); err != nil {
				return localIOError(err)
			}
			offset = 0
			task.BytesTransferred = 0
		}
	case http.StatusRequestedRangeNotSatisfiable:
		return &Error{Category: CategoryRangeUnsat, StatusCode: resp.StatusCode}
	default:
		return httpError(resp.StatusCode)
	}

	total := model.SizeUnknown
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	if e.policy != nil && e.policy.MaxContentBytes > 0 {
		if total < 0 {
			return policyError(fmt.Errorf("content length unknown with a size cap of %d bytes", e.policy.MaxContentBytes))
		}
		if total > e.policy.MaxContentBytes {
			return policyError(fmt.Errorf("content size %d exceeds the cap of %d bytes", total, e.policy.MaxContentBytes))
		}
	}
	task.TotalSize = total
	e.flush(ctx, task.ID, offset, total)
	e.report(task, 0)

	buf := make([]byte, e.chunkSize)
	bytes := offset
	speed := 0.0
	lastChunk := time.Now()

	for {
		if ctx.Err() != nil {
			return Classify(ctx.Err())
		}
		if h != nil && h.PauseRequested() {
			return ErrPaused
		}

		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return localIOError(werr)
			}
			bytes += int64(n)
			if total >= 0 && bytes > total {
				return networkError(fmt.Errorf("server sent %d bytes past the expected total %d", bytes-total, total))
			}
			if e.throttle != nil {
				if terr := e.throttle.Consume(ctx, int64(n)); terr != nil {
					return Classify(terr)
				}
			}

			now := time.Now()
			if elapsed := now.Sub(lastChunk).Seconds(); elapsed > 0 {
				inst := float64(n) / elapsed
				if speed == 0 {
					speed = inst
				} else {
					speed = emaAlpha*inst + (1-emaAlpha)*speed
				}
			}
			lastChunk = now

			task.BytesTransferred = bytes
			e.flush(ctx, task.ID, bytes, total)
			e.report(task, speed)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			if total >= 0 && bytes < total {
				return networkError(fmt.Errorf("connection closed at %d of %d bytes", bytes, total))
			}
			break
		}
		if rerr != nil {
			return Classify(rerr)
		}
	}

	if err := f.Sync(); err != nil {
		return localIOError(err)
	}
	if err := f.Close(); err != nil {
		return localIOError(err)
	}
	if err := os.Rename(tempPath, task.DestPath); err != nil {
		return localIOError(err)
	}
	if total < 0 {
		task.TotalSize = bytes
		e.flush(ctx, task.ID, bytes, bytes)
	}
	e.report(task, speed)
	return nil
}

func (e *Executor) flush(ctx context.Context, id string, bytes, total int64) {
	if err := store.FlushProgress(ctx, id, bytes, total); err != nil {
		log.Printf("transfer: flush progress for %s failed: %v", id, err)
	}
}

func (e *Executor) report(task *model.TransferTask, speed float64) {
	if e.onProgress == nil {
		return
	}
	eta := int64(-1)
	if speed > 0 && task.TotalSize >= 0 {
		remaining := task.TotalSize - task.BytesTransferred
		if remaining < 0 {
			remaining = 0
		}
		eta = int64(float64(remaining) / speed)
	}
	e.onProgress(Progress{
		TaskID: task.ID,
		Bytes:  task.BytesTransferred,
		Total:  task.TotalSize,
		Speed:  speed,
		ETASec: eta,
	})
}
