// Package scheduler owns the answer to "what should be downloading right
// now": a priority queue of persisted transfer tasks, a periodic tick that
// starts eligible work up to the concurrency ceiling, and the retry/backoff
// policy applied to executor failures.
package scheduler

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"fetchd/internal/limiter"
	"fetchd/internal/netmon"
	"fetchd/internal/store"
	"fetchd/internal/throttle"
	"fetchd/internal/transfer"
	"fetchd/model"
	"fetchd/utils"
)

// ErrBadState is returned when a control operation does not apply to the
// task's current status.
var ErrBadState = errors.New("scheduler: operation not valid in current state")

// Options configures the scheduler and the executor it drives.
type Options struct {
	MaxActive      int           // concurrency ceiling for active transfers
	Tick           time.Duration // scheduling tick cadence
	BackoffBase    time.Duration // retry delay base, doubled per retry
	BackoffCap     time.Duration // upper bound on the retry delay
	MaxRetries     int           // default attempt ceiling for new tasks
	ChunkSize      int64
	HTTPTimeout    time.Duration
	DeleteOnCancel bool             // discard the partial file on explicit cancel
	Policy         *transfer.Policy // nil disables source URL and size checks
}

func (o *Options) withDefaults() {
	if o.MaxActive <= 0 {
		o.MaxActive = 3
	}
	if o.Tick <= 0 {
		o.Tick = 2 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 5 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 10 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
}

// EnqueueRequest describes a new or updated task.
type EnqueueRequest struct {
	ID         string // optional; duplicate ids update the task in place
	SourceURL  string
	DestPath   string
	Priority   model.Priority
	NotBefore  *time.Time
	NetworkReq model.NetworkRequirement
	MaxRetries *int
}

type activeTransfer struct {
	id            string
	req           model.NetworkRequirement
	handle        *transfer.Handle
	cancel        context.CancelFunc
	userCancelled bool
	networkPaused bool
}

// Scheduler coordinates the queue, the executor pool and the task store.
type Scheduler struct {
	opts     Options
	limiter  *limiter.Limiter
	monitor  *netmon.Monitor
	executor *transfer.Executor
	events   *Broadcaster

	mu     sync.Mutex
	queue  *taskQueue
	active map[string]*activeTransfer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the scheduler to its shared collaborators. The limiter and
// throttle are single instances shared by every transfer; tests inject
// their own so timing is deterministic.
func New(opts Options, lim *limiter.Limiter, tb *throttle.Throttle, mon *netmon.Monitor) *Scheduler {
	opts.withDefaults()
	s := &Scheduler{
		opts:    opts,
		limiter: lim,
		monitor: mon,
		events:  NewBroadcaster(),
		queue:   newTaskQueue(),
		active:  make(map[string]*activeTransfer),
	}
	s.executor = transfer.New(tb, opts.Policy, opts.ChunkSize, opts.HTTPTimeout, s.onProgress)
	return s
}

// Events exposes the observation stream.
func (s *Scheduler) Events() *Broadcaster {
	return s.events
}

// Start recovers persisted state and launches the scheduling loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.recover(s.ctx); err != nil {
		return err
	}
	s.wg.Add(2)
	go s.tickLoop()
	go s.watchNetwork()
	s.startEligible()
	return nil
}

// Stop cancels every running transfer and waits for the loops to exit.
// Interrupted transfers are re-queued so a later start resumes them.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// recover handles the startup contract: tasks left active by a crash
// re-enter the queue, resuming from the partial temp file when it still
// exists and from zero otherwise. Queued tasks are simply re-loaded.
func (s *Scheduler) recover(ctx context.Context) error {
	actives, err := store.ListByStatus(ctx, model.StatusActive)
	if err != nil {
		return err
	}
	for i := range actives {
		t := &actives[i]
		if _, statErr := os.Stat(t.TempPath()); statErr != nil {
			t.BytesTransferred = 0
			if err := store.UpdateFields(ctx, t.ID, map[string]interface{}{"bytes_transferred": 0}); err != nil {
				return err
			}
		}
		if _, err := store.TransitionStatus(ctx, t.ID, []model.Status{model.StatusActive}, model.StatusQueued, nil); err != nil {
			return err
		}
		t.Status = model.StatusQueued
		s.push(t)
	}

	queued, err := store.ListByStatus(ctx, model.StatusQueued)
	if err != nil {
		return err
	}
	for i := range queued {
		s.push(&queued[i])
	}
	return nil
}

// Enqueue persists a task and inserts it into the priority queue. A known
// id updates the stored task in place; terminal tasks re-enter the queue
// with a fresh retry budget.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*model.TransferTask, error) {
	if req.SourceURL == "" {
		return nil, errors.New("scheduler: source url required")
	}
	if req.DestPath == "" {
		return nil, errors.New("scheduler: destination path required")
	}
	if s.opts.Policy != nil {
		if _, err := s.opts.Policy.ValidateURL(req.SourceURL); err != nil {
			return nil, err
		}
	}
	if !req.Priority.Valid() {
		req.Priority = model.PriorityNormal
	}
	if !req.NetworkReq.Valid() {
		req.NetworkReq = model.NetworkAny
	}
	maxRetries := s.opts.MaxRetries
	if req.MaxRetries != nil && *req.MaxRetries > 0 {
		maxRetries = *req.MaxRetries
	}

	if req.ID != "" {
		if existing, err := store.Get(ctx, req.ID); err == nil {
			return s.updateInPlace(ctx, existing, req, maxRetries)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	task := &model.TransferTask{
		ID:         req.ID,
		SourceURL:  req.SourceURL,
		DestPath:   req.DestPath,
		TotalSize:  model.SizeUnknown,
		Status:     model.StatusQueued,
		Priority:   req.Priority,
		NotBefore:  req.NotBefore,
		NetworkReq: req.NetworkReq,
		MaxRetries: maxRetries,
	}
	if task.ID == "" {
		task.ID = utils.GetToken()
	}
	if err := store.Create(ctx, task); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pushLocked(task)
	s.mu.Unlock()
	s.publish(task, 0, -1)
	s.startEligible()
	return task, nil
}

func (s *Scheduler) updateInPlace(ctx context.Context, task *model.TransferTask, req EnqueueRequest, maxRetries int) (*model.TransferTask, error) {
	task.SourceURL = req.SourceURL
	task.DestPath = req.DestPath
	task.Priority = req.Priority
	task.NotBefore = req.NotBefore
	task.NetworkReq = req.NetworkReq
	task.MaxRetries = maxRetries
	if task.Status.IsTerminal() {
		task.Status = model.StatusQueued
		task.RetryCount = 0
		task.ErrorCategory = ""
		task.ErrorMsg = ""
	}
	if err := store.Save(ctx, task); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, running := s.active[task.ID]; !running && task.Status == model.StatusQueued {
		s.pushLocked(task)
	}
	s.mu.Unlock()
	s.publish(task, 0, -1)
	s.startEligible()
	return task, nil
}

// Remove cancels a task. An active transfer is aborted cooperatively; a
// queued or paused one is dropped from the queue and marked cancelled.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if at, ok := s.active[id]; ok {
		at.userCancelled = true
		s.mu.Unlock()
		at.cancel()
		return nil
	}
	s.queue.remove(id)
	s.mu.Unlock()

	task, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	ok, err := store.TransitionStatus(ctx, id,
		[]model.Status{model.StatusQueued, model.StatusPaused, model.StatusFailed}, model.StatusCancelled, nil)
	if err != nil {
		return err
	}
	if !ok {
		if task.Status == model.StatusCancelled {
			return nil
		}
		return ErrBadState
	}
	s.cleanupPartial(task)
	task.Status = model.StatusCancelled
	s.publish(task, 0, -1)
	return nil
}

// Pause stops a task after its current chunk, keeping the partial file and
// persisted offset for a later resume.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	if at, ok := s.active[id]; ok {
		at.handle.Pause()
		s.mu.Unlock()
		return nil
	}
	s.queue.remove(id)
	s.mu.Unlock()

	ok, err := store.TransitionStatus(ctx, id, []model.Status{model.StatusQueued}, model.StatusPaused, nil)
	if err != nil {
		return err
	}
	if ok {
		if task, getErr := store.Get(ctx, id); getErr == nil {
			s.publish(task, 0, -1)
		}
		return nil
	}
	task, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == model.StatusPaused {
		return nil
	}
	return ErrBadState
}

// Resume re-queues a paused task.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	ok, err := store.TransitionStatus(ctx, id, []model.Status{model.StatusPaused}, model.StatusQueued, nil)
	if err != nil {
		return err
	}
	if !ok {
		task, getErr := store.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if task.Status == model.StatusQueued || task.Status == model.StatusActive {
			return nil
		}
		return ErrBadState
	}
	task, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.push(task)
	s.publish(task, 0, -1)
	s.startEligible()
	return nil
}

// Retry manually re-queues a terminally failed task with a fresh budget.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	ok, err := store.TransitionStatus(ctx, id, []model.Status{model.StatusFailed}, model.StatusQueued,
		map[string]interface{}{
			"retry_count":    0,
			"not_before":     nil,
			"error_category": "",
			"error_msg":      "",
		})
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadState
	}
	task, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.push(task)
	s.publish(task, 0, -1)
	s.startEligible()
	return nil
}

// PauseAll pauses every queued and active task.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active)+s.queue.Len())
	for id := range s.active {
		ids = append(ids, id)
	}
	for id := range s.queue.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Pause(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ResumeAll re-queues every paused task.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	paused, err := store.ListByStatus(ctx, model.StatusPaused)
	if err != nil {
		return err
	}
	var firstErr error
	for i := range paused {
		if err := s.Resume(ctx, paused[i].ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetPriority re-sorts a queued task; an active transfer keeps running and
// only future scheduling sees the new tier.
func (s *Scheduler) SetPriority(ctx context.Context, id string, p model.Priority) error {
	if !p.Valid() {
		return errors.New("scheduler: unknown priority")
	}
	if err := store.UpdateFields(ctx, id, map[string]interface{}{"priority": p}); err != nil {
		return err
	}
	s.mu.Lock()
	s.queue.reprioritize(id, p.Rank())
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.startEligible()
		}
	}
}

// watchNetwork pauses active transfers whose network requirement the new
// class violates. They re-enter the queue rather than user-paused state,
// so they restart on their own once conditions allow again.
func (s *Scheduler) watchNetwork() {
	defer s.wg.Done()
	ch, cancel := s.monitor.Subscribe()
	defer cancel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case class := <-ch:
			s.mu.Lock()
			for _, at := range s.active {
				if !class.Satisfies(at.req) {
					at.networkPaused = true
					at.handle.Pause()
				}
			}
			s.mu.Unlock()
			s.startEligible()
		}
	}
}

// startEligible starts queued tasks in priority order until the ceiling is
// reached. Tasks whose not-before lies ahead or whose network requirement
// the current class violates stay queued for a later tick.
func (s *Scheduler) startEligible() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	now := time.Now()
	class := s.monitor.Current()

	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.opts.MaxActive - len(s.active)
	if slots <= 0 {
		return
	}
	taken := s.queue.take(func(item *queueItem) (bool, bool) {
		if item.notBefore.After(now) || !class.Satisfies(item.networkReq) {
			return false, false
		}
		slots--
		return true, slots == 0
	})
	for _, item := range taken {
		rctx, cancel := context.WithCancel(s.ctx)
		at := &activeTransfer{
			id:     item.id,
			req:    item.networkReq,
			handle: &transfer.Handle{},
			cancel: cancel,
		}
		s.active[item.id] = at
		s.wg.Add(1)
		go s.runTask(rctx, at)
	}
}

func (s *Scheduler) runTask(ctx context.Context, at *activeTransfer) {
	defer s.wg.Done()
	defer at.cancel()

	ok, err := store.TransitionStatus(ctx, at.id, []model.Status{model.StatusQueued}, model.StatusActive, nil)
	if err != nil || !ok {
		// Paused or cancelled between selection and start.
		s.dropActive(at.id)
		return
	}
	task, err := store.Get(ctx, at.id)
	if err != nil {
		log.Printf("scheduler: load task %s failed: %v", at.id, err)
		s.dropActive(at.id)
		return
	}
	task.Status = model.StatusActive
	s.publish(task, 0, -1)

	if err := s.limiter.Acquire(ctx); err != nil {
		s.finish(at, task, err)
		return
	}
	runErr := s.executor.Run(ctx, task, at.handle)
	s.limiter.Release()
	s.finish(at, task, runErr)
}

func (s *Scheduler) dropActive(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// finish applies the outcome of one executor run: completion, pause,
// cancellation, a backoff-delayed retry, or terminal failure.
func (s *Scheduler) finish(at *activeTransfer, task *model.TransferTask, runErr error) {
	s.dropActive(at.id)
	ctx := context.Background()

	switch {
	case runErr == nil:
		task.Status = model.StatusCompleted
		if _, err := store.TransitionStatus(ctx, at.id, []model.Status{model.StatusActive}, model.StatusCompleted,
			map[string]interface{}{
				"bytes_transferred": task.BytesTransferred,
				"total_size":        task.TotalSize,
				"error_category":    "",
				"error_msg":         "",
			}); err != nil {
			log.Printf("scheduler: complete %s failed: %v", at.id, err)
		}
		s.publish(task, 0, 0)

	case errors.Is(runErr, transfer.ErrPaused):
		to := model.StatusPaused
		if at.networkPaused {
			to = model.StatusQueued
		}
		task.Status = to
		if _, err := store.TransitionStatus(ctx, at.id, []model.Status{model.StatusActive}, to, nil); err != nil {
			log.Printf("scheduler: pause %s failed: %v", at.id, err)
		}
		if to == model.StatusQueued {
			s.push(task)
		}
		s.publish(task, 0, -1)

	default:
		terr := transfer.Classify(runErr)
		if terr.Category == transfer.CategoryCancelled {
			s.finishCancelled(ctx, at, task)
			break
		}
		if terr.Retryable() && task.RetryCount+1 < task.MaxRetries {
			s.scheduleRetry(ctx, task, terr)
			break
		}
		category := string(terr.Category)
		if terr.Retryable() {
			category = string(transfer.CategoryExhaustedRetries)
		}
		task.Status = model.StatusFailed
		task.ErrorCategory = category
		task.ErrorMsg = terr.Error()
		if err := store.MarkFailed(ctx, at.id, category, terr.Error()); err != nil {
			log.Printf("scheduler: mark failed %s failed: %v", at.id, err)
		}
		s.publish(task, 0, -1)
	}

	s.startEligible()
}

// finishCancelled distinguishes an explicit Remove from a scheduler
// shutdown: the former is terminal, the latter re-queues so the next start
// resumes from the persisted offset.
func (s *Scheduler) finishCancelled(ctx context.Context, at *activeTransfer, task *model.TransferTask) {
	if !at.userCancelled {
		task.Status = model.StatusQueued
		if _, err := store.TransitionStatus(ctx, at.id, []model.Status{model.StatusActive}, model.StatusQueued, nil); err != nil {
			log.Printf("scheduler: requeue %s failed: %v", at.id, err)
		}
		return
	}
	task.Status = model.StatusCancelled
	if _, err := store.TransitionStatus(ctx, at.id, []model.Status{model.StatusActive}, model.StatusCancelled, nil); err != nil {
		log.Printf("scheduler: cancel %s failed: %v", at.id, err)
	}
	s.cleanupPartial(task)
	s.publish(task, 0, -1)
}

func (s *Scheduler) scheduleRetry(ctx context.Context, task *model.TransferTask, terr *transfer.Error) {
	delay := backoffDelay(s.opts.BackoffBase, s.opts.BackoffCap, task.RetryCount)
	now := time.Now()
	notBefore := now.Add(delay)

	task.RetryCount++
	task.LastRetryAt = &now
	task.NotBefore = &notBefore
	task.Status = model.StatusQueued
	task.ErrorCategory = string(terr.Category)
	task.ErrorMsg = terr.Error()

	if _, err := store.TransitionStatus(ctx, task.ID, []model.Status{model.StatusActive}, model.StatusQueued,
		map[string]interface{}{
			"retry_count":    task.RetryCount,
			"last_retry_at":  &now,
			"not_before":     &notBefore,
			"error_category": task.ErrorCategory,
			"error_msg":      task.ErrorMsg,
		}); err != nil {
		log.Printf("scheduler: schedule retry %s failed: %v", task.ID, err)
	}
	s.push(task)
	s.publish(task, 0, -1)
}

// backoffDelay computes base * 2^retryCount, capped.
func backoffDelay(base, cap time.Duration, retryCount int) time.Duration {
	if retryCount > 30 {
		return cap
	}
	d := base << uint(retryCount)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

func (s *Scheduler) cleanupPartial(task *model.TransferTask) {
	if !s.opts.DeleteOnCancel {
		return
	}
	if err := os.Remove(task.TempPath()); err != nil && !os.IsNotExist(err) {
		log.Printf("scheduler: remove partial for %s failed: %v", task.ID, err)
	}
}

func (s *Scheduler) push(task *model.TransferTask) {
	s.mu.Lock()
	s.pushLocked(task)
	s.mu.Unlock()
}

func (s *Scheduler) pushLocked(task *model.TransferTask) {
	notBefore := time.Time{}
	if task.NotBefore != nil {
		notBefore = *task.NotBefore
	}
	s.queue.add(&queueItem{
		id:         task.ID,
		rank:       task.Priority.Rank(),
		notBefore:  notBefore,
		createdAt:  task.CreatedAt,
		networkReq: task.NetworkReq,
	})
}

func (s *Scheduler) onProgress(p transfer.Progress) {
	s.events.Publish(Event{
		TaskID: p.TaskID,
		Status: model.StatusActive,
		Bytes:  p.Bytes,
		Total:  p.Total,
		Speed:  p.Speed,
		ETASec: p.ETASec,
	})
}

func (s *Scheduler) publish(task *model.TransferTask, speed float64, eta int64) {
	s.events.Publish(Event{
		TaskID:        task.ID,
		Status:        task.Status,
		Bytes:         task.BytesTransferred,
		Total:         task.TotalSize,
		Speed:         speed,
		ETASec:        eta,
		ErrorCategory: task.ErrorCategory,
		ErrorMsg:      task.ErrorMsg,
	})
}
