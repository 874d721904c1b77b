package scheduler

import (
	"bytes"
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fetchd/internal/limiter"
	"fetchd/internal/netmon"
	"fetchd/internal/repo"
	"fetchd/internal/store"
	"fetchd/internal/throttle"
	"fetchd/model"
	"fetchd/utils"
)

// TestMain sets up the test environment.
func TestMain(m *testing.M) {
	repo.InitSqliteTest()
	os.Exit(m.Run())
}

func clearTasks(t *testing.T) {
	t.Helper()
	if err := repo.Db.Exec("DELETE FROM transfer_task").Error; err != nil {
		t.Fatal(err)
	}
}

func testOptions() Options {
	return Options{
		MaxActive:      3,
		Tick:           20 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffCap:     50 * time.Millisecond,
		MaxRetries:     5,
		ChunkSize:      16 * 1024,
		HTTPTimeout:    5 * time.Second,
		DeleteOnCancel: true,
	}
}

func newTestScheduler(t *testing.T, opts Options, mon *netmon.Monitor) *Scheduler {
	t.Helper()
	if mon == nil {
		mon = netmon.NewMonitor(netmon.ClassUnmetered)
	}
	s := New(opts, limiter.New(8, 0), throttle.New(0, 1<<20), mon)
	return s
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
}

func waitStatus(t *testing.T, id string, status model.Status, timeout time.Duration) *model.TransferTask {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task, err := store.Get(context.Background(), id)
		if err == nil && task.Status == status {
			return task
		}
		if time.Now().After(deadline) {
			got := model.Status("missing")
			if err == nil {
				got = task.Status
			}
			t.Fatalf("task %s did not reach %s (currently %s)", id, status, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(7))
	rng.Read(buf)
	return buf
}

// slowReader throttles ServeContent so transfers stay active long enough
// for control operations to land.
type slowReader struct {
	*bytes.Reader
	chunk int
	delay time.Duration
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(p) > r.chunk {
		p = p[:r.chunk]
	}
	time.Sleep(r.delay)
	return r.Reader.Read(p)
}

func contentServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Unix(0, 0), bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func slowContentServer(t *testing.T, content []byte, chunk int, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Unix(0, 0),
			&slowReader{Reader: bytes.NewReader(content), chunk: chunk, delay: delay})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func destPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "file.bin")
}

func TestScheduler_DownloadsTask(t *testing.T) {
	clearTasks(t)
	content := randomBytes(96 * 1024)
	srv := contentServer(t, content)

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	task, err := s.Enqueue(context.Background(), EnqueueRequest{
		SourceURL: srv.URL,
		DestPath:  destPath(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := waitStatus(t, task.ID, model.StatusCompleted, 5*time.Second)
	if done.BytesTransferred != int64(len(content)) {
		t.Errorf("bytes = %d", done.BytesTransferred)
	}
	got, err := os.ReadFile(task.DestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs")
	}
}

func TestScheduler_PriorityOrderCeilingOne(t *testing.T) {
	clearTasks(t)
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.MaxActive = 1
	s := newTestScheduler(t, opts, nil)

	ctx := context.Background()
	var ids []string
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityNormal, model.PriorityHigh} {
		task, err := s.Enqueue(ctx, EnqueueRequest{
			SourceURL: srv.URL + "/" + string(p),
			DestPath:  filepath.Join(t.TempDir(), string(p)+".bin"),
			Priority:  p,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, task.ID)
	}

	startScheduler(t, s)
	for _, id := range ids {
		waitStatus(t, id, model.StatusCompleted, 5*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/high", "/normal", "/low"}
	if len(order) != len(want) {
		t.Fatalf("requests = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("start order = %v, expected %v", order, want)
		}
	}
}

func TestScheduler_RemovedHighYieldsToNormal(t *testing.T) {
	clearTasks(t)
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.MaxActive = 1
	s := newTestScheduler(t, opts, nil)

	ctx := context.Background()
	high, err := s.Enqueue(ctx, EnqueueRequest{
		SourceURL: srv.URL + "/high", DestPath: filepath.Join(t.TempDir(), "h.bin"), Priority: model.PriorityHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	normal, err := s.Enqueue(ctx, EnqueueRequest{
		SourceURL: srv.URL + "/normal", DestPath: filepath.Join(t.TempDir(), "n.bin"), Priority: model.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(ctx, high.ID); err != nil {
		t.Fatal(err)
	}
	startScheduler(t, s)
	waitStatus(t, normal.ID, model.StatusCompleted, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) == 0 || order[0] != "/normal" {
		t.Fatalf("start order = %v, expected normal first", order)
	}
	removed, err := store.Get(ctx, high.ID)
	if err != nil {
		t.Fatal(err)
	}
	if removed.Status != model.StatusCancelled {
		t.Errorf("removed task status = %s", removed.Status)
	}
}

func TestScheduler_RetriesThenFailsTerminally(t *testing.T) {
	clearTasks(t)
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	maxRetries := 5
	task, err := s.Enqueue(context.Background(), EnqueueRequest{
		SourceURL:  srv.URL,
		DestPath:   destPath(t),
		MaxRetries: &maxRetries,
	})
	if err != nil {
		t.Fatal(err)
	}

	failed := waitStatus(t, task.ID, model.StatusFailed, 10*time.Second)
	if failed.ErrorCategory != "exhausted_retries" {
		t.Errorf("category = %s", failed.ErrorCategory)
	}

	// Give a stray extra attempt time to show up, then count.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != maxRetries {
		t.Errorf("attempts = %d, expected %d", attempts, maxRetries)
	}
}

func TestScheduler_NonRetryableFailsImmediately(t *testing.T) {
	clearTasks(t)
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	task, err := s.Enqueue(context.Background(), EnqueueRequest{
		SourceURL: srv.URL,
		DestPath:  destPath(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	failed := waitStatus(t, task.ID, model.StatusFailed, 5*time.Second)
	if failed.ErrorCategory != "http" {
		t.Errorf("category = %s", failed.ErrorCategory)
	}
	if failed.RetryCount != 0 {
		t.Errorf("retry count = %d for non-retryable failure", failed.RetryCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, expected 1", attempts)
	}
}

func TestScheduler_PauseResumeActiveTask(t *testing.T) {
	clearTasks(t)
	content := randomBytes(256 * 1024)
	srv := slowContentServer(t, content, 16*1024, 20*time.Millisecond)

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	ctx := context.Background()
	task, err := s.Enqueue(ctx, EnqueueRequest{SourceURL: srv.URL, DestPath: destPath(t)})
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, task.ID, model.StatusActive, 5*time.Second)
	if err := s.Pause(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	paused := waitStatus(t, task.ID, model.StatusPaused, 5*time.Second)
	if paused.BytesTransferred == 0 {
		t.Log("paused before the first chunk landed")
	}
	if _, err := os.Stat(task.TempPath()); err != nil {
		t.Fatal("no partial file while paused")
	}

	if err := s.Resume(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, task.ID, model.StatusCompleted, 15*time.Second)
	got, err := os.ReadFile(task.DestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content differs after pause/resume")
	}
}

func TestScheduler_NetworkRequirementGatesStart(t *testing.T) {
	clearTasks(t)
	content := randomBytes(8 * 1024)
	srv := contentServer(t, content)

	mon := netmon.NewMonitor(netmon.ClassMetered)
	s := newTestScheduler(t, testOptions(), mon)
	startScheduler(t, s)

	task, err := s.Enqueue(context.Background(), EnqueueRequest{
		SourceURL:  srv.URL,
		DestPath:   destPath(t),
		NetworkReq: model.NetworkUnmetered,
	})
	if err != nil {
		t.Fatal(err)
	}

	// On a metered network the task must stay queued across several ticks.
	time.Sleep(150 * time.Millisecond)
	queued, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if queued.Status != model.StatusQueued {
		t.Fatalf("status = %s on a metered network", queued.Status)
	}

	mon.Set(netmon.ClassUnmetered)
	waitStatus(t, task.ID, model.StatusCompleted, 5*time.Second)
}

func TestScheduler_NetworkChangeParksActiveTask(t *testing.T) {
	clearTasks(t)
	content := randomBytes(512 * 1024)
	srv := slowContentServer(t, content, 16*1024, 20*time.Millisecond)

	mon := netmon.NewMonitor(netmon.ClassUnmetered)
	s := newTestScheduler(t, testOptions(), mon)
	startScheduler(t, s)

	task, err := s.Enqueue(context.Background(), EnqueueRequest{
		SourceURL:  srv.URL,
		DestPath:   destPath(t),
		NetworkReq: model.NetworkUnmetered,
	})
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, task.ID, model.StatusActive, 5*time.Second)
	mon.Set(netmon.ClassMetered)

	// The violated task parks back in the queue and waits for conditions.
	waitStatus(t, task.ID, model.StatusQueued, 5*time.Second)

	mon.Set(netmon.ClassUnmetered)
	waitStatus(t, task.ID, model.StatusCompleted, 30*time.Second)
	got, err := os.ReadFile(task.DestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("content differs after network interruption")
	}
}

func TestScheduler_RecoveryResumesCrashedTask(t *testing.T) {
	clearTasks(t)
	content := randomBytes(128 * 1024)
	srv := contentServer(t, content)

	// Simulate a crash: a task left active with a partial temp file.
	task := &model.TransferTask{
		ID:               utils.GetToken(),
		SourceURL:        srv.URL,
		DestPath:         destPath(t),
		TotalSize:        int64(len(content)),
		BytesTransferred: 64 * 1024,
		Status:           model.StatusActive,
		Priority:         model.PriorityNormal,
		NetworkReq:       model.NetworkAny,
		MaxRetries:       5,
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(task.TempPath(), content[:64*1024], 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	done := waitStatus(t, task.ID, model.StatusCompleted, 5*time.Second)
	if done.BytesTransferred != int64(len(content)) {
		t.Errorf("bytes = %d", done.BytesTransferred)
	}
	got, err := os.ReadFile(task.DestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("recovered download differs from source")
	}
}

func TestScheduler_RecoveryRestartsWhenPartialMissing(t *testing.T) {
	clearTasks(t)
	content := randomBytes(32 * 1024)
	srv := contentServer(t, content)

	task := &model.TransferTask{
		ID:               utils.GetToken(),
		SourceURL:        srv.URL,
		DestPath:         destPath(t),
		TotalSize:        int64(len(content)),
		BytesTransferred: 16 * 1024,
		Status:           model.StatusActive,
		Priority:         model.PriorityNormal,
		NetworkReq:       model.NetworkAny,
		MaxRetries:       5,
	}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	waitStatus(t, task.ID, model.StatusCompleted, 5*time.Second)
	got, err := os.ReadFile(task.DestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("restarted download differs from source")
	}
}

func TestScheduler_EnqueueDuplicateIDUpdatesInPlace(t *testing.T) {
	clearTasks(t)
	content := randomBytes(8 * 1024)
	srv := contentServer(t, content)

	opts := testOptions()
	s := newTestScheduler(t, opts, netmon.NewMonitor(netmon.ClassOffline))

	ctx := context.Background()
	first, err := s.Enqueue(ctx, EnqueueRequest{
		ID:        "task-1",
		SourceURL: srv.URL,
		DestPath:  destPath(t),
		Priority:  model.PriorityLow,
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Enqueue(ctx, EnqueueRequest{
		ID:        "task-1",
		SourceURL: srv.URL,
		DestPath:  first.DestPath,
		Priority:  model.PriorityHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatal("duplicate enqueue created a new task")
	}

	tasks, err := store.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("task count = %d", len(tasks))
	}
	if tasks[0].Priority != model.PriorityHigh {
		t.Errorf("priority = %s after update", tasks[0].Priority)
	}
}

func TestScheduler_CancelActiveDiscardsPartial(t *testing.T) {
	clearTasks(t)
	content := randomBytes(512 * 1024)
	srv := slowContentServer(t, content, 16*1024, 20*time.Millisecond)

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	ctx := context.Background()
	task, err := s.Enqueue(ctx, EnqueueRequest{SourceURL: srv.URL, DestPath: destPath(t)})
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, task.ID, model.StatusActive, 5*time.Second)
	if err := s.Remove(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	cancelled := waitStatus(t, task.ID, model.StatusCancelled, 5*time.Second)
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(task.TempPath()); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial file survived a cancel with delete-on-cancel set")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScheduler_Events(t *testing.T) {
	clearTasks(t)
	content := randomBytes(64 * 1024)
	srv := contentServer(t, content)

	s := newTestScheduler(t, testOptions(), nil)
	startScheduler(t, s)

	ch, cancel := s.Events().Subscribe()
	defer cancel()

	task, err := s.Enqueue(context.Background(), EnqueueRequest{SourceURL: srv.URL, DestPath: destPath(t)})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, task.ID, model.StatusCompleted, 5*time.Second)

	sawQueued, sawActive, sawCompleted := false, false, false
	for {
		select {
		case ev := <-ch:
			if ev.TaskID != task.ID {
				continue
			}
			switch ev.Status {
			case model.StatusQueued:
				sawQueued = true
			case model.StatusActive:
				sawActive = true
			case model.StatusCompleted:
				sawCompleted = true
			}
			if sawQueued && sawActive && sawCompleted {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events: queued=%v active=%v completed=%v", sawQueued, sawActive, sawCompleted)
		}
	}
}
