package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/univy/docpipe/internal/queue"
	"github.com/univy/docpipe/internal/scanner"
	"github.com/univy/docpipe/internal/sweeper"
	"github.com/univy/docpipe/internal/task"
	"github.com/univy/docpipe/internal/testutil"
	"github.com/univy/docpipe/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeParser struct {
	mu    sync.Mutex
	tasks []uuid.UUID

	err       error
	blockFor  time.Duration // hold the task this long before returning
	untilStop bool          // block until ctx is canceled
}

func (p *fakeParser) Run(ctx context.Context, t *task.Task) error {
	p.mu.Lock()
	p.tasks = append(p.tasks, t.ID)
	p.mu.Unlock()

	if p.untilStop {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.blockFor > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.blockFor):
		}
	}
	return p.err
}

func (p *fakeParser) runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *fakeParser) taskIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.tasks...)
}

type fakeScanner struct {
	mu    sync.Mutex
	calls int
	sum   *scanner.Summary
	err   error
}

func (s *fakeScanner) Scan(ctx context.Context) (*scanner.Summary, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.sum, s.err
}

type fakeSweeper struct {
	mu      sync.Mutex
	sum     *sweeper.Summary
	err     error
	lastAge time.Duration
}

func (s *fakeSweeper) Sweep(ctx context.Context, maxAge time.Duration) (*sweeper.Summary, error) {
	s.mu.Lock()
	s.lastAge = maxAge
	s.mu.Unlock()
	return s.sum, s.err
}

func (s *fakeSweeper) lastMaxAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAge
}

type fixture struct {
	store *testutil.MemStore
	queue *queue.Memory
	parse *fakeParser
	scan  *fakeScanner
	sweep *fakeSweeper
}

func newFixture() *fixture {
	return &fixture{
		store: testutil.NewMemStore(),
		queue: queue.NewMemory(),
		parse: &fakeParser{},
		scan:  &fakeScanner{sum: &scanner.Summary{}},
		sweep: &fakeSweeper{sum: &sweeper.Summary{}},
	}
}

// fast returns runner settings tight enough for tests.
func fast() worker.Config {
	return worker.Config{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		Lease:        200 * time.Millisecond,
		RetryDelay:   time.Millisecond,
	}
}

// startRunner runs the runner in the background and registers an
// orderly stop with the test.
func startRunner(t *testing.T, f *fixture, cfg worker.Config) {
	t.Helper()
	r := worker.New(f.queue, f.store, f.parse, f.scan, f.sweep, cfg, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
		}
	})
}

// seedJob creates a pending task of the given kind and enqueues a job
// for it.
func seedJob(t *testing.T, f *fixture, kind task.Kind) *task.Task {
	t.Helper()
	tk := &task.Task{ID: uuid.New(), Kind: kind, Status: task.StatusPending, CreatedAt: time.Now()}
	f.store.Add(tk)
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID, kind))
	return tk
}

func settled(f *fixture) func() bool {
	return func() bool { return f.queue.Len() == 0 }
}

func TestRunnerProcessesParseJob(t *testing.T) {
	f := newFixture()
	tk := seedJob(t, f, task.KindParse)
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uuid.UUID{tk.ID}, f.parse.taskIDs())
}

func TestRunnerRunsScanTask(t *testing.T) {
	f := newFixture()
	f.scan.sum = &scanner.Summary{FilesScanned: 3, TasksEnqueued: 2, FilesSkipped: 1}
	tk := seedJob(t, f, task.KindScan)
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)

	var sum scanner.Summary
	require.NoError(t, json.Unmarshal(got.Result, &sum))
	assert.Equal(t, 3, sum.FilesScanned)
	assert.Equal(t, 2, sum.TasksEnqueued)
}

func TestRunnerRunsCleanupTask(t *testing.T) {
	f := newFixture()
	f.sweep.sum = &sweeper.Summary{DirsExamined: 5, DirsRemoved: 4, DirsSkipped: 1}
	tk := seedJob(t, f, task.KindCleanup)
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)

	var sum sweeper.Summary
	require.NoError(t, json.Unmarshal(got.Result, &sum))
	assert.Equal(t, 4, sum.DirsRemoved)
	assert.Equal(t, time.Duration(0), f.sweep.lastMaxAge(),
		"plain input ref means the configured retention")
}

func TestRunnerCleanupHonorsMaxAgeFromTask(t *testing.T) {
	f := newFixture()
	tk := &task.Task{
		ID:        uuid.New(),
		Kind:      task.KindCleanup,
		Status:    task.StatusPending,
		InputRef:  sweeper.MaxAgeRef("/data/outputs", 2*time.Hour),
		CreatedAt: time.Now(),
	}
	f.store.Add(tk)
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID, task.KindCleanup))
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2*time.Hour, f.sweep.lastMaxAge())
}

func TestRunnerFailsMaintenanceTaskOnError(t *testing.T) {
	f := newFixture()
	f.scan.err = errors.New("uploads root unreadable")
	tk := seedJob(t, f, task.KindScan)
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailStorage, got.Failure.Kind)
	assert.Contains(t, got.Failure.Message, "uploads root unreadable")
}

func TestRunnerCleanupFailureUsesCleanupKind(t *testing.T) {
	f := newFixture()
	f.sweep.err = errors.New("outputs root unreadable")
	tk := seedJob(t, f, task.KindCleanup)
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailCleanup, got.Failure.Kind)
}

func TestRunnerRetriesInconclusiveAttempts(t *testing.T) {
	f := newFixture()
	f.parse.err = errors.New("store unreachable")
	tk := seedJob(t, f, task.KindParse)

	cfg := fast()
	cfg.MaxAttempts = 3
	startRunner(t, f, cfg)

	// Three attempts fail, then the runner gives up: the task is failed
	// and the job dropped.
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), tk.ID)
		return err == nil && got.Status == task.StatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, f.parse.runs())
	assert.Equal(t, 0, f.queue.Len())

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Failure)
	assert.Equal(t, task.FailStorage, got.Failure.Kind)
	assert.Contains(t, got.Failure.Message, "gave up after 3 delivery attempts")
}

func TestRunnerSkipsSettledTask(t *testing.T) {
	f := newFixture()
	tk := &task.Task{ID: uuid.New(), Kind: task.KindParse, Status: task.StatusSucceeded, CreatedAt: time.Now()}
	f.store.Add(tk)
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID, task.KindParse))
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.parse.runs(), "settled tasks are not reprocessed")
}

func TestRunnerDropsJobForMissingTask(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.queue.Enqueue(context.Background(), uuid.New(), task.KindParse))
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.parse.runs())
}

func TestRunnerDropsUnknownKind(t *testing.T) {
	f := newFixture()
	tk := &task.Task{ID: uuid.New(), Kind: "reindex", Status: task.StatusPending, CreatedAt: time.Now()}
	f.store.Add(tk)
	require.NoError(t, f.queue.Enqueue(context.Background(), tk.ID, "reindex"))
	startRunner(t, f, fast())

	require.Eventually(t, settled(f), 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.parse.runs())
}

func TestRunnerHeartbeatOutlastsLease(t *testing.T) {
	f := newFixture()
	// Holding the task three lease windows only works if the heartbeat
	// keeps renewing; otherwise the second poll loop would reclaim the
	// job and run it again.
	f.parse.blockFor = 600 * time.Millisecond
	seedJob(t, f, task.KindParse)

	cfg := fast()
	cfg.Lease = 200 * time.Millisecond
	startRunner(t, f, cfg)

	require.Eventually(t, settled(f), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.parse.runs(), "lease renewal must prevent redelivery")
}

func TestRunnerShutdownReleasesJob(t *testing.T) {
	f := newFixture()
	f.parse.untilStop = true
	tk := seedJob(t, f, task.KindParse)

	r := worker.New(f.queue, f.store, f.parse, f.scan, f.sweep, fast(), testutil.DiscardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return f.parse.runs() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	// The interrupted job was released, not lost: it is immediately
	// claimable by the next runner.
	assert.Equal(t, 1, f.queue.Len())
	d, err := f.queue.Dequeue(context.Background(), "next-runner", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, d.TaskID)

	// And its task is still claimable too.
	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}
