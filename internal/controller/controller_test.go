package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genqueue/internal/jobqueue"
	"github.com/ChuLiYu/genqueue/internal/wire"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeConn records every message sent to a worker
type fakeConn struct {
	mu       sync.Mutex
	sent     []wire.Message
	failSend bool
	closed   bool
}

func (f *fakeConn) Send(ctx context.Context, msg wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "127.0.0.1:5555" }

func (f *fakeConn) messages() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Message(nil), f.sent...)
}

func (f *fakeConn) tasks() []wire.Task {
	var out []wire.Task
	for _, msg := range f.messages() {
		if task, ok := msg.(wire.Task); ok {
			out = append(out, task)
		}
	}
	return out
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// memStore keeps saved outputs in memory
type memStore struct {
	mu       sync.Mutex
	existing map[string]bool
	saved    map[string][]byte
	failSave error
}

func newMemStore() *memStore {
	return &memStore{existing: make(map[string]bool), saved: make(map[string][]byte)}
}

func (s *memStore) ResolveDir(outputDir string) string {
	if outputDir == "" {
		return "output"
	}
	return filepath.Join("output", outputDir)
}

func (s *memStore) TaggedPath(outputDir, rowTag, ext string) string {
	return filepath.Join(s.ResolveDir(outputDir), rowTag+ext)
}

func (s *memStore) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[path]
}

func (s *memStore) Save(outputDir, rowTag, ext string, data []byte, now time.Time) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return "", "", s.failSave
	}
	dir := s.ResolveDir(outputDir)
	name := rowTag
	if name == "" {
		name = now.Format("2006-01-02_15-04-05")
	}
	path := filepath.Join(dir, name+ext)
	s.saved[path] = append([]byte(nil), data...)
	s.existing[path] = true
	return path, dir, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type mapEncoder map[string]string

func (m mapEncoder) Encode(path string) (string, error) {
	if data, ok := m[path]; ok {
		return data, nil
	}
	return "", errors.New("no such file")
}

// createTestController builds a controller driven directly through its
// loop-side methods, without Run
func createTestController(t *testing.T, opts ...Option) (*Controller, *fakeClock, *memStore) {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	store := newMemStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c := NewController(Config{}, store, opts...)
	return c, clock, store
}

func registerWorker(t *testing.T, c *Controller, pageID string) (string, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id, err := c.register(context.Background(), conn, pageID)
	require.NoError(t, err)
	return id, conn
}

func addJobs(t *testing.T, c *Controller, specs ...types.JobSpec) []*types.Job {
	t.Helper()
	added := c.submit(specs)
	require.Len(t, added, len(specs))
	return added
}

func prompts(ps ...string) []types.JobSpec {
	specs := make([]types.JobSpec, len(ps))
	for i, p := range ps {
		specs[i] = types.JobSpec{Prompt: p}
	}
	return specs
}

// assertBusyMatchesProcessing checks that a worker is busy exactly when it
// holds a Processing job assigned to it
func assertBusyMatchesProcessing(t *testing.T, c *Controller) {
	t.Helper()
	for _, w := range c.pool.All() {
		if !w.Busy {
			assert.Empty(t, w.JobID, "idle worker %s holds a job", w)
			continue
		}
		job := c.queue.Get(w.JobID)
		if assert.NotNil(t, job, "busy worker %s holds unknown job", w) {
			assert.Equal(t, types.StatusProcessing, job.Status, "busy worker %s", w)
			assert.Equal(t, w.ID, job.WorkerID, "busy worker %s", w)
		}
	}
	for _, job := range c.queue.Jobs() {
		if job.Status != types.StatusProcessing {
			assert.Empty(t, job.WorkerID, "job %s is %s but has a worker", job.ID, job.Status)
			continue
		}
		w := c.pool.Get(job.WorkerID)
		if assert.NotNil(t, w, "processing job %s has no worker", job.ID) {
			assert.True(t, w.Busy)
			assert.Equal(t, job.ID, w.JobID)
		}
	}
}

// ============================================================================
// Dispatch Step Tests
// ============================================================================

func TestNewControllerDefaults(t *testing.T) {
	c := NewController(Config{}, newMemStore())
	assert.Equal(t, 10*time.Minute, c.config.TaskTimeout)
	assert.Equal(t, 3*time.Second, c.config.Cooldown)
	assert.Equal(t, time.Second, c.config.PollInterval)
	assert.Equal(t, 500*time.Millisecond, c.config.DispatchDelay)
	assert.False(t, c.running)
}

func TestDispatchAssignsInOrder(t *testing.T) {
	c, clock, _ := createTestController(t)
	w1, conn1 := registerWorker(t, c, "tab1")
	w2, conn2 := registerWorker(t, c, "tab2")
	jobs := addJobs(t, c, prompts("a", "b", "c")...)

	delay, keep := c.dispatchStep(clock.Now())
	assert.True(t, keep)
	assert.Equal(t, c.config.DispatchDelay, delay)

	_, keep = c.dispatchStep(clock.Now())
	assert.True(t, keep)

	delay, keep = c.dispatchStep(clock.Now())
	assert.True(t, keep)
	assert.Equal(t, c.config.PollInterval, delay, "no idle worker")

	assert.Equal(t, w1, c.queue.Get(jobs[0].ID).WorkerID)
	assert.Equal(t, w2, c.queue.Get(jobs[1].ID).WorkerID)
	assert.Equal(t, types.StatusPending, c.queue.Get(jobs[2].ID).Status)

	require.Len(t, conn1.tasks(), 1)
	assert.Equal(t, wire.Task{
		TaskID:          string(jobs[0].ID),
		Prompt:          "a",
		TaskType:        string(types.TypeCreateImage),
		ReferenceImages: []string{},
	}, conn1.tasks()[0])
	require.Len(t, conn2.tasks(), 1)
	assert.Equal(t, "b", conn2.tasks()[0].Prompt)

	assertBusyMatchesProcessing(t, c)
}

func TestAckPrecedesTask(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, conn := registerWorker(t, c, "tab1")
	addJobs(t, c, prompts("a")...)
	c.dispatchStep(clock.Now())

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.RegisterSuccess{ClientID: id}, msgs[0])
	assert.IsType(t, wire.Task{}, msgs[1])
}

func TestDispatchStopsWhenNothingLeft(t *testing.T) {
	c, clock, _ := createTestController(t)
	registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a")...)

	c.dispatchStep(clock.Now())

	delay, keep := c.dispatchStep(clock.Now())
	assert.True(t, keep, "a worker is still busy")
	assert.Equal(t, c.config.PollInterval, delay)

	c.persist(c.queue.Get(jobs[0].ID).WorkerID, wire.Payload{JobID: jobs[0].ID, Data: []byte("png")})

	_, keep = c.dispatchStep(clock.Now())
	assert.False(t, keep)
}

func TestTickClearsRunningWhenFinished(t *testing.T) {
	c, _, _ := createTestController(t)
	registerWorker(t, c, "tab1")
	c.running = true

	c.tick()
	assert.False(t, c.running)
}

func TestTaggedJobWithExistingOutputIsSkipped(t *testing.T) {
	c, clock, store := createTestController(t)
	id, conn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, types.JobSpec{Prompt: "a", RowTag: "7", OutputDir: "batch"})

	target := filepath.Join("output", "batch", "7.png")
	store.existing[target] = true

	_, keep := c.dispatchStep(clock.Now())
	assert.True(t, keep)
	assert.False(t, c.pool.Get(id).Busy)

	_, keep = c.dispatchStep(clock.Now())
	assert.False(t, keep)

	job := c.queue.Get(jobs[0].ID)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, jobqueue.SkippedDetail, job.StatusDetail)
	assert.Equal(t, target, job.SavedPath)
	assert.Empty(t, conn.tasks(), "worker never received a task")
	assertBusyMatchesProcessing(t, c)
}

func TestReregisterSamePageEvictsOldWorker(t *testing.T) {
	c, clock, _ := createTestController(t)
	old, oldConn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a", "b")...)

	c.dispatchStep(clock.Now())
	require.Equal(t, old, c.queue.Get(jobs[0].ID).WorkerID)

	fresh, freshConn := registerWorker(t, c, "tab1")
	total, _ := c.pool.Counts()
	assert.Equal(t, 1, total)
	assert.True(t, oldConn.isClosed())
	assert.Nil(t, c.pool.Get(old))
	assert.Equal(t, types.StatusPending, c.queue.Get(jobs[0].ID).Status)
	assertBusyMatchesProcessing(t, c)

	// late disconnect of the replaced connection changes nothing
	c.unregister(old)
	total, _ = c.pool.Counts()
	assert.Equal(t, 1, total)

	c.dispatchStep(clock.Now())
	assert.Equal(t, fresh, c.queue.Get(jobs[0].ID).WorkerID, "requeued job goes first")
	require.Len(t, freshConn.tasks(), 1)
	assert.Equal(t, "a", freshConn.tasks()[0].Prompt)
	assertBusyMatchesProcessing(t, c)
}

func TestDisconnectRequeuesJob(t *testing.T) {
	c, clock, _ := createTestController(t)
	first, _ := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a", "b")...)

	c.dispatchStep(clock.Now())
	require.Equal(t, first, c.queue.Get(jobs[0].ID).WorkerID)

	c.unregister(first)
	assert.Equal(t, types.StatusPending, c.queue.Get(jobs[0].ID).Status)
	assert.Empty(t, c.queue.Get(jobs[0].ID).WorkerID)

	next := c.queue.NextPending()
	require.NotNil(t, next)
	assert.Equal(t, jobs[0].ID, next.ID)

	second, conn := registerWorker(t, c, "tab2")
	c.dispatchStep(clock.Now())
	assert.Equal(t, second, c.queue.Get(jobs[0].ID).WorkerID)
	assert.Equal(t, "a", conn.tasks()[0].Prompt)
	assertBusyMatchesProcessing(t, c)
}

func TestStaleJobTimesOut(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, conn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a")...)

	c.dispatchStep(clock.Now())
	sentBefore := len(conn.messages())

	clock.Advance(10*time.Minute + time.Second)
	_, keep := c.dispatchStep(clock.Now())
	assert.False(t, keep)

	job := c.queue.Get(jobs[0].ID)
	assert.Equal(t, types.StatusTimedOut, job.Status)
	assert.Equal(t, "timed out after 10 minutes", job.StatusDetail)
	require.NotNil(t, job.EndedAt)
	assert.False(t, c.pool.Get(id).Busy)
	assert.Len(t, conn.messages(), sentBefore, "no message is sent on timeout")
	assertBusyMatchesProcessing(t, c)
}

func TestCooldownBlocksReassignment(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, conn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a", "b")...)

	c.dispatchStep(clock.Now())
	c.persist(id, wire.Payload{JobID: jobs[0].ID, Data: []byte("png")})
	require.Equal(t, types.StatusCompleted, c.queue.Get(jobs[0].ID).Status)

	delay, keep := c.dispatchStep(clock.Now())
	assert.True(t, keep)
	assert.Equal(t, c.config.PollInterval, delay)
	assert.Equal(t, types.StatusPending, c.queue.Get(jobs[1].ID).Status)

	clock.Advance(2 * time.Second)
	c.dispatchStep(clock.Now())
	assert.Equal(t, types.StatusPending, c.queue.Get(jobs[1].ID).Status)

	clock.Advance(time.Second)
	c.dispatchStep(clock.Now())
	assert.Equal(t, types.StatusProcessing, c.queue.Get(jobs[1].ID).Status)
	assert.Len(t, conn.tasks(), 2)
}

func TestSendFailureRequeues(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, conn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a", "b")...)

	conn.failSend = true
	c.dispatchStep(clock.Now())

	job := c.queue.Get(jobs[0].ID)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.False(t, c.pool.Get(id).Busy)
	assertBusyMatchesProcessing(t, c)

	conn.failSend = false
	clock.Advance(c.config.Cooldown)
	c.dispatchStep(clock.Now())
	assert.Equal(t, id, c.queue.Get(jobs[0].ID).WorkerID, "failed job is retried before the next one")
}

func TestReferenceImagesEncodedAtDispatch(t *testing.T) {
	c, clock, _ := createTestController(t, WithEncoder(mapEncoder{"/img/a.png": "QUFB"}))
	_, conn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, types.JobSpec{
		Prompt: "a",
		Type:   types.TypeFramesToVideo,
		ReferenceImages: []types.ReferenceImage{
			{Data: "WFla"},
			{Path: "/img/a.png"},
			{Path: "/img/missing.png"},
		},
	})

	c.dispatchStep(clock.Now())

	tasks := conn.tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{"WFla", "QUFB"}, tasks[0].ReferenceImages)
	assert.Equal(t, ".mp4", c.queue.Get(jobs[0].ID).FileExt)

	refs := c.queue.Get(jobs[0].ID).ReferenceImages
	assert.Equal(t, []types.ReferenceImage{{Data: "WFla"}, {Path: "/img/a.png"}}, refs,
		"unreadable images are dropped, encoded data stays in the task")
}

func TestEncodedImagesStayOutOfStatusAndSnapshot(t *testing.T) {
	snaps := &memSnapshots{}
	c, clock, _ := createTestController(t,
		WithEncoder(mapEncoder{"/img/a.png": "QUFB", "/img/b.png": "QkJC"}),
		WithSnapshots(snaps),
	)
	id, conn := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, types.JobSpec{
		Prompt:          "a",
		ReferenceImages: []types.ReferenceImage{{Path: "/img/a.png"}, {Path: "/img/b.png"}},
	})

	c.dispatchStep(clock.Now())
	require.Len(t, conn.tasks(), 1)
	assert.Equal(t, []string{"QUFB", "QkJC"}, conn.tasks()[0].ReferenceImages)

	report := c.status()
	require.Len(t, report.Jobs, 1)
	for _, ref := range report.Jobs[0].ReferenceImages {
		assert.Empty(t, ref.Data)
		assert.NotEmpty(t, ref.Path)
	}

	c.writeSnapshot()
	data, ok := snaps.last()
	require.True(t, ok)
	assert.Equal(t, []types.ReferenceImage{{Path: "/img/a.png"}, {Path: "/img/b.png"}}, data.Jobs[0].ReferenceImages)

	// 重新分派時再次編碼
	c.unregister(id)
	clock.Advance(time.Second)
	_, conn2 := registerWorker(t, c, "tab2")
	c.dispatchStep(clock.Now())
	require.Len(t, conn2.tasks(), 1)
	assert.Equal(t, string(jobs[0].ID), conn2.tasks()[0].TaskID)
	assert.Equal(t, []string{"QUFB", "QkJC"}, conn2.tasks()[0].ReferenceImages)
}

// ============================================================================
// Protocol Event Tests
// ============================================================================

func TestPersistPayload(t *testing.T) {
	c, clock, store := createTestController(t)
	id, _ := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, types.JobSpec{Prompt: "a", RowTag: "3"})

	c.dispatchStep(clock.Now())
	clock.Advance(30 * time.Second)
	c.persist(id, wire.Payload{JobID: jobs[0].ID, Data: []byte("png-bytes")})

	job := c.queue.Get(jobs[0].ID)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, filepath.Join("output", "3.png"), job.SavedPath)
	assert.Equal(t, "output", job.SavedDir)
	assert.Equal(t, []byte("png-bytes"), store.saved[job.SavedPath])

	w := c.pool.Get(id)
	assert.False(t, w.Busy)
	assert.Equal(t, clock.Now(), w.LastCompletion)
	assertBusyMatchesProcessing(t, c)
}

func TestPersistFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload func(types.JobID) wire.Payload
		saveErr error
	}{
		{
			name:    "decode error",
			payload: func(id types.JobID) wire.Payload { return wire.Payload{JobID: id, Err: errors.New("illegal base64")} },
		},
		{
			name:    "write error",
			payload: func(id types.JobID) wire.Payload { return wire.Payload{JobID: id, Data: []byte("x")} },
			saveErr: errors.New("disk full"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clock, store := createTestController(t)
			store.failSave = tt.saveErr
			id, _ := registerWorker(t, c, "tab1")
			jobs := addJobs(t, c, prompts("a")...)

			c.dispatchStep(clock.Now())
			c.persist(id, tt.payload(jobs[0].ID))

			job := c.queue.Get(jobs[0].ID)
			assert.Equal(t, types.StatusDownloadFailed, job.Status)
			assert.NotEmpty(t, job.StatusDetail)
			assert.False(t, c.pool.Get(id).Busy)
			assertBusyMatchesProcessing(t, c)
		})
	}
}

func TestPayloadFromOtherWorkerIsDropped(t *testing.T) {
	c, clock, store := createTestController(t)
	owner, _ := registerWorker(t, c, "tab1")
	other, _ := registerWorker(t, c, "tab2")
	jobs := addJobs(t, c, prompts("a")...)

	c.dispatchStep(clock.Now())
	require.Equal(t, owner, c.queue.Get(jobs[0].ID).WorkerID)

	c.persist(other, wire.Payload{JobID: jobs[0].ID, Data: []byte("x")})
	assert.Equal(t, types.StatusProcessing, c.queue.Get(jobs[0].ID).Status)
	assert.Empty(t, store.saved)

	c.persist(owner, wire.Payload{JobID: "job_99_1", Data: []byte("x")})
	assert.True(t, c.pool.Get(owner).Busy)
	assertBusyMatchesProcessing(t, c)
}

func TestResultWithError(t *testing.T) {
	c, clock, _ := createTestController(t)
	owner, _ := registerWorker(t, c, "tab1")
	other, _ := registerWorker(t, c, "tab2")
	jobs := addJobs(t, c, prompts("a")...)
	c.dispatchStep(clock.Now())

	c.result(other, wire.Result{TaskID: string(jobs[0].ID), Error: "quota"})
	assert.Equal(t, types.StatusProcessing, c.queue.Get(jobs[0].ID).Status, "not the owner")

	c.result(owner, wire.Result{TaskID: string(jobs[0].ID), Error: "content policy"})
	job := c.queue.Get(jobs[0].ID)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "content policy", job.StatusDetail)
	require.NotNil(t, job.EndedAt)
	assert.False(t, c.pool.Get(owner).Busy)
	assertBusyMatchesProcessing(t, c)
}

func TestResultWithURLWaitsForPayload(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, _ := registerWorker(t, c, "tab1")
	jobs := addJobs(t, c, prompts("a")...)
	c.dispatchStep(clock.Now())

	c.result(id, wire.Result{TaskID: string(jobs[0].ID), URL: "https://cdn.example/a.png"})

	job := c.queue.Get(jobs[0].ID)
	assert.Equal(t, types.StatusProcessing, job.Status)
	assert.Equal(t, "https://cdn.example/a.png", job.ResultURL)
	assert.True(t, c.pool.Get(id).Busy)

	c.persist(id, wire.Payload{JobID: jobs[0].ID, Data: []byte("png")})
	assert.Equal(t, types.StatusCompleted, c.queue.Get(jobs[0].ID).Status)
	assertBusyMatchesProcessing(t, c)
}

func TestStatusUpdateSetsDetail(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, _ := registerWorker(t, c, "tab1")
	idle, _ := registerWorker(t, c, "tab2")
	jobs := addJobs(t, c, prompts("a")...)
	c.dispatchStep(clock.Now())

	c.statusUpdate(id, "uploading reference images")
	c.statusUpdate(idle, "idle worker message is only logged")
	c.statusUpdate("w-unknown", "ignored")

	assert.Equal(t, "uploading reference images", c.queue.Get(jobs[0].ID).StatusDetail)
}

func TestRegisterAckFailure(t *testing.T) {
	c, _, _ := createTestController(t)
	_, err := c.register(context.Background(), &fakeConn{failSend: true}, "tab1")
	require.Error(t, err)
	total, _ := c.pool.Counts()
	assert.Zero(t, total)
}

// ============================================================================
// Control API Tests
// ============================================================================

func TestStartPreconditions(t *testing.T) {
	c, _, _ := createTestController(t)

	assert.ErrorIs(t, c.start(), ErrNoWorkers)

	registerWorker(t, c, "tab1")
	assert.ErrorIs(t, c.start(), ErrNoJobs)

	addJobs(t, c, prompts("a")...)
	require.NoError(t, c.start())
	assert.True(t, c.running)
	assert.NoError(t, c.start(), "starting twice is a no-op")

	c.stop()
	assert.False(t, c.running)
}

func TestSubmitIgnoresBlankPrompts(t *testing.T) {
	c, _, _ := createTestController(t)
	added := c.submit([]types.JobSpec{{Prompt: "  "}, {Prompt: " a "}, {Prompt: ""}})
	require.Len(t, added, 1)
	assert.Equal(t, "a", added[0].Prompt)
	assert.Equal(t, 1, c.queue.Len())
}

func TestStatusReport(t *testing.T) {
	c, clock, _ := createTestController(t)
	id, _ := registerWorker(t, c, "tab1")
	registerWorker(t, c, "tab2")
	addJobs(t, c, prompts("a", "b", "c")...)
	c.dispatchStep(clock.Now())

	report := c.status()
	assert.False(t, report.Running)
	require.Len(t, report.Workers, 2)
	assert.Equal(t, id, report.Workers[0].ID)
	assert.True(t, report.Workers[0].Busy)
	assert.Equal(t, 1, report.Busy)
	assert.Equal(t, 2, report.Stats[types.StatusPending])
	assert.Equal(t, 1, report.Stats[types.StatusProcessing])
	require.Len(t, report.Jobs, 3)

	// report holds copies
	report.Jobs[0].Prompt = "changed"
	assert.Equal(t, "a", c.queue.At(0).Prompt)
}

// ============================================================================
// Run Loop Tests
// ============================================================================

type memSnapshots struct {
	mu      sync.Mutex
	initial types.SnapshotData
	written []types.SnapshotData
}

func (m *memSnapshots) Load() (types.SnapshotData, error) {
	return m.initial, nil
}

func (m *memSnapshots) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, data)
	return nil
}

func (m *memSnapshots) last() (types.SnapshotData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.written) == 0 {
		return types.SnapshotData{}, false
	}
	return m.written[len(m.written)-1], true
}

func startLoop(t *testing.T, c *Controller) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			cancelCtx()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Error("Run did not return")
			}
		})
	}
	t.Cleanup(cancel)
	return cancel
}

func fastConfig() Config {
	return Config{
		Cooldown:      time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		DispatchDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
		SweepInterval: time.Second,
	}
}

func TestRunEndToEnd(t *testing.T) {
	store := newMemStore()
	c := NewController(fastConfig(), store)
	startLoop(t, c)
	ctx := context.Background()

	conn := &fakeConn{}
	id, err := c.RegisterWorker(ctx, conn, "tab1")
	require.NoError(t, err)

	job, err := c.Submit(ctx, types.JobSpec{Prompt: "a red fox", RowTag: "1"})
	require.NoError(t, err)
	require.NotNil(t, job)

	blank, err := c.Submit(ctx, types.JobSpec{Prompt: "   "})
	require.NoError(t, err)
	assert.Nil(t, blank)

	require.NoError(t, c.Start(ctx))

	require.Eventually(t, func() bool { return len(conn.tasks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(job.ID), conn.tasks()[0].TaskID)

	c.ReportStatus(id, "rendering")
	c.DeliverPayload(id, wire.Payload{JobID: job.ID, Data: []byte("png")})

	require.Eventually(t, func() bool {
		report, err := c.Status(ctx)
		return err == nil && !report.Running && report.Stats[types.StatusCompleted] == 1
	}, 2*time.Second, 5*time.Millisecond)

	dir, err := c.JobDir(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "output", dir)

	dir, err = c.JobDir(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "output", dir, "unknown index falls back to the base dir")

	c.UnregisterWorker(id)
	c.UnregisterWorker("")
	require.Eventually(t, func() bool {
		report, err := c.Status(ctx)
		return err == nil && len(report.Workers) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunStartWithoutWorkers(t *testing.T) {
	c := NewController(fastConfig(), newMemStore())
	startLoop(t, c)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestCallsAfterRunReturnsFail(t *testing.T) {
	c := NewController(fastConfig(), newMemStore())
	cancel := startLoop(t, c)
	cancel()

	_, err := c.Submit(context.Background(), types.JobSpec{Prompt: "a"})
	assert.ErrorIs(t, err, ErrStopped)

	// fire-and-forget events are dropped, not blocked
	c.UnregisterWorker("w-1")
	c.ReportStatus("w-1", "late")
}

func TestRunRestoresAndWritesSnapshot(t *testing.T) {
	started := baseTime
	snaps := &memSnapshots{initial: types.SnapshotData{
		SchemaVer: 1,
		Jobs: []*types.Job{
			{ID: "job_0_1", Prompt: "done", Status: types.StatusCompleted, FileExt: ".png"},
			{ID: "job_1_1", Prompt: "was running", Status: types.StatusProcessing, WorkerID: "w-gone", StartedAt: &started, FileExt: ".png"},
		},
	}}
	c := NewController(fastConfig(), newMemStore(), WithSnapshots(snaps))
	cancel := startLoop(t, c)
	ctx := context.Background()

	report, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, types.StatusCompleted, report.Jobs[0].Status)
	assert.Equal(t, types.StatusPending, report.Jobs[1].Status)
	assert.Empty(t, report.Jobs[1].WorkerID)

	_, err = c.Submit(ctx, types.JobSpec{Prompt: "new"})
	require.NoError(t, err)
	cancel()

	last, ok := snaps.last()
	require.True(t, ok, "final snapshot written on shutdown")
	require.Len(t, last.Jobs, 3)
	assert.Equal(t, "new", last.Jobs[2].Prompt)
}
