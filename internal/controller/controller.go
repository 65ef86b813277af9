// ============================================================================
// genqueue 控制器 - 任務分派的唯一擁有者
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有任務佇列與 worker pool，執行分派迴圈並處理 worker 回報
//
// 架構設計:
//   Run() 是唯一能碰 jobqueue.Queue、worker.Pool、running 旗標與分派計時器的
//   goroutine。其他 goroutine（WebSocket 連線、gRPC handler、CLI）一律把工作
//   包成 closure 丟進 inbox：
//   - do(ctx, fn)  同步，等待 fn 執行完並取得錯誤
//   - post(fn)     非同步，連線處理器回報事件用
//   因此 Queue 與 Pool 本身都不加鎖。
//
// 分派步驟 (dispatchStep):
//   1. 掃描超時任務 → TimedOut，釋放 worker
//   2. NextPending() 沒有任務：無忙碌 worker 則停止分派，否則稍後再查
//   3. Idle() 沒有可用 worker：稍後再查
//   4. 有 row tag 且輸出檔已存在 → 直接標記完成（跳過）
//   5. 指派：MarkProcessing → MarkBusy → Advance → 送出 task
//   6. 送出失敗 → Requeue + MarkIdle
//   7. 間隔 DispatchDelay 後進行下一輪
//
// 結果處理:
//   - DeliverPayload: 寫檔成功 → Completed，失敗 → DownloadFailed
//   - ReportResult:   帶 error → Failed
//   - 斷線:           執行中的任務回到 Pending
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/genqueue/internal/jobqueue"
	"github.com/ChuLiYu/genqueue/internal/wire"
	"github.com/ChuLiYu/genqueue/internal/worker"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped Run 已結束
	ErrStopped = errors.New("controller stopped")
	// ErrNoWorkers 沒有已連線的 worker，無法開始分派
	ErrNoWorkers = errors.New("no connected workers")
	// ErrNoJobs 佇列是空的，無法開始分派
	ErrNoJobs = errors.New("no jobs queued")
)

// ============================================================================
// 配置與協作介面
// ============================================================================

// Config Controller 配置
type Config struct {
	TaskTimeout      time.Duration // 執行中任務的超時門檻
	Cooldown         time.Duration // worker 完成任務後的冷卻時間
	PollInterval     time.Duration // 沒有任務或 worker 時的重查間隔
	DispatchDelay    time.Duration // 每次分派後的間隔
	SendTimeout      time.Duration // 送出 task / ack 的寫入期限
	SweepInterval    time.Duration // 未分派時的背景超時掃描間隔
	SnapshotInterval time.Duration // 快照間隔，0 表示只在結束時寫
	InboxSize        int           // inbox 緩衝大小
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		TaskTimeout:      10 * time.Minute,
		Cooldown:         worker.DefaultCooldown,
		PollInterval:     time.Second,
		DispatchDelay:    500 * time.Millisecond,
		SendTimeout:      10 * time.Second,
		SweepInterval:    30 * time.Second,
		SnapshotInterval: 30 * time.Second,
		InboxSize:        256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DispatchDelay <= 0 {
		c.DispatchDelay = def.DispatchDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
}

// Store 輸出檔的持久化
type Store interface {
	ResolveDir(outputDir string) string
	TaggedPath(outputDir, rowTag, ext string) string
	Exists(path string) bool
	Save(outputDir, rowTag, ext string, data []byte, now time.Time) (path, dir string, err error)
}

// Encoder 將參考圖路徑轉成可傳輸的 base64
type Encoder interface {
	Encode(path string) (string, error)
}

// Metrics 指標回報
type Metrics interface {
	RecordEnqueue()
	RecordDispatch()
	RecordCompleted(latency time.Duration)
	RecordSkipped()
	RecordFailed(status types.JobStatus)
	RecordRequeue()
	UpdateQueueStats(pending, processing int)
	UpdateWorkers(total, busy int)
}

// Snapshotter 任務表快照
type Snapshotter interface {
	Write(data types.SnapshotData) error
	Load() (types.SnapshotData, error)
}

type nopMetrics struct{}

func (nopMetrics) RecordEnqueue()                     {}
func (nopMetrics) RecordDispatch()                    {}
func (nopMetrics) RecordCompleted(time.Duration)      {}
func (nopMetrics) RecordSkipped()                     {}
func (nopMetrics) RecordFailed(types.JobStatus)       {}
func (nopMetrics) RecordRequeue()                     {}
func (nopMetrics) UpdateQueueStats(pending, busy int) {}
func (nopMetrics) UpdateWorkers(total, busy int)      {}

// Option Controller 選項
type Option func(*Controller)

// WithEncoder 設定參考圖編碼器
func WithEncoder(e Encoder) Option {
	return func(c *Controller) { c.encoder = e }
}

// WithMetrics 設定指標收集器
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSnapshots 啟用快照（啟動時載入、定期與結束時寫入）
func WithSnapshots(s Snapshotter) Option {
	return func(c *Controller) { c.snaps = s }
}

// WithLogger 設定日誌輸出
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 分派控制器
type Controller struct {
	config  Config
	store   Store
	encoder Encoder
	metrics Metrics
	snaps   Snapshotter
	now     func() time.Time
	log     *slog.Logger

	// 以下只由 Run 的 goroutine 存取
	queue   *jobqueue.Queue
	pool    *worker.Pool
	running bool
	timer   *time.Timer

	inbox chan func()
	done  chan struct{}
}

// StatusReport 狀態查詢結果
type StatusReport struct {
	Running bool                    `json:"running"`
	Workers []WorkerView            `json:"workers"`
	Busy    int                     `json:"busy"`
	Stats   map[types.JobStatus]int `json:"stats"`
	Jobs    []*types.Job            `json:"jobs"`
}

// WorkerView worker 的唯讀資訊
type WorkerView struct {
	ID          string      `json:"id"`
	Seq         int         `json:"seq"`
	PageID      string      `json:"page_id,omitempty"`
	Remote      string      `json:"remote"`
	Busy        bool        `json:"busy"`
	JobID       types.JobID `json:"job_id,omitempty"`
	ConnectedAt time.Time   `json:"connected_at"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller；需呼叫 Run 才會開始處理請求
func NewController(config Config, store Store, opts ...Option) *Controller {
	config.applyDefaults()

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	c := &Controller{
		config:  config,
		store:   store,
		metrics: nopMetrics{},
		now:     time.Now,
		log:     slog.Default(),
		queue:   jobqueue.New(),
		pool:    worker.NewPool(config.Cooldown),
		timer:   timer,
		inbox:   make(chan func(), config.InboxSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run 事件迴圈，直到 ctx 取消
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	c.restore()
	c.refreshGauges()

	sweep := time.NewTicker(c.config.SweepInterval)
	defer sweep.Stop()

	var snapC <-chan time.Time
	if c.snaps != nil && c.config.SnapshotInterval > 0 {
		t := time.NewTicker(c.config.SnapshotInterval)
		defer t.Stop()
		snapC = t.C
	}

	c.log.Info("Controller started",
		"task_timeout", c.config.TaskTimeout,
		"cooldown", c.config.Cooldown)

	for {
		select {
		case <-ctx.Done():
			c.running = false
			c.timer.Stop()
			c.writeSnapshot()
			c.log.Info("Controller stopped")
			return nil

		case fn := <-c.inbox:
			fn()

		case <-c.timer.C:
			c.tick()

		case <-sweep.C:
			c.sweep(c.now())

		case <-snapC:
			c.writeSnapshot()
		}
		c.refreshGauges()
	}
}

// do 在事件迴圈中執行 fn 並等待結果
func (c *Controller) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	job := func() { errCh <- fn() }

	select {
	case c.inbox <- job:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-c.done:
		// 迴圈可能在結束前剛好執行完
		select {
		case err := <-errCh:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post 把 fn 丟進事件迴圈，不等待；Run 結束後直接丟棄
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// ============================================================================
// 分派迴圈
// ============================================================================

func (c *Controller) tick() {
	if !c.running {
		return
	}
	delay, keep := c.dispatchStep(c.now())
	if !keep {
		c.running = false
		c.log.Info("All jobs finished, dispatch stopped")
		return
	}
	c.timer.Reset(delay)
}

// dispatchStep 執行一輪分派，回傳下一輪的延遲與是否繼續
func (c *Controller) dispatchStep(now time.Time) (time.Duration, bool) {
	c.sweep(now)

	job := c.queue.NextPending()
	if job == nil {
		if _, busy := c.pool.Counts(); busy == 0 {
			return 0, false
		}
		return c.config.PollInterval, true
	}

	w := c.pool.Idle(now)
	if w == nil {
		return c.config.PollInterval, true
	}

	if job.RowTag != "" {
		target := c.store.TaggedPath(job.OutputDir, job.RowTag, job.FileExt)
		if c.store.Exists(target) {
			if err := c.queue.MarkSkipped(job.ID, target, c.store.ResolveDir(job.OutputDir), now); err != nil {
				c.log.Error("Failed to mark skipped", "jobID", job.ID, "error", err)
			} else {
				c.metrics.RecordSkipped()
				c.log.Info("Job skipped, output exists", "jobID", job.ID, "path", target)
			}
			return c.config.DispatchDelay, true
		}
	}

	c.assign(job, w, now)
	return c.config.DispatchDelay, true
}

func (c *Controller) assign(job *types.Job, w *worker.Worker, now time.Time) {
	if err := c.queue.MarkProcessing(job.ID, w.ID, now); err != nil {
		c.log.Error("Failed to mark processing", "jobID", job.ID, "error", err)
		return
	}
	if err := c.pool.MarkBusy(w.ID, job.ID); err != nil {
		c.log.Error("Failed to mark worker busy", "worker", w.String(), "error", err)
		if err := c.queue.Requeue(job.ID); err != nil {
			c.log.Error("Failed to requeue", "jobID", job.ID, "error", err)
		}
		return
	}
	c.queue.Advance(job)

	task := c.buildTask(job)
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
	err := w.Conn.Send(ctx, task)
	cancel()

	if err != nil {
		c.log.Warn("Send task failed, requeueing",
			"jobID", job.ID,
			"worker", w.String(),
			"error", err)
		if err := c.queue.Requeue(job.ID); err != nil {
			c.log.Error("Failed to requeue", "jobID", job.ID, "error", err)
		}
		c.freeWorker(w.ID, now)
		c.metrics.RecordRequeue()
		return
	}

	c.metrics.RecordDispatch()
	c.log.Info("Job dispatched",
		"jobID", job.ID,
		"index", job.Index,
		"type", job.Type,
		"worker", w.String())
}

// buildTask 組出 task 訊息；路徑形式的參考圖每次分派時重新編碼，
// 編碼結果只放進訊息，不留在任務上
func (c *Controller) buildTask(job *types.Job) wire.Task {
	kept := job.ReferenceImages[:0:0]
	images := make([]string, 0, len(job.ReferenceImages))
	for _, ref := range job.ReferenceImages {
		data := ref.Data
		if ref.Pending() {
			if c.encoder == nil {
				c.log.Warn("No encoder, dropping reference image", "jobID", job.ID, "path", ref.Path)
				continue
			}
			encoded, err := c.encoder.Encode(ref.Path)
			if err != nil {
				c.log.Warn("Failed to encode reference image", "jobID", job.ID, "path", ref.Path, "error", err)
				continue
			}
			data = encoded
		}
		if data == "" {
			continue
		}
		kept = append(kept, ref)
		images = append(images, data)
	}
	if job.ReferenceImages != nil {
		job.ReferenceImages = kept
	}

	return wire.Task{
		TaskID:          string(job.ID),
		Prompt:          job.Prompt,
		TaskType:        string(job.Type),
		AspectRatio:     job.AspectRatio,
		Resolution:      job.Resolution,
		ReferenceImages: images,
	}
}

// sweep 將超時任務標記為 TimedOut 並釋放其 worker
func (c *Controller) sweep(now time.Time) {
	for _, e := range c.queue.SweepTimeouts(now, c.config.TaskTimeout) {
		c.log.Warn("Job timed out",
			"jobID", e.Job.ID,
			"index", e.Job.Index,
			"worker", e.WorkerID)
		c.metrics.RecordFailed(types.StatusTimedOut)
		if w := c.pool.Get(e.WorkerID); w != nil && w.JobID == e.Job.ID {
			c.freeWorker(w.ID, now)
		}
	}
}

func (c *Controller) freeWorker(workerID string, now time.Time) {
	if err := c.pool.MarkIdle(workerID, now); err != nil && !errors.Is(err, worker.ErrWorkerNotFound) {
		c.log.Error("Failed to mark worker idle", "worker", workerID, "error", err)
	}
}

// release 已移除的 worker 若仍持有執行中任務，放回佇列
func (c *Controller) release(w *worker.Worker) {
	if !w.Busy {
		return
	}
	job := c.queue.Get(w.JobID)
	if job == nil || job.Status != types.StatusProcessing || job.WorkerID != w.ID {
		return
	}
	if err := c.queue.Requeue(job.ID); err != nil {
		c.log.Error("Failed to requeue", "jobID", job.ID, "error", err)
		return
	}
	c.metrics.RecordRequeue()
	c.log.Warn("Worker lost, job requeued", "jobID", job.ID, "worker", w.String())
}

func (c *Controller) refreshGauges() {
	stats := c.queue.Stats()
	c.metrics.UpdateQueueStats(stats[types.StatusPending], stats[types.StatusProcessing])
	total, busy := c.pool.Counts()
	c.metrics.UpdateWorkers(total, busy)
}

// ============================================================================
// 對外 API（經由 inbox 交給事件迴圈）
// ============================================================================

// Submit 加入一個任務；空白 prompt 被忽略並回傳 nil
func (c *Controller) Submit(ctx context.Context, spec types.JobSpec) (*types.Job, error) {
	jobs, err := c.SubmitBatch(ctx, []types.JobSpec{spec})
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// SubmitBatch 依序加入多個任務，回傳實際加入的任務拷貝
func (c *Controller) SubmitBatch(ctx context.Context, specs []types.JobSpec) ([]*types.Job, error) {
	var added []*types.Job
	err := c.do(ctx, func() error {
		added = c.submit(specs)
		return nil
	})
	return added, err
}

func (c *Controller) submit(specs []types.JobSpec) []*types.Job {
	now := c.now()
	added := make([]*types.Job, 0, len(specs))
	for _, spec := range specs {
		job, ok := c.queue.Append(spec, now)
		if !ok {
			continue
		}
		c.metrics.RecordEnqueue()
		added = append(added, job.Clone())
	}
	if len(added) > 0 {
		c.log.Info("Jobs added", "count", len(added), "total", c.queue.Len())
	}
	return added
}

// Start 開始分派；已在分派中時不做任何事
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, c.start)
}

func (c *Controller) start() error {
	if c.running {
		return nil
	}
	if total, _ := c.pool.Counts(); total == 0 {
		return ErrNoWorkers
	}
	if c.queue.Len() == 0 {
		return ErrNoJobs
	}
	c.running = true
	c.timer.Reset(0)
	c.log.Info("Dispatch started", "jobs", c.queue.Len())
	return nil
}

// Stop 停止分派；執行中的任務繼續完成或超時
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.stop()
		return nil
	})
}

func (c *Controller) stop() {
	if !c.running {
		return
	}
	c.running = false
	c.timer.Stop()
	c.log.Info("Dispatch stopped")
}

// Status 目前狀態的快照
func (c *Controller) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	err := c.do(ctx, func() error {
		report = c.status()
		return nil
	})
	return report, err
}

func (c *Controller) status() StatusReport {
	report := StatusReport{
		Running: c.running,
		Stats:   c.queue.Stats(),
		Jobs:    c.queue.Views(),
	}
	for _, w := range c.pool.All() {
		report.Workers = append(report.Workers, WorkerView{
			ID:          w.ID,
			Seq:         w.Seq,
			PageID:      w.PageID,
			Remote:      w.Conn.RemoteAddr(),
			Busy:        w.Busy,
			JobID:       w.JobID,
			ConnectedAt: w.ConnectedAt,
		})
		if w.Busy {
			report.Busy++
		}
	}
	return report
}

// JobDir 回傳任務的輸出目錄；索引不存在時回傳輸出根目錄
func (c *Controller) JobDir(ctx context.Context, index int) (string, error) {
	var dir string
	err := c.do(ctx, func() error {
		job := c.queue.At(index)
		switch {
		case job == nil:
			dir = c.store.ResolveDir("")
		case job.SavedDir != "":
			dir = job.SavedDir
		default:
			dir = c.store.ResolveDir(job.OutputDir)
		}
		return nil
	})
	return dir, err
}

// ============================================================================
// 協定事件（由 wire 連線處理器呼叫）
// ============================================================================

// RegisterWorker 登記連線並送出 register_success
func (c *Controller) RegisterWorker(ctx context.Context, conn wire.Sender, pageID string) (string, error) {
	var id string
	err := c.do(ctx, func() error {
		var err error
		id, err = c.register(ctx, conn, pageID)
		return err
	})
	return id, err
}

func (c *Controller) register(ctx context.Context, conn wire.Sender, pageID string) (string, error) {
	w, evicted := c.pool.Register(conn, pageID, c.now())
	if evicted != nil {
		c.log.Info("Replacing worker for same page", "old", evicted.String(), "page", pageID)
		c.release(evicted)
		evicted.Conn.Close()
	}

	sctx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
	defer cancel()
	if err := conn.Send(sctx, wire.RegisterSuccess{ClientID: w.ID}); err != nil {
		c.pool.Unregister(w.ID)
		return "", fmt.Errorf("send register ack: %w", err)
	}

	total, _ := c.pool.Counts()
	c.log.Info("Worker registered",
		"worker", w.String(),
		"remote", conn.RemoteAddr(),
		"workers", total)
	return w.ID, nil
}

// UnregisterWorker 移除 worker；可重複呼叫，空 id 直接忽略
func (c *Controller) UnregisterWorker(workerID string) {
	if workerID == "" {
		return
	}
	c.post(func() { c.unregister(workerID) })
}

func (c *Controller) unregister(workerID string) {
	w := c.pool.Unregister(workerID)
	if w == nil {
		return
	}
	c.release(w)
	total, _ := c.pool.Counts()
	c.log.Info("Worker disconnected", "worker", w.String(), "workers", total)
}

// DeliverPayload 收到完整的結果資料
func (c *Controller) DeliverPayload(workerID string, p wire.Payload) {
	c.post(func() { c.persist(workerID, p) })
}

func (c *Controller) persist(workerID string, p wire.Payload) {
	now := c.now()
	job := c.queue.Get(p.JobID)
	if job == nil || job.Status != types.StatusProcessing || job.WorkerID != workerID {
		c.log.Warn("Dropping payload for job not held by worker", "jobID", p.JobID, "worker", workerID)
		return
	}
	defer c.freeWorker(workerID, now)

	if p.Err != nil {
		c.downloadFailed(job, p.Err.Error(), now)
		return
	}

	path, dir, err := c.store.Save(job.OutputDir, job.RowTag, job.FileExt, p.Data, now)
	if err != nil {
		c.downloadFailed(job, err.Error(), now)
		return
	}

	started := now
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	if err := c.queue.MarkCompleted(job.ID, path, dir, now); err != nil {
		c.log.Error("Failed to mark completed", "jobID", job.ID, "error", err)
		return
	}
	c.metrics.RecordCompleted(now.Sub(started))
	c.log.Info("Job completed", "jobID", job.ID, "path", path, "bytes", len(p.Data))
}

func (c *Controller) downloadFailed(job *types.Job, detail string, now time.Time) {
	if err := c.queue.MarkDownloadFailed(job.ID, detail, now); err != nil {
		c.log.Error("Failed to mark download failed", "jobID", job.ID, "error", err)
		return
	}
	c.metrics.RecordFailed(types.StatusDownloadFailed)
	c.log.Warn("Job download failed", "jobID", job.ID, "error", detail)
}

// ReportResult worker 回報任務結果
func (c *Controller) ReportResult(workerID string, r wire.Result) {
	c.post(func() { c.result(workerID, r) })
}

func (c *Controller) result(workerID string, r wire.Result) {
	now := c.now()
	job := c.queue.Get(types.JobID(r.TaskID))
	if job == nil {
		c.log.Warn("Result for unknown job", "jobID", r.TaskID, "worker", workerID)
		return
	}
	held := job.Status == types.StatusProcessing && job.WorkerID == workerID

	if r.Error != "" {
		if !held {
			c.log.Warn("Ignoring error for job not held by worker", "jobID", job.ID, "worker", workerID, "error", r.Error)
			return
		}
		if err := c.queue.MarkFailed(job.ID, r.Error, now); err != nil {
			c.log.Error("Failed to mark failed", "jobID", job.ID, "error", err)
			return
		}
		c.freeWorker(workerID, now)
		c.metrics.RecordFailed(types.StatusFailed)
		c.log.Warn("Job failed", "jobID", job.ID, "worker", workerID, "error", r.Error)
		return
	}

	if r.URL != "" {
		if err := c.queue.SetResultURL(job.ID, r.URL); err != nil {
			c.log.Error("Failed to record result url", "jobID", job.ID, "error", err)
		}
	}
	if !held {
		if w := c.pool.Get(workerID); w != nil && w.Busy && w.JobID == job.ID {
			c.freeWorker(workerID, now)
		}
		return
	}
	c.log.Debug("Result reported, waiting for payload", "jobID", job.ID, "worker", workerID)
}

// ReportStatus worker 進度訊息，寫入目前任務的狀態說明
func (c *Controller) ReportStatus(workerID string, message string) {
	c.post(func() { c.statusUpdate(workerID, message) })
}

func (c *Controller) statusUpdate(workerID string, message string) {
	c.log.Info("Worker status", "worker", workerID, "message", message)
	w := c.pool.Get(workerID)
	if w == nil || !w.Busy {
		return
	}
	if err := c.queue.SetDetail(w.JobID, message); err != nil {
		c.log.Error("Failed to set detail", "jobID", w.JobID, "error", err)
	}
}

// ============================================================================
// 快照
// ============================================================================

func (c *Controller) restore() {
	if c.snaps == nil {
		return
	}
	start := time.Now()
	data, err := c.snaps.Load()
	if err != nil {
		c.log.Warn("Failed to load snapshot, starting empty", "error", err)
		return
	}
	if len(data.Jobs) == 0 {
		return
	}
	c.queue.Restore(data.Jobs)
	c.log.Info("Snapshot loaded",
		"duration", time.Since(start),
		"jobs", c.queue.Len())
}

func (c *Controller) writeSnapshot() {
	if c.snaps == nil {
		return
	}
	data := types.SnapshotData{
		Jobs:    c.queue.Jobs(),
		TakenAt: c.now(),
	}
	if err := c.snaps.Write(data); err != nil {
		c.log.Error("Failed to write snapshot", "error", err)
	}
}
