// ============================================================================
// genqueue 任務佇列 - 有序任務表與單調掃描游標
// ============================================================================
//
// Package: internal/jobqueue
// 文件: job_queue.go
// 功能: 保存所有任務（依插入順序），提供分派所需的狀態轉換
//
// 任務狀態轉換:
//   Pending
//      ↓ MarkProcessing()
//   Processing ──Requeue()──→ Pending（斷線或送出失敗）
//      ↓ MarkCompleted / MarkDownloadFailed / MarkFailed / SweepTimeouts
//   Completed / DownloadFailed / Failed / TimedOut（終態，不重試）
//
// 掃描規則:
//   - cursor 只前進不後退，NextPending 會越過所有非 Pending 的任務
//   - 游標已越過、之後又被 Requeue 回 Pending 的任務，放入 requeued 清單，
//     NextPending 優先回傳，因此不會被永久跳過
//
// 並發:
//   不加鎖。唯一擁有者是 controller 的事件迴圈 goroutine。
//
// ============================================================================

package jobqueue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在執行中狀態
	ErrNotProcessing = errors.New("job not processing")
	// 任務不在待處理狀態
	ErrNotPending = errors.New("job not pending")
)

// SkippedDetail 已存在輸出檔時的狀態說明
const SkippedDetail = "skipped, already exists"

// ============================================================================
// 資料結構定義
// ============================================================================

// Queue 任務佇列
type Queue struct {
	jobs       []*types.Job               // 依插入順序
	byID       map[types.JobID]*types.Job // ID 索引
	processing map[types.JobID]*types.Job // 執行中索引，供超時掃描
	cursor     int                        // 掃描游標
	requeued   []int                      // 游標已越過但回到 Pending 的任務索引（FIFO）
}

// Expired 超時任務與原本負責的 worker
type Expired struct {
	Job      *types.Job
	WorkerID string
}

// New 建立空佇列
func New() *Queue {
	return &Queue{
		jobs:       make([]*types.Job, 0),
		byID:       make(map[types.JobID]*types.Job),
		processing: make(map[types.JobID]*types.Job),
	}
}

// ============================================================================
// 新增與掃描
// ============================================================================

// Append 加入新任務
//
// 空白 prompt 直接忽略（回傳 false，不視為錯誤）。
// 純文字類型會清空參考圖；副檔名由任務類型推導。
func (q *Queue) Append(spec types.JobSpec, now time.Time) (*types.Job, bool) {
	prompt := strings.TrimSpace(spec.Prompt)
	if prompt == "" {
		return nil, false
	}

	jobType := spec.Type
	if jobType == "" {
		jobType = types.TypeCreateImage
	}

	refs := spec.ReferenceImages
	if jobType.TextOnly() {
		refs = nil
	} else if refs != nil {
		refs = append([]types.ReferenceImage(nil), refs...)
	}

	index := len(q.jobs)
	job := &types.Job{
		ID:              types.JobID(fmt.Sprintf("job_%d_%d", index, now.UnixNano())),
		Index:           index,
		Prompt:          prompt,
		Type:            jobType,
		AspectRatio:     spec.AspectRatio,
		Resolution:      spec.Resolution,
		ReferenceImages: refs,
		OutputDir:       spec.OutputDir,
		RowTag:          strings.TrimSpace(spec.RowTag),
		FileExt:         jobType.FileExt(),
		Status:          types.StatusPending,
		CreatedAt:       now,
	}

	q.jobs = append(q.jobs, job)
	q.byID[job.ID] = job
	return job, true
}

// NextPending 回傳下一個待處理任務，但不消耗它
//
// 先看 requeued 清單，再從游標往後掃描；掃描時越過的非 Pending 任務不再回頭。
func (q *Queue) NextPending() *types.Job {
	for len(q.requeued) > 0 {
		job := q.jobs[q.requeued[0]]
		if job.Status == types.StatusPending {
			return job
		}
		q.requeued = q.requeued[1:]
	}

	for q.cursor < len(q.jobs) {
		job := q.jobs[q.cursor]
		if job.Status == types.StatusPending {
			return job
		}
		q.cursor++
	}
	return nil
}

// Advance 任務分派後，將游標（或 requeued 清單）推過此任務
func (q *Queue) Advance(job *types.Job) {
	if len(q.requeued) > 0 && q.requeued[0] == job.Index {
		q.requeued = q.requeued[1:]
		return
	}
	if q.cursor == job.Index {
		q.cursor++
	}
}

// Cursor 目前游標位置
func (q *Queue) Cursor() int {
	return q.cursor
}

// ============================================================================
// 狀態轉換
// ============================================================================

// MarkProcessing Pending → Processing
func (q *Queue) MarkProcessing(jobID types.JobID, workerID string, now time.Time) error {
	job, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, jobID, job.Status)
	}

	started := now
	job.Status = types.StatusProcessing
	job.StatusDetail = ""
	job.WorkerID = workerID
	job.StartedAt = &started
	job.EndedAt = nil
	q.processing[jobID] = job
	return nil
}

// MarkSkipped 輸出檔已存在，直接視為完成，不經過 worker
func (q *Queue) MarkSkipped(jobID types.JobID, path, dir string, now time.Time) error {
	job, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, jobID, job.Status)
	}

	ended := now
	job.Status = types.StatusCompleted
	job.StatusDetail = SkippedDetail
	job.SavedPath = path
	job.SavedDir = dir
	job.EndedAt = &ended
	return nil
}

// MarkCompleted Processing → Completed，記錄輸出路徑
func (q *Queue) MarkCompleted(jobID types.JobID, path, dir string, now time.Time) error {
	job, err := q.finish(jobID, types.StatusCompleted, "", now)
	if err != nil {
		return err
	}
	job.SavedPath = path
	job.SavedDir = dir
	return nil
}

// MarkDownloadFailed Processing → DownloadFailed
func (q *Queue) MarkDownloadFailed(jobID types.JobID, detail string, now time.Time) error {
	_, err := q.finish(jobID, types.StatusDownloadFailed, detail, now)
	return err
}

// MarkFailed Processing → Failed
func (q *Queue) MarkFailed(jobID types.JobID, detail string, now time.Time) error {
	_, err := q.finish(jobID, types.StatusFailed, detail, now)
	return err
}

func (q *Queue) finish(jobID types.JobID, status types.JobStatus, detail string, now time.Time) (*types.Job, error) {
	job, ok := q.byID[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProcessing, jobID, job.Status)
	}

	ended := now
	job.Status = status
	job.StatusDetail = detail
	job.WorkerID = ""
	job.EndedAt = &ended
	delete(q.processing, jobID)
	return job, nil
}

// Requeue Processing → Pending（worker 斷線或任務送出失敗）
//
// 游標已越過此任務時放入 requeued 清單，確保下一次 NextPending 看得到。
func (q *Queue) Requeue(jobID types.JobID) error {
	job, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != types.StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotProcessing, jobID, job.Status)
	}

	job.Status = types.StatusPending
	job.WorkerID = ""
	job.StartedAt = nil
	delete(q.processing, jobID)

	if job.Index < q.cursor {
		q.requeued = append(q.requeued, job.Index)
	}
	return nil
}

// SweepTimeouts 將執行時間超過 threshold 的任務標記為 TimedOut
func (q *Queue) SweepTimeouts(now time.Time, threshold time.Duration) []Expired {
	var expired []Expired
	for _, job := range q.processing {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) <= threshold {
			continue
		}
		expired = append(expired, Expired{Job: job, WorkerID: job.WorkerID})
	}
	if len(expired) == 0 {
		return nil
	}

	sort.Slice(expired, func(i, k int) bool {
		return expired[i].Job.Index < expired[k].Job.Index
	})

	detail := timeoutDetail(threshold)
	for _, e := range expired {
		ended := now
		e.Job.Status = types.StatusTimedOut
		e.Job.StatusDetail = detail
		e.Job.WorkerID = ""
		e.Job.EndedAt = &ended
		delete(q.processing, e.Job.ID)
	}
	return expired
}

func timeoutDetail(threshold time.Duration) string {
	if threshold >= time.Minute && threshold%time.Minute == 0 {
		return fmt.Sprintf("timed out after %d minutes", int(threshold/time.Minute))
	}
	return fmt.Sprintf("timed out after %s", threshold)
}

// SetDetail 更新狀態說明（worker 進度訊息）
func (q *Queue) SetDetail(jobID types.JobID, detail string) error {
	job, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.StatusDetail = detail
	return nil
}

// SetResultURL 記錄 worker 回報的結果位置
func (q *Queue) SetResultURL(jobID types.JobID, url string) error {
	job, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.ResultURL = url
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 依 ID 取得任務
func (q *Queue) Get(jobID types.JobID) *types.Job {
	return q.byID[jobID]
}

// At 依插入索引取得任務
func (q *Queue) At(index int) *types.Job {
	if index < 0 || index >= len(q.jobs) {
		return nil
	}
	return q.jobs[index]
}

// Len 任務總數
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Jobs 回傳所有任務的拷貝
func (q *Queue) Jobs() []*types.Job {
	out := make([]*types.Job, len(q.jobs))
	for i, job := range q.jobs {
		out[i] = job.Clone()
	}
	return out
}

// Views 同 Jobs，但參考圖只留路徑
func (q *Queue) Views() []*types.Job {
	out := make([]*types.Job, len(q.jobs))
	for i, job := range q.jobs {
		out[i] = job.View()
	}
	return out
}

// Stats 各狀態任務數
func (q *Queue) Stats() map[types.JobStatus]int {
	stats := map[types.JobStatus]int{
		types.StatusPending:        0,
		types.StatusProcessing:     0,
		types.StatusCompleted:      0,
		types.StatusDownloadFailed: 0,
		types.StatusFailed:         0,
		types.StatusTimedOut:       0,
	}
	for _, job := range q.jobs {
		stats[job.Status]++
	}
	return stats
}

// Restore 以快照內容重建佇列
//
// 重啟前仍在執行中的任務已失去 worker，回到 Pending。
func (q *Queue) Restore(jobs []*types.Job) {
	q.jobs = make([]*types.Job, 0, len(jobs))
	q.byID = make(map[types.JobID]*types.Job, len(jobs))
	q.processing = make(map[types.JobID]*types.Job)
	q.cursor = 0
	q.requeued = nil

	for _, j := range jobs {
		if j == nil {
			continue
		}
		job := j.Clone()
		job.Index = len(q.jobs)
		if job.Status == types.StatusProcessing {
			job.Status = types.StatusPending
			job.WorkerID = ""
			job.StartedAt = nil
		}
		q.jobs = append(q.jobs, job)
		q.byID[job.ID] = job
	}
}
