// ============================================================================
// genqueue Worker Pool - 已連線 worker 的登記表
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 追蹤每條 worker 連線的忙碌/閒置狀態與冷卻時間
//
// 生命週期:
//   1. Register(conn, pageID) - 握手成功後登記；同一 pageID 的舊連線先被踢除
//   2. Idle(now)              - 依登記順序挑出閒置且已過冷卻期的 worker
//   3. MarkBusy / MarkIdle    - 分派與完成時切換狀態
//   4. Unregister(id)         - 斷線時移除（重複呼叫無副作用）
//
// 冷卻:
//   MarkIdle 一律更新 LastCompletion，冷卻期內的 worker 被略過而不是移除，
//   下一次 Idle() 會再被考慮。
//
// 並發:
//   不加鎖。唯一擁有者是 controller 的事件迴圈 goroutine。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/genqueue/internal/wire"
	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrWorkerNotFound 表示 worker 不存在（可能已斷線）
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerBusy 表示 worker 已有任務
	ErrWorkerBusy = errors.New("worker is busy")
)

// DefaultCooldown 完成任務後到下次分派之間的最短間隔
const DefaultCooldown = 3 * time.Second

// ============================================================================
// 資料結構定義
// ============================================================================

// Conn 代表 worker 的連線，由 wire 套件實作
type Conn interface {
	Send(ctx context.Context, msg wire.Message) error
	Close() error
	RemoteAddr() string
}

// Worker 一條已登記的連線
type Worker struct {
	ID             string
	Seq            int
	PageID         string
	Conn           Conn
	Busy           bool
	JobID          types.JobID
	LastCompletion time.Time // 零值代表尚未完成過任務
	ConnectedAt    time.Time
}

// String 日誌用的可讀名稱
func (w *Worker) String() string {
	return fmt.Sprintf("#%d(%s)", w.Seq, w.ID)
}

// Pool worker 登記表
type Pool struct {
	workers  map[string]*Worker
	order    []string // 登記順序
	seq      int
	cooldown time.Duration
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立 Pool；cooldown <= 0 時使用 DefaultCooldown
func NewPool(cooldown time.Duration) *Pool {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Pool{
		workers:  make(map[string]*Worker),
		order:    make([]string, 0),
		cooldown: cooldown,
	}
}

// Register 登記新連線
//
// 若已有相同 pageID 的 worker（分頁重新整理後重連），先將其移除並回傳，
// 呼叫端負責把它的任務放回佇列並關閉舊連線。
func (p *Pool) Register(conn Conn, pageID string, now time.Time) (w *Worker, evicted *Worker) {
	if pageID != "" {
		for _, id := range p.order {
			if old := p.workers[id]; old.PageID == pageID {
				evicted = p.Unregister(id)
				break
			}
		}
	}

	p.seq++
	w = &Worker{
		ID:          "w-" + uuid.NewString()[:8],
		Seq:         p.seq,
		PageID:      pageID,
		Conn:        conn,
		ConnectedAt: now,
	}
	p.workers[w.ID] = w
	p.order = append(p.order, w.ID)
	return w, evicted
}

// Unregister 移除 worker，回傳被移除的實例；不存在時回傳 nil
func (p *Pool) Unregister(workerID string) *Worker {
	w, ok := p.workers[workerID]
	if !ok {
		return nil
	}
	delete(p.workers, workerID)
	for i, id := range p.order {
		if id == workerID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return w
}

// Idle 依登記順序回傳第一個閒置且不在冷卻期的 worker
func (p *Pool) Idle(now time.Time) *Worker {
	for _, id := range p.order {
		w := p.workers[id]
		if w.Busy {
			continue
		}
		if !w.LastCompletion.IsZero() && now.Sub(w.LastCompletion) < p.cooldown {
			continue
		}
		return w
	}
	return nil
}

// MarkBusy 將 worker 標記為執行中
func (p *Pool) MarkBusy(workerID string, jobID types.JobID) error {
	w, ok := p.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	if w.Busy {
		return fmt.Errorf("%w: %s holds %s", ErrWorkerBusy, w, w.JobID)
	}
	w.Busy = true
	w.JobID = jobID
	return nil
}

// MarkIdle 釋放 worker，並開始冷卻計時
func (p *Pool) MarkIdle(workerID string, now time.Time) error {
	w, ok := p.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.Busy = false
	w.JobID = ""
	w.LastCompletion = now
	return nil
}

// Get 依 ID 取得 worker
func (p *Pool) Get(workerID string) *Worker {
	return p.workers[workerID]
}

// All 依登記順序回傳所有 worker
func (p *Pool) All() []*Worker {
	out := make([]*Worker, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.workers[id])
	}
	return out
}

// Counts 回傳 (總數, 忙碌數)
func (p *Pool) Counts() (total, busy int) {
	for _, w := range p.workers {
		if w.Busy {
			busy++
		}
	}
	return len(p.workers), busy
}

// Cooldown 目前的冷卻設定
func (p *Pool) Cooldown() time.Duration {
	return p.cooldown
}
