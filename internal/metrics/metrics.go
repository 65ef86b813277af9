// ============================================================================
// genqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露分派器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - genqueue_jobs_enqueued_total: 加入佇列的任務數
//      - genqueue_jobs_dispatched_total: 已送給 worker 的任務數
//      - genqueue_jobs_completed_total: 已保存結果的任務數
//      - genqueue_jobs_skipped_total: 輸出已存在而跳過的任務數
//      - genqueue_jobs_failed_total{status}: 失敗任務數（failed / download_failed / timed_out）
//      - genqueue_jobs_requeued_total: 斷線或送出失敗而放回佇列的次數
//
//   2. 性能指標 (Histogram)：
//      - genqueue_job_latency_seconds: 分派到保存的耗時（生成通常需要數十秒到數分鐘）
//
//   3. 狀態指標 (Gauge)：
//      - genqueue_jobs_pending / genqueue_jobs_processing
//      - genqueue_workers / genqueue_workers_busy
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(genqueue_jobs_completed_total[1m])
//
//   # 超時比例
//   rate(genqueue_jobs_failed_total{status="timed_out"}[15m]) / rate(genqueue_jobs_dispatched_total[15m])
//
// HTTP 端點:
//   /metrics，位址由設定檔 metrics.listen 決定
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/genqueue/pkg/types"
)

// LatencyBuckets 生成任務的延遲分桶（秒）
var LatencyBuckets = []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300, 600}

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsSkipped    prometheus.Counter
	jobsFailed     *prometheus.CounterVec
	jobsRequeued   prometheus.Counter

	// 效能指標
	jobLatency prometheus.Histogram

	// 狀態指標
	jobsPending    prometheus.Gauge
	jobsProcessing prometheus.Gauge
	workers        prometheus.Gauge
	workersBusy    prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設註冊器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genqueue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genqueue_jobs_dispatched_total",
			Help: "Total number of jobs sent to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genqueue_jobs_completed_total",
			Help: "Total number of jobs whose output was saved",
		}),
		jobsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genqueue_jobs_skipped_total",
			Help: "Total number of jobs skipped because their output already existed",
		}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genqueue_jobs_failed_total",
			Help: "Total number of jobs that ended without output, by final status",
		}, []string{"status"}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genqueue_jobs_requeued_total",
			Help: "Total number of times a job was returned to pending",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genqueue_job_latency_seconds",
			Help:    "Time from dispatch to saved output in seconds",
			Buckets: LatencyBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genqueue_jobs_pending",
			Help: "Current number of pending jobs",
		}),
		jobsProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genqueue_jobs_processing",
			Help: "Current number of jobs held by workers",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genqueue_workers",
			Help: "Current number of connected workers",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genqueue_workers_busy",
			Help: "Current number of workers holding a job",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsSkipped,
		c.jobsFailed,
		c.jobsRequeued,
		c.jobLatency,
		c.jobsPending,
		c.jobsProcessing,
		c.workers,
		c.workersBusy,
	)

	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latency time.Duration) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordSkipped 記錄因輸出已存在而跳過的任務
func (c *Collector) RecordSkipped() {
	c.jobsSkipped.Inc()
}

// RecordFailed 依最終狀態記錄失敗
func (c *Collector) RecordFailed(status types.JobStatus) {
	c.jobsFailed.WithLabelValues(string(status)).Inc()
}

// RecordRequeue 記錄任務放回佇列
func (c *Collector) RecordRequeue() {
	c.jobsRequeued.Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, processing int) {
	c.jobsPending.Set(float64(pending))
	c.jobsProcessing.Set(float64(processing))
}

// UpdateWorkers 更新 worker 數量
func (c *Collector) UpdateWorkers(total, busy int) {
	c.workers.Set(float64(total))
	c.workersBusy.Set(float64(busy))
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，直到 ctx 取消
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
