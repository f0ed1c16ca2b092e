// ============================================================================
// gpu-queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露佇列運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - gpuqueue_jobs_submitted_total{priority}
//      - gpuqueue_jobs_rejected_total{reason}: validation / queue_full
//      - gpuqueue_jobs_started_total
//      - gpuqueue_jobs_finished_total{status}: completed / failed / cancelled
//      - gpuqueue_jobs_reclaimed_total: 被 reaper 回收的逾時任務
//
//   2. 分佈 (Histogram):
//      - gpuqueue_job_wait_seconds: 提交到開始執行的等待時間
//      - gpuqueue_job_runtime_seconds{status}: 開始到結束的執行時間
//
//   3. 狀態 (Gauge):
//      - gpuqueue_jobs{status}: 各狀態任務數
//      - gpuqueue_workers_active
//      - gpuqueue_queue_depth
//
//   4. 事件廣播:
//      - gpuqueue_events_broadcast_total{type}
//      - gpuqueue_event_observers
//      - gpuqueue_observers_dropped_total
//      - gpuqueue_event_resubscribes_total
//
// Prometheus 查詢示例:
//
//   # 95 分位等待時間
//   histogram_quantile(0.95, rate(gpuqueue_job_wait_seconds_bucket[5m]))
//
//   # 拒絕率
//   rate(gpuqueue_jobs_rejected_total[5m]) / rate(gpuqueue_jobs_submitted_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

const namespace = "gpuqueue"

// Collector Prometheus 指標收集器
//
// 同時實作 queue.Recorder 與 events.Recorder
type Collector struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	started   prometheus.Counter
	finished  *prometheus.CounterVec
	reclaimed prometheus.Counter

	waitTime    prometheus.Histogram
	runtimeTime *prometheus.HistogramVec

	jobs          *prometheus.GaugeVec
	workersActive prometheus.Gauge
	queueDepth    prometheus.Gauge

	broadcasts       *prometheus.CounterVec
	observers        prometheus.Gauge
	observersDropped prometheus.Counter
	resubscribes     prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector 創建並註冊指標收集器
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted into the queue",
		}, []string{"priority"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected",
		}, []string{"reason"}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs handed to workers",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs reaching a terminal state",
		}, []string{"status"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Total number of stale running jobs failed by the reaper",
		}),
		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_wait_seconds",
			Help:      "Time from submission to start",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		runtimeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_runtime_seconds",
			Help:      "Time from start to a terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs per status",
		}, []string{"status"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers with a live heartbeat",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of pending jobs",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to observers",
		}, []string{"type"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_observers",
			Help:      "Observers reached by the last broadcast",
		}),
		observersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observers_dropped_total",
			Help:      "Observers removed after a failed send",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_resubscribes_total",
			Help:      "Times the event listener re-subscribed to the bus",
		}),
	}

	reg.MustRegister(
		c.submitted, c.rejected, c.started, c.finished, c.reclaimed,
		c.waitTime, c.runtimeTime,
		c.jobs, c.workersActive, c.queueDepth,
		c.broadcasts, c.observers, c.observersDropped, c.resubscribes,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// ============================================================================
// queue.Recorder
// ============================================================================

func (c *Collector) RecordSubmitted(priority string) {
	c.submitted.WithLabelValues(priority).Inc()
}

func (c *Collector) RecordRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordStarted(wait time.Duration) {
	c.started.Inc()
	c.waitTime.Observe(wait.Seconds())
}

// RecordFinished 記錄任務進入終態；取消的待處理任務 runtime 為 0，不計入分佈
func (c *Collector) RecordFinished(status string, runtime time.Duration) {
	c.finished.WithLabelValues(status).Inc()
	if runtime > 0 {
		c.runtimeTime.WithLabelValues(status).Observe(runtime.Seconds())
	}
}

func (c *Collector) RecordReclaimed() {
	c.reclaimed.Inc()
}

// ============================================================================
// events.Recorder
// ============================================================================

func (c *Collector) RecordBroadcast(eventType string, observers int) {
	c.broadcasts.WithLabelValues(eventType).Inc()
	c.observers.Set(float64(observers))
}

func (c *Collector) RecordObserverDropped() {
	c.observersDropped.Inc()
}

func (c *Collector) RecordResubscribe() {
	c.resubscribes.Inc()
}

// ============================================================================
// 狀態快照
// ============================================================================

// UpdateQueueStats 依佇列統計更新 gauge
func (c *Collector) UpdateQueueStats(stats types.QueueStats) {
	for _, s := range types.AllStatuses {
		c.jobs.WithLabelValues(string(s)).Set(float64(stats.Counts[s]))
	}
	c.workersActive.Set(float64(stats.ActiveWorkers))
	c.queueDepth.Set(float64(stats.QueueDepth))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
