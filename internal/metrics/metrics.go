// ============================================================================
// Talent-Match Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露評分管線與推薦索引的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter):
//      - talent_match_tasks_enqueued_total: 入隊評分任務總數
//      - talent_match_tasks_duplicate_total: 重複入隊（冪等略過）次數
//      - talent_match_tasks_dispatched_total: 分派給 worker 的嘗試次數
//      - talent_match_tasks_completed_total: 完成的任務總數
//      - talent_match_tasks_retried_total: 排定重試次數
//      - talent_match_tasks_failed_terminal_total: 永久失敗任務總數
//      - talent_match_recommend_tier_hits_total{tier}: 推薦查詢由哪一層回答
//
//   2. 分佈 (Histogram):
//      - talent_match_scoring_latency_seconds: 單次評分嘗試延遲
//      - talent_match_match_score: 評分分佈（0 ~ 5）
//
//   3. 狀態 (Gauge):
//      - talent_match_recovery_time_seconds: 最近一次快照恢復時間
//      - talent_match_tasks_pending / talent_match_tasks_in_progress
//
// Prometheus 查詢示例:
//
//   # 95 分位評分延遲
//   histogram_quantile(0.95, rate(talent_match_scoring_latency_seconds_bucket[5m]))
//
//   # 推薦降級比例
//   sum(rate(talent_match_recommend_tier_hits_total{tier=~"category|recent"}[5m]))
//     / sum(rate(talent_match_recommend_tier_hits_total[5m]))
//
// 註冊:
//   Collector 註冊到呼叫者提供的 prometheus.Registerer，
//   測試可各自使用獨立的 Registry。
//   所有 Record 方法允許 nil receiver，未啟用監控時直接略過。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "talent_match"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksEnqueued   prometheus.Counter
	tasksDuplicate  prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksRetried    prometheus.Counter
	tasksTerminal   prometheus.Counter

	// 效能指標
	scoringLatency prometheus.Histogram
	matchScore     prometheus.Histogram
	recoveryTime   prometheus.Gauge

	// 狀態指標
	tasksPending    prometheus.Gauge
	tasksInProgress prometheus.Gauge

	// 推薦
	tierHits *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Total number of scoring tasks enqueued",
		}),
		tasksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_duplicate_total",
			Help:      "Total number of enqueue calls ignored because a task was already active",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of scoring attempts dispatched to workers",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of scoring tasks completed",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Total number of retries scheduled after a retryable failure",
		}),
		tasksTerminal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_terminal_total",
			Help:      "Total number of scoring tasks that failed permanently",
		}),
		scoringLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_latency_seconds",
			Help:      "Scoring attempt latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		matchScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_score",
			Help:      "Distribution of computed match scores",
			Buckets:   prometheus.LinearBuckets(0.5, 0.5, 10),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore task state from the last snapshot",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_pending",
			Help:      "Current number of pending scoring tasks",
		}),
		tasksInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_progress",
			Help:      "Current number of scoring tasks being executed",
		}),
		tierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommend_tier_hits_total",
			Help:      "Recommendation queries answered, by tier",
		}, []string{"tier"}),
	}

	reg.MustRegister(
		c.tasksEnqueued,
		c.tasksDuplicate,
		c.tasksDispatched,
		c.tasksCompleted,
		c.tasksRetried,
		c.tasksTerminal,
		c.scoringLatency,
		c.matchScore,
		c.recoveryTime,
		c.tasksPending,
		c.tasksInProgress,
		c.tierHits,
	)
	return c
}

// RecordEnqueue 記錄任務加入佇列
func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.tasksEnqueued.Inc()
}

// RecordDuplicate 記錄重複入隊
func (c *Collector) RecordDuplicate() {
	if c == nil {
		return
	}
	c.tasksDuplicate.Inc()
}

// RecordDispatch 記錄嘗試分派
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordCompleted 記錄任務完成；skipped 表示已有結果，不計入評分分佈
func (c *Collector) RecordCompleted(latencySeconds, score float64, skipped bool) {
	if c == nil {
		return
	}
	c.tasksCompleted.Inc()
	c.scoringLatency.Observe(latencySeconds)
	if !skipped {
		c.matchScore.Observe(score)
	}
}

// RecordRetry 記錄排定重試
func (c *Collector) RecordRetry(latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksRetried.Inc()
	c.scoringLatency.Observe(latencySeconds)
}

// RecordTerminal 記錄永久失敗
func (c *Collector) RecordTerminal() {
	if c == nil {
		return
	}
	c.tasksTerminal.Inc()
}

// RecordRecommendation 記錄推薦查詢的回答層
func (c *Collector) RecordRecommendation(tier string) {
	if c == nil {
		return
	}
	c.tierHits.WithLabelValues(tier).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateTaskStats 更新任務狀態統計
func (c *Collector) UpdateTaskStats(pending, inProgress int) {
	if c == nil {
		return
	}
	c.tasksPending.Set(float64(pending))
	c.tasksInProgress.Set(float64(inProgress))
}

// Handler 回傳 g 的 /metrics 處理器
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
