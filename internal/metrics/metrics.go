// ============================================================================
// Escrow Ledger Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露帳本運行指標，支持 Prometheus 監控
//
// 監控理念:
//   基於 RED 方法（Rate, Errors, Duration）
//
// 指標分類:
//
//   1. 操作計數器 (Counter) - 累計值，只增不減：
//      - escrow_operations_total{op,outcome}: 各操作成功/失敗次數
//      - escrow_operation_failures_total{op,kind}: 依錯誤代碼分類的失敗次數
//      - escrow_events_emitted_total{type}: 發出的事件數
//      - escrow_paid_out_wei_total / escrow_refunded_wei_total: 撥款與退款總額
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - escrow_operation_latency_seconds{op}: 操作延遲（含 WAL 落盤）
//      - escrow_snapshot_duration_seconds: 快照耗時
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - escrow_jobs{status}: 各狀態工作數
//      - escrow_value_held_wei: 託管帳戶餘額
//      - escrow_recovery_time_seconds: 最近一次恢復時間
//      - escrow_recovery_replayed_events: 最近一次恢復重放的 WAL 事件數
//
// Prometheus 查詢示例:
//
//   # 每分鐘建立的工作數
//   rate(escrow_operations_total{op="create_gig",outcome="ok"}[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, sum by (le) (rate(escrow_operation_latency_seconds_bucket[5m])))
//
//   # 拒絕原因分佈
//   sum by (kind) (rate(escrow_operation_failures_total[5m]))
//
// 金額指標以 float64 近似，只用於趨勢觀察，不可用於對帳
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 操作相關指標
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	events     *prometheus.CounterVec
	paidOut    prometheus.Counter
	refunded   prometheus.Counter

	// 恢復與快照
	recoveryTime    prometheus.Gauge
	replayedEvents  prometheus.Gauge
	snapshotLatency prometheus.Histogram

	// 狀態指標
	jobs      *prometheus.GaugeVec
	valueHeld prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到預設 registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到 reg
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of ledger operations by outcome",
		}, []string{"op", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_operation_failures_total",
			Help: "Total number of rejected ledger operations by error kind",
		}, []string{"op", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_operation_latency_seconds",
			Help:    "Ledger operation latency in seconds, including the WAL flush",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_events_emitted_total",
			Help: "Total number of ledger events emitted",
		}, []string{"type"}),
		paidOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_paid_out_wei_total",
			Help: "Total value paid out to developers (approximate)",
		}),
		refunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_refunded_wei_total",
			Help: "Total value refunded to clients (approximate)",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_recovery_time_seconds",
			Help: "Time taken by the last recovery in seconds",
		}),
		replayedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_recovery_replayed_events",
			Help: "Number of WAL events replayed by the last recovery",
		}),
		snapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_snapshot_duration_seconds",
			Help:    "Time taken to write a snapshot and rotate the WAL",
			Buckets: prometheus.DefBuckets,
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_jobs",
			Help: "Current number of jobs by status",
		}, []string{"status"}),
		valueHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_value_held_wei",
			Help: "Value currently locked in escrow (approximate)",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.failures,
		c.latency,
		c.events,
		c.paidOut,
		c.refunded,
		c.recoveryTime,
		c.replayedEvents,
		c.snapshotLatency,
		c.jobs,
		c.valueHeld,
	)

	return c
}

// RecordOperation 記錄一次帳本操作
//
// 參數：
//   - op: 操作名稱
//   - latencySeconds: 耗時
//   - kind: 錯誤代碼，成功時為空字串
func (c *Collector) RecordOperation(op string, latencySeconds float64, kind string) {
	c.latency.WithLabelValues(op).Observe(latencySeconds)
	if kind == "" {
		c.operations.WithLabelValues(op, outcomeOK).Inc()
		return
	}
	c.operations.WithLabelValues(op, outcomeError).Inc()
	c.failures.WithLabelValues(op, kind).Inc()
}

// RecordEvent 記錄發出的事件
func (c *Collector) RecordEvent(eventType string) {
	c.events.WithLabelValues(eventType).Inc()
}

// RecordPayout 記錄撥款金額
func (c *Collector) RecordPayout(value float64) {
	if value > 0 {
		c.paidOut.Add(value)
	}
}

// RecordRefund 記錄退款金額
func (c *Collector) RecordRefund(value float64) {
	if value > 0 {
		c.refunded.Add(value)
	}
}

// SetRecoveryTime 設置恢復時間與重放事件數
func (c *Collector) SetRecoveryTime(seconds float64, replayed int) {
	c.recoveryTime.Set(seconds)
	c.replayedEvents.Set(float64(replayed))
}

// RecordSnapshot 記錄一次快照耗時
func (c *Collector) RecordSnapshot(seconds float64) {
	c.snapshotLatency.Observe(seconds)
}

// UpdateJobStats 更新各狀態工作數
func (c *Collector) UpdateJobStats(open, inProgress, submitted, completed, cancelled int) {
	c.jobs.WithLabelValues("open").Set(float64(open))
	c.jobs.WithLabelValues("in_progress").Set(float64(inProgress))
	c.jobs.WithLabelValues("submitted").Set(float64(submitted))
	c.jobs.WithLabelValues("completed").Set(float64(completed))
	c.jobs.WithLabelValues("cancelled").Set(float64(cancelled))
}

// SetValueHeld 設置託管中的總額
func (c *Collector) SetValueHeld(value float64) {
	c.valueHeld.Set(value)
}

// Handler 回傳 g 的 /metrics HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立獨立位址的 Prometheus metrics HTTP 伺服器，由呼叫端負責 ListenAndServe 與 Shutdown
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//   - g: 要輸出的 Gatherer
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
