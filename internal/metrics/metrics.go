// ============================================================================
// Stasis Pool Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 統計任務生命週期並暴露給 Prometheus 抓取
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - stasis_tasks_enqueued_total:  入隊任務總數
//      - stasis_tasks_completed_total: 以結束碼 0 結束的任務總數
//      - stasis_tasks_failed_total:    非零結束碼或被訊號終止的任務總數
//      - stasis_tasks_killed_total:    被 kill/fail-fast 送出訊號的行程總數
//      - stasis_drains_aborted_total:  被 fail-fast 或取消中止的 drain 總數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - stasis_task_duration_seconds: 行程啟動到結束的時間
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - stasis_tasks_running: 目前執行中（含暫停中）的行程數
//
// Prometheus 查詢示例:
//
//   # 最近一小時失敗率
//   increase(stasis_tasks_failed_total[1h]) / increase(stasis_tasks_enqueued_total[1h])
//
//   # 95 分位任務時間
//   histogram_quantile(0.95, stasis_task_duration_seconds_bucket)
//
// HTTP 端點:
//   /metrics，監聽位址由設定決定（預設 127.0.0.1:9090）
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

	"github.com/spacetelescope/stasis-sub001/pkg/types"
)

// Collector 持有 Pool 的所有指標，實作 pool.Observer
type Collector struct {
	tasksEnqueued  prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksKilled    prometheus.Counter
	drainsAborted  prometheus.Counter

	taskDuration prometheus.Histogram
	tasksRunning prometheus.Gauge
}

// 任務時間從不到一秒的檢查到一小時的測試套件都有
var durationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}

// NewCollector 建立指標並註冊到 reg
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stasis_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stasis_tasks_completed_total",
			Help: "Total number of tasks that exited with status zero",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stasis_tasks_failed_total",
			Help: "Total number of tasks that exited non-zero or were terminated by a signal",
		}),
		tasksKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stasis_tasks_killed_total",
			Help: "Total number of task processes signalled by kill",
		}),
		drainsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stasis_drains_aborted_total",
			Help: "Total number of drains aborted by fail-fast or cancellation",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stasis_task_duration_seconds",
			Help:    "Task run time in seconds",
			Buckets: durationBuckets,
		}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stasis_tasks_running",
			Help: "Current number of running task processes",
		}),
	}

	reg.MustRegister(
		c.tasksEnqueued,
		c.tasksCompleted,
		c.tasksFailed,
		c.tasksKilled,
		c.drainsAborted,
		c.taskDuration,
		c.tasksRunning,
	)
	return c
}

// TaskEnqueued 記錄新入隊的任務
func (c *Collector) TaskEnqueued(string) {
	c.tasksEnqueued.Inc()
}

// TaskStarted 記錄行程啟動
func (c *Collector) TaskStarted(string) {
	c.tasksRunning.Inc()
}

// TaskExited 記錄行程結束及其執行時間
func (c *Collector) TaskExited(res types.TaskResult) {
	c.tasksRunning.Dec()
	if res.Failed() {
		c.tasksFailed.Inc()
	} else {
		c.tasksCompleted.Inc()
	}
	if res.Duration > 0 {
		c.taskDuration.Observe(res.Duration.Seconds())
	}
}

// TasksKilled 記錄被送出訊號的行程數
func (c *Collector) TasksKilled(n int) {
	if n > 0 {
		c.tasksKilled.Add(float64(n))
	}
}

// DrainFinished 記錄 drain 結果
func (c *Collector) DrainFinished(report *types.DrainReport) {
	if report != nil && report.Aborted {
		c.drainsAborted.Inc()
	}
}

// Handler returns the /metrics handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
