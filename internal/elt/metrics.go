package elt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsNamespace 指标命名空间
const MetricsNamespace = "elt_runner"

// Metrics 管道运行指标
type Metrics struct {
	// 运行指标
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunsRunning prometheus.Gauge

	// Block 指标
	BlockExitsTotal *prometheus.CounterVec

	// 状态与锁
	StateWritesTotal    *prometheus.CounterVec
	LockContentionTotal *prometheus.CounterVec
	CheckpointsTotal    *prometheus.CounterVec
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时指标不注册，仍可安全调用
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "runs_total",
				Help:      "Total pipeline runs by final status",
			},
			[]string{"pipeline", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"pipeline"},
		),
		RunsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: MetricsNamespace,
				Name:      "runs_running",
				Help:      "Current number of running pipelines in this process",
			},
		),
		BlockExitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "block_exits_total",
				Help:      "Plugin process exits by result",
			},
			[]string{"plugin", "result"},
		),
		StateWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "state_writes_total",
				Help:      "State store writes by result",
			},
			[]string{"result"},
		),
		LockContentionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "lock_contention_total",
				Help:      "Run requests rejected because the pipeline was already running",
			},
			[]string{"pipeline"},
		),
		CheckpointsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "checkpoints_total",
				Help:      "State checkpoints observed on loader output",
			},
			[]string{"pipeline"},
		),
	}
}

// blockResult block_exits_total 的 result 标签
func blockResult(exitCode int, terminated bool) string {
	switch {
	case exitCode == 0:
		return "success"
	case terminated:
		return "terminated"
	default:
		return "failure"
	}
}
