// Package metrics prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsApplied 已应用的事件，按类型统计
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_events_applied_total",
		Help: "Total number of stream events applied to the job store",
	}, []string{"type"})

	// EventsIgnored 被丢弃或只记录审计的事件，按原因统计
	EventsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecaption_events_ignored_total",
		Help: "Total number of stream events that were not applied",
	}, []string{"reason"})

	// StreamFallbacks 实时连接结束后切换到轮询的次数
	StreamFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecaption_stream_fallbacks_total",
		Help: "Total number of switches from the live stream to polling",
	})

	// RefreshDuration 全量刷新耗时
	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livecaption_refresh_duration_seconds",
		Help:    "Duration of full job refreshes in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// ActiveFollowers 正在跟踪的任务数
	ActiveFollowers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livecaption_active_followers",
		Help: "Number of jobs currently being followed",
	})
)

// ObserveEvent 记录一次事件应用结果
func ObserveEvent(eventType string, applied bool, reason string) {
	if applied {
		EventsApplied.WithLabelValues(eventType).Inc()
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	EventsIgnored.WithLabelValues(reason).Inc()
}
