// Package metrics provides Prometheus instrumentation for the chat server.
// Collectors are package-level and registered at init; Handler exposes them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks authenticated users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of authenticated online users",
	})

	// MessagesTotal counts send attempts by outcome: "sent", "rejected_rate",
	// "rejected_flood", "rejected_moderation", "rejected_validation", "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of message send attempts by result",
	}, []string{"result"})

	// VerdictsTotal counts moderation verdicts by category ("none" when clean).
	VerdictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_verdicts_total",
		Help: "Content moderation verdicts by category and action",
	}, []string{"category", "action"})

	// RateLimitedTotal counts rejections by limit kind.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Requests rejected by rate or flood limits",
	}, []string{"kind"})

	// ModerationActionsTotal counts applied moderator actions.
	ModerationActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_moderation_actions_total",
		Help: "Moderator actions by action and outcome",
	}, []string{"action", "outcome"})

	// AuditEvents counts recorded audit events.
	AuditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_audit_events_total",
		Help: "Audit events recorded by type and severity",
	}, []string{"type", "severity"})

	// MessageLatency records send pipeline latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Send pipeline latency from receipt to persistence",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HTTPRequestsTotal counts API requests by route and status code.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_http_requests_total",
		Help: "HTTP API requests by route and status",
	}, []string{"method", "route", "code"})

	// FanoutDuration records how long one room delivery took.
	FanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_fanout_duration_seconds",
		Help:    "Time to deliver one event to every joined connection",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		VerdictsTotal,
		RateLimitedTotal,
		ModerationActionsTotal,
		AuditEvents,
		MessageLatency,
		FanoutDuration,
		HTTPRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
