// Package metrics registers the Prometheus collectors exported by the
// lifecycle engine and serves them over HTTP.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "transitions",
		Name:      "total",
		Help:      "Status transition attempts broken down by entity kind and result.",
	}, []string{"kind", "result"})

	reconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "reconcile",
		Name:      "events_total",
		Help:      "External events processed broken down by provider and terminal processing status.",
	}, []string{"provider", "status"})

	reconcileDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "reconcile",
		Name:      "duplicates_total",
		Help:      "Redelivered external events short-circuited by the idempotency store.",
	}, []string{"provider"})

	signatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "reconcile",
		Name:      "signature_failures_total",
		Help:      "Webhook deliveries rejected because the signature did not verify.",
	}, []string{"provider"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "notifications",
		Name:      "total",
		Help:      "Notification lifecycle counts broken down by result (queued, delivered, retried, dropped, queue_failed).",
	}, []string{"result"})
)

// Notification results.
const (
	NotificationQueued      = "queued"
	NotificationQueueFailed = "queue_failed"
	NotificationDelivered   = "delivered"
	NotificationRetried     = "retried"
	NotificationDropped     = "dropped"
)

// RecordTransition counts a status transition attempt.
func RecordTransition(kind, result string) {
	if result == "" {
		result = "other"
	}
	transitions.WithLabelValues(kind, result).Inc()
}

// RecordReconcileOutcome counts an external event reaching a terminal status.
func RecordReconcileOutcome(provider, status string) {
	reconcileOutcomes.WithLabelValues(provider, status).Inc()
}

// RecordReconcileDuplicate counts a redelivery answered from the idempotency store.
func RecordReconcileDuplicate(provider string) {
	reconcileDuplicates.WithLabelValues(provider).Inc()
}

// RecordSignatureFailure counts a rejected webhook signature.
func RecordSignatureFailure(provider string) {
	signatureFailures.WithLabelValues(provider).Inc()
}

// RecordNotification counts a notification lifecycle step.
func RecordNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}

// NotificationCount returns the current value for a notification result.
func NotificationCount(result string) float64 {
	return counterValue(notifications.WithLabelValues(result))
}

// SignatureFailureCount returns the current rejected-signature count for a provider.
func SignatureFailureCount(provider string) float64 {
	return counterValue(signatureFailures.WithLabelValues(provider))
}

// Handler serves the default registry in the Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
