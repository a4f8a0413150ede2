// Package appmetrics defines the gateway's Prometheus instruments:
// per-sim connection state, AT command outcomes, SMS throughput, and
// webhook dispatch latency.
package appmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModemConnectionState is 0=Connected, 1=Disconnected, 2=Reconnecting
	// per sim_id, mirroring types.ConnectionState.
	ModemConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smsgw_modem_connection_state",
		Help: "Current connection state per sim_id (0=connected, 1=disconnected, 2=reconnecting)",
	}, []string{"sim_id"})

	ATCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_at_commands_total",
		Help: "Total AT commands submitted, by sim_id and outcome",
	}, []string{"sim_id", "outcome"})

	SmsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_sms_received_total",
		Help: "Total inbound SMS messages decoded, by sim_id",
	}, []string{"sim_id"})

	SmsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "smsgw_sms_sent_total",
		Help: "Total outbound SMS send attempts, by sim_id and outcome",
	}, []string{"sim_id", "outcome"})

	WebhookDispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smsgw_webhook_dispatch_duration_seconds",
		Help:    "Webhook HTTP dispatch latency, by rule URL and status class",
		Buckets: prometheus.DefBuckets,
	}, []string{"url", "status_class"})
)
