// Copyright 2024-2026 Aiku AI

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	smsReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsbridge_sms_received_total",
		Help: "Number of inbound SMS handed to the correlator.",
	})
	smsSentCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsbridge_sms_sent_total",
		Help: "Number of SMS successfully handed to the transport.",
	})
	smsSendFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsbridge_sms_send_failures_total",
		Help: "Number of SMS the transport failed to accept.",
	})
	messagesQueuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsbridge_messages_queued_total",
		Help: "Number of room messages persisted for deferred delivery.",
	})
	messagesDispatchedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsbridge_messages_dispatched_total",
		Help: "Number of deferred room messages successfully dispatched.",
	})
	messagesAbandonedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "smsbridge_messages_abandoned_total",
		Help: "Number of deferred room messages dropped after the grace period.",
	})
)
