package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeviceEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gait_device_events_received_total",
		Help: "Device messages received from the broker, by event type.",
	}, []string{"type"})

	DeviceEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gait_device_events_dropped_total",
		Help: "Device messages dropped before fan-out, by reason.",
	}, []string{"reason"})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gait_device_commands_dispatched_total",
		Help: "Commands published to devices, by command name.",
	}, []string{"command"})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gait_ws_notifications_delivered_total",
		Help: "Messages handed to at least one connected websocket client.",
	})

	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gait_ws_notifications_dropped_total",
		Help: "Messages with no connected client or a full client buffer.",
	})

	ProcessingDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gait_processing_dispatches_total",
		Help: "Session processing dispatch attempts, by outcome.",
	}, []string{"outcome"})
)
