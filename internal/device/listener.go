package device

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gait-backend/internal/mqtt"
	"gait-backend/internal/observability"
)

const (
	statusTopicFilter = "device/+/status/#"
	sensorTopicFilter = "device/+/sensor_data"
	subscribeQoS      = 1
)

// Notifier delivers a message to every live connection of one user.
// Delivery is best effort.
type Notifier interface {
	SendToUser(username string, v any)
}

// CalibrationRecorder persists a calibration report from a device.
type CalibrationRecorder interface {
	RecordCalibration(ctx context.Context, deviceID int64, calibrated bool) error
}

// Handler processes one decoded event for a resolved user. Extra handlers can
// be registered before Start for event types the built-in pipeline does not
// know about.
type Handler func(ctx context.Context, ev *Event, username string)

// LiveMessage is the JSON shape forwarded to websocket clients.
type LiveMessage struct {
	Type      string          `json:"type"`
	DeviceID  int64           `json:"device_id"`
	Status    bool            `json:"status"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Listener owns the broker subscriptions and runs the
// parse -> resolve -> fan-out pipeline for every device message.
type Listener struct {
	client   mqtt.ClientAPI
	resolver Resolver
	kits     CalibrationRecorder
	notifier Notifier
	handlers map[EventType]Handler
	now      func() time.Time
}

func NewListener(client mqtt.ClientAPI, resolver Resolver, kits CalibrationRecorder, notifier Notifier) *Listener {
	return &Listener{
		client:   client,
		resolver: resolver,
		kits:     kits,
		notifier: notifier,
		handlers: make(map[EventType]Handler),
		now:      time.Now,
	}
}

// RegisterHandler adds a pipeline step for an event type. Not safe to call
// after Start.
func (l *Listener) RegisterHandler(t EventType, h Handler) {
	l.handlers[t] = h
}

func (l *Listener) Start(ctx context.Context) error {
	cb := func(_ mqtt.Conn, msg mqtt.Message) {
		l.handleMessage(ctx, msg.Topic(), msg.Payload())
	}
	if err := l.client.Subscribe(statusTopicFilter, subscribeQoS, cb); err != nil {
		return err
	}
	if err := l.client.Subscribe(sensorTopicFilter, subscribeQoS, cb); err != nil {
		return err
	}
	return nil
}

func (l *Listener) Stop() {
	if err := l.client.Unsubscribe(statusTopicFilter); err != nil {
		slog.Warn("unsubscribe failed", "topic", statusTopicFilter, "error", err)
	}
	if err := l.client.Unsubscribe(sensorTopicFilter); err != nil {
		slog.Warn("unsubscribe failed", "topic", sensorTopicFilter, "error", err)
	}
}

func (l *Listener) handleMessage(ctx context.Context, topic string, payload []byte) {
	ev, err := Parse(topic, payload, l.now())
	if err != nil {
		observability.DeviceEventsDropped.WithLabelValues(dropReason(err)).Inc()
		slog.Warn("dropping device message", "topic", topic, "error", err)
		return
	}
	observability.DeviceEventsReceived.WithLabelValues(string(ev.Type)).Inc()

	if ev.Type == EventCalibration {
		if err := l.kits.RecordCalibration(ctx, ev.DeviceID, ev.Status); err != nil {
			slog.Error("failed to record calibration", "device_id", ev.DeviceID, "error", err)
		}
	}

	username, ok, err := l.resolver.Resolve(ctx, ev.DeviceID)
	if err != nil {
		observability.DeviceEventsDropped.WithLabelValues("resolve_error").Inc()
		slog.Error("device resolution failed", "device_id", ev.DeviceID, "error", err)
		return
	}
	if !ok {
		observability.DeviceEventsDropped.WithLabelValues("unassigned").Inc()
		slog.Debug("message from unassigned device", "device_id", ev.DeviceID, "type", ev.Type)
		return
	}

	if h, custom := l.handlers[ev.Type]; custom {
		h(ctx, ev, username)
		return
	}

	switch ev.Type {
	case EventCalibration, EventOrientation, EventAlive, EventSensorData:
		l.notifier.SendToUser(username, LiveMessage{
			Type:      string(ev.Type),
			DeviceID:  ev.DeviceID,
			Status:    ev.Status,
			Timestamp: ev.ReceivedAt.Format(time.RFC3339Nano),
			Payload:   ev.Raw,
		})
	default:
		observability.DeviceEventsDropped.WithLabelValues("unhandled_type").Inc()
		slog.Warn("no handler for event type", "type", ev.Type, "device_id", ev.DeviceID)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedTopic):
		return "malformed_topic"
	case errors.Is(err, ErrInvalidDeviceID):
		return "invalid_device_id"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrUnexpectedType):
		return "unexpected_type"
	default:
		return "other"
	}
}
