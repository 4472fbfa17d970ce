package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse errors. Every one of them means the message is dropped after logging;
// a bad message never tears down the subscription.
var (
	ErrMalformedTopic   = errors.New("malformed topic")
	ErrInvalidDeviceID  = errors.New("invalid device id in topic")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingField     = errors.New("payload missing required field")
	ErrUnexpectedType   = errors.New("payload type does not match topic")
)

type EventType string

const (
	EventCalibration EventType = "cal_status"
	EventOrientation EventType = "orientation_captured"
	EventAlive       EventType = "device_alive"
	EventSensorData  EventType = "sensor_data"
)

// Event is one decoded device message. It is ephemeral: produced by Parse,
// consumed once by the listener pipeline, never persisted.
type Event struct {
	Type       EventType
	DeviceID   int64
	Status     bool
	ReceivedAt time.Time
	// Raw keeps the full payload so type-specific fields (sensor samples,
	// orientation quaternions) reach the live channel without the backend
	// having to model them.
	Raw json.RawMessage
}

const topicNamespace = "device"

// expected payload type per topic suffix
var suffixTypes = map[string]EventType{
	"status/calibration": EventCalibration,
	"status/orientation": EventOrientation,
	"status/alive":       EventAlive,
	"sensor_data":        EventSensorData,
}

type envelope struct {
	Type   *string `json:"type"`
	Status *bool   `json:"status"`
}

// Parse decodes a topic of the form device/<id>/<suffix> plus its JSON
// payload into a typed Event. It is a pure transform with no side effects.
func Parse(topic string, payload []byte, receivedAt time.Time) (*Event, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != topicNamespace {
		return nil, fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	deviceID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || deviceID <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, parts[1])
	}
	suffix := strings.Join(parts[2:], "/")
	expected, known := suffixTypes[suffix]

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == nil {
		if !known {
			return nil, fmt.Errorf("%w: type", ErrMissingField)
		}
		// type omitted but inferable from the topic suffix
		t := string(expected)
		env.Type = &t
	}
	eventType := EventType(*env.Type)
	if known && eventType != expected {
		return nil, fmt.Errorf("%w: got %q on %s", ErrUnexpectedType, eventType, topic)
	}

	// Sensor samples carry measurement fields rather than a status flag.
	status := true
	if eventType != EventSensorData {
		if env.Status == nil {
			return nil, fmt.Errorf("%w: status", ErrMissingField)
		}
		status = *env.Status
	}

	return &Event{
		Type:       eventType,
		DeviceID:   deviceID,
		Status:     status,
		ReceivedAt: receivedAt.UTC(),
		Raw:        json.RawMessage(append([]byte(nil), payload...)),
	}, nil
}
