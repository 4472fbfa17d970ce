package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"gait-backend/internal/model"
	"gait-backend/internal/mqtt"
	"gait-backend/internal/observability"
)

var (
	ErrUnknownCommand        = errors.New("unknown device command")
	ErrNoSensorKitAssigned   = errors.New("no sensor kit assigned to patient")
	ErrSessionInProgress     = errors.New("command not allowed while a session is active")
	ErrCommandDispatchFailed = errors.New("command dispatch failed")
)

type Command string

const (
	CmdCheckCalibration   Command = "CHECK_CALIBRATION"
	CmdStartCalibration   Command = "START_CALIBRATION"
	CmdCaptureOrientation Command = "CAPTURE_ORIENTATION"
	CmdStartStreaming     Command = "START_STREAMING"
	CmdStopStreaming      Command = "STOP_STREAMING"
)

var knownCommands = map[Command]struct{}{
	CmdCheckCalibration:   {},
	CmdStartCalibration:   {},
	CmdCaptureOrientation: {},
	CmdStartStreaming:     {},
	CmdStopStreaming:      {},
}

// PatientDirectory resolves the caller to their kit and checks for an active
// session. Satisfied by store.Repo.
type PatientDirectory interface {
	GetPatientByUsername(ctx context.Context, username string) (*model.Patient, error)
	HasActiveSession(ctx context.Context, patientID uuid.UUID) (bool, error)
}

const commandQoS = 1

// Dispatcher publishes commands to a device's command topic.
// Streaming commands are issued by the session lifecycle, the rest by the
// patient-facing API during setup.
type Dispatcher struct {
	publisher mqtt.ClientAPI
	patients  PatientDirectory
}

func NewDispatcher(publisher mqtt.ClientAPI, patients PatientDirectory) *Dispatcher {
	return &Dispatcher{publisher: publisher, patients: patients}
}

// SendToPatientDevice dispatches cmd to the kit assigned to username.
// While the patient has an active session only CHECK_CALIBRATION is allowed;
// everything else would disturb a recording in progress.
func (d *Dispatcher) SendToPatientDevice(ctx context.Context, username string, cmd Command) error {
	if _, ok := knownCommands[cmd]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	patient, err := d.patients.GetPatientByUsername(ctx, username)
	if err != nil {
		return err
	}
	if patient.SensorKitID == nil {
		return ErrNoSensorKitAssigned
	}
	if cmd != CmdCheckCalibration {
		active, err := d.patients.HasActiveSession(ctx, patient.ID)
		if err != nil {
			return err
		}
		if active {
			return ErrSessionInProgress
		}
	}
	return d.Send(ctx, *patient.SensorKitID, cmd)
}

// Send publishes cmd directly to a known device id, bypassing patient checks.
func (d *Dispatcher) Send(_ context.Context, deviceID int64, cmd Command) error {
	if _, ok := knownCommands[cmd]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	payload, err := json.Marshal(map[string]string{"command": string(cmd)})
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(commandTopic(deviceID), commandQoS, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandDispatchFailed, err)
	}
	observability.CommandsDispatched.WithLabelValues(string(cmd)).Inc()
	return nil
}

func commandTopic(deviceID int64) string {
	return "device/" + strconv.FormatInt(deviceID, 10) + "/command"
}
