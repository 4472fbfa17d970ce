package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"gait-backend/internal/device"
	"gait-backend/internal/model"
	"gait-backend/internal/observability"
	"gait-backend/internal/processing"
	"gait-backend/internal/store"
)

var (
	ErrUnsupportedAction = errors.New("unsupported session action")
	ErrClockSkewExceeded = errors.New("client timestamp too far from server time")
	ErrKitNotReady       = errors.New("sensor kit is not assigned for use")
	ErrKitNotCalibrated  = errors.New("sensor kit is not calibrated")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotSessionOwner   = errors.New("session belongs to another patient")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrStopBeforeStart   = errors.New("stop time is not after start time")
	ErrNoSensorKit       = device.ErrNoSensorKitAssigned
	ErrAlreadyActive     = store.ErrActiveSessionExists
)

// MaxClockSkew bounds how far a client-supplied timestamp may drift from
// server time, boundary inclusive.
const MaxClockSkew = 2 * time.Second

// StreamCommander publishes streaming control to a device.
type StreamCommander interface {
	Send(ctx context.Context, deviceID int64, cmd device.Command) error
}

// Service owns the test-session lifecycle. All transitions go through here;
// nothing else writes session status.
type Service struct {
	repo      *store.Repo
	commands  StreamCommander
	processor processing.Dispatcher
	notifier  processing.Notifier
	now       func() time.Time
	// dispatchDone closes over the async dispatch for tests to await.
	dispatchDone chan struct{}
}

func NewService(repo *store.Repo, commands StreamCommander, processor processing.Dispatcher, notifier processing.Notifier) *Service {
	return &Service{
		repo:      repo,
		commands:  commands,
		processor: processor,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Start validates the request and creates an ACTIVE session for the caller.
// Validation order matters for error reporting: action, kit assignment, kit
// state, clock skew, then the atomic single-active insert.
func (s *Service) Start(ctx context.Context, username, action string, start time.Time) (*model.TestSession, error) {
	if !strings.EqualFold(action, "START") {
		return nil, ErrUnsupportedAction
	}
	patient, err := s.repo.GetPatientByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if patient.SensorKitID == nil {
		return nil, ErrNoSensorKit
	}
	kit, err := s.repo.GetKit(ctx, *patient.SensorKitID)
	if err != nil {
		return nil, err
	}
	if kit.Status != model.KitInUse {
		return nil, ErrKitNotReady
	}
	if !kit.IsCalibrated {
		return nil, ErrKitNotCalibrated
	}
	if drift := s.now().Sub(start); drift > MaxClockSkew || drift < -MaxClockSkew {
		return nil, ErrClockSkewExceeded
	}

	session, err := s.repo.CreateActiveSession(ctx, patient.ID, start)
	if err != nil {
		return nil, err
	}
	slog.Info("session started", "session_id", session.ID, "patient", username, "device_id", kit.ID)
	return session, nil
}

// Stop ends the caller's session, moves it to PROCESSING and hands the window
// to the external analyzer asynchronously. It returns as soon as the
// transition is durable; processing outcome arrives later via the ingestion
// callback.
func (s *Service) Stop(ctx context.Context, username string, sessionID int64, end time.Time) (*model.TestSession, error) {
	patient, err := s.repo.GetPatientByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.PatientID != patient.ID {
		return nil, ErrNotSessionOwner
	}
	if session.Status != model.SessionActive {
		return nil, ErrSessionNotActive
	}
	if !end.After(session.StartTime) {
		return nil, ErrStopBeforeStart
	}
	if drift := s.now().Sub(end); drift > MaxClockSkew || drift < -MaxClockSkew {
		return nil, ErrClockSkewExceeded
	}

	if err := s.repo.MarkProcessing(ctx, session.ID, end); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost a race with a concurrent stop.
			return nil, ErrSessionNotActive
		}
		return nil, err
	}
	session.Status = model.SessionProcessing
	endUTC := end.UTC()
	session.EndTime = &endUTC

	deviceID := int64(0)
	if patient.SensorKitID != nil {
		deviceID = *patient.SensorKitID
		// Best effort. The recording window is already fixed; a device that
		// misses the stop command just streams into the void.
		if err := s.commands.Send(ctx, deviceID, device.CmdStopStreaming); err != nil {
			slog.Warn("stop streaming command failed", "session_id", session.ID, "error", err)
		}
	}

	s.dispatchAsync(session, patient, deviceID)
	slog.Info("session stopped", "session_id", session.ID, "patient", username)
	return session, nil
}

func (s *Service) dispatchAsync(session *model.TestSession, patient *model.Patient, deviceID int64) {
	done := s.dispatchDone
	go func() {
		if done != nil {
			defer close(done)
		}
		// Detached from the request: stop has already returned.
		ctx := context.Background()
		req := processing.DispatchRequest{
			SessionID: session.ID,
			DeviceID:  deviceID,
			StartTime: session.StartTime,
			EndTime:   *session.EndTime,
			Patient: processing.PatientInfo{
				ID:       patient.ID,
				Name:     patient.Name,
				Age:      patient.Age,
				HeightCm: patient.HeightCm,
				WeightKg: patient.WeightKg,
				Gender:   patient.Gender,
			},
		}
		if err := s.processor.Process(ctx, req); err != nil {
			observability.ProcessingDispatches.WithLabelValues("dispatch_failed").Inc()
			slog.Error("processing dispatch failed", "session_id", session.ID, "error", err)
			if err := s.repo.SetSessionStatus(ctx, session.ID, model.SessionFailed); err != nil {
				slog.Error("failed to mark session failed", "session_id", session.ID, "error", err)
			}
			s.notifier.SendToUser(patient.Username, processing.ResultNotification{
				Type:      "results_ready",
				SessionID: session.ID,
				Status:    false,
				Timestamp: s.now().UTC().Format(time.RFC3339Nano),
			})
			return
		}
		observability.ProcessingDispatches.WithLabelValues("dispatched").Inc()
	}()
}

// Get returns a session the caller is allowed to see.
func (s *Service) Get(ctx context.Context, username string, sessionID int64) (*model.TestSession, error) {
	patient, err := s.repo.GetPatientByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	session, err := s.repo.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if session.PatientID != patient.ID {
		return nil, ErrNotSessionOwner
	}
	return session, nil
}

func (s *Service) ListForPatient(ctx context.Context, username string, limit, offset int) ([]model.TestSession, error) {
	patient, err := s.repo.GetPatientByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSessionsByPatient(ctx, patient.ID, limit, offset)
}
