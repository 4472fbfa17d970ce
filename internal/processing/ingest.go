package processing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"gait-backend/internal/model"
	"gait-backend/internal/observability"
	"gait-backend/internal/store"
)

// ResultPayload is the callback body the processing service posts when a
// session's analysis finishes (or fails).
type ResultPayload struct {
	SessionID           int64   `json:"session_id"`
	Success             bool    `json:"success"`
	Cadence             int     `json:"cadence"`
	StepLengthCm        int     `json:"step_length_cm"`
	StrideLengthCm      int     `json:"stride_length_cm"`
	StepTime            float64 `json:"step_time"`
	StrideTime          float64 `json:"stride_time"`
	Speed               float64 `json:"speed"`
	SymmetryIndex       float64 `json:"symmetry_index"`
	PressureResultsPath string  `json:"pressure_results_path"`
	// Raw is the callback body as received, including metrics this struct
	// does not model. Set by the transport layer, not decoded from JSON.
	Raw json.RawMessage `json:"-"`
}

// Notifier delivers a message to every live connection of one user.
type Notifier interface {
	SendToUser(username string, v any)
}

// ResultNotification is pushed to the patient's live channel when their
// session reaches a terminal state.
type ResultNotification struct {
	Type      string `json:"type"`
	SessionID int64  `json:"session_id"`
	Status    bool   `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Ingestor reconciles processing callbacks with session state.
type Ingestor struct {
	repo     *store.Repo
	notifier Notifier
	now      func() time.Time
}

func NewIngestor(repo *store.Repo, notifier Notifier) *Ingestor {
	return &Ingestor{repo: repo, notifier: notifier, now: time.Now}
}

// Ingest applies one callback. A callback for an unknown session id is logged
// and discarded without error: the processing service may replay callbacks for
// sessions since purged.
func (i *Ingestor) Ingest(ctx context.Context, payload ResultPayload) error {
	session, err := i.repo.GetSession(ctx, payload.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("result callback for unknown session", "session_id", payload.SessionID)
		return nil
	}
	if err != nil {
		return err
	}

	patient, err := i.repo.GetPatient(ctx, session.PatientID)
	if err != nil {
		return err
	}

	if !payload.Success {
		// A failure signal wins regardless of the session's current state.
		if err := i.repo.SetSessionStatus(ctx, session.ID, model.SessionFailed); err != nil {
			return err
		}
		observability.ProcessingDispatches.WithLabelValues("result_failed").Inc()
		i.notify(patient.Username, session.ID, false)
		return nil
	}

	if session.Status != model.SessionProcessing {
		slog.Warn("result callback for session not in processing",
			"session_id", session.ID, "status", session.Status)
	}

	raw := payload.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(payload)
	}
	err = i.repo.CreateResults(ctx, &model.ProcessedResults{
		SessionID:           session.ID,
		Cadence:             payload.Cadence,
		StepLengthCm:        payload.StepLengthCm,
		StrideLengthCm:      payload.StrideLengthCm,
		StepTime:            payload.StepTime,
		StrideTime:          payload.StrideTime,
		Speed:               payload.Speed,
		SymmetryIndex:       payload.SymmetryIndex,
		PressureResultsPath: payload.PressureResultsPath,
		Raw:                 datatypes.JSON(raw),
	})
	if errors.Is(err, store.ErrDuplicateResults) {
		// Replayed callback. The first delivery already notified.
		slog.Warn("duplicate result callback ignored", "session_id", session.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := i.repo.SetSessionStatus(ctx, session.ID, model.SessionCompleted); err != nil {
		return err
	}
	observability.ProcessingDispatches.WithLabelValues("result_ok").Inc()
	i.notify(patient.Username, session.ID, true)
	return nil
}

func (i *Ingestor) notify(username string, sessionID int64, ok bool) {
	i.notifier.SendToUser(username, ResultNotification{
		Type:      "results_ready",
		SessionID: sessionID,
		Status:    ok,
		Timestamp: i.now().UTC().Format(time.RFC3339Nano),
	})
}
