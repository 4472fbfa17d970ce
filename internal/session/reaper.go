package session

import (
	"context"
	"log/slog"
	"time"

	"gait-backend/internal/model"
	"gait-backend/internal/processing"
	"gait-backend/internal/store"
)

// Reaper fails sessions stuck in PROCESSING past a configured age. The
// external analyzer has no delivery guarantee on its callback; without this
// sweep a lost callback leaves a session in PROCESSING forever.
type Reaper struct {
	repo     *store.Repo
	notifier processing.Notifier
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewReaper returns nil when maxAge is zero, which disables the sweep.
func NewReaper(repo *store.Repo, notifier processing.Notifier, maxAge, interval time.Duration) *Reaper {
	if maxAge <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{repo: repo, notifier: notifier, maxAge: maxAge, interval: interval, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every session whose processing started before the cutoff.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.maxAge)
	stale, err := r.repo.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		slog.Error("stale session sweep failed", "error", err)
		return
	}
	for _, session := range stale {
		if err := r.repo.SetSessionStatus(ctx, session.ID, model.SessionFailed); err != nil {
			slog.Error("failed to reap session", "session_id", session.ID, "error", err)
			continue
		}
		slog.Warn("session processing timed out", "session_id", session.ID)
		patient, err := r.repo.GetPatient(ctx, session.PatientID)
		if err != nil {
			slog.Error("failed to load patient for reaped session", "session_id", session.ID, "error", err)
			continue
		}
		r.notifier.SendToUser(patient.Username, processing.ResultNotification{
			Type:      "results_ready",
			SessionID: session.ID,
			Status:    false,
			Timestamp: r.now().UTC().Format(time.RFC3339Nano),
		})
	}
}
