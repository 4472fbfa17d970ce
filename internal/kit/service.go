package kit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"gait-backend/internal/model"
	"gait-backend/internal/store"
)

// Service owns the sensor-kit fleet: provisioning, clinic allocation, and the
// calibration state devices report over the broker.
type Service struct {
	repo *store.Repo
}

func NewService(repo *store.Repo) *Service {
	return &Service{repo: repo}
}

// Provision registers a newly manufactured kit. It enters the fleet IN_STOCK
// and is not usable until assigned to a clinic and then to a patient.
func (s *Service) Provision(ctx context.Context, serialNo, firmwareVersion int64) (*model.SensorKit, error) {
	kit := &model.SensorKit{
		SerialNo:        serialNo,
		FirmwareVersion: firmwareVersion,
		Status:          model.KitInStock,
	}
	if err := s.repo.CreateKit(ctx, kit); err != nil {
		return nil, err
	}
	return kit, nil
}

// AssignToClinic hands a batch of IN_STOCK kits to a clinic, making them
// AVAILABLE for patient assignment there.
func (s *Service) AssignToClinic(ctx context.Context, clinicID uuid.UUID, kitIDs []int64) error {
	return s.repo.AssignKitsToClinic(ctx, clinicID, kitIDs)
}

func (s *Service) Get(ctx context.Context, id int64) (*model.SensorKit, error) {
	return s.repo.GetKit(ctx, id)
}

func (s *Service) List(ctx context.Context, status *model.KitStatus) ([]model.SensorKit, error) {
	return s.repo.ListKits(ctx, status)
}

func (s *Service) ListByClinic(ctx context.Context, clinicID uuid.UUID, status *model.KitStatus) ([]model.SensorKit, error) {
	return s.repo.ListKitsByClinic(ctx, clinicID, status)
}

// Remove retires a kit. Kits currently assigned to a patient cannot be
// removed; unassign first.
func (s *Service) Remove(ctx context.Context, id int64) error {
	return s.repo.DeleteKit(ctx, id)
}

func (s *Service) SetStatus(ctx context.Context, id int64, status model.KitStatus) error {
	return s.repo.SetKitStatus(ctx, id, status)
}

// RecordCalibration persists a calibration report published by a device. An
// unknown device id is logged and discarded. A report from a kit that is not
// IN_USE is still recorded, with a warning: firmware may calibrate on the
// bench before assignment.
func (s *Service) RecordCalibration(ctx context.Context, deviceID int64, calibrated bool) error {
	kit, err := s.repo.SetKitCalibrated(ctx, deviceID, calibrated)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("calibration report from unknown device", "device_id", deviceID)
		return nil
	}
	if err != nil {
		return err
	}
	if kit.Status != model.KitInUse {
		slog.Warn("calibration report from kit not in use",
			"device_id", deviceID, "status", kit.Status, "calibrated", calibrated)
	}
	return nil
}
