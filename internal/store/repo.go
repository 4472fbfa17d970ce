package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gait-backend/internal/model"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicateSerial     = errors.New("sensor kit serial already exists")
	ErrActiveSessionExists = errors.New("active session already exists for patient")
	ErrKitNotAssignable    = errors.New("sensor kit is not available for assignment")
	ErrKitInUse            = errors.New("sensor kit is in use")
	ErrDuplicateResults    = errors.New("results already attached to session")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
}

func New(db *gorm.DB) (*Repo, error) {
	err := db.AutoMigrate(
		&model.Clinic{},
		&model.Doctor{},
		&model.Patient{},
		&model.SensorKit{},
		&model.TestSession{},
		&model.ProcessedResults{},
	)
	if err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// --- Sensor kits ---

func (r *Repo) CreateKit(ctx context.Context, kit *model.SensorKit) error {
	if kit.Status == "" {
		kit.Status = model.KitInStock
	}
	err := r.db.WithContext(ctx).Create(kit).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateSerial
	}
	return err
}

func (r *Repo) GetKit(ctx context.Context, id int64) (*model.SensorKit, error) {
	var kit model.SensorKit
	err := r.db.WithContext(ctx).First(&kit, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &kit, nil
}

func (r *Repo) ListKits(ctx context.Context, status *model.KitStatus) ([]model.SensorKit, error) {
	q := r.db.WithContext(ctx).Order("id")
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var kits []model.SensorKit
	return kits, q.Find(&kits).Error
}

func (r *Repo) ListKitsByClinic(ctx context.Context, clinicID uuid.UUID, status *model.KitStatus) ([]model.SensorKit, error) {
	q := r.db.WithContext(ctx).Where("clinic_id = ?", clinicID).Order("id")
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var kits []model.SensorKit
	return kits, q.Find(&kits).Error
}

// AssignKitsToClinic moves a batch of IN_STOCK kits to a clinic, making them
// AVAILABLE. The whole batch succeeds or fails together.
func (r *Repo) AssignKitsToClinic(ctx context.Context, clinicID uuid.UUID, kitIDs []int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var kits []model.SensorKit
		if err := tx.Where("id IN ?", kitIDs).Find(&kits).Error; err != nil {
			return err
		}
		if len(kits) != len(kitIDs) {
			return ErrNotFound
		}
		for i := range kits {
			if kits[i].Status != model.KitInStock {
				return fmt.Errorf("%w: kit %d has status %s", ErrKitNotAssignable, kits[i].ID, kits[i].Status)
			}
		}
		return tx.Model(&model.SensorKit{}).
			Where("id IN ?", kitIDs).
			Updates(map[string]any{"clinic_id": clinicID, "status": model.KitAvailable}).Error
	})
}

func (r *Repo) DeleteKit(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var kit model.SensorKit
		if err := tx.First(&kit, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if kit.Status == model.KitInUse {
			return ErrKitInUse
		}
		return tx.Delete(&kit).Error
	})
}

func (r *Repo) SetKitCalibrated(ctx context.Context, id int64, calibrated bool) (*model.SensorKit, error) {
	var kit model.SensorKit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&kit, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		kit.IsCalibrated = calibrated
		return tx.Save(&kit).Error
	})
	if err != nil {
		return nil, err
	}
	return &kit, nil
}

func (r *Repo) SetKitStatus(ctx context.Context, id int64, status model.KitStatus) error {
	res := r.db.WithContext(ctx).Model(&model.SensorKit{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Clinics and doctors ---

func (r *Repo) CreateClinic(ctx context.Context, clinic *model.Clinic) error {
	return r.db.WithContext(ctx).Create(clinic).Error
}

func (r *Repo) GetClinic(ctx context.Context, id uuid.UUID) (*model.Clinic, error) {
	var clinic model.Clinic
	err := r.db.WithContext(ctx).First(&clinic, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &clinic, nil
}

func (r *Repo) CreateDoctor(ctx context.Context, doctor *model.Doctor) error {
	return r.db.WithContext(ctx).Create(doctor).Error
}

func (r *Repo) GetDoctorByUsername(ctx context.Context, username string) (*model.Doctor, error) {
	var doctor model.Doctor
	err := r.db.WithContext(ctx).First(&doctor, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doctor, nil
}

// --- Patients ---

// CreatePatient stores the patient and, when a kit is requested, claims it in
// the same transaction: only an AVAILABLE kit can be claimed, and claiming
// moves it to IN_USE with the calibration flag reset.
func (r *Repo) CreatePatient(ctx context.Context, patient *model.Patient) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if patient.SensorKitID != nil {
			var kit model.SensorKit
			if err := tx.First(&kit, "id = ?", *patient.SensorKitID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if !kit.Assignable() {
				return fmt.Errorf("%w: kit %d has status %s", ErrKitNotAssignable, kit.ID, kit.Status)
			}
			kit.Status = model.KitInUse
			kit.IsCalibrated = false
			if err := tx.Save(&kit).Error; err != nil {
				return err
			}
		}
		return tx.Create(patient).Error
	})
}

func (r *Repo) GetPatient(ctx context.Context, id uuid.UUID) (*model.Patient, error) {
	var patient model.Patient
	err := r.db.WithContext(ctx).First(&patient, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *Repo) GetPatientByUsername(ctx context.Context, username string) (*model.Patient, error) {
	var patient model.Patient
	err := r.db.WithContext(ctx).First(&patient, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *Repo) GetPatientByKit(ctx context.Context, kitID int64) (*model.Patient, error) {
	var patient model.Patient
	err := r.db.WithContext(ctx).First(&patient, "sensor_kit_id = ?", kitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &patient, nil
}

func (r *Repo) ListPatientsByClinic(ctx context.Context, clinicID uuid.UUID) ([]model.Patient, error) {
	var patients []model.Patient
	return patients, r.db.WithContext(ctx).Where("clinic_id = ?", clinicID).Order("created_at").Find(&patients).Error
}

// UnassignKit detaches the patient's kit and returns it to AVAILABLE.
func (r *Repo) UnassignKit(ctx context.Context, patientID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var patient model.Patient
		if err := tx.First(&patient, "id = ?", patientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if patient.SensorKitID == nil {
			return nil
		}
		kitID := *patient.SensorKitID
		patient.SensorKitID = nil
		if err := tx.Save(&patient).Error; err != nil {
			return err
		}
		return tx.Model(&model.SensorKit{}).Where("id = ?", kitID).
			Updates(map[string]any{"status": model.KitAvailable, "is_calibrated": false}).Error
	})
}

// UsernameByKitID resolves the live-channel destination for a device: the
// username of the patient currently assigned the kit. ErrNotFound is a normal
// outcome for an unassigned kit.
func (r *Repo) UsernameByKitID(ctx context.Context, kitID int64) (string, error) {
	patient, err := r.GetPatientByKit(ctx, kitID)
	if err != nil {
		return "", err
	}
	return patient.Username, nil
}

// --- Test sessions ---

// CreateActiveSession inserts a new ACTIVE session. The partial unique index
// on (patient_id) WHERE status='ACTIVE' serializes concurrent starts for the
// same patient across service instances; a conflict surfaces as
// ErrActiveSessionExists.
func (r *Repo) CreateActiveSession(ctx context.Context, patientID uuid.UUID, start time.Time) (*model.TestSession, error) {
	session := &model.TestSession{
		PatientID: patientID,
		StartTime: start.UTC(),
		Status:    model.SessionActive,
	}
	err := r.db.WithContext(ctx).Create(session).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrActiveSessionExists
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *Repo) GetSession(ctx context.Context, id int64) (*model.TestSession, error) {
	var session model.TestSession
	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *Repo) HasActiveSession(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TestSession{}).
		Where("patient_id = ? AND status = ?", patientID, model.SessionActive).
		Count(&count).Error
	return count > 0, err
}

// MarkProcessing stamps the end time and moves an ACTIVE session to
// PROCESSING. Returns ErrNotFound if the session is missing or no longer
// ACTIVE (lost a race with another stop).
func (r *Repo) MarkProcessing(ctx context.Context, id int64, end time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.TestSession{}).
		Where("id = ? AND status = ?", id, model.SessionActive).
		Updates(map[string]any{"end_time": end.UTC(), "status": model.SessionProcessing})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) SetSessionStatus(ctx context.Context, id int64, status model.SessionStatus) error {
	res := r.db.WithContext(ctx).Model(&model.TestSession{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) ListSessionsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]model.TestSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var sessions []model.TestSession
	err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("start_time DESC").Limit(limit).Offset(offset).
		Find(&sessions).Error
	return sessions, err
}

// ListCompletedByDoctor lists COMPLETED sessions across all patients treated
// by the given doctor, newest first.
func (r *Repo) ListCompletedByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]model.TestSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var sessions []model.TestSession
	err := r.db.WithContext(ctx).
		Joins("JOIN patients ON patients.id = test_sessions.patient_id").
		Where("patients.doctor_id = ? AND test_sessions.status = ?", doctorID, model.SessionCompleted).
		Order("test_sessions.start_time DESC").Limit(limit).Offset(offset).
		Find(&sessions).Error
	return sessions, err
}

// ListStaleProcessing returns sessions that entered PROCESSING before the
// cutoff and never received a result.
func (r *Repo) ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]model.TestSession, error) {
	var sessions []model.TestSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.SessionProcessing, cutoff.UTC()).
		Find(&sessions).Error
	return sessions, err
}

// --- Processed results ---

func (r *Repo) CreateResults(ctx context.Context, results *model.ProcessedResults) error {
	err := r.db.WithContext(ctx).Create(results).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateResults
	}
	return err
}

func (r *Repo) GetResultsBySession(ctx context.Context, sessionID int64) (*model.ProcessedResults, error) {
	var results model.ProcessedResults
	err := r.db.WithContext(ctx).First(&results, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &results, nil
}

func (r *Repo) HasResults(ctx context.Context, sessionID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ProcessedResults{}).
		Where("session_id = ?", sessionID).Count(&count).Error
	return count > 0, err
}
