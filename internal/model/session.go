package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionProcessing SessionStatus = "PROCESSING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
)

// Terminal reports whether no further transition may leave this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// TestSession is one bounded data-collection run by a patient. The partial
// unique index on patient_id makes "at most one ACTIVE session per patient" a
// database invariant rather than an in-process one, so it holds across
// concurrently running service instances.
type TestSession struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	PatientID uuid.UUID     `gorm:"type:uuid;not null;index;uniqueIndex:ux_sessions_one_active,where:status = 'ACTIVE'" json:"patient_id"`
	StartTime time.Time     `gorm:"not null" json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Status    SessionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
