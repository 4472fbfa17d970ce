package model

import (
	"time"

	"github.com/google/uuid"
)

type KitStatus string

const (
	KitInStock   KitStatus = "IN_STOCK"
	KitAvailable KitStatus = "AVAILABLE"
	KitInUse     KitStatus = "IN_USE"
	KitFaulty    KitStatus = "FAULTY"
)

// SensorKit is a wearable gait-sensor unit. Its primary key is the device id
// the firmware publishes on the wire (device/<id>/...), so no separate mapping
// table is needed between transport identity and record identity.
type SensorKit struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SerialNo        int64      `gorm:"uniqueIndex;not null" json:"serial_no"`
	FirmwareVersion int64      `json:"firmware_version"`
	Status          KitStatus  `gorm:"type:varchar(16);not null;default:IN_STOCK" json:"status"`
	IsCalibrated    bool       `gorm:"not null;default:false" json:"is_calibrated"`
	ClinicID        *uuid.UUID `gorm:"type:uuid;index" json:"clinic_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Assignable reports whether the kit may be handed to a patient.
func (k *SensorKit) Assignable() bool {
	return k.Status == KitAvailable
}
