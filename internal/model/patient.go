package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Patient links a clinical record to the user account (Username) that owns the
// live notification channel, and to at most one assigned sensor kit.
type Patient struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ClinicID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"clinic_id"`
	DoctorID    *uuid.UUID `gorm:"type:uuid;index" json:"doctor_id,omitempty"`
	Username    string     `gorm:"uniqueIndex;not null" json:"username"`
	Name        string     `gorm:"not null" json:"name"`
	Email       string     `gorm:"uniqueIndex;not null" json:"email"`
	PhoneNumber string     `json:"phone_number"`
	Age         int        `json:"age"`
	HeightCm    int        `json:"height_cm"`
	WeightKg    int        `json:"weight_kg"`
	Gender      string     `json:"gender"`
	NIC         string     `json:"nic"`
	SensorKitID *int64     `gorm:"uniqueIndex" json:"sensor_kit_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (p *Patient) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
