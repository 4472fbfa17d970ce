package model

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessedResults holds the derived gait metrics for one completed session
// plus a pointer to the pressure-heatmap artifact produced by the processing
// service. Exactly one row per session.
type ProcessedResults struct {
	ID                  int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID           int64   `gorm:"uniqueIndex;not null" json:"session_id"`
	Cadence             int     `json:"cadence"`
	StepLengthCm        int     `json:"step_length_cm"`
	StrideLengthCm      int     `json:"stride_length_cm"`
	StepTime            float64 `json:"step_time"`
	StrideTime          float64 `json:"stride_time"`
	Speed               float64 `json:"speed"`
	SymmetryIndex       float64 `json:"symmetry_index"`
	PressureResultsPath string  `json:"pressure_results_path"`
	// Raw keeps the full callback body so metrics added by newer analyzer
	// versions survive without a schema change.
	Raw       datatypes.JSON `json:"raw,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
