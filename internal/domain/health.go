package domain

import "time"

// AnalogHealth is an immutable snapshot of a hardware source's state.
// Drivers publish a fresh value on every change; readers never mutate it.
type AnalogHealth struct {
	OK            bool      `json:"ok"`
	ChipID        string    `json:"chip_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}
