package emergency

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/triage/internal/domain/identity"
)

// Admission maps to the admission table. One row per emergency visit.
type Admission struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	Bracelet      string    `db:"bracelet" json:"bracelet"`
	State         State     `db:"state" json:"state"`
	ColorCode     string    `db:"color_code" json:"color_code"`
	PathologyCode string    `db:"pathology_code" json:"pathology_code"`
	ArrivalMode   string    `db:"arrival_mode" json:"arrival_mode"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TriageColor maps to the triage_color table. Lower priority is more urgent.
type TriageColor struct {
	Code     string `db:"code" json:"code"`
	Hex      string `db:"hex" json:"hex"`
	Name     string `db:"name" json:"name"`
	Priority int    `db:"priority" json:"priority"`
}

// StatusChange maps to the admission_status_history table.
type StatusChange struct {
	ID          uuid.UUID `db:"id" json:"id"`
	AdmissionID uuid.UUID `db:"admission_id" json:"admission_id"`
	FromState   State     `db:"from_state" json:"from_state"`
	ToState     State     `db:"to_state" json:"to_state"`
	ChangedAt   time.Time `db:"changed_at" json:"changed_at"`
	ChangedBy   string    `db:"changed_by" json:"changed_by"`
}

// QueueEntry is one row of the active queue: the admission plus what the desk
// needs to display it. Color fields are nil for codes missing from the registry.
type QueueEntry struct {
	Admission
	FiscalCode       string  `json:"fiscal_code"`
	PatientFirstName string  `json:"patient_first_name"`
	PatientLastName  string  `json:"patient_last_name"`
	ColorName        *string `json:"color_name,omitempty"`
	ColorHex         *string `json:"color_hex,omitempty"`
	ColorPriority    *int    `json:"color_priority,omitempty"`
}

type AdmissionDetail struct {
	Admission *Admission        `json:"admission"`
	Patient   *identity.Patient `json:"patient"`
	Color     *TriageColor      `json:"color,omitempty"`
}

// IntakeRequest carries everything needed to register a new admission.
type IntakeRequest struct {
	Patient       identity.Demographics `json:"patient"`
	ColorCode     string                `json:"color_code"`
	PathologyCode string                `json:"pathology_code"`
	ArrivalMode   string                `json:"arrival_mode"`
}

// Validate checks the request without touching the store.
func (r *IntakeRequest) Validate() error {
	r.ColorCode = strings.TrimSpace(r.ColorCode)
	r.PathologyCode = strings.TrimSpace(r.PathologyCode)
	r.ArrivalMode = strings.TrimSpace(r.ArrivalMode)

	var missing []string
	if r.ColorCode == "" {
		missing = append(missing, "color_code")
	}
	if r.PathologyCode == "" {
		missing = append(missing, "pathology_code")
	}
	if r.ArrivalMode == "" {
		missing = append(missing, "arrival_mode")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidInput, strings.Join(missing, ", "))
	}

	if _, err := r.Patient.ToPatient(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
