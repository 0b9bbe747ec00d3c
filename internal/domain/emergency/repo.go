package emergency

import (
	"context"

	"github.com/google/uuid"
)

type AdmissionRepository interface {
	// Create inserts a. A taken bracelet is reported as ErrDuplicateBracelet.
	Create(ctx context.Context, a *Admission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Admission, error)
	// GetForUpdate reads a and locks its row until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error)
	// UpdateState sets the state and returns the previous one with the updated row.
	UpdateState(ctx context.Context, id uuid.UUID, to State) (from State, updated *Admission, err error)
	ListActive(ctx context.Context, limit, offset int) ([]*QueueEntry, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Admission, int, error)

	// Status History
	AddStatusChange(ctx context.Context, h *StatusChange) error
	GetStatusHistory(ctx context.Context, admissionID uuid.UUID) ([]*StatusChange, error)
}

type ColorRepository interface {
	List(ctx context.Context) ([]*TriageColor, error)
	GetByCode(ctx context.Context, code string) (*TriageColor, error)
}
