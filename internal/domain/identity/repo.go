package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	// ResolveOrCreate inserts p unless a patient with the same fiscal code
	// exists, in which case the stored row is returned and p is ignored.
	// created reports which of the two happened.
	ResolveOrCreate(ctx context.Context, p *Patient) (stored *Patient, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByFiscalCode(ctx context.Context, fiscalCode string) (*Patient, error)
}
