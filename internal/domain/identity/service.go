package identity

import (
	"context"

	"github.com/google/uuid"
)

type Service struct {
	patients PatientRepository
}

func NewService(patients PatientRepository) *Service {
	return &Service{patients: patients}
}

// ResolveOrCreate returns the patient identified by d.FiscalCode, creating it
// from d when absent. It joins the transaction carried by ctx, if any.
func (s *Service) ResolveOrCreate(ctx context.Context, d Demographics) (*Patient, bool, error) {
	p, err := d.ToPatient()
	if err != nil {
		return nil, false, err
	}
	return s.patients.ResolveOrCreate(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByFiscalCode(ctx context.Context, fiscalCode string) (*Patient, error) {
	code := NormalizeFiscalCode(fiscalCode)
	if code == "" {
		return nil, ErrInvalidInput
	}
	return s.patients.GetByFiscalCode(ctx, code)
}
