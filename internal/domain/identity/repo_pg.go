package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, fiscal_code, first_name, last_name, birth_date, sex,
	address_line, city, province, postal_code, created_at`

func (r *patientRepoPG) ResolveOrCreate(ctx context.Context, p *Patient) (*Patient, bool, error) {
	q := db.Conn(ctx, r.pool)

	stored, err := scanPatient(q.QueryRow(ctx, `
		INSERT INTO patient (id, fiscal_code, first_name, last_name, birth_date, sex,
			address_line, city, province, postal_code)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (fiscal_code) DO NOTHING
		RETURNING `+patientCols,
		uuid.New(), p.FiscalCode, p.FirstName, p.LastName, p.BirthDate, p.Sex,
		p.AddressLine, p.City, p.Province, p.PostalCode,
	))
	switch {
	case err == nil:
		return stored, true, nil
	case db.IsUniqueViolation(err, ""):
		return nil, false, fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	case !db.IsNoRows(err):
		return nil, false, fmt.Errorf("insert patient: %w", err)
	}

	// Conflict: somebody already holds this fiscal code.
	stored, err = scanPatient(q.QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE fiscal_code = $1`, p.FiscalCode))
	if db.IsNoRows(err) {
		return nil, false, fmt.Errorf("%w: fiscal code %s vanished after conflict", ErrConstraintViolation, p.FiscalCode)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read patient after conflict: %w", err)
	}
	return stored, false, nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *patientRepoPG) GetByFiscalCode(ctx context.Context, fiscalCode string) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE fiscal_code = $1`, fiscalCode))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.FiscalCode, &p.FirstName, &p.LastName, &p.BirthDate, &p.Sex,
		&p.AddressLine, &p.City, &p.Province, &p.PostalCode, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
