package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("patient not found")
	ErrInvalidInput = errors.New("invalid patient data")
	// ErrConstraintViolation means the patient row could be neither inserted
	// nor read back, typically because a concurrent writer rolled back between
	// the two statements. Retrying the unit of work is safe.
	ErrConstraintViolation = errors.New("patient constraint violation")
)

// BirthDateLayout is the accepted form of Demographics.BirthDate.
const BirthDateLayout = "2006-01-02"

// Patient maps to the patient table. Rows are created once and never updated.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	FiscalCode  string     `db:"fiscal_code" json:"fiscal_code"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex         *string    `db:"sex" json:"sex,omitempty"`
	AddressLine *string    `db:"address_line" json:"address_line,omitempty"`
	City        *string    `db:"city" json:"city,omitempty"`
	Province    *string    `db:"province" json:"province,omitempty"`
	PostalCode  *string    `db:"postal_code" json:"postal_code,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// FullName is "First Last".
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Demographics is the patient part of an intake request. Only FiscalCode,
// FirstName and LastName are required; the rest is best effort.
type Demographics struct {
	FiscalCode  string `json:"fiscal_code"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	BirthDate   string `json:"birth_date,omitempty"`
	Sex         string `json:"sex,omitempty"`
	AddressLine string `json:"address_line,omitempty"`
	City        string `json:"city,omitempty"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
}

// NormalizeFiscalCode trims and upper-cases a fiscal code so that lookups and
// the unique index agree on one spelling.
func NormalizeFiscalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ToPatient validates d and builds the row to insert.
func (d Demographics) ToPatient() (*Patient, error) {
	p := &Patient{
		FiscalCode: NormalizeFiscalCode(d.FiscalCode),
		FirstName:  strings.TrimSpace(d.FirstName),
		LastName:   strings.TrimSpace(d.LastName),
	}

	var missing []string
	if p.FiscalCode == "" {
		missing = append(missing, "fiscal_code")
	}
	if p.FirstName == "" {
		missing = append(missing, "first_name")
	}
	if p.LastName == "" {
		missing = append(missing, "last_name")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s required", ErrInvalidInput, strings.Join(missing, ", "))
	}

	if s := strings.TrimSpace(d.BirthDate); s != "" {
		bd, err := time.Parse(BirthDateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("%w: birth_date must be YYYY-MM-DD", ErrInvalidInput)
		}
		p.BirthDate = &bd
	}
	p.Sex = optional(d.Sex)
	p.AddressLine = optional(d.AddressLine)
	p.City = optional(d.City)
	p.Province = optional(d.Province)
	p.PostalCode = optional(d.PostalCode)
	return p, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
