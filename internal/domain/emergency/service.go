package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/domain/identity"
	"github.com/ehr/triage/internal/platform/auth"
	"github.com/ehr/triage/pkg/pagination"
)

// TxRunner runs units of work against the store. db.TxManager implements it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// PatientResolver is the part of the patient directory the desk depends on.
type PatientResolver interface {
	ResolveOrCreate(ctx context.Context, d identity.Demographics) (*identity.Patient, bool, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}

// Metrics receives domain events. *telemetry.Metrics implements it.
type Metrics interface {
	AdmissionCreated(color string)
	BraceletRetry()
	BraceletExhausted()
	StateTransition(to string)
}

type nopMetrics struct{}

func (nopMetrics) AdmissionCreated(string) {}
func (nopMetrics) BraceletRetry()          {}
func (nopMetrics) BraceletExhausted()      {}
func (nopMetrics) StateTransition(string)  {}

type Options struct {
	ColorPolicy      ColorPolicy
	TransitionPolicy TransitionPolicy
	Metrics          Metrics
	Logger           zerolog.Logger
	// Now defaults to time.Now. The bracelet year is taken from it.
	Now func() time.Time
}

type Service struct {
	admissions  AdmissionRepository
	colors      ColorRepository
	patients    PatientResolver
	allocator   *Allocator
	tx          TxRunner
	colorPolicy ColorPolicy
	transitions TransitionPolicy
	metrics     Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(admissions AdmissionRepository, colors ColorRepository, patients PatientResolver,
	allocator *Allocator, tx TxRunner, opts Options) *Service {
	s := &Service{
		admissions:  admissions,
		colors:      colors,
		patients:    patients,
		allocator:   allocator,
		tx:          tx,
		colorPolicy: opts.ColorPolicy,
		transitions: opts.TransitionPolicy,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if s.colorPolicy == "" {
		s.colorPolicy = ColorStrict
	}
	if s.transitions == "" {
		s.transitions = TransitionPermissive
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// -- Intake --

// CreateAdmission resolves the patient, allocates a bracelet and stores a new
// admission in state ATT, all in one transaction. A patient race detected by
// the directory restarts the whole unit once.
func (s *Service) CreateAdmission(ctx context.Context, actor auth.Actor, req IntakeRequest) (*Admission, error) {
	if !auth.CanCreateAdmission(actor.Role) {
		return nil, fmt.Errorf("%w: role %q may not create admissions", ErrForbidden, actor.Role)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.colorPolicy == ColorStrict {
		err := s.tx.Run(ctx, func(ctx context.Context) error {
			_, err := s.colors.GetByCode(ctx, req.ColorCode)
			return err
		})
		if errors.Is(err, ErrUnknownColor) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColor, req.ColorCode)
		}
		if err != nil {
			return nil, err
		}
	}

	a, created, err := s.intake(ctx, req)
	if errors.Is(err, identity.ErrConstraintViolation) {
		s.logger.Warn().Err(err).Str("fiscal_code", identity.NormalizeFiscalCode(req.Patient.FiscalCode)).
			Msg("patient race during intake, retrying once")
		a, created, err = s.intake(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.AdmissionCreated(a.ColorCode)
	s.logger.Info().
		Str("admission_id", a.ID.String()).
		Str("bracelet", a.Bracelet).
		Str("color", a.ColorCode).
		Bool("new_patient", created).
		Str("actor", actor.Subject).
		Msg("admission created")
	return a, nil
}

func (s *Service) intake(ctx context.Context, req IntakeRequest) (*Admission, bool, error) {
	var out *Admission
	var created bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, isNew, err := s.patients.ResolveOrCreate(ctx, req.Patient)
		if err != nil {
			return err
		}

		now := s.now()
		a := &Admission{
			ID:            uuid.New(),
			PatientID:     p.ID,
			State:         StateWaiting,
			ColorCode:     req.ColorCode,
			PathologyCode: req.PathologyCode,
			ArrivalMode:   req.ArrivalMode,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := s.allocator.Allocate(ctx, now.Year(), func(ctx context.Context, bracelet string) error {
			a.Bracelet = bracelet
			return s.admissions.Create(ctx, a)
		}); err != nil {
			return err
		}

		out, created = a, isNew
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// -- Transition --

// Transition moves an admission to target and records the change.
func (s *Service) Transition(ctx context.Context, actor auth.Actor, id uuid.UUID, target string) (*Admission, error) {
	if !actor.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrForbidden, actor.Role)
	}
	to, err := ParseState(target)
	if err != nil {
		return nil, err
	}

	var out *Admission
	var from State
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if s.transitions == TransitionDirected {
			cur, err := s.admissions.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !s.transitions.Allows(cur.State, to) {
				return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur.State, to)
			}
		}

		prev, a, err := s.admissions.UpdateState(ctx, id, to)
		if err != nil {
			return err
		}
		if err := s.admissions.AddStatusChange(ctx, &StatusChange{
			AdmissionID: a.ID,
			FromState:   prev,
			ToState:     to,
			ChangedAt:   a.UpdatedAt,
			ChangedBy:   actor.Subject,
		}); err != nil {
			return fmt.Errorf("record status change: %w", err)
		}
		out, from = a, prev
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.StateTransition(string(to))
	s.logger.Info().
		Str("admission_id", out.ID.String()).
		Str("bracelet", out.Bracelet).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor.Subject).
		Msg("admission state changed")
	return out, nil
}

// -- Reads --

// ListActive returns the waiting-room queue, most urgent first.
func (s *Service) ListActive(ctx context.Context, page pagination.Params) ([]*QueueEntry, int, error) {
	var items []*QueueEntry
	var total int
	err := s.tx.Run(ctx, func(ctx context.Context) error {
		var err error
		items, total, err = s.admissions.ListActive(ctx, page.Limit, page.Offset)
		return err
	})
	return items, total, err
}

func (s *Service) GetDetail(ctx context.Context, id uuid.UUID) (*AdmissionDetail, error) {
	var d AdmissionDetail
	err := s.tx.Run(ctx, func(ctx context.Context) error {
		a, err := s.admissions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		p, err := s.patients.GetPatient(ctx, a.PatientID)
		if err != nil {
			return fmt.Errorf("patient of admission %s: %w", id, err)
		}
		c, err := s.colors.GetByCode(ctx, a.ColorCode)
		if err != nil && !errors.Is(err, ErrUnknownColor) {
			return err
		}
		d = AdmissionDetail{Admission: a, Patient: p, Color: c}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Service) ListColors(ctx context.Context) ([]*TriageColor, error) {
	var colors []*TriageColor
	err := s.tx.Run(ctx, func(ctx context.Context) error {
		var err error
		colors, err = s.colors.List(ctx)
		return err
	})
	return colors, err
}

// History returns the state changes of an admission, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*StatusChange, error) {
	var items []*StatusChange
	err := s.tx.Run(ctx, func(ctx context.Context) error {
		if _, err := s.admissions.GetByID(ctx, id); err != nil {
			return err
		}
		var err error
		items, err = s.admissions.GetStatusHistory(ctx, id)
		return err
	})
	return items, err
}

// ListByPatient returns a patient's admissions, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, page pagination.Params) ([]*Admission, int, error) {
	var items []*Admission
	var total int
	err := s.tx.Run(ctx, func(ctx context.Context) error {
		if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
			return err
		}
		var err error
		items, total, err = s.admissions.ListByPatient(ctx, patientID, page.Limit, page.Offset)
		return err
	})
	return items, total, err
}
