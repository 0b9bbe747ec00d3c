package emergency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/platform/db"
)

// =========== Admission Repository ===========

type admissionRepoPG struct{ pool *pgxpool.Pool }

func NewAdmissionRepoPG(pool *pgxpool.Pool) AdmissionRepository {
	return &admissionRepoPG{pool: pool}
}

const admissionCols = `id, patient_id, bracelet, state, color_code, pathology_code, arrival_mode, created_at, updated_at`

func (r *admissionRepoPG) Create(ctx context.Context, a *Admission) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO admission (id, patient_id, bracelet, state, color_code, pathology_code,
			arrival_mode, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.PatientID, a.Bracelet, a.State, a.ColorCode, a.PathologyCode,
		a.ArrivalMode, a.CreatedAt, a.UpdatedAt)
	if db.IsUniqueViolation(err, BraceletConstraint) {
		return fmt.Errorf("%w: %s", ErrDuplicateBracelet, a.Bracelet)
	}
	return err
}

func (r *admissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return getAdmission(ctx, db.Conn(ctx, r.pool), `SELECT `+admissionCols+` FROM admission WHERE id = $1`, id)
}

func (r *admissionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return getAdmission(ctx, db.Conn(ctx, r.pool), `SELECT `+admissionCols+` FROM admission WHERE id = $1 FOR UPDATE`, id)
}

func getAdmission(ctx context.Context, q db.Queryable, sql string, id uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(q.QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	return a, err
}

// UpdateState locks the row in the CTE so the returned previous state is the
// one this statement replaced.
func (r *admissionRepoPG) UpdateState(ctx context.Context, id uuid.UUID, to State) (State, *Admission, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		WITH prev AS (
			SELECT id, state FROM admission WHERE id = $1 FOR UPDATE
		)
		UPDATE admission a SET state = $2, updated_at = NOW()
		FROM prev
		WHERE a.id = prev.id
		RETURNING prev.state, a.id, a.patient_id, a.bracelet, a.state, a.color_code,
			a.pathology_code, a.arrival_mode, a.created_at, a.updated_at`,
		id, to)

	var from State
	var a Admission
	err := row.Scan(&from, &a.ID, &a.PatientID, &a.Bracelet, &a.State, &a.ColorCode,
		&a.PathologyCode, &a.ArrivalMode, &a.CreatedAt, &a.UpdatedAt)
	if db.IsNoRows(err) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return from, &a, nil
}

func (r *admissionRepoPG) ListActive(ctx context.Context, limit, offset int) ([]*QueueEntry, int, error) {
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM admission WHERE state NOT IN ('RIC', 'DIM')`).Scan(&total); err != nil {
		return nil, 0, err
	}

	// Codes missing from the registry sort after every known color.
	rows, err := q.Query(ctx, `
		SELECT a.id, a.patient_id, a.bracelet, a.state, a.color_code, a.pathology_code,
			a.arrival_mode, a.created_at, a.updated_at,
			p.fiscal_code, p.first_name, p.last_name,
			c.name, c.hex, c.priority
		FROM admission a
		JOIN patient p ON p.id = a.patient_id
		LEFT JOIN triage_color c ON c.code = a.color_code
		WHERE a.state NOT IN ('RIC', 'DIM')
		ORDER BY c.priority ASC NULLS LAST, a.created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(
			&e.ID, &e.PatientID, &e.Bracelet, &e.State, &e.ColorCode, &e.PathologyCode,
			&e.ArrivalMode, &e.CreatedAt, &e.UpdatedAt,
			&e.FiscalCode, &e.PatientFirstName, &e.PatientLastName,
			&e.ColorName, &e.ColorHex, &e.ColorPriority,
		); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}

func (r *admissionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Admission, int, error) {
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM admission WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+admissionCols+` FROM admission WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *admissionRepoPG) AddStatusChange(ctx context.Context, h *StatusChange) error {
	h.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO admission_status_history (id, admission_id, from_state, to_state, changed_at, changed_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID, h.AdmissionID, h.FromState, h.ToState, h.ChangedAt, h.ChangedBy)
	return err
}

func (r *admissionRepoPG) GetStatusHistory(ctx context.Context, admissionID uuid.UUID) ([]*StatusChange, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, admission_id, from_state, to_state, changed_at, changed_by
		FROM admission_status_history WHERE admission_id = $1 ORDER BY changed_at, id`, admissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.ID, &h.AdmissionID, &h.FromState, &h.ToState, &h.ChangedAt, &h.ChangedBy); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

func scanAdmission(row pgx.Row) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.PatientID, &a.Bracelet, &a.State, &a.ColorCode,
		&a.PathologyCode, &a.ArrivalMode, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// =========== Color Repository ===========

type colorRepoPG struct{ pool *pgxpool.Pool }

func NewColorRepoPG(pool *pgxpool.Pool) ColorRepository { return &colorRepoPG{pool: pool} }

func (r *colorRepoPG) List(ctx context.Context) ([]*TriageColor, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT code, hex, name, priority FROM triage_color ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TriageColor
	for rows.Next() {
		var c TriageColor
		if err := rows.Scan(&c.Code, &c.Hex, &c.Name, &c.Priority); err != nil {
			return nil, err
		}
		items = append(items, &c)
	}
	return items, rows.Err()
}

func (r *colorRepoPG) GetByCode(ctx context.Context, code string) (*TriageColor, error) {
	var c TriageColor
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT code, hex, name, priority FROM triage_color WHERE code = $1`, code,
	).Scan(&c.Code, &c.Hex, &c.Name, &c.Priority)
	if db.IsNoRows(err) {
		return nil, ErrUnknownColor
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// =========== Sequence Sources ===========

// countSequence proposes COUNT(bracelets of the year) + 1.
type countSequence struct{ pool *pgxpool.Pool }

func NewCountSequence(pool *pgxpool.Pool) SequenceSource { return &countSequence{pool: pool} }

func (s *countSequence) Next(ctx context.Context, year int) (int, error) {
	return countYear(ctx, db.Conn(ctx, s.pool), year)
}

func countYear(ctx context.Context, q db.Queryable, year int) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM admission WHERE bracelet LIKE $1`,
		fmt.Sprintf("%04d-%%", year)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// counterSequence keeps a per-year counter row. The upsert holds the row lock
// until the surrounding transaction ends, so same-year intakes queue behind
// each other and a rolled back intake gives its number back.
type counterSequence struct{ pool *pgxpool.Pool }

func NewCounterSequence(pool *pgxpool.Pool) SequenceSource { return &counterSequence{pool: pool} }

func (s *counterSequence) Next(ctx context.Context, year int) (int, error) {
	q := db.Conn(ctx, s.pool)
	floor, err := countYear(ctx, q, year)
	if err != nil {
		return 0, err
	}
	var seq int
	err = q.QueryRow(ctx, `
		INSERT INTO bracelet_counter (year, last_seq) VALUES ($1, $2)
		ON CONFLICT (year) DO UPDATE
			SET last_seq = GREATEST(bracelet_counter.last_seq + 1, EXCLUDED.last_seq)
		RETURNING last_seq`, year, floor).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// NewSequenceSource builds the source named by strategy.
func NewSequenceSource(strategy SequenceStrategy, pool *pgxpool.Pool) SequenceSource {
	if strategy == SequenceCounter {
		return NewCounterSequence(pool)
	}
	return NewCountSequence(pool)
}
