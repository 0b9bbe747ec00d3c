package emergency

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/db"
)

// BraceletConstraint is the unique constraint guarding admission.bracelet.
const BraceletConstraint = "admission_bracelet_key"

const DefaultMaxAttempts = 5

var braceletPattern = regexp.MustCompile(`^(\d{4})-(\d{4,})$`)

// FormatBracelet renders year and sequence as YYYY-NNNN.
func FormatBracelet(year, seq int) string {
	return fmt.Sprintf("%04d-%04d", year, seq)
}

// ParseBracelet is the inverse of FormatBracelet.
func ParseBracelet(s string) (year, seq int, err error) {
	m := braceletPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed bracelet %q", s)
	}
	year, _ = strconv.Atoi(m[1])
	seq, err = strconv.Atoi(m[2])
	if err != nil || seq < 1 {
		return 0, 0, fmt.Errorf("malformed bracelet %q", s)
	}
	return year, seq, nil
}

// SequenceSource proposes the next bracelet sequence number for a year. The
// proposal may collide with a concurrent allocation; the unique constraint is
// the final arbiter.
type SequenceSource interface {
	Next(ctx context.Context, year int) (int, error)
}

// SequenceStrategy names a SequenceSource implementation.
type SequenceStrategy string

const (
	SequenceCount   SequenceStrategy = "count"
	SequenceCounter SequenceStrategy = "counter"
)

func ParseSequenceStrategy(s string) (SequenceStrategy, error) {
	switch st := SequenceStrategy(s); st {
	case SequenceCount, SequenceCounter:
		return st, nil
	case "":
		return SequenceCount, nil
	}
	return "", fmt.Errorf("unknown bracelet strategy %q", s)
}

// Allocator hands out bracelets. Each attempt asks the source for a number
// and runs insert under a savepoint; a duplicate bracelet undoes only that
// attempt and the next one starts from a fresh proposal.
type Allocator struct {
	source      SequenceSource
	maxAttempts int
	metrics     Metrics
	logger      zerolog.Logger
}

func NewAllocator(source SequenceSource, maxAttempts int, metrics Metrics, logger zerolog.Logger) *Allocator {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Allocator{source: source, maxAttempts: maxAttempts, metrics: metrics, logger: logger}
}

// Allocate returns the bracelet that insert accepted. insert must report a
// taken bracelet as ErrDuplicateBracelet or as a unique violation of
// BraceletConstraint; any other error aborts allocation.
func (a *Allocator) Allocate(ctx context.Context, year int, insert func(ctx context.Context, bracelet string) error) (string, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		seq, err := a.source.Next(ctx, year)
		if err != nil {
			return "", fmt.Errorf("next bracelet sequence: %w", err)
		}
		bracelet := FormatBracelet(year, seq)

		err = db.Savepoint(ctx, func(ctx context.Context) error {
			return insert(ctx, bracelet)
		})
		if err == nil {
			return bracelet, nil
		}
		if !isDuplicateBracelet(err) {
			return "", err
		}

		a.metrics.BraceletRetry()
		a.logger.Warn().
			Str("bracelet", bracelet).
			Int("attempt", attempt).
			Msg("bracelet taken, retrying allocation")
	}

	a.metrics.BraceletExhausted()
	return "", fmt.Errorf("%w: %d attempts for year %d", ErrAllocationExhausted, a.maxAttempts, year)
}

func isDuplicateBracelet(err error) bool {
	return errors.Is(err, ErrDuplicateBracelet) || db.IsUniqueViolation(err, BraceletConstraint)
}
