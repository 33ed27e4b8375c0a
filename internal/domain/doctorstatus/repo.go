package doctorstatus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/apierr"
)

var (
	ErrNotFound  = fmt.Errorf("doctor status %w", apierr.ErrNotFound)
	ErrNotOnline = fmt.Errorf("%w: doctor is not online", apierr.ErrConflict)
	ErrBusy      = fmt.Errorf("%w: doctor is already with a patient", apierr.ErrConflict)
)

type Repository interface {
	Get(ctx context.Context, doctorID uuid.UUID) (*Record, error)
	List(ctx context.Context, statuses ...Status) ([]*Record, error)

	// Login upserts the record to online (a busy doctor stays busy) and
	// stamps login and last-activity with at.
	Login(ctx context.Context, doctorID uuid.UUID, at time.Time, actor string) (*Record, error)

	// Touch refreshes last-activity for a live doctor. fsm.ErrStaleStatus
	// is returned when the doctor is offline or unknown.
	Touch(ctx context.Context, doctorID uuid.UUID, at time.Time) error

	// Transition writes r while the stored status is one of expected.
	Transition(ctx context.Context, r *Record, expected ...Status) error

	// SweepStale forces every live record last active before cutoff to
	// offline and returns the affected doctors.
	SweepStale(ctx context.Context, cutoff, now time.Time, actor string) ([]uuid.UUID, error)
}
