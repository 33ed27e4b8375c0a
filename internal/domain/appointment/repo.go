package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/apierr"
)

var (
	ErrNotFound     = fmt.Errorf("appointment %w", apierr.ErrNotFound)
	ErrSlotConflict = fmt.Errorf("%w: doctor already has an appointment at that time", apierr.ErrConflict)
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error)

	// OpenForDoctor returns the doctor's non-terminal appointments dated
	// within [from, to].
	OpenForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Appointment, error)

	// OpenDueBy returns every non-terminal appointment dated on or before day.
	OpenDueBy(ctx context.Context, day time.Time) ([]*Appointment, error)

	// Transition writes a while the stored status is one of expected and
	// returns fsm.ErrStaleStatus otherwise.
	Transition(ctx context.Context, a *Appointment, expected ...Status) error

	// WithDoctorLock runs fn in a transaction serialized against every other
	// booking for doctorID.
	WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}
