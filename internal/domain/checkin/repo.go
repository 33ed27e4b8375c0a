package checkin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/apierr"
)

var (
	ErrNotFound               = fmt.Errorf("check-in session %w", apierr.ErrNotFound)
	ErrDuplicateActiveSession = fmt.Errorf("%w: patient already checked in today", apierr.ErrConflict)
)

// Repository is the store gateway for check-in sessions. Transition is a
// compare-and-swap: it writes s only while the stored status is one of
// expected, and returns fsm.ErrStaleStatus otherwise.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	ActiveForPatient(ctx context.Context, patientID uuid.UUID, day time.Time) (*Session, error)
	ListByDay(ctx context.Context, day time.Time) ([]*Session, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Session, error)
	Transition(ctx context.Context, s *Session, expected ...Status) error
}
