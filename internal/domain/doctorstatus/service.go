package doctorstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/events"
	"github.com/clinicops/clinic/internal/platform/fsm"
	"github.com/clinicops/clinic/internal/platform/metrics"
)

const entity = "doctor"

// Service tracks doctor availability. Liveness is pessimistic: a doctor
// who stops sending heartbeats is signed out by SweepStale.
type Service struct {
	repo    Repository
	audit   audit.Recorder
	events  events.Publisher
	metrics *metrics.Collector
	now     func() time.Time
	log     zerolog.Logger
}

func NewService(repo Repository, rec audit.Recorder, pub events.Publisher, m *metrics.Collector, log zerolog.Logger) *Service {
	if rec == nil {
		rec = audit.Discard
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Service{
		repo:    repo,
		audit:   rec,
		events:  pub,
		metrics: m,
		now:     time.Now,
		log:     log.With().Str("component", "doctorstatus").Logger(),
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Get(ctx context.Context, doctorID uuid.UUID) (*Record, error) {
	rec, err := s.repo.Get(ctx, doctorID)
	if errors.Is(err, ErrNotFound) {
		return Offline(doctorID), nil
	}
	return rec, err
}

// List returns doctors in any of statuses, or every known doctor.
func (s *Service) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	return s.repo.List(ctx, statuses...)
}

func (s *Service) Login(ctx context.Context, actor auth.Actor, doctorID uuid.UUID) (*Record, error) {
	if err := authorize(actor, doctorID); err != nil {
		return nil, err
	}
	before, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.Login(ctx, doctorID, s.now(), actor.ID)
	if err != nil {
		return nil, fmt.Errorf("login doctor %s: %w", doctorID, err)
	}
	s.committed(ctx, actor, rec, before.Status, "login")
	return rec, nil
}

// Logout signs the doctor out. Logging out an offline doctor is a no-op.
func (s *Service) Logout(ctx context.Context, actor auth.Actor, doctorID uuid.UUID) (*Record, error) {
	if err := authorize(actor, doctorID); err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Live() {
		return rec, nil
	}
	return s.transition(ctx, actor, rec, StatusOffline, "logout", func(r *Record) {
		now := s.now()
		r.LogoutAt = &now
		r.CurrentPatientID = nil
	})
}

// Heartbeat proves the doctor's client is still alive. It never changes
// status; an offline doctor must log in again.
func (s *Service) Heartbeat(ctx context.Context, actor auth.Actor, doctorID uuid.UUID) error {
	if err := authorize(actor, doctorID); err != nil {
		return err
	}
	if err := s.repo.Touch(ctx, doctorID, s.now()); err != nil {
		if errors.Is(err, fsm.ErrStaleStatus) {
			return fmt.Errorf("%w: log in again", ErrNotOnline)
		}
		return err
	}
	return nil
}

// SetBusy claims an online doctor for patientID. A doctor already with a
// patient is rejected with ErrBusy, so each doctor has at most one
// consultation in progress.
func (s *Service) SetBusy(ctx context.Context, actor auth.Actor, doctorID, patientID uuid.UUID) error {
	if patientID == uuid.Nil {
		return fmt.Errorf("set doctor %s busy: patient is required", doctorID)
	}
	rec, err := s.live(ctx, doctorID)
	if err != nil {
		return err
	}
	if rec.Status == StatusBusy {
		return fmt.Errorf("%w (doctor %s is with patient %s)", ErrBusy, doctorID, rec.CurrentPatientID)
	}
	_, err = s.transition(ctx, actor, rec, StatusBusy, "set_busy", func(r *Record) {
		r.CurrentPatientID = &patientID
		r.LastActivityAt = s.now()
	})
	return err
}

// SetAvailable returns the doctor to online once the consultation with
// patientID ends. It leaves a doctor who is with another patient untouched.
func (s *Service) SetAvailable(ctx context.Context, actor auth.Actor, doctorID, patientID uuid.UUID) error {
	rec, err := s.live(ctx, doctorID)
	if err != nil {
		return err
	}
	if rec.CurrentPatientID != nil && *rec.CurrentPatientID != patientID {
		s.log.Debug().Str("doctor_id", doctorID.String()).Str("patient_id", patientID.String()).
			Msg("doctor is with another patient, not released")
		return nil
	}
	_, err = s.transition(ctx, actor, rec, StatusOnline, "set_available", func(r *Record) {
		r.CurrentPatientID = nil
		r.LastActivityAt = s.now()
	})
	return err
}

// SweepStale signs out every live doctor whose last activity is older than
// threshold. Records active within threshold are never touched, and a
// second run with no new activity changes nothing.
func (s *Service) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.now()
	ids, err := s.repo.SweepStale(ctx, now.Add(-threshold), now, auth.System.ID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		rec := &Record{DoctorID: id, Status: StatusOffline, LogoutAt: &now, UpdatedBy: auth.System.ID, UpdatedAt: now}
		s.committed(ctx, auth.System, rec, "", "sweep_stale")
		s.log.Info().Str("doctor_id", id.String()).Dur("threshold", threshold).Msg("stale doctor signed out")
	}
	return len(ids), nil
}

func (s *Service) live(ctx context.Context, doctorID uuid.UUID) (*Record, error) {
	rec, err := s.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Live() {
		return nil, fmt.Errorf("%w (doctor %s is %s)", ErrNotOnline, doctorID, rec.Status)
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, actor auth.Actor, rec *Record, to Status, action string, mutate func(*Record)) (*Record, error) {
	from := rec.Status
	if !transitions.Allowed(from, to) {
		s.metrics.Rejected(events.EntityDoctor, false)
		return nil, fsm.Reject(entity, rec.DoctorID.String(), from, to, "")
	}
	mutate(rec)
	rec.Status = to
	rec.UpdatedBy = actor.ID
	rec.UpdatedAt = s.now()

	if err := s.repo.Transition(ctx, rec, from); err != nil {
		if errors.Is(err, fsm.ErrStaleStatus) {
			s.metrics.Rejected(events.EntityDoctor, true)
			return nil, fsm.Stale(entity, rec.DoctorID.String(), from, to)
		}
		return nil, err
	}
	s.committed(ctx, actor, rec, from, action)
	return rec, nil
}

func (s *Service) committed(ctx context.Context, actor auth.Actor, rec *Record, from Status, action string) {
	s.metrics.Transition(events.EntityDoctor, string(from), string(rec.Status))
	var details map[string]any
	if rec.CurrentPatientID != nil {
		details = map[string]any{"patient_id": rec.CurrentPatientID.String()}
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:  actor.ID,
		Entity:   events.EntityDoctor,
		EntityID: rec.DoctorID.String(),
		Action:   action,
		From:     string(from),
		To:       string(rec.Status),
		Details:  details,
	})
	if err := s.events.Publish(ctx, events.Change{
		Entity: events.EntityDoctor,
		ID:     rec.DoctorID.String(),
		Status: string(rec.Status),
		Tenant: db.TenantFromContext(ctx),
		At:     rec.UpdatedAt,
	}); err != nil {
		s.log.Warn().Err(err).Str("doctor_id", rec.DoctorID.String()).Msg("doctor change not published")
	}
}

// authorize lets doctors manage their own presence and admins anyone's.
func authorize(actor auth.Actor, doctorID uuid.UUID) error {
	if actor.IsDoctor(doctorID) {
		return nil
	}
	for _, r := range actor.Roles {
		if r == auth.RoleAdmin {
			return nil
		}
	}
	return fmt.Errorf("%w: doctors may only change their own status", auth.ErrForbidden)
}
