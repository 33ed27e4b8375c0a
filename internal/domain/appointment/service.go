package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/apierr"
	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/events"
	"github.com/clinicops/clinic/internal/platform/fsm"
	"github.com/clinicops/clinic/internal/platform/metrics"
)

const entity = "appointment"

type Service struct {
	repo    Repository
	clock   *clinictime.Clock
	audit   audit.Recorder
	events  events.Publisher
	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewService(repo Repository, clock *clinictime.Clock, rec audit.Recorder, pub events.Publisher, m *metrics.Collector, log zerolog.Logger) *Service {
	if rec == nil {
		rec = audit.Discard
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Service{
		repo:    repo,
		clock:   clock,
		audit:   rec,
		events:  pub,
		metrics: m,
		log:     log.With().Str("component", "appointment").Logger(),
	}
}

// Create books an appointment in scheduled. Patients book for themselves
// and only consultation or checkup; staff book any type for anyone.
func (s *Service) Create(ctx context.Context, actor auth.Actor, req CreateRequest) (*Appointment, error) {
	if actor.IsPatient() {
		if req.PatientID == uuid.Nil && actor.PatientID != nil {
			req.PatientID = *actor.PatientID
		}
		if !actor.OwnsPatient(req.PatientID) {
			return nil, fmt.Errorf("%w: patients may only book for themselves", auth.ErrForbidden)
		}
		if req.Type == "" {
			req.Type = TypeConsultation
		}
		if req.Type.Valid() && !req.Type.PatientBookable() {
			return nil, fmt.Errorf("%w: %s appointments are booked by clinic staff", auth.ErrForbidden, req.Type)
		}
	} else if err := actor.Require(auth.StaffRoles...); err != nil {
		return nil, err
	}

	appt, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	start, _, err := appt.Window(s.clock)
	if err != nil {
		return nil, apierr.Invalid(err.Error())
	}
	if !start.After(s.clock.Now()) {
		return nil, apierr.Invalid("appointment time is in the past")
	}

	now := s.clock.Now()
	appt.Status = StatusScheduled
	appt.CreatedBy = actor.ID
	appt.UpdatedBy = actor.ID
	appt.UpdatedAt = now

	create := func(ctx context.Context) error {
		if appt.DoctorID != nil {
			if err := s.checkSlot(ctx, appt); err != nil {
				return err
			}
		}
		return s.repo.Create(ctx, appt)
	}
	if appt.DoctorID != nil {
		err = s.repo.WithDoctorLock(ctx, *appt.DoctorID, create)
	} else {
		err = create(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.committed(ctx, actor, appt, "", "create", map[string]any{
		"date": appt.Date,
		"time": appt.Time,
		"type": string(appt.Type),
	})
	return appt, nil
}

func (s *Service) validate(req CreateRequest) (*Appointment, error) {
	if req.PatientID == uuid.Nil {
		return nil, apierr.Invalid("patient_id is required")
	}
	if req.Type == "" {
		req.Type = TypeConsultation
	}
	if !req.Type.Valid() {
		return nil, apierr.Invalid(fmt.Sprintf("invalid appointment type %q", req.Type))
	}
	if _, err := s.clock.ParseDate(req.Date); err != nil {
		return nil, apierr.Invalid(err.Error())
	}
	if _, err := s.clock.Combine(s.clock.Today(), req.Time); err != nil {
		return nil, apierr.Invalid(err.Error())
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDuration
	}
	if req.DurationMinutes < MinDuration || req.DurationMinutes > MaxDuration {
		return nil, apierr.Invalid(fmt.Sprintf("duration must be between %d and %d minutes", MinDuration, MaxDuration))
	}
	if req.DoctorID != nil && *req.DoctorID == uuid.Nil {
		req.DoctorID = nil
	}
	return &Appointment{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
		Type:            req.Type,
		Notes:           req.Notes,
	}, nil
}

// checkSlot fails with ErrSlotConflict when appt overlaps another open
// appointment of the same doctor.
func (s *Service) checkSlot(ctx context.Context, appt *Appointment) error {
	start, end, err := appt.Window(s.clock)
	if err != nil {
		return apierr.Invalid(err.Error())
	}
	day := s.clock.Day(start)
	others, err := s.repo.OpenForDoctor(ctx, *appt.DoctorID, day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("load doctor schedule: %w", err)
	}
	for _, o := range others {
		if o.ID == appt.ID {
			continue
		}
		oStart, oEnd, err := o.Window(s.clock)
		if err != nil {
			s.log.Warn().Err(err).Str("appointment_id", o.ID.String()).Msg("skipping unreadable appointment window")
			continue
		}
		if Overlaps(start, end, oStart, oEnd) {
			return fmt.Errorf("%w (%s %s)", ErrSlotConflict, o.Date, o.Time)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsPatient() && !actor.OwnsPatient(appt.PatientID) {
		return nil, ErrNotFound
	}
	return appt, nil
}

// List applies f; patients only ever see their own appointments.
func (s *Service) List(ctx context.Context, actor auth.Actor, f Filter, limit, offset int) ([]*Appointment, int, error) {
	if actor.IsPatient() {
		if actor.PatientID == nil {
			return nil, 0, fmt.Errorf("%w: no patient identity", auth.ErrForbidden)
		}
		f.PatientID = actor.PatientID
	}
	if f.Date != "" {
		if _, err := s.clock.ParseDate(f.Date); err != nil {
			return nil, 0, apierr.Invalid(err.Error())
		}
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apierr.Invalid(fmt.Sprintf("invalid status %q", f.Status))
	}
	return s.repo.List(ctx, f, limit, offset)
}

// Accept confirms the patient's own scheduled appointment.
func (s *Service) Accept(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Appointment, error) {
	if !actor.IsPatient() {
		return nil, fmt.Errorf("%w: only the patient may accept an appointment", auth.ErrForbidden)
	}
	return s.transition(ctx, actor, id, StatusConfirmed, "accept", func(a *Appointment) error {
		if !actor.OwnsPatient(a.PatientID) {
			return ErrNotFound
		}
		return nil
	})
}

// Reject cancels the patient's own appointment and records why.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Appointment, error) {
	if !actor.IsPatient() {
		return nil, fmt.Errorf("%w: only the patient may reject an appointment", auth.ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apierr.Invalid("rejection reason is required")
	}
	return s.transition(ctx, actor, id, StatusCancelled, "reject", func(a *Appointment) error {
		if !actor.OwnsPatient(a.PatientID) {
			return ErrNotFound
		}
		a.RejectionReason = &reason
		return nil
	})
}

// Complete records the outcome. It is reachable from scheduled as well as
// confirmed.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID, req CompleteRequest) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusCompleted, "complete", func(a *Appointment) error {
		if actor.IsPatient() {
			if !actor.OwnsPatient(a.PatientID) {
				return ErrNotFound
			}
		} else if err := actor.Require(auth.StaffRoles...); err != nil {
			return err
		}
		a.Diagnosis = req.Diagnosis
		a.Treatment = req.Treatment
		a.Prescription = req.Prescription
		return nil
	})
}

// Cancel is the staff-side cancellation.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Appointment, error) {
	if err := actor.Require(auth.RoleReceptionist, auth.RoleDoctor, auth.RoleNurse); err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, id, StatusCancelled, "cancel", func(a *Appointment) error {
		if r := strings.TrimSpace(reason); r != "" {
			a.RejectionReason = &r
		}
		return nil
	})
}

// AssignDoctor attaches a doctor to an open appointment, typically on the
// day. The status is unchanged; the write is still conditioned on it.
func (s *Service) AssignDoctor(ctx context.Context, actor auth.Actor, id, doctorID uuid.UUID) (*Appointment, error) {
	if err := actor.Require(auth.RoleReceptionist, auth.RoleDoctor, auth.RoleNurse); err != nil {
		return nil, err
	}
	if doctorID == uuid.Nil {
		return nil, apierr.Invalid("doctor_id is required")
	}

	var appt *Appointment
	err := s.repo.WithDoctorLock(ctx, doctorID, func(ctx context.Context) error {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return fsm.Reject(entity, id.String(), a.Status, a.Status, rejectReason(a.Status, a.Status))
		}
		a.DoctorID = &doctorID
		if err := s.checkSlot(ctx, a); err != nil {
			return err
		}
		a.UpdatedBy = actor.ID
		a.UpdatedAt = s.clock.Now()
		if err := s.repo.Transition(ctx, a, a.Status); err != nil {
			if errors.Is(err, fsm.ErrStaleStatus) {
				return fsm.Stale(entity, id.String(), a.Status, a.Status)
			}
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, err
	}
	s.committed(ctx, actor, appt, appt.Status, "assign_doctor", map[string]any{"doctor_id": doctorID.String()})
	return appt, nil
}

// SweepOverdue moves every open appointment whose start is at or before now
// (clinic time) to no_show. Appointments changed concurrently are skipped,
// so repeated or parallel sweeps converge on the same result.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.OpenDueBy(ctx, s.clock.Day(now))
	if err != nil {
		return 0, fmt.Errorf("load open appointments: %w", err)
	}

	moved := 0
	for _, a := range due {
		start, _, err := a.Window(s.clock)
		if err != nil {
			s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("skipping unreadable appointment")
			continue
		}
		if start.After(now) {
			continue
		}
		from := a.Status
		a.Status = StatusNoShow
		a.UpdatedBy = auth.System.ID
		a.UpdatedAt = now
		if err := s.repo.Transition(ctx, a, from); err != nil {
			if errors.Is(err, fsm.ErrStaleStatus) {
				continue
			}
			return moved, fmt.Errorf("mark appointment %s no-show: %w", a.ID, err)
		}
		moved++
		s.committed(ctx, auth.System, a, from, "sweep_overdue", nil)
	}
	return moved, nil
}

func (s *Service) transition(ctx context.Context, actor auth.Actor, id uuid.UUID, to Status, action string, mutate func(*Appointment) error) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := appt.Status
	if !from.CanTransitionTo(to) {
		err := fsm.Reject(entity, id.String(), from, to, rejectReason(from, to))
		s.rejected(err)
		return nil, err
	}
	if err := mutate(appt); err != nil {
		return nil, err
	}
	appt.Status = to
	appt.UpdatedBy = actor.ID
	appt.UpdatedAt = s.clock.Now()

	if err := s.repo.Transition(ctx, appt, from); err != nil {
		if errors.Is(err, fsm.ErrStaleStatus) {
			err := fsm.Stale(entity, id.String(), from, to)
			s.rejected(err)
			return nil, err
		}
		return nil, err
	}
	s.committed(ctx, actor, appt, from, action, nil)
	return appt, nil
}

func (s *Service) rejected(err error) {
	var te *fsm.TransitionError
	if errors.As(err, &te) {
		s.metrics.Rejected(events.EntityAppointment, te.Stale)
	}
}

func (s *Service) committed(ctx context.Context, actor auth.Actor, a *Appointment, from Status, action string, details map[string]any) {
	s.metrics.Transition(events.EntityAppointment, string(from), string(a.Status))
	s.audit.Record(ctx, audit.Entry{
		ActorID:  actor.ID,
		Entity:   events.EntityAppointment,
		EntityID: a.ID.String(),
		Action:   action,
		From:     string(from),
		To:       string(a.Status),
		Details:  details,
	})
	if err := s.events.Publish(ctx, events.Change{
		Entity: events.EntityAppointment,
		ID:     a.ID.String(),
		Status: string(a.Status),
		Tenant: db.TenantFromContext(ctx),
		At:     a.UpdatedAt,
	}); err != nil {
		s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("appointment change not published")
	}
}
