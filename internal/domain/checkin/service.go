package checkin

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
	"github.com/clinicops/clinic/internal/platform/inventory"
	"github.com/clinicops/clinic/internal/platform/metrics"
)

const entity = "check-in session"

// DoctorTracker is the slice of the doctor availability tracker that visits
// drive. SetBusy fails when the doctor is offline or already with a patient;
// SetAvailable only releases a doctor whose current patient is patientID.
type DoctorTracker interface {
	SetBusy(ctx context.Context, actor auth.Actor, doctorID, patientID uuid.UUID) error
	SetAvailable(ctx context.Context, actor auth.Actor, doctorID, patientID uuid.UUID) error
}

// Deps are the collaborators of the check-in service. Nil fields fall back
// to no-op implementations.
type Deps struct {
	Doctors   DoctorTracker
	Inventory inventory.Client
	Audit     audit.Recorder
	Events    events.Publisher
	Metrics   *metrics.Collector
	Clock     *clinictime.Clock
	Log       zerolog.Logger
}

type Service struct {
	repo      Repository
	doctors   DoctorTracker
	inventory inventory.Client
	audit     audit.Recorder
	events    events.Publisher
	metrics   *metrics.Collector
	clock     *clinictime.Clock
	log       zerolog.Logger
}

func NewService(repo Repository, d Deps) *Service {
	s := &Service{
		repo:      repo,
		doctors:   d.Doctors,
		inventory: d.Inventory,
		audit:     d.Audit,
		events:    d.Events,
		metrics:   d.Metrics,
		clock:     d.Clock,
		log:       d.Log.With().Str("component", "checkin").Logger(),
	}
	if s.inventory == nil {
		s.inventory = inventory.Noop{}
	}
	if s.audit == nil {
		s.audit = audit.Discard
	}
	if s.events == nil {
		s.events = events.Discard
	}
	if s.clock == nil {
		s.clock, _ = clinictime.New("UTC")
	}
	return s
}

// CheckIn opens a visit in waiting. A patient may hold only one open visit
// per clinic day; closed visits do not count.
func (s *Service) CheckIn(ctx context.Context, actor auth.Actor, req CheckInRequest) (*Session, error) {
	if req.PatientID == uuid.Nil {
		return nil, apierr.Invalid("patient_id is required")
	}
	if strings.TrimSpace(req.ServiceType) == "" {
		return nil, apierr.Invalid("service_type is required")
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	method := MethodStaff
	switch {
	case actor.IsPatient():
		if !actor.OwnsPatient(req.PatientID) {
			return nil, fmt.Errorf("%w: patients may only check themselves in", auth.ErrForbidden)
		}
		method = MethodSelf
	case actor.HasRole(auth.RoleReceptionist, auth.RoleNurse):
		if req.Method == MethodSelf {
			method = MethodSelf
		}
	default:
		return nil, fmt.Errorf("%w: check-in requires front desk staff or the patient", auth.ErrForbidden)
	}

	now := s.clock.Now()
	day := s.clock.Today()
	existing, err := s.repo.ActiveForPatient(ctx, req.PatientID, day)
	if err != nil {
		return nil, fmt.Errorf("look up active session: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w (session %s is %s)", ErrDuplicateActiveSession, existing.ID, existing.Status)
	}

	sess := &Session{
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		ServiceType:   strings.TrimSpace(req.ServiceType),
		Priority:      priority,
		Status:        StatusWaiting,
		Method:        method,
		ClinicDay:     day,
		CheckedInAt:   now,
		Notes:         ClinicalNotes{ChiefComplaint: req.ChiefComplaint},
		Prescriptions: []Prescription{},
		UpdatedBy:     actor.ID,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.committed(ctx, actor, sess, "", "checkin", map[string]any{
		"patient_id": sess.PatientID.String(),
		"method":     string(method),
		"priority":   string(priority),
	})
	return sess, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsPatient() && !actor.OwnsPatient(sess.PatientID) {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListToday returns every session checked in on the current clinic day.
func (s *Service) ListToday(ctx context.Context, actor auth.Actor) ([]*Session, error) {
	if err := actor.Require(auth.StaffRoles...); err != nil {
		return nil, err
	}
	return s.repo.ListByDay(ctx, s.clock.Today())
}

func (s *Service) RecordVitals(ctx context.Context, actor auth.Actor, id uuid.UUID, v Vitals) (*Session, error) {
	if err := actor.Require(auth.RoleNurse, auth.RoleDoctor); err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, id, StatusVitalsCollected, "record_vitals", func(sess *Session) error {
		sess.VitalsCollected = true
		sess.Vitals = &v
		return nil
	})
}

// NotifyDoctor hands the visit to the doctor queue.
func (s *Service) NotifyDoctor(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	if err := actor.Require(auth.RoleNurse, auth.RoleDoctor); err != nil {
		return nil, err
	}
	return s.transition(ctx, actor, id, StatusDoctorNotified, "notify_doctor", func(sess *Session) error {
		if !sess.VitalsCollected {
			return fsm.Reject(entity, sess.ID.String(), sess.Status, StatusDoctorNotified, "vitals have not been recorded")
		}
		now := s.clock.Now()
		sess.QueuedAt = &now
		return nil
	})
}

// Start begins the consultation. The doctor is claimed first so one doctor
// never has two consultations in progress; the claim is released again if
// the session cannot be started.
func (s *Service) Start(ctx context.Context, actor auth.Actor, id, doctorID uuid.UUID) (*Session, error) {
	if err := actor.Require(auth.RoleDoctor); err != nil {
		return nil, err
	}
	admin := actor.HasRole(auth.RoleAdmin)
	if !admin && actor.DoctorID == nil {
		return nil, fmt.Errorf("%w: actor is not linked to a doctor", auth.ErrForbidden)
	}
	if doctorID == uuid.Nil && actor.DoctorID != nil {
		doctorID = *actor.DoctorID
	}
	if doctorID == uuid.Nil {
		return nil, apierr.Invalid("doctor_id is required")
	}
	if !admin && !actor.IsDoctor(doctorID) {
		return nil, fmt.Errorf("%w: doctors may only start their own consultations", auth.ErrForbidden)
	}

	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Status.CanTransitionTo(StatusInProgress) {
		s.metrics.Rejected(events.EntityCheckin, false)
		return nil, fsm.Reject(entity, id.String(), cur.Status, StatusInProgress, rejectReason(cur.Status, StatusInProgress))
	}
	if s.doctors != nil {
		if err := s.doctors.SetBusy(ctx, actor, doctorID, cur.PatientID); err != nil {
			return nil, err
		}
	}

	sess, err := s.transition(ctx, actor, id, StatusInProgress, "start", func(sess *Session) error {
		now := s.clock.Now()
		sess.DoctorID = &doctorID
		sess.StartedAt = &now
		return nil
	})
	if err != nil {
		if s.doctors != nil {
			if rerr := s.doctors.SetAvailable(context.WithoutCancel(ctx), actor, doctorID, cur.PatientID); rerr != nil {
				s.log.Warn().Err(rerr).Str("session_id", id.String()).Str("doctor_id", doctorID.String()).
					Msg("doctor claim not released after failed start")
			}
		}
		return nil, err
	}
	return sess, nil
}

// Complete closes the consultation, frees the doctor and forwards each
// prescribed item to inventory. Neither side effect can undo the completion.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id uuid.UUID, req CompleteRequest) (*Session, error) {
	if err := actor.Require(auth.RoleDoctor); err != nil {
		return nil, err
	}
	for _, p := range req.Prescriptions {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	sess, err := s.transition(ctx, actor, id, StatusCompleted, "complete", func(sess *Session) error {
		if actor.DoctorID != nil && sess.DoctorID != nil && !actor.IsDoctor(*sess.DoctorID) && !actor.HasRole(auth.RoleAdmin) {
			return fmt.Errorf("%w: consultation belongs to another doctor", auth.ErrForbidden)
		}
		now := s.clock.Now()
		sess.CompletedAt = &now
		if req.Notes.ChiefComplaint != "" {
			sess.Notes.ChiefComplaint = req.Notes.ChiefComplaint
		}
		sess.Notes.Diagnosis = req.Notes.Diagnosis
		sess.Notes.TreatmentPlan = req.Notes.TreatmentPlan
		sess.Prescriptions = append([]Prescription{}, req.Prescriptions...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	s.releaseDoctor(bg, actor, sess)
	s.decrementStock(bg, sess)
	return sess, nil
}

func (s *Service) MarkNoShow(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	return s.close(ctx, actor, id, StatusNoShow, "no_show")
}

func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Session, error) {
	return s.close(ctx, actor, id, StatusCancelled, "cancel")
}

func (s *Service) close(ctx context.Context, actor auth.Actor, id uuid.UUID, to Status, action string) (*Session, error) {
	if err := actor.Require(auth.RoleReceptionist); err != nil {
		return nil, err
	}
	var wasInProgress bool
	sess, err := s.transition(ctx, actor, id, to, action, func(sess *Session) error {
		wasInProgress = sess.Status == StatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasInProgress {
		s.releaseDoctor(context.WithoutCancel(ctx), actor, sess)
	}
	return sess, nil
}

// transition re-reads the session, checks the table, applies mutate and
// writes back conditioned on the status it read.
func (s *Service) transition(ctx context.Context, actor auth.Actor, id uuid.UUID, to Status, action string, mutate func(*Session) error) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := sess.Status
	if !from.CanTransitionTo(to) {
		s.metrics.Rejected(events.EntityCheckin, false)
		return nil, fsm.Reject(entity, id.String(), from, to, rejectReason(from, to))
	}
	if err := mutate(sess); err != nil {
		var te *fsm.TransitionError
		if errors.As(err, &te) {
			s.metrics.Rejected(events.EntityCheckin, false)
		}
		return nil, err
	}
	sess.Status = to
	sess.UpdatedBy = actor.ID
	sess.UpdatedAt = s.clock.Now()

	if err := s.repo.Transition(ctx, sess, from); err != nil {
		if errors.Is(err, fsm.ErrStaleStatus) {
			s.metrics.Rejected(events.EntityCheckin, true)
			return nil, fsm.Stale(entity, id.String(), from, to)
		}
		return nil, err
	}
	s.committed(ctx, actor, sess, from, action, nil)
	return sess, nil
}

func (s *Service) committed(ctx context.Context, actor auth.Actor, sess *Session, from Status, action string, details map[string]any) {
	s.metrics.Transition(events.EntityCheckin, string(from), string(sess.Status))
	s.audit.Record(ctx, audit.Entry{
		ActorID:  actor.ID,
		Entity:   events.EntityCheckin,
		EntityID: sess.ID.String(),
		Action:   action,
		From:     string(from),
		To:       string(sess.Status),
		Details:  details,
	})
	change := events.Change{
		Entity: events.EntityCheckin,
		ID:     sess.ID.String(),
		Status: string(sess.Status),
		Tenant: db.TenantFromContext(ctx),
		At:     sess.UpdatedAt,
	}
	if err := s.events.Publish(ctx, change); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("queue change not published")
	}
}

func (s *Service) releaseDoctor(ctx context.Context, actor auth.Actor, sess *Session) {
	if s.doctors == nil || sess.DoctorID == nil {
		return
	}
	if err := s.doctors.SetAvailable(ctx, actor, *sess.DoctorID, sess.PatientID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Str("doctor_id", sess.DoctorID.String()).
			Msg("doctor not returned to online")
	}
}

func (s *Service) decrementStock(ctx context.Context, sess *Session) {
	for i, p := range sess.Prescriptions {
		ref := fmt.Sprintf("%s:%d", sess.ID, i)
		if err := s.inventory.Decrement(ctx, p.Name, p.Quantity, ref); err != nil {
			s.metrics.InventoryFailure()
			s.log.Error().Err(err).
				Str("session_id", sess.ID.String()).
				Str("item", p.Name).
				Int("quantity", p.Quantity).
				Msg("stock decrement failed")
		}
	}
}

func rejectReason(from, to Status) string {
	if !from.Active() {
		return fmt.Sprintf("check-in session already %s", from)
	}
	switch to {
	case StatusVitalsCollected:
		return fmt.Sprintf("session is not awaiting vitals (status %s)", from)
	case StatusDoctorNotified:
		if from == StatusWaiting {
			return "vitals have not been recorded"
		}
		return "doctor has already been notified"
	case StatusInProgress:
		if from == StatusInProgress {
			return "consultation already started"
		}
		return "doctor has not been notified for this session"
	case StatusCompleted:
		return "consultation has not started"
	}
	return fmt.Sprintf("check-in session cannot move from %s to %s", from, to)
}
