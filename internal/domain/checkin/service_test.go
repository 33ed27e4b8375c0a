package checkin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/apierr"
	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/events"
	"github.com/clinicops/clinic/internal/platform/fsm"
	"github.com/clinicops/clinic/internal/platform/inventory"
	"github.com/clinicops/clinic/internal/platform/metrics"
)

// -- Mock Repository --

type mockRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
}

func newMockRepo() *mockRepo {
	return &mockRepo{sessions: make(map[uuid.UUID]Session)}
}

func (m *mockRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.sessions {
		if other.PatientID == s.PatientID && other.ClinicDay.Equal(s.ClinicDay) && other.Status.Active() {
			return ErrDuplicateActiveSession
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = s.UpdatedAt
	m.sessions[s.ID] = *s
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *mockRepo) ActiveForPatient(_ context.Context, patientID uuid.UUID, day time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.PatientID == patientID && s.ClinicDay.Equal(day) && s.Status.Active() {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) ListByDay(_ context.Context, day time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ClinicDay.Equal(day) {
			s := s
			out = append(out, &s)
		}
	}
	return out, nil
}

func (m *mockRepo) ListByStatus(_ context.Context, statuses ...Status) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		for _, st := range statuses {
			if s.Status == st {
				s := s
				out = append(out, &s)
				break
			}
		}
	}
	return out, nil
}

func (m *mockRepo) Transition(_ context.Context, s *Session, expected ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	for _, e := range expected {
		if cur.Status == e {
			m.sessions[s.ID] = *s
			return nil
		}
	}
	return fsm.ErrStaleStatus
}

// -- Collaborator fakes --

var (
	errNotOnline  = errors.New("doctor is not online")
	errDoctorBusy = fmt.Errorf("%w: doctor is already with a patient", apierr.ErrConflict)
)

// fakeDoctors mirrors the tracker's claim rules: one patient per doctor,
// released only by that patient's visit.
type fakeDoctors struct {
	mu      sync.Mutex
	online  map[uuid.UUID]bool
	busy    map[uuid.UUID]uuid.UUID
	busyErr error
}

func newFakeDoctors(ids ...uuid.UUID) *fakeDoctors {
	f := &fakeDoctors{online: make(map[uuid.UUID]bool), busy: make(map[uuid.UUID]uuid.UUID)}
	for _, id := range ids {
		f.online[id] = true
	}
	return f
}

func (f *fakeDoctors) SetBusy(_ context.Context, _ auth.Actor, doctorID, patientID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busyErr != nil {
		return f.busyErr
	}
	if !f.online[doctorID] {
		return errNotOnline
	}
	if _, busy := f.busy[doctorID]; busy {
		return errDoctorBusy
	}
	f.busy[doctorID] = patientID
	return nil
}

func (f *fakeDoctors) SetAvailable(_ context.Context, _ auth.Actor, doctorID, patientID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, busy := f.busy[doctorID]; busy && cur != patientID {
		return nil
	}
	delete(f.busy, doctorID)
	return nil
}

type fakeInventory struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeInventory) Decrement(_ context.Context, item string, qty int, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s x%d (%s)", item, qty, ref))
	return f.fail[item]
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type recordingEvents struct {
	mu      sync.Mutex
	changes []events.Change
}

func (r *recordingEvents) Publish(_ context.Context, c events.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

// -- Fixtures --

var (
	clinicNow = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	desk      = auth.Actor{ID: "desk-1", Roles: []string{auth.RoleReceptionist}}
	nurse     = auth.Actor{ID: "nurse-1", Roles: []string{auth.RoleNurse}}
)

type fixture struct {
	svc       *Service
	repo      *mockRepo
	doctors   *fakeDoctors
	inventory *fakeInventory
	audit     *recordingAudit
	events    *recordingEvents
	metrics   *metrics.Collector
	doctorID  uuid.UUID
	doctor    auth.Actor
}

func newFixture() *fixture {
	doctorID := uuid.New()
	f := &fixture{
		repo:      newMockRepo(),
		doctors:   newFakeDoctors(doctorID),
		inventory: &fakeInventory{fail: map[string]error{}},
		audit:     &recordingAudit{},
		events:    &recordingEvents{},
		metrics:   metrics.NewCollector("test"),
		doctorID:  doctorID,
		doctor:    auth.Actor{ID: "doctor-1", Roles: []string{auth.RoleDoctor}, DoctorID: &doctorID},
	}
	f.svc = NewService(f.repo, Deps{
		Doctors:   f.doctors,
		Inventory: f.inventory,
		Audit:     f.audit,
		Events:    f.events,
		Metrics:   f.metrics,
		Clock:     clinictime.Fixed(time.UTC, clinicNow),
		Log:       zerolog.Nop(),
	})
	return f
}

func (f *fixture) checkIn(t *testing.T, priority string) *Session {
	t.Helper()
	sess, err := f.svc.CheckIn(context.Background(), desk, CheckInRequest{
		PatientID:   uuid.New(),
		ServiceType: "general",
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	return sess
}

func (f *fixture) toNotified(t *testing.T, priority string) *Session {
	t.Helper()
	ctx := context.Background()
	sess := f.checkIn(t, priority)
	hr := 72
	if _, err := f.svc.RecordVitals(ctx, nurse, sess.ID, Vitals{HeartRate: &hr}); err != nil {
		t.Fatalf("record vitals: %v", err)
	}
	sess, err := f.svc.NotifyDoctor(ctx, nurse, sess.ID)
	if err != nil {
		t.Fatalf("notify doctor: %v", err)
	}
	return sess
}

// -- Tests --

func TestCheckIn(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "High")

	if sess.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", sess.Status)
	}
	if sess.Priority != PriorityHigh {
		t.Errorf("expected high priority, got %s", sess.Priority)
	}
	if sess.Method != MethodStaff {
		t.Errorf("expected staff method, got %s", sess.Method)
	}
	if !sess.CheckedInAt.Equal(clinicNow) || sess.UpdatedBy != desk.ID {
		t.Errorf("expected attribution to %s at %v, got %s at %v", desk.ID, clinicNow, sess.UpdatedBy, sess.CheckedInAt)
	}
	if len(f.events.changes) != 1 || f.events.changes[0].Status != string(StatusWaiting) {
		t.Errorf("expected one queue change, got %+v", f.events.changes)
	}
	if len(f.audit.entries) != 1 || f.audit.entries[0].Action != "checkin" {
		t.Errorf("expected checkin audit entry, got %+v", f.audit.entries)
	}
}

func TestCheckIn_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		req  CheckInRequest
	}{
		{"missing patient", CheckInRequest{ServiceType: "general"}},
		{"missing service type", CheckInRequest{PatientID: uuid.New()}},
		{"bad priority", CheckInRequest{PatientID: uuid.New(), ServiceType: "general", Priority: "whenever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CheckIn(context.Background(), desk, tt.req)
			var ve *apierr.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCheckIn_DuplicateActiveSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	patient := uuid.New()
	req := CheckInRequest{PatientID: patient, ServiceType: "general"}

	first, err := f.svc.CheckIn(ctx, desk, req)
	if err != nil {
		t.Fatalf("first check-in: %v", err)
	}
	_, err = f.svc.CheckIn(ctx, desk, req)
	if !errors.Is(err, ErrDuplicateActiveSession) {
		t.Fatalf("expected ErrDuplicateActiveSession, got %v", err)
	}
	if !errors.Is(err, apierr.ErrConflict) {
		t.Error("duplicate should map to a conflict")
	}

	if _, err := f.svc.Cancel(ctx, desk, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.CheckIn(ctx, desk, req); err != nil {
		t.Fatalf("a closed session must not block a new check-in: %v", err)
	}
}

func TestCheckIn_Concurrent(t *testing.T) {
	f := newFixture()
	patient := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CheckIn(context.Background(), desk, CheckInRequest{PatientID: patient, ServiceType: "general"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("expected exactly one active session, got %d", succeeded)
	}
}

func TestCheckIn_SelfService(t *testing.T) {
	f := newFixture()
	patientID := uuid.New()
	patient := auth.Actor{ID: "patient-1", Roles: []string{auth.RolePatient}, PatientID: &patientID}

	sess, err := f.svc.CheckIn(context.Background(), patient, CheckInRequest{PatientID: patientID, ServiceType: "general"})
	if err != nil {
		t.Fatalf("self check-in: %v", err)
	}
	if sess.Method != MethodSelf {
		t.Errorf("expected self method, got %s", sess.Method)
	}

	_, err = f.svc.CheckIn(context.Background(), patient, CheckInRequest{PatientID: uuid.New(), ServiceType: "general"})
	if !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected forbidden for another patient, got %v", err)
	}
}

func TestCheckIn_DoctorForbidden(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CheckIn(context.Background(), f.doctor, CheckInRequest{PatientID: uuid.New(), ServiceType: "general"})
	if !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestRecordVitals(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "")
	temp := 37.2

	got, err := f.svc.RecordVitals(context.Background(), nurse, sess.ID, Vitals{BloodPressure: "120/80", Temperature: &temp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusVitalsCollected || !got.VitalsCollected || got.Vitals.BloodPressure != "120/80" {
		t.Errorf("unexpected session %+v", got)
	}

	_, err = f.svc.RecordVitals(context.Background(), nurse, sess.ID, Vitals{Temperature: &temp})
	if !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("expected invalid transition on second vitals, got %v", err)
	}
}

func TestRecordVitals_Invalid(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "")
	hr := 900
	tests := []struct {
		name string
		v    Vitals
	}{
		{"empty", Vitals{Notes: "looks fine"}},
		{"bad blood pressure", Vitals{BloodPressure: "high"}},
		{"heart rate out of range", Vitals{HeartRate: &hr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RecordVitals(context.Background(), nurse, sess.ID, tt.v)
			var ve *apierr.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestNotifyDoctor_RequiresVitals(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "")

	_, err := f.svc.NotifyDoctor(context.Background(), nurse, sess.ID)
	var te *fsm.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if te.Error() != "vitals have not been recorded" {
		t.Errorf("unexpected reason %q", te.Error())
	}
}

func TestFullVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sess := f.toNotified(t, "normal")
	if sess.QueuedAt == nil {
		t.Fatal("expected queued_at set on notify")
	}

	sess, err := f.svc.Start(ctx, f.doctor, sess.ID, uuid.Nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.DoctorID == nil || *sess.DoctorID != f.doctorID || sess.StartedAt == nil {
		t.Errorf("expected doctor assigned and started_at set, got %+v", sess)
	}
	if f.doctors.busy[f.doctorID] != sess.PatientID {
		t.Error("expected doctor marked busy with the patient")
	}

	sess, err = f.svc.Complete(ctx, f.doctor, sess.ID, CompleteRequest{
		Notes:         ClinicalNotes{Diagnosis: "common cold", TreatmentPlan: "rest"},
		Prescriptions: []Prescription{{Name: "paracetamol", Dosage: "500mg", Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if sess.Status != StatusCompleted || sess.CompletedAt == nil || sess.Notes.Diagnosis != "common cold" {
		t.Errorf("unexpected completed session %+v", sess)
	}
	if _, busy := f.doctors.busy[f.doctorID]; busy {
		t.Error("expected doctor released after completion")
	}
	if len(f.inventory.calls) != 1 || f.inventory.calls[0] != fmt.Sprintf("paracetamol x10 (%s:0)", sess.ID) {
		t.Errorf("unexpected inventory calls %v", f.inventory.calls)
	}
	if got := len(f.audit.entries); got != 5 {
		t.Errorf("expected 5 audit entries, got %d", got)
	}
}

func TestVisit_CannotSkipSteps(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sess := f.checkIn(t, "")

	if _, err := f.svc.Complete(ctx, f.doctor, sess.ID, CompleteRequest{}); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("complete from waiting: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.Start(ctx, f.doctor, sess.ID, f.doctorID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("start from waiting: expected invalid transition, got %v", err)
	}

	hr := 80
	if _, err := f.svc.RecordVitals(ctx, nurse, sess.ID, Vitals{HeartRate: &hr}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, f.doctor, sess.ID, f.doctorID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("start from vitals-collected: expected invalid transition, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.doctor, sess.ID, CompleteRequest{}); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("complete from vitals-collected: expected invalid transition, got %v", err)
	}

	if _, err := f.svc.NotifyDoctor(ctx, nurse, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Complete(ctx, f.doctor, sess.ID, CompleteRequest{}); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("complete from doctor-notified: expected invalid transition, got %v", err)
	}
}

func TestStart_DoctorNotOnline(t *testing.T) {
	f := newFixture()
	sess := f.toNotified(t, "")
	other := uuid.New()
	admin := auth.Actor{ID: "admin", Roles: []string{auth.RoleAdmin}}

	_, err := f.svc.Start(context.Background(), admin, sess.ID, other)
	if !errors.Is(err, errNotOnline) {
		t.Fatalf("expected not online, got %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), sess.ID)
	if got.Status != StatusDoctorNotified {
		t.Errorf("session should be untouched, got %s", got.Status)
	}
}

func TestStart_OtherDoctorForbidden(t *testing.T) {
	f := newFixture()
	sess := f.toNotified(t, "")
	_, err := f.svc.Start(context.Background(), f.doctor, sess.ID, uuid.New())
	if !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestStart_DoctorClaimFailureLeavesSessionQueued(t *testing.T) {
	f := newFixture()
	f.doctors.busyErr = errors.New("store unavailable")
	sess := f.toNotified(t, "")

	if _, err := f.svc.Start(context.Background(), f.doctor, sess.ID, f.doctorID); err == nil {
		t.Fatal("expected the start to fail when the doctor cannot be claimed")
	}
	got, _ := f.repo.GetByID(context.Background(), sess.ID)
	if got.Status != StatusDoctorNotified {
		t.Errorf("session should stay doctor-notified, got %s", got.Status)
	}
}

func TestStart_DoctorAlreadyWithPatient(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.toNotified(t, "")
	second := f.toNotified(t, "")

	if _, err := f.svc.Start(ctx, f.doctor, first.ID, f.doctorID); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Start(ctx, f.doctor, second.ID, f.doctorID)
	if !errors.Is(err, apierr.ErrConflict) {
		t.Fatalf("expected conflict starting a second consultation, got %v", err)
	}
	got, _ := f.repo.GetByID(ctx, second.ID)
	if got.Status != StatusDoctorNotified || got.DoctorID != nil {
		t.Errorf("second session should stay queued, got %s", got.Status)
	}

	if _, err := f.svc.Complete(ctx, f.doctor, first.ID, CompleteRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, busy := f.doctors.busy[f.doctorID]; busy {
		t.Error("doctor should be free after the only consultation completes")
	}
	if _, err := f.svc.Start(ctx, f.doctor, second.ID, f.doctorID); err != nil {
		t.Fatalf("second consultation should start once the doctor is free: %v", err)
	}
	if f.doctors.busy[f.doctorID] != second.PatientID {
		t.Error("expected doctor busy with the second patient")
	}
}

func TestStart_FailedStartReleasesOnlyItsOwnClaim(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sess := f.toNotified(t, "")
	if _, err := f.svc.Start(ctx, f.doctor, sess.ID, f.doctorID); err != nil {
		t.Fatal(err)
	}

	// A stale second start of the same session must not free the doctor.
	if _, err := f.svc.Start(ctx, f.doctor, sess.ID, f.doctorID); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if f.doctors.busy[f.doctorID] != sess.PatientID {
		t.Error("doctor should still be with the patient")
	}
}

func TestStart_DoctorRoleWithoutDoctorLink(t *testing.T) {
	f := newFixture()
	sess := f.toNotified(t, "")
	unlinked := auth.Actor{ID: "doctor-2", Roles: []string{auth.RoleDoctor}}

	_, err := f.svc.Start(context.Background(), unlinked, sess.ID, f.doctorID)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, busy := f.doctors.busy[f.doctorID]; busy {
		t.Error("doctor should not be claimed by a rejected start")
	}
}

func TestStart_ConcurrentDoctors(t *testing.T) {
	f := newFixture()
	doctorB := uuid.New()
	f.doctors.online[doctorB] = true
	admin := auth.Actor{ID: "admin", Roles: []string{auth.RoleAdmin}}
	sess := f.toNotified(t, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, doc := range []uuid.UUID{f.doctorID, doctorB} {
		wg.Add(1)
		go func(i int, doc uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.Start(context.Background(), admin, sess.ID, doc)
		}(i, doc)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, fsm.ErrInvalidTransition):
			rejected++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected one success and one invalid transition, got %d/%d", ok, rejected)
	}
	if len(f.doctors.busy) != 1 {
		t.Errorf("only the winning doctor should be busy, got %v", f.doctors.busy)
	}
}

func TestComplete_InventoryFailureDoesNotRollBack(t *testing.T) {
	f := newFixture()
	f.inventory.fail["amoxicillin"] = inventory.ErrInsufficientStock
	ctx := context.Background()
	sess := f.toNotified(t, "")
	if _, err := f.svc.Start(ctx, f.doctor, sess.ID, f.doctorID); err != nil {
		t.Fatal(err)
	}

	got, err := f.svc.Complete(ctx, f.doctor, sess.ID, CompleteRequest{Prescriptions: []Prescription{
		{Name: "amoxicillin", Quantity: 21},
		{Name: "ibuprofen", Quantity: 12},
	}})
	if err != nil {
		t.Fatalf("inventory failure must not fail completion: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if len(f.inventory.calls) != 2 {
		t.Errorf("expected every item forwarded, got %v", f.inventory.calls)
	}
	if n := testutil.ToFloat64(f.metrics.InventoryFailuresTotal); n != 1 {
		t.Errorf("expected 1 inventory failure recorded, got %v", n)
	}
}

func TestComplete_InvalidPrescription(t *testing.T) {
	f := newFixture()
	sess := f.toNotified(t, "")
	_, err := f.svc.Complete(context.Background(), f.doctor, sess.ID, CompleteRequest{Prescriptions: []Prescription{{Name: "x", Quantity: 0}}})
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestNoShowAndCancel_FromAnyActiveStatus(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	waiting := f.checkIn(t, "")
	if _, err := f.svc.MarkNoShow(ctx, desk, waiting.ID); err != nil {
		t.Errorf("no-show from waiting: %v", err)
	}

	notified := f.toNotified(t, "")
	if _, err := f.svc.Start(ctx, f.doctor, notified.ID, f.doctorID); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Cancel(ctx, desk, notified.ID)
	if err != nil {
		t.Fatalf("cancel from in-progress: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if _, busy := f.doctors.busy[f.doctorID]; busy {
		t.Error("cancelling an in-progress visit should release the doctor")
	}

	_, err = f.svc.MarkNoShow(ctx, desk, notified.ID)
	var te *fsm.TransitionError
	if !errors.As(err, &te) || te.Error() != "check-in session already cancelled" {
		t.Errorf("expected terminal rejection, got %v", err)
	}
}

func TestClose_RequiresFrontDesk(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "")
	if _, err := f.svc.Cancel(context.Background(), nurse, sess.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestTransition_StaleWrite(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "")

	// Simulate another process cancelling between read and write.
	stale := &staleRepo{mockRepo: f.repo}
	f.svc.repo = stale
	stale.beforeWrite = func() {
		cur := f.repo.sessions[sess.ID]
		cur.Status = StatusCancelled
		f.repo.sessions[sess.ID] = cur
	}

	hr := 70
	_, err := f.svc.RecordVitals(context.Background(), nurse, sess.ID, Vitals{HeartRate: &hr})
	var te *fsm.TransitionError
	if !errors.As(err, &te) || !te.Stale {
		t.Fatalf("expected stale transition error, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.TransitionsRejected.WithLabelValues(events.EntityCheckin, "stale")); got != 1 {
		t.Errorf("expected stale rejection counted, got %v", got)
	}
}

type staleRepo struct {
	*mockRepo
	beforeWrite func()
}

func (s *staleRepo) Transition(ctx context.Context, sess *Session, expected ...Status) error {
	s.mockRepo.mu.Lock()
	s.beforeWrite()
	s.mockRepo.mu.Unlock()
	return s.mockRepo.Transition(ctx, sess, expected...)
}

func TestGet_PatientSeesOnlyOwn(t *testing.T) {
	f := newFixture()
	sess := f.checkIn(t, "")
	stranger := uuid.New()
	patient := auth.Actor{ID: "p", Roles: []string{auth.RolePatient}, PatientID: &stranger}

	if _, err := f.svc.Get(context.Background(), patient, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.Get(context.Background(), desk, sess.ID); err != nil {
		t.Errorf("staff lookup failed: %v", err)
	}
}

func TestListToday(t *testing.T) {
	f := newFixture()
	f.checkIn(t, "")
	f.checkIn(t, "")
	items, err := f.svc.ListToday(context.Background(), desk)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(items))
	}
}
