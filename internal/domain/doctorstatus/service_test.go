package doctorstatus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/apierr"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/events"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[uuid.UUID]Record)}
}

func (m *mockRepo) Get(_ context.Context, doctorID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[doctorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *mockRepo) List(_ context.Context, statuses ...Status) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.records {
		if len(statuses) == 0 || contains(statuses, r.Status) {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *mockRepo) Login(_ context.Context, doctorID uuid.UUID, at time.Time, actor string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[doctorID]
	if !ok {
		r = Record{DoctorID: doctorID}
	}
	if r.Status != StatusBusy {
		r.Status = StatusOnline
	}
	r.LoginAt = &at
	r.LastActivityAt = at
	r.UpdatedBy = actor
	r.UpdatedAt = at
	m.records[doctorID] = r
	return &r, nil
}

func (m *mockRepo) Touch(_ context.Context, doctorID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[doctorID]
	if !ok || !r.Status.Live() {
		return fsm.ErrStaleStatus
	}
	r.LastActivityAt = at
	m.records[doctorID] = r
	return nil
}

func (m *mockRepo) Transition(_ context.Context, r *Record, expected ...Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[r.DoctorID]
	if !ok || !contains(expected, cur.Status) {
		return fsm.ErrStaleStatus
	}
	m.records[r.DoctorID] = *r
	return nil
}

func (m *mockRepo) SweepStale(_ context.Context, cutoff, now time.Time, actor string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, r := range m.records {
		if r.Status.Live() && r.LastActivityAt.Before(cutoff) {
			r.Status = StatusOffline
			r.CurrentPatientID = nil
			r.LogoutAt = &now
			r.UpdatedBy = actor
			r.UpdatedAt = now
			m.records[id] = r
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func contains(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
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

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService() (*Service, *mockRepo, *testClock, *recordingEvents) {
	repo := newMockRepo()
	clock := &testClock{now: time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)}
	pub := &recordingEvents{}
	svc := NewService(repo, nil, pub, nil, zerolog.Nop()).WithClock(clock.Now)
	return svc, repo, clock, pub
}

func doctorActor(id uuid.UUID) auth.Actor {
	return auth.Actor{ID: "doctor:" + id.String(), Roles: []string{auth.RoleDoctor}, DoctorID: &id}
}

func assertConsistent(t *testing.T, repo *mockRepo) {
	t.Helper()
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for id, r := range repo.records {
		if !r.Consistent() {
			t.Fatalf("doctor %s violates busy/patient invariant: status=%s patient=%v", id, r.Status, r.CurrentPatientID)
		}
		if r.Status == StatusOffline && r.CurrentPatientID != nil {
			t.Fatalf("offline doctor %s still has a patient", id)
		}
	}
}

// -- Tests --

func TestDoctorLifecycle(t *testing.T) {
	svc, repo, clock, pub := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	patient := uuid.New()
	me := doctorActor(doc)

	rec, err := svc.Login(ctx, me, doc)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if rec.Status != StatusOnline || rec.LoginAt == nil {
		t.Fatalf("expected online with login time, got %+v", rec)
	}
	assertConsistent(t, repo)

	if err := svc.SetBusy(ctx, me, doc, patient); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	rec, _ = svc.Get(ctx, doc)
	if rec.Status != StatusBusy || rec.CurrentPatientID == nil || *rec.CurrentPatientID != patient {
		t.Fatalf("expected busy with patient, got %+v", rec)
	}
	assertConsistent(t, repo)

	if err := svc.SetAvailable(ctx, me, doc, patient); err != nil {
		t.Fatalf("set available: %v", err)
	}
	rec, _ = svc.Get(ctx, doc)
	if rec.Status != StatusOnline || rec.CurrentPatientID != nil {
		t.Fatalf("expected online without patient, got %+v", rec)
	}
	assertConsistent(t, repo)

	clock.Advance(301 * time.Second)
	n, err := svc.SweepStale(ctx, 300*time.Second)
	if err != nil || n != 1 {
		t.Fatalf("expected one stale doctor, got %d, %v", n, err)
	}
	rec, _ = svc.Get(ctx, doc)
	if rec.Status != StatusOffline || rec.LogoutAt == nil || !rec.LogoutAt.Equal(clock.Now()) {
		t.Fatalf("expected offline with logout now, got %+v", rec)
	}
	assertConsistent(t, repo)

	if len(pub.changes) != 4 {
		t.Errorf("expected 4 doctor changes, got %d", len(pub.changes))
	}
}

func TestSweepStale_BusyDoctorClearsPatient(t *testing.T) {
	svc, repo, clock, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)

	svc.Login(ctx, me, doc)
	if err := svc.SetBusy(ctx, me, doc, uuid.New()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Minute)
	if n, _ := svc.SweepStale(ctx, 5*time.Minute); n != 1 {
		t.Fatalf("expected busy doctor swept, got %d", n)
	}
	assertConsistent(t, repo)
}

func TestSweepStale_RespectsThreshold(t *testing.T) {
	svc, _, clock, _ := newTestService()
	ctx := context.Background()
	fresh, edge := uuid.New(), uuid.New()

	svc.Login(ctx, doctorActor(edge), edge)
	clock.Advance(200 * time.Second)
	svc.Login(ctx, doctorActor(fresh), fresh)
	clock.Advance(100 * time.Second)

	// edge is exactly 300s old, fresh 100s: neither exceeds the threshold.
	n, err := svc.SweepStale(ctx, 300*time.Second)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing swept, got %d, %v", n, err)
	}

	clock.Advance(time.Second)
	if n, _ := svc.SweepStale(ctx, 300*time.Second); n != 1 {
		t.Fatalf("expected only the edge doctor swept, got %d", n)
	}
	rec, _ := svc.Get(ctx, fresh)
	if rec.Status != StatusOnline {
		t.Errorf("fresh doctor should stay online, got %s", rec.Status)
	}
}

func TestSweepStale_Idempotent(t *testing.T) {
	svc, _, clock, pub := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	svc.Login(ctx, doctorActor(doc), doc)
	clock.Advance(time.Hour)

	if n, _ := svc.SweepStale(ctx, time.Minute); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	before := len(pub.changes)
	if n, _ := svc.SweepStale(ctx, time.Minute); n != 0 {
		t.Fatalf("second sweep should change nothing, got %d", n)
	}
	if len(pub.changes) != before {
		t.Error("second sweep should publish nothing")
	}
}

func TestHeartbeat_KeepsDoctorAlive(t *testing.T) {
	svc, _, clock, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)
	svc.Login(ctx, me, doc)

	for i := 0; i < 5; i++ {
		clock.Advance(2 * time.Minute)
		if err := svc.Heartbeat(ctx, me, doc); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if n, _ := svc.SweepStale(ctx, 5*time.Minute); n != 0 {
			t.Fatal("heartbeating doctor must not be swept")
		}
	}
	rec, _ := svc.Get(ctx, doc)
	if rec.Status != StatusOnline {
		t.Errorf("heartbeat must not change status, got %s", rec.Status)
	}
}

func TestHeartbeat_OfflineDoctor(t *testing.T) {
	svc, _, _, _ := newTestService()
	doc := uuid.New()
	err := svc.Heartbeat(context.Background(), doctorActor(doc), doc)
	if !errors.Is(err, ErrNotOnline) {
		t.Errorf("expected ErrNotOnline, got %v", err)
	}
}

func TestSetBusy_NotOnline(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	err := svc.SetBusy(ctx, doctorActor(doc), doc, uuid.New())
	if !errors.Is(err, ErrNotOnline) || !errors.Is(err, apierr.ErrConflict) {
		t.Errorf("expected ErrNotOnline conflict, got %v", err)
	}
	if err := svc.SetAvailable(ctx, doctorActor(doc), doc, uuid.New()); !errors.Is(err, ErrNotOnline) {
		t.Errorf("expected ErrNotOnline, got %v", err)
	}
}

func TestSetBusy_SecondPatientRejected(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)
	first, second := uuid.New(), uuid.New()
	svc.Login(ctx, me, doc)

	if err := svc.SetBusy(ctx, me, doc, first); err != nil {
		t.Fatal(err)
	}
	err := svc.SetBusy(ctx, me, doc, second)
	if !errors.Is(err, ErrBusy) || !errors.Is(err, apierr.ErrConflict) {
		t.Fatalf("expected ErrBusy conflict, got %v", err)
	}
	rec, _ := svc.Get(ctx, doc)
	if rec.CurrentPatientID == nil || *rec.CurrentPatientID != first {
		t.Errorf("doctor should stay with the first patient, got %+v", rec)
	}
	assertConsistent(t, repo)
}

func TestSetAvailable_OtherPatientKeepsDoctorBusy(t *testing.T) {
	svc, repo, _, pub := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)
	current := uuid.New()
	svc.Login(ctx, me, doc)
	svc.SetBusy(ctx, me, doc, current)
	before := len(pub.changes)

	if err := svc.SetAvailable(ctx, me, doc, uuid.New()); err != nil {
		t.Fatalf("releasing a finished patient should not fail: %v", err)
	}
	rec, _ := svc.Get(ctx, doc)
	if rec.Status != StatusBusy || *rec.CurrentPatientID != current {
		t.Errorf("doctor should stay busy with the current patient, got %+v", rec)
	}
	if len(pub.changes) != before {
		t.Error("no change should be published")
	}
	assertConsistent(t, repo)

	if err := svc.SetAvailable(ctx, me, doc, current); err != nil {
		t.Fatal(err)
	}
	rec, _ = svc.Get(ctx, doc)
	if rec.Status != StatusOnline {
		t.Errorf("expected online after the current patient is released, got %s", rec.Status)
	}
}

func TestLogin_BusyDoctorStaysBusy(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)
	svc.Login(ctx, me, doc)
	svc.SetBusy(ctx, me, doc, uuid.New())

	rec, err := svc.Login(ctx, me, doc)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusBusy {
		t.Errorf("re-login should not drop the current patient, got %s", rec.Status)
	}
	assertConsistent(t, repo)
}

func TestLogout(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)
	svc.Login(ctx, me, doc)
	svc.SetBusy(ctx, me, doc, uuid.New())

	rec, err := svc.Logout(ctx, me, doc)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if rec.Status != StatusOffline || rec.LogoutAt == nil || rec.CurrentPatientID != nil {
		t.Errorf("unexpected record after logout %+v", rec)
	}
	assertConsistent(t, repo)

	if _, err := svc.Logout(ctx, me, doc); err != nil {
		t.Errorf("second logout should be a no-op, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	doc, other := uuid.New(), uuid.New()

	if _, err := svc.Login(ctx, doctorActor(other), doc); !errors.Is(err, auth.ErrForbidden) {
		t.Errorf("expected forbidden for another doctor, got %v", err)
	}
	admin := auth.Actor{ID: "admin", Roles: []string{auth.RoleAdmin}}
	if _, err := svc.Login(ctx, admin, doc); err != nil {
		t.Errorf("admin login on behalf of doctor failed: %v", err)
	}
}

func TestGet_UnknownDoctorIsOffline(t *testing.T) {
	svc, _, _, _ := newTestService()
	rec, err := svc.Get(context.Background(), uuid.New())
	if err != nil || rec.Status != StatusOffline {
		t.Errorf("expected offline record, got %+v, %v", rec, err)
	}
}

func TestList_FiltersByStatus(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	svc.Login(ctx, doctorActor(a), a)
	svc.Login(ctx, doctorActor(b), b)
	svc.SetBusy(ctx, doctorActor(b), b, uuid.New())

	online, _ := svc.List(ctx, StatusOnline)
	if len(online) != 1 || online[0].DoctorID != a {
		t.Errorf("expected only doctor a online, got %+v", online)
	}
	all, _ := svc.List(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 doctors, got %d", len(all))
	}
}

func TestSetBusy_StaleWrite(t *testing.T) {
	svc, repo, _, _ := newTestService()
	ctx := context.Background()
	doc := uuid.New()
	me := doctorActor(doc)
	svc.Login(ctx, me, doc)

	svc.repo = &racingRepo{mockRepo: repo, race: func() {
		r := repo.records[doc]
		r.Status = StatusOffline
		repo.records[doc] = r
	}}
	err := svc.SetBusy(ctx, me, doc, uuid.New())
	var te *fsm.TransitionError
	if !errors.As(err, &te) || !te.Stale {
		t.Fatalf("expected stale transition error, got %v", err)
	}
	assertConsistent(t, repo)
}

type racingRepo struct {
	*mockRepo
	race func()
}

func (r *racingRepo) Transition(ctx context.Context, rec *Record, expected ...Status) error {
	r.mockRepo.mu.Lock()
	r.race()
	r.mockRepo.mu.Unlock()
	return r.mockRepo.Transition(ctx, rec, expected...)
}
