package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

const uniqueViolation = "23505"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `id, patient_id, appointment_id, service_type, priority, status,
	checkin_method, clinic_day, checked_in_at, vitals_collected, vitals, doctor_id,
	queued_at, started_at, completed_at, chief_complaint, diagnosis, treatment_plan,
	prescriptions, created_at, updated_by, updated_at`

func (r *repoPG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var vitals, prescriptions []byte
	var complaint, diagnosis, plan *string
	err := row.Scan(&s.ID, &s.PatientID, &s.AppointmentID, &s.ServiceType, &s.Priority, &s.Status,
		&s.Method, &s.ClinicDay, &s.CheckedInAt, &s.VitalsCollected, &vitals, &s.DoctorID,
		&s.QueuedAt, &s.StartedAt, &s.CompletedAt, &complaint, &diagnosis, &plan,
		&prescriptions, &s.CreatedAt, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(vitals) > 0 {
		s.Vitals = &Vitals{}
		if err := json.Unmarshal(vitals, s.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals for %s: %w", s.ID, err)
		}
	}
	if len(prescriptions) > 0 {
		if err := json.Unmarshal(prescriptions, &s.Prescriptions); err != nil {
			return nil, fmt.Errorf("decode prescriptions for %s: %w", s.ID, err)
		}
	}
	s.Notes = ClinicalNotes{ChiefComplaint: deref(complaint), Diagnosis: deref(diagnosis), TreatmentPlan: deref(plan)}
	return &s, nil
}

func (r *repoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	rx, err := encodePrescriptions(s.Prescriptions)
	if err != nil {
		return err
	}
	vitals, err := encodeVitals(s.Vitals)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO checkin_session (id, patient_id, appointment_id, service_type, priority, status,
			checkin_method, clinic_day, checked_in_at, vitals_collected, vitals, chief_complaint,
			prescriptions, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at`,
		s.ID, s.PatientID, s.AppointmentID, s.ServiceType, string(s.Priority), string(s.Status),
		string(s.Method), s.ClinicDay, s.CheckedInAt, s.VitalsCollected, vitals, nullable(s.Notes.ChiefComplaint),
		rx, s.UpdatedBy, s.UpdatedAt).Scan(&s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateActiveSession
		}
		return fmt.Errorf("insert check-in session: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM checkin_session WHERE id = $1`, id))
}

func (r *repoPG) ActiveForPatient(ctx context.Context, patientID uuid.UUID, day time.Time) (*Session, error) {
	s, err := r.scanSession(r.conn(ctx).QueryRow(ctx, `
		SELECT `+sessionCols+` FROM checkin_session
		WHERE patient_id = $1 AND clinic_day = $2 AND status = ANY($3)
		LIMIT 1`, patientID, day, statusStrings(ActiveStatuses)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

func (r *repoPG) ListByDay(ctx context.Context, day time.Time) ([]*Session, error) {
	return r.list(ctx, `SELECT `+sessionCols+` FROM checkin_session WHERE clinic_day = $1 ORDER BY checked_in_at`, day)
}

func (r *repoPG) ListByStatus(ctx context.Context, statuses ...Status) ([]*Session, error) {
	return r.list(ctx, `SELECT `+sessionCols+` FROM checkin_session WHERE status = ANY($1) ORDER BY checked_in_at`, statusStrings(statuses))
}

func (r *repoPG) list(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, s *Session, expected ...Status) error {
	rx, err := encodePrescriptions(s.Prescriptions)
	if err != nil {
		return err
	}
	vitals, err := encodeVitals(s.Vitals)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE checkin_session SET status=$2, vitals_collected=$3, vitals=$4, doctor_id=$5,
			queued_at=$6, started_at=$7, completed_at=$8, chief_complaint=$9, diagnosis=$10,
			treatment_plan=$11, prescriptions=$12, updated_by=$13, updated_at=$14
		WHERE id = $1 AND status = ANY($15)`,
		s.ID, string(s.Status), s.VitalsCollected, vitals, s.DoctorID,
		s.QueuedAt, s.StartedAt, s.CompletedAt, nullable(s.Notes.ChiefComplaint), nullable(s.Notes.Diagnosis),
		nullable(s.Notes.TreatmentPlan), rx, s.UpdatedBy, s.UpdatedAt, statusStrings(expected))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateActiveSession
		}
		return fmt.Errorf("update check-in session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fsm.ErrStaleStatus
	}
	return nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func encodeVitals(v *Vitals) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode vitals: %w", err)
	}
	return b, nil
}

func encodePrescriptions(p []Prescription) ([]byte, error) {
	if p == nil {
		p = []Prescription{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode prescriptions: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
