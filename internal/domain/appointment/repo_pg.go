package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, appt_date, appt_time, duration_minutes, appt_type,
	status, notes, rejection_reason, diagnosis, treatment, prescription,
	created_by, created_at, updated_by, updated_at`

func (r *repoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var notes, diagnosis, treatment, prescription *string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &date, &a.Time, &a.DurationMinutes, &a.Type,
		&a.Status, &notes, &a.RejectionReason, &diagnosis, &treatment, &prescription,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedBy, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Date = date.Format(clinictime.DateLayout)
	a.Notes = deref(notes)
	a.Diagnosis = deref(diagnosis)
	a.Treatment = deref(treatment)
	a.Prescription = deref(prescription)
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	date, err := pgDate(a.Date)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, appt_date, appt_time, duration_minutes,
			appt_type, status, notes, created_by, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10,$11)
		RETURNING created_at`,
		a.ID, a.PatientID, a.DoctorID, date, a.Time, a.DurationMinutes,
		string(a.Type), string(a.Status), nullable(a.Notes), a.CreatedBy, a.UpdatedAt).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []any
	idx := 1

	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.Date != "" {
		date, err := pgDate(f.Date)
		if err != nil {
			return nil, 0, err
		}
		where += fmt.Sprintf(` AND appt_date = $%d`, idx)
		args = append(args, date)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY appt_date, appt_time LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	items, err := r.list(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) OpenForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appt_date BETWEEN $2 AND $3 AND status = ANY($4)`,
		doctorID, calendarDate(from), calendarDate(to), statusStrings(OpenStatuses))
}

func (r *repoPG) OpenDueBy(ctx context.Context, day time.Time) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE appt_date <= $1 AND status = ANY($2)
		ORDER BY appt_date, appt_time`,
		calendarDate(day), statusStrings(OpenStatuses))
}

func (r *repoPG) list(ctx context.Context, query string, args ...any) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, a *Appointment, expected ...Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status=$2, doctor_id=$3, rejection_reason=$4, diagnosis=$5,
			treatment=$6, prescription=$7, updated_by=$8, updated_at=$9
		WHERE id = $1 AND status = ANY($10)`,
		a.ID, string(a.Status), a.DoctorID, a.RejectionReason, nullable(a.Diagnosis),
		nullable(a.Treatment), nullable(a.Prescription), a.UpdatedBy, a.UpdatedAt, statusStrings(expected))
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fsm.ErrStaleStatus
	}
	return nil
}

func (r *repoPG) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "appointment:"+doctorID.String()); err != nil {
			return fmt.Errorf("lock doctor schedule: %w", err)
		}
		return fn(ctx)
	})
}

// pgDate converts a clinic-local date string into a value pgx encodes as DATE.
func pgDate(s string) (time.Time, error) {
	d, err := time.Parse(clinictime.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

func calendarDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
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
