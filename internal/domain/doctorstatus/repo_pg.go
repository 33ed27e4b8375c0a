package doctorstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const recordCols = `doctor_id, status, login_at, logout_at, last_activity_at,
	current_patient_id, updated_by, updated_at`

func (r *repoPG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.DoctorID, &rec.Status, &rec.LoginAt, &rec.LogoutAt, &rec.LastActivityAt,
		&rec.CurrentPatientID, &rec.UpdatedBy, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &rec, err
}

func (r *repoPG) Get(ctx context.Context, doctorID uuid.UUID) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM doctor_status WHERE doctor_id = $1`, doctorID))
}

func (r *repoPG) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `SELECT ` + recordCols + ` FROM doctor_status`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY last_activity_at DESC`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) Login(ctx context.Context, doctorID uuid.UUID, at time.Time, actor string) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_status (doctor_id, status, login_at, last_activity_at, updated_by, updated_at)
		VALUES ($1, 'online', $2, $2, $3, $2)
		ON CONFLICT (doctor_id) DO UPDATE SET
			status = CASE WHEN doctor_status.status = 'busy' THEN 'busy' ELSE 'online' END,
			login_at = EXCLUDED.login_at,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordCols, doctorID, at, actor))
}

func (r *repoPG) Touch(ctx context.Context, doctorID uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor_status SET last_activity_at = $2
		WHERE doctor_id = $1 AND status = ANY($3)`,
		doctorID, at, statusStrings(LiveStatuses))
	if err != nil {
		return fmt.Errorf("touch doctor %s: %w", doctorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fsm.ErrStaleStatus
	}
	return nil
}

func (r *repoPG) Transition(ctx context.Context, rec *Record, expected ...Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctor_status SET status=$2, login_at=$3, logout_at=$4, last_activity_at=$5,
			current_patient_id=$6, updated_by=$7, updated_at=$8
		WHERE doctor_id = $1 AND status = ANY($9)`,
		rec.DoctorID, string(rec.Status), rec.LoginAt, rec.LogoutAt, rec.LastActivityAt,
		rec.CurrentPatientID, rec.UpdatedBy, rec.UpdatedAt, statusStrings(expected))
	if err != nil {
		return fmt.Errorf("update doctor status %s: %w", rec.DoctorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fsm.ErrStaleStatus
	}
	return nil
}

func (r *repoPG) SweepStale(ctx context.Context, cutoff, now time.Time, actor string) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE doctor_status SET status = 'offline', current_patient_id = NULL,
			logout_at = $2, updated_by = $3, updated_at = $2
		WHERE status = ANY($4) AND last_activity_at < $1
		RETURNING doctor_id`,
		cutoff, now, actor, statusStrings(LiveStatuses))
	if err != nil {
		return nil, fmt.Errorf("sweep stale doctors: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
