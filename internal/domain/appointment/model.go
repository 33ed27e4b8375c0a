package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
	StatusCancelled Status = "cancelled"
)

// Completion is allowed straight from scheduled for walk-ins that skip
// the patient's accept step.
var transitions = fsm.Table[Status]{
	StatusScheduled: {StatusConfirmed, StatusCompleted, StatusNoShow, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusNoShow, StatusCancelled},
	StatusCompleted: nil,
	StatusNoShow:    nil,
	StatusCancelled: nil,
}

// OpenStatuses are the non-terminal statuses. Only these occupy a doctor's
// slot and only these are swept.
var OpenStatuses = []Status{StatusScheduled, StatusConfirmed}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool { return s.Valid() && transitions.Terminal(s) }

func (s Status) CanTransitionTo(next Status) bool { return transitions.Allowed(s, next) }

type Type string

const (
	TypeConsultation Type = "consultation"
	TypeFollowUp     Type = "follow_up"
	TypeCheckup      Type = "checkup"
	TypeProcedure    Type = "procedure"
	TypeVaccination  Type = "vaccination"
)

// validTypes maps each type to whether a patient may book it themselves.
var validTypes = map[Type]bool{
	TypeConsultation: true,
	TypeCheckup:      true,
	TypeFollowUp:     false,
	TypeProcedure:    false,
	TypeVaccination:  false,
}

func (t Type) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

func (t Type) PatientBookable() bool { return validTypes[t] }

const (
	DefaultDuration = 30
	MinDuration     = 5
	MaxDuration     = 480
)

// Appointment maps to the appointment table. Date and Time are clinic-local
// ("2006-01-02" and "15:04").
type Appointment struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID        *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	Date            string     `db:"appt_date" json:"date"`
	Time            string     `db:"appt_time" json:"time"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	Type            Type       `db:"appt_type" json:"type"`
	Status          Status     `db:"status" json:"status"`
	Notes           string     `db:"notes" json:"notes,omitempty"`
	RejectionReason *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`
	Diagnosis       string     `db:"diagnosis" json:"diagnosis,omitempty"`
	Treatment       string     `db:"treatment" json:"treatment,omitempty"`
	Prescription    string     `db:"prescription" json:"prescription,omitempty"`
	CreatedBy       string     `db:"created_by" json:"created_by"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedBy       string     `db:"updated_by" json:"updated_by"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Window returns the [start, end) instants the appointment occupies.
func (a *Appointment) Window(clock *clinictime.Clock) (time.Time, time.Time, error) {
	day, err := clock.ParseDate(a.Date)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := clock.Combine(day, a.Time)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.Add(time.Duration(a.DurationMinutes) * time.Minute), nil
}

// Overlaps reports whether two half-open windows intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Date      string
	Status    Status
}

type CreateRequest struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	DoctorID        *uuid.UUID `json:"doctor_id,omitempty"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	DurationMinutes int        `json:"duration_minutes"`
	Type            Type       `json:"type"`
	Notes           string     `json:"notes"`
}

type CompleteRequest struct {
	Diagnosis    string `json:"diagnosis"`
	Treatment    string `json:"treatment"`
	Prescription string `json:"prescription"`
}

func statusLabel(s Status) string {
	switch s {
	case StatusNoShow:
		return "marked no-show"
	default:
		return string(s)
	}
}

func rejectReason(from, to Status) string {
	if from.Terminal() {
		return fmt.Sprintf("appointment already %s", statusLabel(from))
	}
	if from == to {
		return fmt.Sprintf("appointment already %s", statusLabel(from))
	}
	return fmt.Sprintf("appointment cannot move from %s to %s", from, to)
}
