package checkin

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/apierr"
	"github.com/clinicops/clinic/internal/platform/fsm"
)

type Status string

const (
	StatusWaiting         Status = "waiting"
	StatusVitalsCollected Status = "vitals-collected"
	StatusDoctorNotified  Status = "doctor-notified"
	StatusInProgress      Status = "in-progress"
	StatusCompleted       Status = "completed"
	StatusNoShow          Status = "no-show"
	StatusCancelled       Status = "cancelled"
)

// transitions is the only path through a visit. no-show and cancelled are
// reachable from every non-terminal status.
var transitions = fsm.Table[Status]{
	StatusWaiting:         {StatusVitalsCollected, StatusNoShow, StatusCancelled},
	StatusVitalsCollected: {StatusDoctorNotified, StatusNoShow, StatusCancelled},
	StatusDoctorNotified:  {StatusInProgress, StatusNoShow, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusNoShow, StatusCancelled},
	StatusCompleted:       nil,
	StatusNoShow:          nil,
	StatusCancelled:       nil,
}

// ActiveStatuses are the statuses that count toward the one-visit-per-day rule.
var ActiveStatuses = []Status{StatusWaiting, StatusVitalsCollected, StatusDoctorNotified, StatusInProgress}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusWaiting, StatusVitalsCollected, StatusDoctorNotified, StatusInProgress,
	StatusCompleted, StatusNoShow, StatusCancelled,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Active reports whether the session is still open.
func (s Status) Active() bool {
	return s.Valid() && !transitions.Terminal(s)
}

// CanTransitionTo reports whether next is one step away from s.
func (s Status) CanTransitionTo(next Status) bool {
	return transitions.Allowed(s, next)
}

type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

var priorityRank = map[Priority]int{
	PriorityNormal:    0,
	PriorityHigh:      1,
	PriorityUrgent:    2,
	PriorityEmergency: 3,
}

// Rank orders priorities; higher is seen first.
func (p Priority) Rank() int { return priorityRank[p] }

// ParsePriority accepts any casing and defaults to normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRank[p]; !ok {
		return "", apierr.Invalid(fmt.Sprintf("invalid priority %q: expected normal, high, urgent or emergency", s))
	}
	return p, nil
}

// Method records who performed the check-in.
type Method string

const (
	MethodStaff Method = "staff"
	MethodSelf  Method = "self"
)

// Vitals is the nurse's intake measurement set. At least one measurement must
// be present.
type Vitals struct {
	BloodPressure    string   `json:"blood_pressure,omitempty"`
	HeartRate        *int     `json:"heart_rate,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	RespiratoryRate  *int     `json:"respiratory_rate,omitempty"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty"`
	Weight           *float64 `json:"weight,omitempty"`
	Height           *float64 `json:"height,omitempty"`
	Notes            string   `json:"notes,omitempty"`
}

func (v Vitals) Validate() error {
	if v.BloodPressure == "" && v.HeartRate == nil && v.Temperature == nil && v.RespiratoryRate == nil &&
		v.OxygenSaturation == nil && v.Weight == nil && v.Height == nil {
		return apierr.Invalid("at least one vital sign measurement is required")
	}
	if v.BloodPressure != "" {
		var sys, dia int
		if n, err := fmt.Sscanf(v.BloodPressure, "%d/%d", &sys, &dia); err != nil || n != 2 || sys <= dia || dia <= 0 {
			return apierr.Invalid(fmt.Sprintf("invalid blood pressure %q: expected systolic/diastolic", v.BloodPressure))
		}
	}
	if v.HeartRate != nil && (*v.HeartRate < 20 || *v.HeartRate > 300) {
		return apierr.Invalid("heart rate must be between 20 and 300")
	}
	if v.Temperature != nil && (*v.Temperature < 25 || *v.Temperature > 45) {
		return apierr.Invalid("temperature must be between 25 and 45 °C")
	}
	if v.RespiratoryRate != nil && (*v.RespiratoryRate < 1 || *v.RespiratoryRate > 100) {
		return apierr.Invalid("respiratory rate must be between 1 and 100")
	}
	if v.OxygenSaturation != nil && (*v.OxygenSaturation < 1 || *v.OxygenSaturation > 100) {
		return apierr.Invalid("oxygen saturation must be between 1 and 100")
	}
	if v.Weight != nil && *v.Weight <= 0 {
		return apierr.Invalid("weight must be positive")
	}
	if v.Height != nil && *v.Height <= 0 {
		return apierr.Invalid("height must be positive")
	}
	return nil
}

type ClinicalNotes struct {
	ChiefComplaint string `json:"chief_complaint,omitempty"`
	Diagnosis      string `json:"diagnosis,omitempty"`
	TreatmentPlan  string `json:"treatment_plan,omitempty"`
}

type Prescription struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Quantity  int    `json:"quantity"`
}

func (p Prescription) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apierr.Invalid("prescription name is required")
	}
	if p.Quantity <= 0 {
		return apierr.Invalid(fmt.Sprintf("prescription %q must have a positive quantity", p.Name))
	}
	return nil
}

// Session maps to the checkin_session table.
type Session struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	PatientID       uuid.UUID      `db:"patient_id" json:"patient_id"`
	AppointmentID   *uuid.UUID     `db:"appointment_id" json:"appointment_id,omitempty"`
	ServiceType     string         `db:"service_type" json:"service_type"`
	Priority        Priority       `db:"priority" json:"priority"`
	Status          Status         `db:"status" json:"status"`
	Method          Method         `db:"checkin_method" json:"checkin_method"`
	ClinicDay       time.Time      `db:"clinic_day" json:"clinic_day"`
	CheckedInAt     time.Time      `db:"checked_in_at" json:"checked_in_at"`
	VitalsCollected bool           `db:"vitals_collected" json:"vitals_collected"`
	Vitals          *Vitals        `db:"vitals" json:"vitals,omitempty"`
	DoctorID        *uuid.UUID     `db:"doctor_id" json:"doctor_id,omitempty"`
	QueuedAt        *time.Time     `db:"queued_at" json:"queued_at,omitempty"`
	StartedAt       *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	Notes           ClinicalNotes  `json:"notes"`
	Prescriptions   []Prescription `db:"prescriptions" json:"prescriptions"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedBy       string         `db:"updated_by" json:"updated_by"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// CheckInRequest is the input to Service.CheckIn.
type CheckInRequest struct {
	PatientID      uuid.UUID  `json:"patient_id"`
	ServiceType    string     `json:"service_type"`
	Priority       string     `json:"priority"`
	Method         Method     `json:"method"`
	AppointmentID  *uuid.UUID `json:"appointment_id,omitempty"`
	ChiefComplaint string     `json:"chief_complaint,omitempty"`
}

// CompleteRequest is the input to Service.Complete.
type CompleteRequest struct {
	Notes         ClinicalNotes  `json:"notes"`
	Prescriptions []Prescription `json:"prescriptions"`
}
