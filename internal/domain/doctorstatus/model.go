package doctorstatus

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/fsm"
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
)

var transitions = fsm.Table[Status]{
	StatusOffline: {StatusOnline},
	StatusOnline:  {StatusBusy, StatusOffline, StatusOnline},
	StatusBusy:    {StatusOnline, StatusOffline, StatusBusy},
}

// LiveStatuses are the statuses a heartbeat keeps alive and the staleness
// sweep inspects.
var LiveStatuses = []Status{StatusOnline, StatusBusy}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Live reports whether the doctor is signed in.
func (s Status) Live() bool { return s == StatusOnline || s == StatusBusy }

// Record maps to the doctor_status table. CurrentPatientID is set exactly
// when Status is busy.
type Record struct {
	DoctorID         uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	Status           Status     `db:"status" json:"status"`
	LoginAt          *time.Time `db:"login_at" json:"login_at,omitempty"`
	LogoutAt         *time.Time `db:"logout_at" json:"logout_at,omitempty"`
	LastActivityAt   time.Time  `db:"last_activity_at" json:"last_activity_at"`
	CurrentPatientID *uuid.UUID `db:"current_patient_id" json:"current_patient_id,omitempty"`
	UpdatedBy        string     `db:"updated_by" json:"updated_by"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// Consistent reports whether the busy/current-patient invariant holds.
func (r *Record) Consistent() bool {
	return (r.Status == StatusBusy) == (r.CurrentPatientID != nil)
}

// Offline returns the record a doctor who was never seen would have.
func Offline(doctorID uuid.UUID) *Record {
	return &Record{DoctorID: doctorID, Status: StatusOffline}
}
