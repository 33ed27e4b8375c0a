package auth

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
	RolePatient      = "patient"
)

// ErrForbidden is returned when the actor's role does not permit an operation.
var ErrForbidden = errors.New("forbidden")

// Actor is the authenticated identity supplied by the identity provider.
// The engine trusts it and only checks that the role fits the operation.
type Actor struct {
	ID        string     `json:"id"`
	Roles     []string   `json:"roles"`
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	DoctorID  *uuid.UUID `json:"doctor_id,omitempty"`
}

// System is the actor used for automated sweeps.
var System = Actor{ID: "system", Roles: []string{RoleAdmin}}

// Actor converts validated claims into an Actor.
func (c *Claims) Actor() (Actor, error) {
	a := Actor{ID: c.Subject, Roles: c.Roles}
	if a.ID == "" {
		return Actor{}, fmt.Errorf("token has no subject")
	}
	if c.PatientID != "" {
		id, err := uuid.Parse(c.PatientID)
		if err != nil {
			return Actor{}, fmt.Errorf("invalid patient_id claim")
		}
		a.PatientID = &id
	}
	if c.DoctorID != "" {
		id, err := uuid.Parse(c.DoctorID)
		if err != nil {
			return Actor{}, fmt.Errorf("invalid doctor_id claim")
		}
		a.DoctorID = &id
	}
	return a, nil
}

// HasRole reports whether the actor holds any of roles. Admins hold every role.
func (a Actor) HasRole(roles ...string) bool {
	for _, has := range a.Roles {
		if has == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if has == want {
				return true
			}
		}
	}
	return false
}

// IsPatient reports whether the actor is acting purely as a patient.
func (a Actor) IsPatient() bool {
	for _, r := range a.Roles {
		if r != RolePatient {
			return false
		}
	}
	return len(a.Roles) > 0
}

// OwnsPatient reports whether the actor is the given patient.
func (a Actor) OwnsPatient(patientID uuid.UUID) bool {
	return a.PatientID != nil && *a.PatientID == patientID
}

// IsDoctor reports whether the actor is the given doctor.
func (a Actor) IsDoctor(doctorID uuid.UUID) bool {
	return a.DoctorID != nil && *a.DoctorID == doctorID
}

// Require returns ErrForbidden unless the actor holds one of roles.
func (a Actor) Require(roles ...string) error {
	if a.HasRole(roles...) {
		return nil
	}
	return fmt.Errorf("%w: requires role %v", ErrForbidden, roles)
}
