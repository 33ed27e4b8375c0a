// Package queue derives the doctor queue and the day's checkup views from
// check-in sessions. Nothing here is stored; every view is recomputed from
// the sessions it is handed.
package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/domain/checkin"
	"github.com/clinicops/clinic/internal/platform/clinictime"
)

// QueueStatuses are the statuses a session holds while it is in front of a
// doctor or waiting for one.
var QueueStatuses = []checkin.Status{checkin.StatusDoctorNotified, checkin.StatusInProgress}

// Entry is one position in the doctor queue.
type Entry struct {
	Position int `json:"position"`
	*checkin.Session
}

// DoctorQueue returns the sessions awaiting or undergoing consultation,
// highest priority first and FIFO by queued-at within a priority. When
// doctorID is set, in-progress sessions of other doctors are left out.
func DoctorQueue(sessions []*checkin.Session, doctorID *uuid.UUID) []Entry {
	var picked []*checkin.Session
	for _, s := range sessions {
		switch s.Status {
		case checkin.StatusDoctorNotified:
		case checkin.StatusInProgress:
			if doctorID != nil && (s.DoctorID == nil || *s.DoctorID != *doctorID) {
				continue
			}
		default:
			continue
		}
		picked = append(picked, s)
	}

	sort.SliceStable(picked, func(i, j int) bool { return ahead(picked[i], picked[j]) })

	out := make([]Entry, len(picked))
	for i, s := range picked {
		out[i] = Entry{Position: i + 1, Session: s}
	}
	return out
}

func ahead(a, b *checkin.Session) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	qa, qb := queuedAt(a), queuedAt(b)
	if !qa.Equal(qb) {
		return qa.Before(qb)
	}
	return a.ID.String() < b.ID.String()
}

// queuedAt falls back to the check-in time for rows written before the
// session was handed to a doctor.
func queuedAt(s *checkin.Session) time.Time {
	if s.QueuedAt != nil {
		return *s.QueuedAt
	}
	return s.CheckedInAt
}

// TodaysCheckups returns every session checked in on now's clinic day, in
// any status, oldest check-in first.
func TodaysCheckups(sessions []*checkin.Session, clock *clinictime.Clock, now time.Time) []*checkin.Session {
	out := []*checkin.Session{}
	for _, s := range sessions {
		if clock.SameDay(s.CheckedInAt, now) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CheckedInAt.Equal(out[j].CheckedInAt) {
			return out[i].CheckedInAt.Before(out[j].CheckedInAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Summary holds the dashboard counts for one clinic day. Waiting covers
// every session not yet in front of a doctor.
type Summary struct {
	Date       string                   `json:"date"`
	Waiting    int                      `json:"waiting"`
	InProgress int                      `json:"in_progress"`
	Completed  int                      `json:"completed"`
	NoShow     int                      `json:"no_show"`
	Cancelled  int                      `json:"cancelled"`
	Total      int                      `json:"total"`
	ByStatus   map[checkin.Status]int   `json:"by_status"`
	ByPriority map[checkin.Priority]int `json:"by_priority"`
}

// Summarize counts sessions by lifecycle bucket.
func Summarize(sessions []*checkin.Session) Summary {
	sum := Summary{
		ByStatus:   make(map[checkin.Status]int),
		ByPriority: make(map[checkin.Priority]int),
	}
	for _, s := range sessions {
		sum.Total++
		sum.ByStatus[s.Status]++
		switch s.Status {
		case checkin.StatusWaiting, checkin.StatusVitalsCollected, checkin.StatusDoctorNotified:
			sum.Waiting++
			sum.ByPriority[s.Priority]++
		case checkin.StatusInProgress:
			sum.InProgress++
		case checkin.StatusCompleted:
			sum.Completed++
		case checkin.StatusNoShow:
			sum.NoShow++
		case checkin.StatusCancelled:
			sum.Cancelled++
		}
	}
	return sum
}
