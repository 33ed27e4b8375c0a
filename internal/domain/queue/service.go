package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/domain/checkin"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/metrics"
)

// Source is the read side of the session store. checkin.Repository
// satisfies it.
type Source interface {
	ListByDay(ctx context.Context, day time.Time) ([]*checkin.Session, error)
	ListByStatus(ctx context.Context, statuses ...checkin.Status) ([]*checkin.Session, error)
}

// Service serves the projections. It keeps no state between calls.
type Service struct {
	src     Source
	clock   *clinictime.Clock
	metrics *metrics.Collector
}

func NewService(src Source, clock *clinictime.Clock, m *metrics.Collector) *Service {
	return &Service{src: src, clock: clock, metrics: m}
}

// Queue returns the doctor queue, optionally narrowed to one doctor.
func (s *Service) Queue(ctx context.Context, actor auth.Actor, doctorID *uuid.UUID) ([]Entry, error) {
	if err := actor.Require(auth.StaffRoles...); err != nil {
		return nil, err
	}
	sessions, err := s.src.ListByStatus(ctx, QueueStatuses...)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return DoctorQueue(sessions, doctorID), nil
}

// TodaysCheckups lists every session checked in today.
func (s *Service) TodaysCheckups(ctx context.Context, actor auth.Actor) ([]*checkin.Session, error) {
	if err := actor.Require(auth.StaffRoles...); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	sessions, err := s.src.ListByDay(ctx, s.clock.Day(now))
	if err != nil {
		return nil, fmt.Errorf("load today's checkups: %w", err)
	}
	return TodaysCheckups(sessions, s.clock, now), nil
}

// Summary counts today's sessions and refreshes the queue gauges.
func (s *Service) Summary(ctx context.Context, actor auth.Actor) (Summary, error) {
	today, err := s.TodaysCheckups(ctx, actor)
	if err != nil {
		return Summary{}, err
	}
	sum := Summarize(today)
	sum.Date = s.clock.Today().Format(clinictime.DateLayout)

	counts := make(map[string]int, len(checkin.AllStatuses))
	for _, st := range checkin.AllStatuses {
		counts[string(st)] = sum.ByStatus[st]
	}
	s.metrics.Queue(counts)
	return sum, nil
}
