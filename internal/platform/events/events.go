// Package events announces committed workflow changes to connected clients.
// A notification carries no payload beyond identity and the new status;
// clients are expected to refetch.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/clinicops/clinic/internal/platform/metrics"
)

// Entities that publish changes.
const (
	EntityCheckin     = "checkin"
	EntityDoctor      = "doctor"
	EntityAppointment = "appointment"
)

// Change describes one committed state change.
type Change struct {
	Entity string    `json:"entity"`
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Tenant string    `json:"tenant,omitempty"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`
}

// Publisher delivers a change notification. Implementations must not block
// for long; publication failures never undo the change.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Discard drops every change.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Change) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, c Change) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type counted struct {
	next    Publisher
	metrics *metrics.Collector
}

// Counted wraps p so every successful publication is counted by entity.
func Counted(p Publisher, m *metrics.Collector) Publisher {
	return &counted{next: p, metrics: m}
}

func (c *counted) Publish(ctx context.Context, ch Change) error {
	if err := c.next.Publish(ctx, ch); err != nil {
		return err
	}
	c.metrics.Published(ch.Entity)
	return nil
}
