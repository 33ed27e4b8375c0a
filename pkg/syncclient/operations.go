package syncclient

import (
	"context"
)

type operation struct {
	name     string
	do       func(ctx context.Context) error
	attempts int
}

// Enqueue queues a client-originated mutation for the next Drain. Queued
// operations run in order, one at a time.
func (s *Synchronizer) Enqueue(name string, do func(ctx context.Context) error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.ops = append(s.ops, &operation{name: name, do: do})
}

// Pending returns the number of queued operations.
func (s *Synchronizer) Pending() int {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return len(s.ops)
}

// Drain runs the queued operations under the same debounce rule as
// RequestSync. A failed operation goes back on the queue ahead of anything
// enqueued meanwhile until it has failed MaxRetries times, or at once if
// its error is marked backoff.Permanent; it is then dropped with an operation_failed
// event. A drain with at least one success forces a sync so the view picks
// up the mutation. It returns the number of operations that succeeded.
func (s *Synchronizer) Drain(ctx context.Context) int {
	s.opMu.Lock()
	now := s.opts.Clock.Now()
	if s.draining || len(s.ops) == 0 || (!s.lastDrain.IsZero() && now.Sub(s.lastDrain) < s.opts.Debounce) {
		s.opMu.Unlock()
		return 0
	}
	s.draining = true
	batch := s.ops
	s.ops = nil
	s.opMu.Unlock()

	var retry []*operation
	var failed []Event
	done := 0
	for _, op := range batch {
		err := op.do(ctx)
		if err == nil {
			done++
			continue
		}
		op.attempts++
		if IsPermanent(err) || op.attempts >= s.opts.MaxRetries {
			s.log.Error().Err(err).Str("operation", op.name).Int("attempts", op.attempts).Msg("operation dropped")
			failed = append(failed, Event{
				Type:      EventOperationFailed,
				At:        s.opts.Clock.Now(),
				Err:       err,
				Attempts:  op.attempts,
				Operation: op.name,
			})
			continue
		}
		s.log.Warn().Err(err).Str("operation", op.name).Int("attempt", op.attempts).Msg("operation failed, re-queued")
		retry = append(retry, op)
	}

	s.opMu.Lock()
	s.ops = append(retry, s.ops...)
	s.draining = false
	s.lastDrain = s.opts.Clock.Now()
	s.opMu.Unlock()

	for _, e := range failed {
		s.emit(e)
	}
	if done > 0 {
		s.ForceSync(ctx)
	}
	return done
}
