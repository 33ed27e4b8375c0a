// Package syncclient keeps a dashboard's local copy of the clinic queue and
// the day's checkups close to server state. It polls while the view is
// visible, debounces redundant refreshes, retries failed cycles with
// exponential backoff and fans events out to local listeners.
package syncclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDebounce     = time.Second
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBase    = time.Second
	DefaultRetryCap     = 30 * time.Second
	DefaultPollInterval = 15 * time.Second
)

type EventType string

const (
	EventSyncComplete    EventType = "sync_complete"
	EventSyncFailed      EventType = "sync_failed"
	EventOperationFailed EventType = "operation_failed"
)

// Snapshot is the payload of one successful cycle, keyed by resource.
type Snapshot struct {
	Data        map[Resource]json.RawMessage
	FetchedAt   time.Time
	Fingerprint string
}

// Event is delivered to every listener. Changed is set on sync_complete
// when the payload differs from the previous successful cycle.
type Event struct {
	Type      EventType
	At        time.Time
	Snapshot  *Snapshot
	Changed   bool
	Err       error
	Attempts  int
	Operation string
}

type Listener func(Event)

// Clock abstracts timers so tests can drive retries deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Options struct {
	Resources    []Resource
	Debounce     time.Duration
	FetchTimeout time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	RetryCap     time.Duration
	PollInterval time.Duration
	Clock        Clock
}

func (o Options) withDefaults() Options {
	if len(o.Resources) == 0 {
		o.Resources = DefaultResources
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = DefaultRetryCap
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

// Synchronizer is safe for concurrent use. Listeners run on the goroutine
// that completed the cycle and must not block.
type Synchronizer struct {
	fetcher Fetcher
	opts    Options
	log     zerolog.Logger

	mu          sync.Mutex
	ctx         context.Context
	inFlight    bool
	lastSuccess time.Time
	retries     int
	backoff     *backoff.ExponentialBackOff
	retryTimer  Timer
	trailing    Timer
	stale       bool
	visible     bool
	snapshot    *Snapshot

	listenerMu sync.RWMutex
	listeners  map[int]Listener
	nextID     int

	opMu      sync.Mutex
	ops       []*operation
	draining  bool
	lastDrain time.Time
}

func New(fetcher Fetcher, opts Options, log zerolog.Logger) *Synchronizer {
	opts = opts.withDefaults()
	return &Synchronizer{
		fetcher:   fetcher,
		opts:      opts,
		log:       log.With().Str("component", "syncclient").Logger(),
		ctx:       context.Background(),
		backoff:   newBackoff(opts),
		visible:   true,
		listeners: make(map[int]Listener),
	}
}

func newBackoff(opts Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = opts.RetryCap
	b.Reset()
	return b
}

// Subscribe registers l and returns the function that removes it.
func (s *Synchronizer) Subscribe(l Listener) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

func (s *Synchronizer) emit(e Event) {
	s.listenerMu.RLock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.listenerMu.RUnlock()

	for _, l := range ls {
		s.deliver(l, e)
	}
}

func (s *Synchronizer) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("listener panicked")
		}
	}()
	l(e)
}

// RequestSync runs one cycle unless a cycle is in flight or the last
// successful cycle ended within the debounce window. It reports whether a
// cycle ran.
func (s *Synchronizer) RequestSync(ctx context.Context) bool {
	return s.sync(ctx, false)
}

// ForceSync ignores the debounce window but still never overlaps a cycle
// already in flight.
func (s *Synchronizer) ForceSync(ctx context.Context) bool {
	return s.sync(ctx, true)
}

func (s *Synchronizer) sync(ctx context.Context, force bool) bool {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return false
	}
	now := s.opts.Clock.Now()
	if !force && !s.lastSuccess.IsZero() && now.Sub(s.lastSuccess) < s.opts.Debounce {
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.stopTimersLocked()
	s.mu.Unlock()

	snap, err := s.fetchAll(ctx)

	s.mu.Lock()
	s.inFlight = false
	var ev Event
	if err == nil {
		ev = s.succeededLocked(snap)
	} else {
		ev = s.failedLocked(err)
	}
	s.mu.Unlock()

	if ev.Type != "" {
		s.emit(ev)
	}
	return true
}

func (s *Synchronizer) succeededLocked(snap *Snapshot) Event {
	s.lastSuccess = snap.FetchedAt
	s.retries = 0
	s.backoff.Reset()
	s.stale = false
	changed := s.snapshot == nil || s.snapshot.Fingerprint != snap.Fingerprint
	s.snapshot = snap
	return Event{Type: EventSyncComplete, At: snap.FetchedAt, Snapshot: snap, Changed: changed}
}

func (s *Synchronizer) failedLocked(err error) Event {
	s.retries++
	if s.retries < s.opts.MaxRetries {
		delay := s.backoff.NextBackOff()
		s.log.Warn().Err(err).Int("attempt", s.retries).Dur("retry_in", delay).Msg("sync failed, retrying")
		s.retryTimer = s.opts.Clock.AfterFunc(delay, func() {
			s.mu.Lock()
			ctx := s.ctx
			s.mu.Unlock()
			s.sync(ctx, true)
		})
		return Event{}
	}

	attempts := s.retries
	s.retries = 0
	s.backoff.Reset()
	s.stale = true
	s.log.Error().Err(err).Int("attempts", attempts).Msg("sync failed, giving up until next cycle")
	return Event{Type: EventSyncFailed, At: s.opts.Clock.Now(), Err: err, Attempts: attempts}
}

func (s *Synchronizer) fetchAll(ctx context.Context) (*Snapshot, error) {
	results := make([]json.RawMessage, len(s.opts.Resources))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range s.opts.Resources {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, s.opts.FetchTimeout)
			defer cancel()
			data, err := s.fetcher.Fetch(fctx, r)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("fetch %s: timed out after %s: %w", r, s.opts.FetchTimeout, err)
				}
				return err
			}
			results[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{Data: make(map[Resource]json.RawMessage, len(results)), FetchedAt: s.opts.Clock.Now()}
	h := sha256.New()
	for i, r := range s.opts.Resources {
		snap.Data[r] = results[i]
		h.Write([]byte(r))
		h.Write([]byte{0})
		h.Write(results[i])
		h.Write([]byte{0})
	}
	snap.Fingerprint = hex.EncodeToString(h.Sum(nil))
	return snap, nil
}

// SetVisible records the host view's visibility. Becoming visible triggers
// an immediate cycle regardless of the debounce window.
func (s *Synchronizer) SetVisible(ctx context.Context, visible bool) {
	s.mu.Lock()
	regained := visible && !s.visible
	s.visible = visible
	s.mu.Unlock()

	if regained {
		s.sync(ctx, true)
	}
}

func (s *Synchronizer) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Stale reports whether the last cycle gave up, meaning the local view may
// be out of date. It clears on the next success.
func (s *Synchronizer) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// RetryCount is the number of consecutive failures in the current cycle.
func (s *Synchronizer) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Snapshot returns the payload of the last successful cycle, or nil.
func (s *Synchronizer) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Run syncs immediately and then on every poll interval while the view is
// visible, draining queued operations on the same tick. It returns when ctx
// is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer s.stop()

	s.RequestSync(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.Visible() {
				continue
			}
			s.Drain(ctx)
			s.RequestSync(ctx)
		}
	}
}

func (s *Synchronizer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
}

// stopTimersLocked cancels the pending retry and trailing sync. A cycle
// that is about to start covers both.
func (s *Synchronizer) stopTimersLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if s.trailing != nil {
		s.trailing.Stop()
		s.trailing = nil
	}
}
