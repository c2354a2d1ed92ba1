package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBreakerOpen is returned without invoking the operation while a breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

var errBreakerReject = errors.New("breaker rejected call")

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerStatus is the persisted state of one named breaker.
type BreakerStatus struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"consecutive_failures"`
	Successes   int          `json:"consecutive_successes"`
	LastFailure time.Time    `json:"last_failure"`
	// ProbeUntil is set while a half-open probe is in flight.
	ProbeUntil time.Time `json:"-"`
}

func (s *BreakerStatus) normalize() {
	if s.State == "" {
		s.State = BreakerClosed
	}
}

// BreakerStore holds breaker state. Update must apply fn atomically with
// respect to every other Update for the same name, and must not persist
// anything when fn returns an error.
type BreakerStore interface {
	Load(ctx context.Context, name string) (BreakerStatus, error)
	Update(ctx context.Context, name string, fn func(*BreakerStatus) error) error
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 60 * time.Second}
}

// CircuitBreaker guards calls to one external dependency.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	store  BreakerStore
	now    func() time.Time
	logger logrus.FieldLogger
}

func NewCircuitBreaker(name string, store BreakerStore, cfg BreakerConfig, logger logrus.FieldLogger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: logger.WithField("breaker", name),
	}
}

func (b *CircuitBreaker) Name() string { return b.name }

type neutralError struct{ err error }

func (e *neutralError) Error() string { return e.err.Error() }
func (e *neutralError) Unwrap() error { return e.err }

// Neutral marks err as a problem with the request itself rather than the
// dependency. Call returns the inner error but does not count it.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return &neutralError{err: err}
}

// Call runs op unless the breaker is open. If the state store is
// unreachable the call runs unguarded.
func (b *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	admitted, err := b.admit(ctx)
	if err != nil {
		b.logger.WithError(err).Warn("breaker state unavailable, calling unguarded")
		return unwrapNeutral(op(ctx))
	}
	if !admitted {
		return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
	}

	opErr := op(ctx)
	if recErr := b.record(ctx, classify(opErr)); recErr != nil {
		b.logger.WithError(recErr).Warn("failed to record breaker outcome")
	}
	return unwrapNeutral(opErr)
}

type callOutcome int

const (
	outcomeSuccess callOutcome = iota
	outcomeFailure
	// the caller went away; says nothing about the dependency
	outcomeAbandoned
)

func classify(err error) callOutcome {
	var neutral *neutralError
	switch {
	case err == nil, errors.As(err, &neutral):
		return outcomeSuccess
	case errors.Is(err, context.Canceled):
		return outcomeAbandoned
	default:
		return outcomeFailure
	}
}

func unwrapNeutral(err error) error {
	var neutral *neutralError
	if errors.As(err, &neutral) {
		return neutral.err
	}
	return err
}

func (b *CircuitBreaker) admit(ctx context.Context) (bool, error) {
	var from, to BreakerState
	err := b.store.Update(ctx, b.name, func(s *BreakerStatus) error {
		now := b.now()
		from = s.State
		switch s.State {
		case BreakerOpen:
			if now.Sub(s.LastFailure) <= b.cfg.Timeout {
				return errBreakerReject
			}
			s.State = BreakerHalfOpen
			s.Successes = 0
			s.ProbeUntil = now.Add(b.cfg.Timeout)
		case BreakerHalfOpen:
			// one probe at a time; a probe whose caller vanished expires
			if now.Before(s.ProbeUntil) {
				return errBreakerReject
			}
			s.ProbeUntil = now.Add(b.cfg.Timeout)
		}
		to = s.State
		return nil
	})
	if errors.Is(err, errBreakerReject) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if from != to {
		b.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("circuit breaker transition")
	}
	return true, nil
}

func (b *CircuitBreaker) record(ctx context.Context, outcome callOutcome) error {
	var from, to BreakerState
	err := b.store.Update(ctx, b.name, func(s *BreakerStatus) error {
		now := b.now()
		from = s.State
		switch s.State {
		case BreakerHalfOpen:
			s.ProbeUntil = time.Time{}
			switch outcome {
			case outcomeFailure:
				s.State = BreakerOpen
				s.LastFailure = now
				s.Successes = 0
			case outcomeSuccess:
				s.Successes++
				if s.Successes >= b.cfg.SuccessThreshold {
					s.State = BreakerClosed
					s.Failures = 0
					s.Successes = 0
				}
			}
		case BreakerOpen:
			// tripped by a concurrent caller while this call was in flight
		default:
			switch outcome {
			case outcomeSuccess:
				s.Failures = 0
			case outcomeFailure:
				s.Failures++
				if s.Failures >= b.cfg.FailureThreshold {
					s.State = BreakerOpen
					s.LastFailure = now
					s.Successes = 0
				}
			}
		}
		to = s.State
		return nil
	})
	if err != nil {
		return err
	}
	if from != to {
		entry := b.logger.WithFields(logrus.Fields{"from": from, "to": to})
		if to == BreakerOpen {
			entry.Warn("circuit breaker opened")
		} else {
			entry.Info("circuit breaker transition")
		}
	}
	return nil
}

// Snapshot returns the current persisted state.
func (b *CircuitBreaker) Snapshot(ctx context.Context) (BreakerStatus, error) {
	return b.store.Load(ctx, b.name)
}

// MemoryBreakerStore keeps breaker state in process.
type MemoryBreakerStore struct {
	mu     sync.Mutex
	states map[string]BreakerStatus
}

func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{states: make(map[string]BreakerStatus)}
}

func (s *MemoryBreakerStore) Load(_ context.Context, name string) (BreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[name]
	st.normalize()
	return st, nil
}

func (s *MemoryBreakerStore) Update(_ context.Context, name string, fn func(*BreakerStatus) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[name]
	st.normalize()
	if err := fn(&st); err != nil {
		return err
	}
	s.states[name] = st
	return nil
}

// BreakerRegistry hands out one breaker per operation name.
type BreakerRegistry struct {
	mu       sync.Mutex
	store    BreakerStore
	cfg      BreakerConfig
	logger   logrus.FieldLogger
	breakers map[string]*CircuitBreaker
}

func NewBreakerRegistry(store BreakerStore, cfg BreakerConfig, logger logrus.FieldLogger) *BreakerRegistry {
	return &BreakerRegistry{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, r.store, r.cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshot reports every breaker created so far, keyed by name.
func (r *BreakerRegistry) Snapshot(ctx context.Context) map[string]BreakerStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]BreakerStatus, len(names))
	for _, name := range names {
		st, err := r.store.Load(ctx, name)
		if err != nil {
			r.logger.WithError(err).WithField("breaker", name).Warn("failed to load breaker state")
			continue
		}
		out[name] = st
	}
	return out
}
