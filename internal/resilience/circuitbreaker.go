// Package resilience wraps outbound origin calls with a fixed policy
// chain: circuit breaker, then retry, then timeout, each implemented as
// an http.RoundTripper decorator so they compose the way the signing
// transport does.
package resilience

import (
	"sync/atomic"
	"time"
)

// breakerState is packed into a single uint64 so every transition is a
// single compare-and-swap: no lock is held on the hot path. Layout (low to
// high bits): [8 bits state][24 bits consecutive counter][32 bits deadline
// unix seconds]. The deadline field is the Open-state expiry; it is unused
// in Closed/HalfOpen.
type breakerState uint64

const (
	stateClosed uint8 = iota
	stateOpen
	stateHalfOpen
)

func packState(state uint8, counter uint32, deadline int64) breakerState {
	return breakerState(uint64(state) | uint64(counter&0xFFFFFF)<<8 | uint64(uint32(deadline))<<32)
}

func (s breakerState) state() uint8      { return uint8(s) }
func (s breakerState) counter() uint32   { return uint32(s>>8) & 0xFFFFFF }
func (s breakerState) deadline() int64   { return int64(int32(uint32(s >> 32))) }

// CircuitBreaker is a per-bucket breaker over a packed atomic state word.
// State transitions are linearizable via CAS, matching the design note
// that calls for a lock-free packed state word on the hot path. No
// circuit-breaker library appears anywhere in the reference corpus (a
// targeted search for gobreaker/hystrix/circuitbreaker found zero hits),
// so unlike the rest of the resilience chain this primitive is built on
// sync/atomic alone rather than an imported implementation.
type CircuitBreaker struct {
	word atomic.Uint64

	FailureThreshold    uint32
	SuccessThreshold    uint32
	Timeout             time.Duration
	HalfOpenMaxRequests uint32

	halfOpenInFlight atomic.Uint32
}

// NewCircuitBreaker builds a breaker starting Closed.
func NewCircuitBreaker(failureThreshold, successThreshold, halfOpenMaxRequests uint32, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		FailureThreshold:    failureThreshold,
		SuccessThreshold:    successThreshold,
		Timeout:             timeout,
		HalfOpenMaxRequests: halfOpenMaxRequests,
	}
	cb.word.Store(uint64(packState(stateClosed, 0, 0)))
	return cb
}

// Allow reports whether an origin call may proceed. Called before every
// attempt; an Open breaker rejects without any network I/O until its
// deadline passes, at which point the next caller transitions it to
// HalfOpen and is admitted as a probe.
func (cb *CircuitBreaker) Allow(now time.Time) bool {
	for {
		cur := breakerState(cb.word.Load())
		switch cur.state() {
		case stateClosed:
			return true
		case stateOpen:
			if now.Unix() < cur.deadline() {
				return false
			}
			next := packState(stateHalfOpen, 0, 0)
			if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
				cb.halfOpenInFlight.Store(0)
			}
			// Either we won the CAS and are now HalfOpen, or a racing
			// caller did; re-check on the next loop iteration.
		case stateHalfOpen:
			inFlight := cb.halfOpenInFlight.Add(1)
			if inFlight > cb.HalfOpenMaxRequests {
				cb.halfOpenInFlight.Add(^uint32(0)) // undo the increment
				return false
			}
			return true
		}
	}
}

// RecordSuccess advances the breaker state on a successful attempt:
// HalfOpen successes accumulate toward SuccessThreshold before returning
// to Closed; Closed resets its failure counter.
func (cb *CircuitBreaker) RecordSuccess(now time.Time) {
	// A finished HalfOpen probe frees its admission slot for the next one.
	if breakerState(cb.word.Load()).state() == stateHalfOpen {
		for {
			n := cb.halfOpenInFlight.Load()
			if n == 0 || cb.halfOpenInFlight.CompareAndSwap(n, n-1) {
				break
			}
		}
	}
	for {
		cur := breakerState(cb.word.Load())
		switch cur.state() {
		case stateClosed:
			if cur.counter() == 0 {
				return
			}
			next := packState(stateClosed, 0, 0)
			if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
				return
			}
		case stateHalfOpen:
			count := cur.counter() + 1
			if count >= cb.SuccessThreshold {
				next := packState(stateClosed, 0, 0)
				if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
					return
				}
				continue
			}
			next := packState(stateHalfOpen, count, 0)
			if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
				return
			}
		case stateOpen:
			return
		}
	}
}

// RecordFailure advances the breaker state on a failed attempt: Closed
// accumulates consecutive failures and opens at FailureThreshold; any
// HalfOpen failure reopens immediately.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	for {
		cur := breakerState(cb.word.Load())
		switch cur.state() {
		case stateClosed:
			count := cur.counter() + 1
			if count >= cb.FailureThreshold {
				next := packState(stateOpen, 0, now.Add(cb.Timeout).Unix())
				if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
					return
				}
				continue
			}
			next := packState(stateClosed, count, 0)
			if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
				return
			}
		case stateHalfOpen:
			next := packState(stateOpen, 0, now.Add(cb.Timeout).Unix())
			if cb.word.CompareAndSwap(uint64(cur), uint64(next)) {
				return
			}
		case stateOpen:
			return
		}
	}
}

// StateName reports the breaker's current state for metrics export.
func (cb *CircuitBreaker) StateName() string {
	switch breakerState(cb.word.Load()).state() {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
