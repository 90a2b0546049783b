// Package aggregation coordinates one replicated write or read across
// target replicas and decides when its consistency requirement is met.
package aggregation

import (
	"errors"
	"time"

	"DeltaKV/internal/envelope"
)

// Status is the terminal outcome of an aggregated operation.
type Status uint8

const (
	// StatusSuccess means the required acknowledgments arrived in time.
	StatusSuccess Status = iota
	// StatusTimeout means the deadline elapsed first.
	StatusTimeout
	// StatusStoreFailure means a durable write can no longer succeed.
	StatusStoreFailure
)

// String returns the outcome name used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusStoreFailure:
		return "store_failure"
	default:
		return "unknown"
	}
}

// WriteResult is reported once per write.
type WriteResult struct {
	Status   Status        // Status is the terminal outcome
	Acks     int           // Acks is the number of distinct remote acks received
	Nacks    int           // Nacks is the number of replicas that definitively failed
	Required int           // Required is the remote ack count that was needed
	Elapsed  time.Duration // Elapsed is the time from dispatch to outcome
}

// ReadResult is reported once per read.
type ReadResult struct {
	Status   Status             // Status is StatusSuccess or StatusTimeout
	Envelope *envelope.Envelope // Envelope is the merged value, nil when no replica had the key
	Replies  int                // Replies is the number of distinct remote replies merged
	Required int                // Required is the remote reply count that was needed
	Elapsed  time.Duration      // Elapsed is the time from dispatch to outcome
}

// Transport delivers messages to replicas. Sends are fire-and-forget:
// a lost message is indistinguishable from a silent replica.
type Transport interface {
	SendTo(to string, msg *Message) error
}

// DurableStore persists an envelope locally.
// The returned channel yields exactly one value: nil once the envelope is
// on stable storage, or the error that prevented it.
type DurableStore interface {
	Store(key string, env *envelope.Envelope) <-chan error
}

// errNoDurableStore fails durable operations on nodes without a store.
var errNoDurableStore = errors.New("no durable store configured")

// DefaultRetryRatio is the fraction of the timeout between retry rounds.
const DefaultRetryRatio = 0.2

// retryInterval returns the delay between retry rounds for timeout.
// A ratio outside (0, 1) uses DefaultRetryRatio.
func retryInterval(timeout time.Duration, ratio float64) time.Duration {
	if ratio <= 0 || ratio >= 1 {
		ratio = DefaultRetryRatio
	}

	return time.Duration(float64(timeout) * ratio)
}

// phase is the aggregator lifecycle position.
type phase uint8

const (
	phaseInitial phase = iota
	phaseAwaiting
	phaseSatisfied
	phaseTimedOut
	phaseFailed
)

// terminal reports whether no further event changes the outcome.
func (p phase) terminal() bool {
	return p == phaseSatisfied || p == phaseTimedOut || p == phaseFailed
}

// status maps a terminal phase to the reported outcome.
func (p phase) status() Status {
	switch p {
	case phaseSatisfied:
		return StatusSuccess
	case phaseFailed:
		return StatusStoreFailure
	default:
		return StatusTimeout
	}
}

// newSet returns a membership map for addrs.
func newSet(addrs []string) map[string]bool {
	s := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		s[a] = true
	}

	return s
}
