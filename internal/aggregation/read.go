package aggregation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"DeltaKV/internal/envelope"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/quorum"
)

// ReadConfig describes one read.
type ReadConfig struct {
	OpID       uuid.UUID          // OpID identifies the operation on the wire
	Self       string             // Self is the coordinator's replica address
	Key        string             // Key is the replicated key
	Local      *envelope.Envelope // Local is the coordinator's own envelope, may be nil
	Plan       quorum.Plan        // Plan holds the targets, required replies and timeout
	RetryRatio float64            // RetryRatio is the timeout fraction between retry rounds
	Repair     bool               // Repair pushes the merged result to stale repliers
}

// readState is the mutable record of one read.
type readState struct {
	targets  []string        // targets are the replicas asked, fixed at start
	isTarget map[string]bool // isTarget filters replies from unknown senders
	required int             // required is the remote reply count to reach

	phase   phase                         // phase is the lifecycle position
	round   uint32                        // round is the current dispatch round
	replies map[string]*envelope.Envelope // replies holds each replier's envelope, nil when absent
	result  *envelope.Envelope            // result is the merge of Local and all replies
}

// newReadState prepares the state for a plan seeded with the local envelope.
func newReadState(plan quorum.Plan, local *envelope.Envelope) *readState {
	return &readState{
		targets:  plan.Targets,
		isTarget: newSet(plan.Targets),
		required: plan.Required,
		replies:  make(map[string]*envelope.Envelope, len(plan.Targets)),
		result:   local,
	}
}

// start returns the first round of targets and checks for immediate completion.
func (s *readState) start() []string {
	s.phase = phaseAwaiting
	s.round = 1

	s.checkDone()

	return s.targets
}

// onReply merges a replica's envelope. Merge failures leave the replica
// unanswered so a later round can ask again.
func (s *readState) onReply(from string, env *envelope.Envelope) error {
	if s.phase.terminal() || !s.isTarget[from] {
		return nil
	}

	if _, ok := s.replies[from]; ok {
		return nil
	}

	merged, err := s.result.Merge(env)
	if err != nil {
		return err
	}

	s.result = merged
	s.replies[from] = env

	s.checkDone()

	return nil
}

// onRetry returns targets that have not replied.
func (s *readState) onRetry() []string {
	if s.phase.terminal() {
		return nil
	}

	s.round++

	var silent []string

	for _, t := range s.targets {
		if _, ok := s.replies[t]; !ok {
			silent = append(silent, t)
		}
	}

	return silent
}

// onDeadline times the read out unless it already finished.
func (s *readState) onDeadline() {
	if !s.phase.terminal() {
		s.phase = phaseTimedOut
	}
}

// checkDone moves to satisfied once enough replicas replied.
func (s *readState) checkDone() {
	if s.phase == phaseAwaiting && len(s.replies) >= s.required {
		s.phase = phaseSatisfied
	}
}

// stale returns repliers whose envelope differs from the merged result.
func (s *readState) stale() []string {
	if s.result == nil {
		return nil
	}

	want, err := s.result.Digest()
	if err != nil {
		return nil
	}

	var out []string

	for _, t := range s.targets {
		env, ok := s.replies[t]
		if !ok {
			continue
		}

		if env == nil {
			out = append(out, t)
			continue
		}

		if got, err := env.Digest(); err != nil || got != want {
			out = append(out, t)
		}
	}

	return out
}

// ReadAggregator drives one read to its terminal outcome.
type ReadAggregator struct {
	cfg       ReadConfig       // cfg is the immutable operation description
	transport Transport        // transport sends to replicas
	metrics   *metrics.Metrics // metrics may be nil
	log       *slog.Logger     // log carries the operation attributes

	inbox chan *Message // inbox queues replica replies
	done  chan struct{} // done is closed when Run returns
	state *readState    // state is owned by Run
}

// NewReadAggregator creates an aggregator for cfg.
func NewReadAggregator(cfg ReadConfig, t Transport, m *metrics.Metrics) *ReadAggregator {
	return &ReadAggregator{
		cfg:       cfg,
		transport: t,
		metrics:   m,
		log:       logger.With("op", "read", "id", cfg.OpID.String(), "key", cfg.Key),
		inbox:     make(chan *Message, 4*len(cfg.Plan.Targets)+4),
		done:      make(chan struct{}),
		state:     newReadState(cfg.Plan, cfg.Local),
	}
}

// Deliver queues a replica reply. It never blocks after Run has returned.
func (a *ReadAggregator) Deliver(msg *Message) {
	select {
	case a.inbox <- msg:
	case <-a.done:
	}
}

// Run asks the targets and merges replies until a terminal outcome.
func (a *ReadAggregator) Run(ctx context.Context) (ReadResult, error) {
	defer close(a.done)

	start := time.Now()

	var deadline <-chan time.Time
	if a.cfg.Plan.Timeout > 0 {
		timer := time.NewTimer(a.cfg.Plan.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var retry <-chan time.Time
	if iv := retryInterval(a.cfg.Plan.Timeout, a.cfg.RetryRatio); iv > 0 && len(a.cfg.Plan.Targets) > 0 {
		ticker := time.NewTicker(iv)
		defer ticker.Stop()
		retry = ticker.C
	}

	a.log.Debug("read dispatch", "targets", len(a.cfg.Plan.Targets), "required", a.cfg.Plan.Required)

	a.send(KindRead, a.state.start(), nil)

	for !a.state.phase.terminal() {
		select {
		case msg := <-a.inbox:
			if msg.Kind != KindReadResult {
				a.log.Debug("unexpected reply", "kind", msg.Kind, "from", msg.From)
				continue
			}

			if err := a.state.onReply(msg.From, msg.Envelope); err != nil {
				a.log.Warn("discard read reply", "from", msg.From, "error", err)
			}

		case <-retry:
			a.metrics.RetryRound()
			a.send(KindRead, a.state.onRetry(), nil)

		case <-deadline:
			a.state.onDeadline()

		case <-ctx.Done():
			a.log.Debug("read cancelled", "error", ctx.Err())
			return ReadResult{}, ctx.Err()
		}
	}

	res := ReadResult{
		Status:   a.state.phase.status(),
		Replies:  len(a.state.replies),
		Required: a.state.required,
		Elapsed:  time.Since(start),
	}

	if res.Status == StatusSuccess {
		res.Envelope = a.state.result

		if a.cfg.Repair {
			if stale := a.state.stale(); len(stale) > 0 {
				a.log.Debug("read repair", "replicas", len(stale))
				a.send(KindReadRepair, stale, a.state.result)
			}
		}
	}

	a.log.Debug("read finished",
		"status", res.Status,
		"replies", res.Replies,
		"rounds", a.state.round,
		logger.Timed(start))

	return res, nil
}

// send dispatches kind to each address. Send errors count as silence.
func (a *ReadAggregator) send(kind Kind, to []string, env *envelope.Envelope) {
	for _, addr := range to {
		msg := &Message{
			Kind:     kind,
			OpID:     a.cfg.OpID,
			From:     a.cfg.Self,
			Key:      a.cfg.Key,
			Attempt:  a.state.round,
			Envelope: env,
		}

		if err := a.transport.SendTo(addr, msg); err != nil {
			a.log.Debug("send failed", "to", addr, "kind", kind, "error", err)
		}
	}
}
