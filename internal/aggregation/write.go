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

// WriteConfig describes one outbound update.
type WriteConfig struct {
	OpID       uuid.UUID          // OpID identifies the operation on the wire
	Self       string             // Self is the coordinator's replica address
	Key        string             // Key is the replicated key
	Envelope   *envelope.Envelope // Envelope is the full state to replicate
	Delta      *envelope.Delta    // Delta is sent first when set
	Plan       quorum.Plan        // Plan holds the targets, required acks and timeout
	Durable    bool               // Durable requires local and remote persistence
	RetryRatio float64            // RetryRatio is the timeout fraction between retry rounds
}

// sendMode is what a replica was last sent.
type sendMode uint8

const (
	modeDelta sendMode = iota + 1
	modeFull
)

// outbound is one message the state machine wants sent.
type outbound struct {
	to   string   // to is the target replica
	mode sendMode // mode selects delta or full envelope
}

// writeState is the mutable record of one write. It is only touched by the
// aggregator's event loop and holds no references to other operations.
type writeState struct {
	targets  []string        // targets are the replicas contacted, fixed at start
	isTarget map[string]bool // isTarget filters replies from unknown senders
	required int             // required is the remote ack count to reach
	durable  bool            // durable requires local confirmation too
	hasDelta bool            // hasDelta sends the delta in the first round

	phase       phase               // phase is the lifecycle position
	round       uint32              // round is the current dispatch round, starting at 1
	sent        map[string]sendMode // sent records what each target last received
	acked       map[string]bool     // acked holds replicas that confirmed the write
	failed      map[string]bool     // failed holds replicas that nacked full state
	pendingFull map[string]bool     // pendingFull holds replicas resent full state after a delta nack
	stored      bool                // stored is set once the local durable write confirmed
}

// newWriteState prepares the state for a plan.
func newWriteState(plan quorum.Plan, durable, hasDelta bool) *writeState {
	return &writeState{
		targets:     plan.Targets,
		isTarget:    newSet(plan.Targets),
		required:    plan.Required,
		durable:     durable,
		hasDelta:    hasDelta,
		sent:        make(map[string]sendMode, len(plan.Targets)),
		acked:       make(map[string]bool, len(plan.Targets)),
		failed:      make(map[string]bool),
		pendingFull: make(map[string]bool),
	}
}

// start dispatches the first round and checks for immediate completion.
func (s *writeState) start() []outbound {
	s.phase = phaseAwaiting
	s.round = 1

	mode := modeFull
	if s.hasDelta {
		mode = modeDelta
	}

	sends := make([]outbound, 0, len(s.targets))
	for _, t := range s.targets {
		s.sent[t] = mode
		sends = append(sends, outbound{to: t, mode: mode})
	}

	s.checkDone()

	return sends
}

// onAck records a positive acknowledgment.
func (s *writeState) onAck(from string) {
	if !s.accepts(from) {
		return
	}

	s.acked[from] = true
	delete(s.failed, from)
	delete(s.pendingFull, from)

	s.checkDone()
}

// onDeltaNack resends full state to a replica that rejected its delta.
// A delta nack for a replica already escalated to full state is stale.
func (s *writeState) onDeltaNack(from string) []outbound {
	if !s.accepts(from) || s.acked[from] || s.failed[from] {
		return nil
	}

	if s.sent[from] != modeDelta {
		return nil
	}

	s.sent[from] = modeFull
	s.pendingFull[from] = true

	return []outbound{{to: from, mode: modeFull}}
}

// onWriteNack marks a replica as definitively failed.
// Durable writes fail as soon as the quorum can no longer be reached.
func (s *writeState) onWriteNack(from string) {
	if !s.accepts(from) || s.acked[from] {
		return
	}

	s.failed[from] = true
	delete(s.pendingFull, from)

	if s.durable && len(s.failed) > len(s.targets)-s.required {
		s.phase = phaseFailed
	}
}

// onRetry resends full state to every target that has neither acked nor failed.
func (s *writeState) onRetry() []outbound {
	if s.phase.terminal() {
		return nil
	}

	s.round++

	var sends []outbound

	for _, t := range s.targets {
		if s.acked[t] || s.failed[t] {
			continue
		}

		s.sent[t] = modeFull
		sends = append(sends, outbound{to: t, mode: modeFull})
	}

	return sends
}

// onDeadline times the write out unless it already finished.
func (s *writeState) onDeadline() {
	if !s.phase.terminal() {
		s.phase = phaseTimedOut
	}
}

// onStored records the local durable write outcome.
func (s *writeState) onStored(err error) {
	if s.phase.terminal() {
		return
	}

	if err != nil {
		s.phase = phaseFailed
		return
	}

	s.stored = true
	s.checkDone()
}

// accepts reports whether a reply from addr can change the state.
func (s *writeState) accepts(addr string) bool {
	return !s.phase.terminal() && s.isTarget[addr]
}

// quorumMet reports whether enough remote acks arrived.
func (s *writeState) quorumMet() bool {
	return len(s.acked) >= s.required
}

// checkDone moves to satisfied when remote and local conditions hold.
func (s *writeState) checkDone() {
	if s.phase != phaseAwaiting {
		return
	}

	if s.quorumMet() && (!s.durable || s.stored) {
		s.phase = phaseSatisfied
	}
}

// WriteAggregator drives one write to its terminal outcome.
type WriteAggregator struct {
	cfg       WriteConfig      // cfg is the immutable operation description
	transport Transport        // transport sends to replicas
	store     DurableStore     // store persists locally when cfg.Durable is set
	metrics   *metrics.Metrics // metrics may be nil
	log       *slog.Logger     // log carries the operation attributes

	inbox chan *Message // inbox queues replica replies
	done  chan struct{} // done is closed when Run returns
	state *writeState   // state is owned by Run
}

// NewWriteAggregator creates an aggregator for cfg. store may be nil for
// non-durable writes.
func NewWriteAggregator(cfg WriteConfig, t Transport, store DurableStore, m *metrics.Metrics) *WriteAggregator {
	return &WriteAggregator{
		cfg:       cfg,
		transport: t,
		store:     store,
		metrics:   m,
		log:       logger.With("op", "write", "id", cfg.OpID.String(), "key", cfg.Key),
		inbox:     make(chan *Message, 4*len(cfg.Plan.Targets)+4),
		done:      make(chan struct{}),
		state:     newWriteState(cfg.Plan, cfg.Durable, cfg.Delta != nil),
	}
}

// Deliver queues a replica reply. It never blocks after Run has returned.
func (a *WriteAggregator) Deliver(msg *Message) {
	select {
	case a.inbox <- msg:
	case <-a.done:
	}
}

// Run dispatches the write and processes events until a terminal outcome.
// Context cancellation stops the aggregator without a result.
func (a *WriteAggregator) Run(ctx context.Context) (WriteResult, error) {
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

	var stored <-chan error
	if a.cfg.Durable {
		stored = a.storeLocal()
	}

	a.log.Debug("write dispatch",
		"targets", len(a.cfg.Plan.Targets),
		"required", a.cfg.Plan.Required,
		"delta", a.cfg.Delta != nil,
		"durable", a.cfg.Durable)

	a.send(a.state.start())

	for !a.state.phase.terminal() {
		select {
		case msg := <-a.inbox:
			a.handleReply(msg)

		case <-retry:
			a.metrics.RetryRound()
			sends := a.state.onRetry()
			a.metrics.FullResends(len(sends))
			a.send(sends)

		case <-deadline:
			a.state.onDeadline()

		case err := <-stored:
			stored = nil
			if err != nil {
				a.log.Warn("local durable write failed", "error", err)
			}
			a.state.onStored(err)

		case <-ctx.Done():
			a.log.Debug("write cancelled", "error", ctx.Err())
			return WriteResult{}, ctx.Err()
		}
	}

	res := WriteResult{
		Status:   a.state.phase.status(),
		Acks:     len(a.state.acked),
		Nacks:    len(a.state.failed),
		Required: a.state.required,
		Elapsed:  time.Since(start),
	}

	a.log.Debug("write finished",
		"status", res.Status,
		"acks", res.Acks,
		"nacks", res.Nacks,
		"rounds", a.state.round,
		logger.Timed(start))

	return res, nil
}

// handleReply applies one replica reply to the state.
func (a *WriteAggregator) handleReply(msg *Message) {
	switch msg.Kind {
	case KindWriteAck:
		a.state.onAck(msg.From)

	case KindWriteNack:
		a.state.onWriteNack(msg.From)

	case KindDeltaNack:
		sends := a.state.onDeltaNack(msg.From)
		if len(sends) > 0 {
			a.metrics.DeltaNack()
			a.metrics.FullResends(len(sends))
		}
		a.send(sends)

	default:
		a.log.Debug("unexpected reply", "kind", msg.Kind, "from", msg.From)
	}
}

// send hands outbound messages to the transport. Send errors count as silence.
func (a *WriteAggregator) send(sends []outbound) {
	for _, o := range sends {
		msg := &Message{
			OpID:    a.cfg.OpID,
			From:    a.cfg.Self,
			Key:     a.cfg.Key,
			Attempt: a.state.round,
			Durable: a.cfg.Durable,
		}

		if o.mode == modeDelta {
			msg.Kind = KindDelta
			msg.Delta = a.cfg.Delta
		} else {
			msg.Kind = KindWrite
			msg.Envelope = a.cfg.Envelope
		}

		if err := a.transport.SendTo(o.to, msg); err != nil {
			a.log.Debug("send failed", "to", o.to, "kind", msg.Kind, "error", err)
		}
	}
}

// storeLocal starts the local durable write.
func (a *WriteAggregator) storeLocal() <-chan error {
	if a.store == nil {
		ch := make(chan error, 1)
		ch <- errNoDurableStore
		return ch
	}

	return a.store.Store(a.cfg.Key, a.cfg.Envelope)
}
