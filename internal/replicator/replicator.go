// Package replicator coordinates replicated reads and writes for a node:
// it applies changes locally, resolves which replicas to ask, runs one
// aggregator per operation and routes replica replies back to it.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/crdt"
	"DeltaKV/internal/envelope"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/membership"
	"DeltaKV/internal/metrics"
	"DeltaKV/internal/quorum"
	"DeltaKV/internal/state"
)

// Config holds the replication settings of one node.
type Config struct {
	Policy     quorum.Policy // Policy holds the min-capacity floor
	RetryRatio float64       // RetryRatio is the timeout fraction between retry rounds
	ReadRepair bool          // ReadRepair pushes merged reads to stale replicas
}

// deliverer receives replies for one running aggregator.
type deliverer interface {
	Deliver(msg *aggregation.Message)
}

// Replicator is the coordinator facade of a node.
type Replicator struct {
	cfg       Config
	self      string                   // self is this node's replica address
	replica   *state.Replica           // replica is the local state
	store     aggregation.DurableStore // store persists durable writes, may be nil
	members   *membership.Membership   // members supplies reachability snapshots
	transport aggregation.Transport    // transport sends to replicas
	handler   *aggregation.Handler     // handler serves requests from other coordinators
	metrics   *metrics.Metrics         // metrics may be nil
	log       *slog.Logger

	pending sync.Map // pending maps operation id to its aggregator
}

// New creates a Replicator for the node described by members.Self().
// store may be nil when the node has no durable storage.
func New(cfg Config, r *state.Replica, store aggregation.DurableStore, members *membership.Membership, t aggregation.Transport, m *metrics.Metrics) *Replicator {
	self := members.Self()

	return &Replicator{
		cfg:       cfg,
		self:      self,
		replica:   r,
		store:     store,
		members:   members,
		transport: t,
		handler:   aggregation.NewHandler(self, r, store, m),
		metrics:   m,
		log:       logger.With("component", "replicator"),
	}
}

// Self returns this node's replica address.
func (r *Replicator) Self() string {
	return r.self
}

// Replica returns the local state.
func (r *Replicator) Replica() *state.Replica {
	return r.replica
}

// Members returns the membership used for planning.
func (r *Replicator) Members() *membership.Membership {
	return r.members
}

// Write merges env into the local replica and replicates the result.
// delta, when set, is sent first to spare full-state transfers.
// A value that does not merge locally, insufficient replicas and context
// errors are returned as errors; every other outcome is in the result's Status.
func (r *Replicator) Write(ctx context.Context, key string, env *envelope.Envelope, delta *envelope.Delta, c quorum.Consistency, durable bool) (aggregation.WriteResult, error) {
	merged, err := r.replica.Merge(key, env)
	if err != nil {
		return aggregation.WriteResult{}, fmt.Errorf("apply locally:\n%w", err)
	}

	plan, err := r.plan("write", c, key)
	if err != nil {
		return aggregation.WriteResult{}, err
	}

	id := uuid.New()

	agg := aggregation.NewWriteAggregator(aggregation.WriteConfig{
		OpID:       id,
		Self:       r.self,
		Key:        key,
		Envelope:   merged,
		Delta:      delta,
		Plan:       plan,
		Durable:    durable,
		RetryRatio: r.cfg.RetryRatio,
	}, r.transport, r.store, r.metrics)

	defer r.track(id, agg)()
	r.metrics.Started("write")

	res, err := agg.Run(ctx)
	if err != nil {
		r.metrics.Finished("write", "cancelled", 0)
		return res, err
	}

	r.metrics.Finished("write", res.Status.String(), res.Elapsed)

	if res.Status != aggregation.StatusSuccess {
		r.log.Info("write incomplete",
			"key", key,
			"consistency", c,
			"status", res.Status,
			"acks", res.Acks,
			"required", res.Required)
	}

	return res, nil
}

// Update applies fn to key locally and replicates the change.
// empty is the value a missing key starts from and fixes the value type.
func (r *Replicator) Update(ctx context.Context, key string, empty crdt.DeltaReplicatedData, fn state.UpdateFunc, c quorum.Consistency, durable bool) (aggregation.WriteResult, error) {
	env, delta, err := r.replica.Update(key, empty, fn)
	if err != nil {
		return aggregation.WriteResult{}, err
	}

	return r.Write(ctx, key, env, delta, c, durable)
}

// Read gathers key from enough replicas for c and merges the result into
// the local replica.
func (r *Replicator) Read(ctx context.Context, key string, c quorum.Consistency) (aggregation.ReadResult, error) {
	plan, err := r.plan("read", c, key)
	if err != nil {
		return aggregation.ReadResult{}, err
	}

	id := uuid.New()

	agg := aggregation.NewReadAggregator(aggregation.ReadConfig{
		OpID:       id,
		Self:       r.self,
		Key:        key,
		Local:      r.replica.Get(key),
		Plan:       plan,
		RetryRatio: r.cfg.RetryRatio,
		Repair:     r.cfg.ReadRepair,
	}, r.transport, r.metrics)

	defer r.track(id, agg)()
	r.metrics.Started("read")

	res, err := agg.Run(ctx)
	if err != nil {
		r.metrics.Finished("read", "cancelled", 0)
		return res, err
	}

	r.metrics.Finished("read", res.Status.String(), res.Elapsed)

	if res.Status == aggregation.StatusSuccess && res.Envelope != nil {
		if _, err := r.replica.Merge(key, res.Envelope); err != nil {
			r.log.Warn("local read repair failed", "key", key, "error", err)
		}
	}

	return res, nil
}

// HandleMessage routes one inbound message. Requests are answered by the
// replica handler; replies go to the aggregator that owns the operation
// and are dropped when it already finished.
func (r *Replicator) HandleMessage(msg *aggregation.Message) *aggregation.Message {
	if !msg.Kind.IsReply() {
		return r.handler.Handle(msg)
	}

	agg, ok := r.pending.Load(msg.OpID)
	if !ok {
		logger.Debug("reply for finished operation", "kind", msg.Kind, "id", msg.OpID, "from", msg.From)
		return nil
	}

	agg.(deliverer).Deliver(msg)

	return nil
}

// Pending returns the number of running aggregators.
func (r *Replicator) Pending() int {
	n := 0
	r.pending.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}

// plan resolves c against a membership snapshot taken once.
func (r *Replicator) plan(op string, c quorum.Consistency, key string) (quorum.Plan, error) {
	reachable, unreachable := r.members.Snapshot()

	plan, err := r.cfg.Policy.Resolve(c, key, r.self, reachable, unreachable)
	if err != nil {
		if errors.Is(err, quorum.ErrInsufficientReplicas) {
			r.metrics.Rejected(op, "insufficient_replicas")
			r.log.Warn("no replica to ask", "op", op, "key", key, "consistency", c,
				"unreachable", len(unreachable))
		}
		return quorum.Plan{}, err
	}

	return plan, nil
}

// track registers agg for replies and returns its removal.
func (r *Replicator) track(id uuid.UUID, agg deliverer) func() {
	r.pending.Store(id, agg)

	return func() { r.pending.Delete(id) }
}
