package aggregation

import (
	"errors"
	"log/slog"

	"DeltaKV/internal/envelope"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/metrics"
)

// Replica is the local state a Handler serves.
type Replica interface {
	Get(key string) *envelope.Envelope
	Merge(key string, env *envelope.Envelope) (*envelope.Envelope, error)
	ApplyDelta(key string, d *envelope.Delta) (*envelope.Envelope, error)
}

// Handler answers replica protocol requests from coordinators.
type Handler struct {
	self    string           // self is this replica's address, set as From on replies
	replica Replica          // replica is the local state
	store   DurableStore     // store persists durable writes, may be nil
	metrics *metrics.Metrics // metrics may be nil
	log     *slog.Logger     // log is the handler's logger
}

// NewHandler creates a Handler. store may be nil on nodes without durability.
func NewHandler(self string, r Replica, store DurableStore, m *metrics.Metrics) *Handler {
	return &Handler{
		self:    self,
		replica: r,
		store:   store,
		metrics: m,
		log:     logger.With("component", "replica"),
	}
}

// Handle processes one request and returns the reply, or nil when the
// request needs none.
func (h *Handler) Handle(req *Message) *Message {
	var reply *Message

	switch req.Kind {
	case KindWrite:
		reply = h.handleWrite(req)
	case KindDelta:
		reply = h.handleDelta(req)
	case KindRead:
		reply = h.reply(req, KindReadResult)
		reply.Envelope = h.replica.Get(req.Key)
	case KindReadRepair:
		if _, err := h.replica.Merge(req.Key, req.Envelope); err != nil {
			h.log.Warn("read repair rejected", "key", req.Key, "from", req.From, "error", err)
		}
	default:
		h.log.Debug("ignored request", "kind", req.Kind, "from", req.From)
		return nil
	}

	outcome := "none"
	if reply != nil {
		outcome = reply.Kind.String()
	}
	h.metrics.ReplicaRequest(req.Kind.String(), outcome)

	return reply
}

// handleWrite merges a full envelope.
func (h *Handler) handleWrite(req *Message) *Message {
	merged, err := h.replica.Merge(req.Key, req.Envelope)
	if err != nil {
		h.log.Warn("write rejected", "key", req.Key, "from", req.From, "error", err)
		return h.reply(req, KindWriteNack)
	}

	return h.persist(req, merged)
}

// handleDelta applies a delta in causal order.
func (h *Handler) handleDelta(req *Message) *Message {
	merged, err := h.replica.ApplyDelta(req.Key, req.Delta)

	switch {
	case errors.Is(err, envelope.ErrDeltaGap):
		h.log.Debug("delta gap", "key", req.Key, "from", req.From, "error", err)
		return h.reply(req, KindDeltaNack)
	case err != nil:
		h.log.Warn("delta rejected", "key", req.Key, "from", req.From, "error", err)
		return h.reply(req, KindWriteNack)
	}

	return h.persist(req, merged)
}

// persist stores durable writes before acknowledging.
func (h *Handler) persist(req *Message, merged *envelope.Envelope) *Message {
	if !req.Durable {
		return h.reply(req, KindWriteAck)
	}

	if h.store == nil {
		h.log.Warn("durable write without store", "key", req.Key)
		return h.reply(req, KindWriteNack)
	}

	if err := <-h.store.Store(req.Key, merged); err != nil {
		h.log.Warn("durable write failed", "key", req.Key, "error", err)
		return h.reply(req, KindWriteNack)
	}

	return h.reply(req, KindWriteAck)
}

// reply builds a reply of kind for req.
func (h *Handler) reply(req *Message, kind Kind) *Message {
	return &Message{
		Kind:    kind,
		OpID:    req.OpID,
		From:    h.self,
		Key:     req.Key,
		Attempt: req.Attempt,
	}
}
