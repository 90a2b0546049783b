package quorum

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientReplicas is matched by InsufficientReplicasError.
var ErrInsufficientReplicas = errors.New("insufficient replicas")

// InsufficientReplicasError reports a non-local requirement with no
// reachable remote replica to ask.
type InsufficientReplicasError struct {
	Consistency Consistency // Consistency is the requirement that failed
	Required    int         // Required is the remote ack count needed
	Reachable   int         // Reachable is the reachable remote count
}

// Error implements error.
func (e *InsufficientReplicasError) Error() string {
	return fmt.Sprintf("insufficient replicas for %s: need %d remote acks, %d reachable",
		e.Consistency, e.Required, e.Reachable)
}

// Is makes errors.Is(err, ErrInsufficientReplicas) match.
func (e *InsufficientReplicasError) Is(target error) bool {
	return target == ErrInsufficientReplicas
}

// Policy holds cluster-wide quorum settings.
type Policy struct {
	MinCapacity int // MinCapacity floors majority quorums
}

// Plan is a resolved requirement for one operation.
// Targets and Required are fixed for the operation's lifetime.
type Plan struct {
	Targets  []string      // Targets are the remote replicas to contact
	Required int           // Required is the remote ack count needed
	Timeout  time.Duration // Timeout is the operation deadline
	SelfAck  bool          // SelfAck is set when the coordinator counted itself
}

// Resolve turns a requirement and a membership snapshot into a Plan.
//
// self is the coordinator's address. It holds a replica that is updated
// locally and counts as one acknowledgment, so it is never a target.
// An empty self applies the quorum rules to remote members only.
// Unreachable members are never targeted but still count toward the
// cluster size used for majority and all.
func (p Policy) Resolve(c Consistency, key, self string, reachable, unreachable []string) (Plan, error) {
	if err := c.Validate(); err != nil {
		return Plan{}, err
	}

	remote, down := split(self, reachable, unreachable)

	selfAck := 0
	if self != "" {
		selfAck = 1
	}

	plan := Plan{Timeout: c.Timeout, SelfAck: selfAck == 1}

	// wantsRemote is set when the level asks for more than the local replica,
	// even if the reachable set later shrinks Required to zero.
	wantsRemote := false

	switch c.Level {
	case LevelLocal:
		return Plan{SelfAck: plan.SelfAck}, nil

	case LevelAtLeast:
		ranked := RankMembers(key, remote)
		if len(ranked) > c.N {
			ranked = ranked[:c.N]
		}
		plan.Targets = ranked
		plan.Required = max(min(c.N, len(remote)+selfAck)-selfAck, 0)
		wantsRemote = c.N > selfAck

	case LevelMajority:
		plan.Targets = RankMembers(key, remote)
		total := len(remote) + len(down) + selfAck
		plan.Required = max(RequiredAcks(p.MinCapacity, total, c.Additional)-selfAck, 0)

	case LevelAll:
		plan.Targets = RankMembers(key, remote)
		plan.Required = len(remote) + len(down)
	}

	if (plan.Required > 0 || wantsRemote) && len(plan.Targets) == 0 {
		return Plan{}, &InsufficientReplicasError{
			Consistency: c,
			Required:    max(plan.Required, 1),
			Reachable:   len(remote),
		}
	}

	return plan, nil
}

// split removes self and duplicates, returning reachable remotes and
// unreachable remotes not also listed as reachable.
func split(self string, reachable, unreachable []string) (remote, down []string) {
	seen := make(map[string]bool, len(reachable)+len(unreachable))
	seen[self] = true

	for _, a := range reachable {
		if !seen[a] {
			seen[a] = true
			remote = append(remote, a)
		}
	}

	for _, a := range unreachable {
		if !seen[a] {
			seen[a] = true
			down = append(down, a)
		}
	}

	return remote, down
}
