// Package membership tracks the cluster's members and which of them the
// local node can currently reach.
package membership

import (
	"sort"
	"sync"
)

// Membership holds the static member list and reachability marks.
// It is safe for concurrent access.
type Membership struct {
	self        string          // self is the local node's address
	members     []string        // members are all cluster addresses, sorted
	index       map[string]bool // index holds every member address
	unreachable map[string]bool // unreachable holds members marked down
	onChange    func(addr string, reachable bool)
	mu          sync.RWMutex
}

// New creates a membership for self over members. self is added when
// missing and duplicates are dropped. Every member starts reachable.
func New(self string, members []string) *Membership {
	m := &Membership{
		self:        self,
		index:       make(map[string]bool, len(members)+1),
		unreachable: make(map[string]bool),
	}

	for _, addr := range append([]string{self}, members...) {
		if addr == "" || m.index[addr] {
			continue
		}
		m.index[addr] = true
		m.members = append(m.members, addr)
	}

	sort.Strings(m.members)

	return m
}

// Self returns the local node's address.
func (m *Membership) Self() string {
	return m.self
}

// Members returns every member including self.
func (m *Membership) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.members))
	copy(out, m.members)

	return out
}

// Peers returns every member except self.
func (m *Membership) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.members))
	for _, addr := range m.members {
		if addr != m.self {
			out = append(out, addr)
		}
	}

	return out
}

// Contains reports whether addr is a member.
func (m *Membership) Contains(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.index[addr]
}

// Add registers a new member, reachable. Returns false if it already exists.
func (m *Membership) Add(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr == "" || m.index[addr] {
		return false
	}

	m.index[addr] = true
	m.members = append(m.members, addr)
	sort.Strings(m.members)

	return true
}

// ReachableMembers returns members not marked unreachable, self included.
func (m *Membership) ReachableMembers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.members))
	for _, addr := range m.members {
		if !m.unreachable[addr] {
			out = append(out, addr)
		}
	}

	return out
}

// UnreachableMembers returns members marked unreachable.
func (m *Membership) UnreachableMembers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.unreachable))
	for _, addr := range m.members {
		if m.unreachable[addr] {
			out = append(out, addr)
		}
	}

	return out
}

// Snapshot returns both sets under one lock.
func (m *Membership) Snapshot() (reachable, unreachable []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, addr := range m.members {
		if m.unreachable[addr] {
			unreachable = append(unreachable, addr)
		} else {
			reachable = append(reachable, addr)
		}
	}

	return reachable, unreachable
}

// MarkUnreachable flags a member as down. Self and strangers are ignored.
func (m *Membership) MarkUnreachable(addr string) {
	m.mark(addr, false)
}

// MarkReachable clears a member's down flag.
func (m *Membership) MarkReachable(addr string) {
	m.mark(addr, true)
}

// OnChange sets a callback run after a member's reachability flips.
func (m *Membership) OnChange(fn func(addr string, reachable bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// mark updates reachability and reports flips.
func (m *Membership) mark(addr string, reachable bool) {
	m.mu.Lock()

	if addr == m.self || !m.index[addr] || m.unreachable[addr] == !reachable {
		m.mu.Unlock()
		return
	}

	if reachable {
		delete(m.unreachable, addr)
	} else {
		m.unreachable[addr] = true
	}

	fn := m.onChange
	m.mu.Unlock()

	if fn != nil {
		fn(addr, reachable)
	}
}
