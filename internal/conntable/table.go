// Package conntable holds the per-instance connection table: every open
// socket owned by this instance, keyed by connection id, together with its
// classification. It is the only place connection state is mutated locally;
// cross-instance visibility is handled by the registry package.
package conntable

import (
	"errors"
	"hash/fnv"
	"sync"
)

// Role classifies a connection. A connection starts Unclassified and moves to
// Sender or Observer exactly once; the transition is not revocable.
type Role uint8

const (
	RoleUnclassified Role = iota
	RoleSender
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleObserver:
		return "observer"
	default:
		return "unclassified"
	}
}

// ErrAlreadyClassified is returned by Classify when a role was already set.
// The existing role is left unchanged.
var ErrAlreadyClassified = errors.New("connection already classified")

// ErrCapacityExceeded is returned by Handle.Send when the connection's
// outbound buffer is full. The push is dropped; the connection stays open.
var ErrCapacityExceeded = errors.New("outbound buffer full")

// Handle is the table's view of one physical connection. Send must not
// block: implementations queue into a bounded buffer and return
// ErrCapacityExceeded when it is full.
type Handle interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type entry struct {
	handle Handle
	role   Role
}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Table is a sharded map from connection id to handle + role. Sharding keeps
// observer lookups during broadcast fan-out from serializing behind
// unrelated connection churn on other shards.
type Table struct {
	shards [shardCount]*shard
}

func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return t
}

func (t *Table) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return t.shards[h.Sum32()%shardCount]
}

// Register adds a connection in the Unclassified state. Registering an id
// twice replaces the previous entry; ids are process-unique so this only
// happens if the caller reuses one.
func (t *Table) Register(id string, h Handle) {
	s := t.shardFor(id)
	s.mu.Lock()
	s.entries[id] = &entry{handle: h, role: RoleUnclassified}
	s.mu.Unlock()
}

// Classify sets the connection's role. It succeeds exactly once per
// connection; later attempts fail with ErrAlreadyClassified and leave the
// role untouched. Classifying an unknown id is a no-op returning nil so the
// caller does not race its own Remove.
func (t *Table) Classify(id string, role Role) error {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	if e.role != RoleUnclassified {
		return ErrAlreadyClassified
	}
	e.role = role
	return nil
}

// Role reports the current classification of id. Unknown ids report
// RoleUnclassified.
func (t *Table) Role(id string) Role {
	s := t.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return e.role
	}
	return RoleUnclassified
}

// Observers returns a snapshot of this instance's observer handles. Each
// handle appears at most once, and a handle whose Remove completed before
// the call began is never included. The slice is owned by the caller.
func (t *Table) Observers() []Handle {
	out := make([]Handle, 0, 32)
	for _, s := range t.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if e.role == RoleObserver {
				out = append(out, e.handle)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ObserverIDs returns the ids of this instance's observer connections. Used
// by the registry heartbeat loop to know which records to renew.
func (t *Table) ObserverIDs() []string {
	out := make([]string, 0, 32)
	for _, s := range t.shards {
		s.mu.RLock()
		for id, e := range s.entries {
			if e.role == RoleObserver {
				out = append(out, id)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// All returns a snapshot of every registered handle regardless of role.
// The shutdown drain uses it to notify and close local connections.
func (t *Table) All() []Handle {
	out := make([]Handle, 0, 64)
	for _, s := range t.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e.handle)
		}
		s.mu.RUnlock()
	}
	return out
}

// Remove deletes the connection and reports the role it held, so the caller
// knows whether a registry withdraw is due. Idempotent: removing an unknown
// id reports RoleUnclassified and false.
func (t *Table) Remove(id string) (Role, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return RoleUnclassified, false
	}
	delete(s.entries, id)
	return e.role, true
}

// Len reports the number of registered connections.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
