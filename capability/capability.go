// Package capability implements the capability half of C3: typed,
// rights-bearing handles that replace integer file descriptors entirely
// (spec.md §9 "Typed capabilities replacing file descriptors"). Grounded
// on the teacher's opcode-indexed dispatch idiom (sqe.go resolves an fd
// through the kernel before touching it) generalized to a type-tagged,
// per-process table instead of a raw integer.
package capability

import (
	"sync"

	"github.com/okernel/vkernel/internal/sys"
)

// Kind tags what a capability's referent actually is, making type
// confusion at the dispatch boundary a compile-time-checked switch
// instead of an untyped integer comparison.
type Kind uint8

const (
	KindFile Kind = iota
	KindSocket
	KindBuffer
	KindRing
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "File"
	case KindSocket:
		return "Socket"
	case KindBuffer:
		return "Buffer"
	case KindRing:
		return "Ring"
	default:
		return "Unknown"
	}
}

// Rights is a bitmask; spec.md §3 enumerates at least these plus
// domain-specific rights.
type Rights uint32

const (
	Read Rights = 1 << iota
	Write
	Seek
	Map
	Dup
	Transfer
	Close
	Register // domain-specific: allowed to be used as a RegisterBuffer referent
)

// Subset reports whether r is a subset of other — the only relation
// spec.md permits between a duplicated capability's rights and its source.
func (r Rights) Subset(other Rights) bool {
	return r&^other == 0
}

// ID is the opaque per-process capability identifier. IDs are never
// correlated between processes (spec.md §9).
type ID uint64

// entry is one slot of a process's capability table.
type entry struct {
	kind       Kind
	rights     Rights
	referent   any
	generation uint64
	revoked    bool
}

// Table is a per-process mapping from ID to a tagged, rights-bearing
// entry. Never shared between processes; spec.md §5 "the per-process
// kernel stack and capability table are never shared".
type Table struct {
	mu      sync.Mutex
	entries map[ID]*entry
	nextID  ID
}

// NewTable returns an empty capability table for a newly created process.
func NewTable() *Table {
	return &Table{entries: map[ID]*entry{}}
}

// Install atomically allocates a new capability id bound to kind/rights/referent.
func (t *Table) Install(kind Kind, rights Rights, referent any) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.entries[id] = &entry{kind: kind, rights: rights, referent: referent}
	return id
}

// Lookup resolves id, failing with a typed error if it is absent, the
// wrong kind, or lacking a required right. requiredRights may be 0 to
// skip the rights check (e.g. a bare existence probe).
func (t *Table) Lookup(id ID, requiredKind Kind, requiredRights Rights) (Kind, Rights, any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return 0, 0, nil, sys.NewError(sys.ErrInvalidCapability)
	}
	if e.revoked {
		return 0, 0, nil, sys.NewError(sys.ErrCapabilityRevoked)
	}
	if e.kind != requiredKind {
		return 0, 0, nil, sys.NewError(sys.ErrWrongCapabilityType)
	}
	if requiredRights != 0 && e.rights&requiredRights != requiredRights {
		return 0, 0, nil, sys.NewError(sys.ErrInsufficientRights)
	}
	return e.kind, e.rights, e.referent, nil
}

// Duplicate installs a new id aliasing id's referent with newRights,
// which must be a subset of id's current rights (spec.md §3/§4.3).
func (t *Table) Duplicate(id ID, newRights Rights) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return 0, sys.NewError(sys.ErrInvalidCapability)
	}
	if e.revoked {
		return 0, sys.NewError(sys.ErrCapabilityRevoked)
	}
	if !newRights.Subset(e.rights) {
		return 0, sys.NewError(sys.ErrInsufficientRights)
	}

	t.nextID++
	newID := t.nextID
	t.entries[newID] = &entry{kind: e.kind, rights: newRights, referent: e.referent}
	return newID, nil
}

// Revoke marks id's entry invalid; future lookups fail, but outstanding
// operations that already hold the referent (copied out of Lookup's
// return) complete normally (spec.md §4.3 "Ownership").
func (t *Table) Revoke(id ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return sys.NewError(sys.ErrInvalidCapability)
	}
	if e.revoked {
		return sys.NewError(sys.ErrCapabilityRevoked)
	}
	e.revoked = true
	e.generation++
	e.referent = nil
	return nil
}

// RevokeAll walks the table and revokes every live capability — called
// on process termination (spec.md §4.3 "Ownership").
func (t *Table) RevokeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if !e.revoked {
			e.revoked = true
			e.generation++
			e.referent = nil
		}
	}
}

// Len returns the number of entries ever installed (live or revoked),
// useful for diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
