// Package registry tracks the liveness of every handle the layer hands out.
//
// Handles are entries in an arena keyed by ID. A derived handle is
// registered against its parents: the parent's counter for the child's kind
// is incremented first, and only then is the parent's state checked, so a
// parent that is concurrently retiring either sees the reference or the
// child backs out. Validity is always decided by lookup; nothing holds a
// pointer to a parent's state.
//
// Entry lifecycle:
//
//	live -> closing -> dead
//	          |
//	          +-> live   (retire refused while guarded references remain)
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ID identifies an entry. Zero is never issued.
type ID uint64

// Kind is the kind of handle an entry stands for.
type Kind uint8

const (
	KindDB Kind = iota
	KindColumnFamily
	KindHandle
	KindSnapshot
	KindIterator
	KindWriter

	numKinds
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindDB:
		return "db"
	case KindColumnFamily:
		return "column family"
	case KindHandle:
		return "column family handle"
	case KindSnapshot:
		return "snapshot"
	case KindIterator:
		return "iterator"
	case KindWriter:
		return "writer"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// State is the lifecycle state of an entry.
type State int32

const (
	StateLive State = iota
	StateClosing
	StateDead
)

var (
	// ErrNotLive is returned when an entry is missing, closing or dead.
	ErrNotLive = errors.New("registry: handle is not live")

	// ErrRetiring is returned when another goroutine is retiring the entry.
	ErrRetiring = errors.New("registry: handle is being closed")
)

// InUseError reports the live references that prevented a retire.
type InUseError struct {
	Kind   Kind
	Label  string
	Counts map[Kind]int64
}

func (e *InUseError) Error() string {
	kinds := make([]Kind, 0, len(e.Counts))
	for k := range e.Counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", e.Counts[k], k))
	}
	return fmt.Sprintf("%s %q in use: %s live", e.Kind, e.Label, strings.Join(parts, ", "))
}

// Entry is one registered handle.
type Entry struct {
	id      ID
	kind    Kind
	label   string
	parents []ID
	state   atomic.Int32
	refs    [numKinds]atomic.Int64
}

// ID returns the entry id.
func (e *Entry) ID() ID { return e.id }

// Kind returns the entry kind.
func (e *Entry) Kind() Kind { return e.kind }

// Label returns the label given at registration.
func (e *Entry) Label() string { return e.label }

// State returns the current lifecycle state.
func (e *Entry) State() State { return State(e.state.Load()) }

// Refs returns the number of live children of the given kind.
func (e *Entry) Refs(k Kind) int64 { return e.refs[k].Load() }

// Registry is the handle arena. It is safe for concurrent use.
type Registry struct {
	entries *xsync.MapOf[ID, *Entry]
	next    atomic.Uint64
	live    [numKinds]atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: xsync.NewMapOf[ID, *Entry]()}
}

// Register adds a live entry whose liveness counts against each parent.
// It fails with ErrNotLive if any parent is missing or not live.
func (r *Registry) Register(kind Kind, label string, parents ...ID) (ID, error) {
	pinned := make([]*Entry, 0, len(parents))
	for _, pid := range parents {
		p, ok := r.entries.Load(pid)
		if !ok {
			r.unpin(pinned, kind)
			return 0, fmt.Errorf("%w: parent %d", ErrNotLive, pid)
		}
		p.refs[kind].Add(1)
		pinned = append(pinned, p)
		if p.State() != StateLive {
			r.unpin(pinned, kind)
			return 0, fmt.Errorf("%w: %s %q", ErrNotLive, p.kind, p.label)
		}
	}

	e := &Entry{
		id:      ID(r.next.Add(1)),
		kind:    kind,
		label:   label,
		parents: append([]ID(nil), parents...),
	}
	r.entries.Store(e.id, e)
	r.live[kind].Add(1)
	return e.id, nil
}

func (r *Registry) unpin(pinned []*Entry, kind Kind) {
	for _, p := range pinned {
		p.refs[kind].Add(-1)
	}
}

// Lookup returns the entry for id, if it has not been removed.
func (r *Registry) Lookup(id ID) (*Entry, bool) {
	return r.entries.Load(id)
}

// Live reports whether every id names a live entry.
func (r *Registry) Live(ids ...ID) bool {
	for _, id := range ids {
		e, ok := r.entries.Load(id)
		if !ok || e.State() != StateLive {
			return false
		}
	}
	return true
}

// Check returns ErrNotLive unless every id names a live entry.
func (r *Registry) Check(ids ...ID) error {
	for _, id := range ids {
		e, ok := r.entries.Load(id)
		if !ok {
			return ErrNotLive
		}
		if e.State() != StateLive {
			return fmt.Errorf("%w: %s %q", ErrNotLive, e.kind, e.label)
		}
	}
	return nil
}

// Release removes an entry and drops its references on its parents.
// Releasing an unknown or already released entry is a no-op; the result
// reports whether this call did the release.
func (r *Registry) Release(id ID) bool {
	e, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	e.state.Store(int32(StateDead))
	r.drop(e)
	return true
}

func (r *Registry) drop(e *Entry) {
	for _, pid := range e.parents {
		if p, ok := r.entries.Load(pid); ok {
			p.refs[e.kind].Add(-1)
		}
	}
	r.live[e.kind].Add(-1)
}

// Invalidate marks an entry dead without removing it, so lookups fail
// while the entry keeps its own references on its parents. Children that
// still reference it must be released normally.
func (r *Registry) Invalidate(id ID) {
	if e, ok := r.entries.Load(id); ok {
		e.state.Store(int32(StateDead))
	}
}

// BeginRetire moves a live entry to closing if none of the guarded
// counters is positive. On refusal the entry stays live and the error is an
// *InUseError. A successful BeginRetire must be followed by FinishRetire or
// AbortRetire.
func (r *Registry) BeginRetire(id ID, guards ...Kind) error {
	e, ok := r.entries.Load(id)
	if !ok {
		return ErrNotLive
	}
	if !e.state.CompareAndSwap(int32(StateLive), int32(StateClosing)) {
		if e.State() == StateClosing {
			return ErrRetiring
		}
		return ErrNotLive
	}

	var counts map[Kind]int64
	for _, k := range guards {
		if n := e.refs[k].Load(); n > 0 {
			if counts == nil {
				counts = make(map[Kind]int64)
			}
			counts[k] = n
		}
	}
	if counts != nil {
		e.state.Store(int32(StateLive))
		return &InUseError{Kind: e.kind, Label: e.label, Counts: counts}
	}
	return nil
}

// AbortRetire returns a closing entry to live.
func (r *Registry) AbortRetire(id ID) {
	if e, ok := r.entries.Load(id); ok {
		e.state.CompareAndSwap(int32(StateClosing), int32(StateLive))
	}
}

// FinishRetire releases a closing entry.
func (r *Registry) FinishRetire(id ID) {
	r.Release(id)
}

// Retire is BeginRetire followed by FinishRetire.
func (r *Registry) Retire(id ID, guards ...Kind) error {
	if err := r.BeginRetire(id, guards...); err != nil {
		return err
	}
	r.FinishRetire(id)
	return nil
}

// LiveCount returns the number of registered entries of a kind.
func (r *Registry) LiveCount(k Kind) int64 {
	return r.live[k].Load()
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	return r.entries.Size()
}
