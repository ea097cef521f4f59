// Package concurrency provides the lock-free primitives the allocator core
// builds on: atomic compare-and-swap helpers and an ABA-safe LIFO used for
// the descriptor free list and each size class's partial queue.
package concurrency

import (
	"sync/atomic"

	"github.com/arcfault/pralloc/internal/stm"
)

// RetryMax bounds how many times a LIFO operation attempts the transactional
// path before falling back to a tagged-pointer CAS loop.
const RetryMax = 1024

// Node is a minimal standalone LIFO element: a single link to the next
// element. Descriptors don't embed this directly — they carry two separate
// link fields (one for the free-descriptor list, one for a size class's
// partial queue) and expose each through its own nextFn accessor — but Node is the
// natural element type for simpler single-linkage stacks.
type Node struct {
	next atomic.Pointer[Node]
}

// NextPtr exposes Node's own link field, usable directly as a LIFO's
// nextFn: NewLIFO[*Node]((*Node).NextPtr).
func (n *Node) NextPtr() *atomic.Pointer[Node] { return &n.next }

// LIFO is an ABA-safe, unbounded last-in-first-out stack over elements of
// type T (normally a pointer type, e.g. *Node or *Descriptor). The zero
// value is not usable; construct with NewLIFO. Elements are provided and
// owned by the caller (typically a descriptor already living in persistent
// memory); LIFO never allocates.
//
// LIFO doesn't require T to implement any particular linkage interface;
// instead the caller supplies nextFn, the accessor for whichever link field
// this LIFO threads elements through. This lets a single element type (e.g.
// Descriptor) participate in two unrelated LIFOs at once — the
// free-descriptor list and a size class's partial queue — each threading a
// different field, without the two ever interfering.
//
// Two independent strategies satisfy the ABA-safety requirement. The primary
// path runs the push/pop as a bounded-retry software transaction against a
// single versioned head (package stm): each attempt reads the head, computes
// the new head, and commits, retrying on conflict. After RetryMax aborted
// attempts it falls back to TVar.CompareAndSwapVersion, a raw version-gated
// CAS whose version counter doubles as the tagged-pointer ABA guard. Both
// paths share the same underlying TVar, so they can never observe divergent
// state.
type LIFO[T comparable] struct {
	head      *stm.TVar[T]
	loadNext  func(T) T
	storeNext func(n, next T)

	onWrite func(T) // durability hook: flush+fence after each successful head write
}

// NewLIFO returns an empty LIFO threading elements through the link field
// nextFn points at.
func NewLIFO[T ~*E, E any](nextFn func(T) *atomic.Pointer[E]) *LIFO[T] {
	var zero T
	return &LIFO[T]{
		head:      stm.NewTVar[T](zero),
		loadNext:  func(n T) T { return T(nextFn(n).Load()) },
		storeNext: func(n, next T) { nextFn(n).Store((*E)(next)) },
	}
}

// SetDurabilityHook installs a callback invoked with the new head after every
// successful Push/Pop write, so the durability layer can flush+fence it
// before the operation returns. A nil hook (the default) disables flushing,
// appropriate for the volatile test substrate.
func (l *LIFO[T]) SetDurabilityHook(fn func(T)) { l.onWrite = fn }

func (l *LIFO[T]) flush(n T) {
	if l.onWrite != nil {
		l.onWrite(n)
	}
}

// Push installs n as the new head.
func (l *LIFO[T]) Push(n T) { l.PushChain(n, n) }

// PushChain installs a pre-linked chain of elements running from head to
// tail (tail.next already pointing at head's eventual predecessors, or the
// zero value if head == tail) as the new top of the stack in one swap: tail's
// next link is set to the prior head, and the LIFO's head becomes head. This
// lets a caller that built a whole chain in one go swap the entire chain in
// without a per-element push loop racing concurrent Push/Pop callers.
func (l *LIFO[T]) PushChain(head, tail T) {
	err := stm.Run[T](RetryMax, func(tx *stm.Txn[T]) error {
		old := tx.Read(l.head)
		l.storeNext(tail, old)
		tx.Write(l.head, head)
		return nil
	})
	if err == nil {
		l.flush(head)
		return
	}
	// Fallback: the transactional path aborted RetryMax times in a row under
	// contention. Close the ABA window with a direct, version-gated CAS on
	// the same TVar instead of continuing to retry transactionally.
	for {
		old, ver := l.head.PeekVersioned()
		l.storeNext(tail, old)
		if l.head.CompareAndSwapVersion(ver, head) {
			l.flush(head)
			return
		}
	}
}

// Pop removes and returns the head, or the zero value of T if the LIFO is
// empty. Pop never blocks.
func (l *LIFO[T]) Pop() T {
	var popped, newHead T
	err := stm.Run[T](RetryMax, func(tx *stm.Txn[T]) error {
		old := tx.Read(l.head)
		var zero T
		if old == zero {
			popped, newHead = zero, zero
			return nil
		}
		next := l.loadNext(old)
		tx.Write(l.head, next)
		popped, newHead = old, next
		return nil
	})
	if err == nil {
		var zero T
		if popped != zero {
			l.flush(newHead)
		}
		return popped
	}
	var zero T
	for {
		old, ver := l.head.PeekVersioned()
		if old == zero {
			return zero
		}
		next := l.loadNext(old)
		if l.head.CompareAndSwapVersion(ver, next) {
			l.flush(next)
			return old
		}
	}
}

// Tag returns the head TVar's monotonic version counter, which never
// decreases across successful writes from either Push/Pop path.
func (l *LIFO[T]) Tag() uint64 { return l.head.Version() }
