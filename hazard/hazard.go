// Package hazard implements a hazard-pointer based safe-reclamation domain,
// used by the lock-free queue to protect nodes from being recycled while a
// concurrent goroutine still holds a reference to them.
//
// The shared state is a single, append-only, lock-free singly linked list of
// entries. Each entry is either inactive (free for any goroutine to claim)
// or active-and-owned, in which case its hazardous flag tells every other
// goroutine "do not reclaim the pointer this entry protects". Reclamation is
// opportunistic and batched: a goroutine accumulates pointers it wants to
// recycle in a local deletion list, and only pays the O(entries) cost of a
// scan once that list crosses a threshold.
//
// Go has no stable thread-local storage, so the per-goroutine deletion and
// protected lists that the original design keeps in TLS are instead made
// explicit: a goroutine obtains a *Local once (typically for its entire
// lifetime, e.g. once per worker) and passes it to every call.
package hazard

import (
	"sync/atomic"
)

// DefaultGCThreshold is the number of locally-retired pointers a goroutine
// accumulates before it performs a scan pass, absent an explicit override.
const DefaultGCThreshold = 24

// entry is one node of the shared, append-only hazard-pointer list.
type entry[T any] struct {
	// value is the address currently protected by this entry, valid only
	// while active is true.
	value atomic.Pointer[T]
	// active marks the entry as claimed by some goroutine.
	active atomic.Bool
	// hazardous is the owning goroutine's assertion that value must not be
	// reclaimed by anyone else right now.
	hazardous atomic.Bool
	// next links to the following entry; the list is never shortened.
	next atomic.Pointer[entry[T]]
}

// Domain is the shared hazard-pointer state for one class of protected
// pointers (in practice, one per queue instantiation). The zero value is not
// usable; construct with NewDomain.
type Domain[T any] struct {
	// head is a permanent sentinel entry, never itself active.
	head *entry[T]
	tail atomic.Pointer[entry[T]]

	gcThreshold atomic.Int64

	// reclaim, if non-nil, is invoked (instead of letting the garbage
	// collector take the pointer) when a retired value is confirmed safe to
	// recycle. Typically returns the node to a sync.Pool freelist.
	reclaim func(*T)
}

// NewDomain constructs an empty hazard-pointer domain. reclaim may be nil,
// in which case retired pointers are simply dropped (and left for the Go
// garbage collector to free in the usual way) once confirmed non-hazardous.
func NewDomain[T any](reclaim func(*T)) *Domain[T] {
	d := &Domain[T]{reclaim: reclaim}
	d.gcThreshold.Store(DefaultGCThreshold)
	sentinel := &entry[T]{}
	d.head = sentinel
	d.tail.Store(sentinel)
	return d
}

// SetGCThreshold mutates the amortisation parameter controlling how many
// locally-retired pointers accumulate before a scan pass runs. n <= 0 is
// treated as 1 (scan on every retire).
func (d *Domain[T]) SetGCThreshold(n int) {
	if n <= 0 {
		n = 1
	}
	d.gcThreshold.Store(int64(n))
}

// Record is a handle returned by Acquire, protecting a single pointer value
// until SetSafe or Release is called.
type Record[T any] struct {
	e *entry[T]
}

// Get returns the pointer currently protected by this record.
func (r Record[T]) Get() *T {
	if r.e == nil {
		return nil
	}
	return r.e.value.Load()
}

// SetHazardous asserts that the pointer currently protected by r must not be
// reclaimed by any other goroutine, and returns the pointer r currently
// protects. It does not re-read the location the pointer was loaded from:
// callers of the lock-free queue re-load that location themselves after
// this call to detect a concurrent change and retry.
func (r Record[T]) SetHazardous() *T {
	r.e.hazardous.Store(true)
	return r.e.value.Load()
}

// SetSafe clears the hazardous flag, without releasing ownership of the
// entry itself (the entry remains active until Release is called).
func (r Record[T]) SetSafe() {
	r.e.hazardous.Store(false)
}

// Release returns the entry to the inactive pool, making it available for
// reuse by Acquire. The caller must have already called SetSafe (Release
// does so defensively regardless).
func (r Record[T]) Release() {
	if r.e == nil {
		return
	}
	r.e.hazardous.Store(false)
	r.e.value.Store(nil)
	r.e.active.Store(false)
}

// Local holds one goroutine's deletion list (values retired but not yet
// confirmed reclaimable) and a scratch protected-list buffer reused across
// scans. The zero value is ready to use; a Local must never be shared
// between concurrently-running goroutines.
type Local[T any] struct {
	deletion  []Record[T]
	protected map[*T]struct{}
}

// NewLocal allocates a Local handle for one goroutine's exclusive use.
func NewLocal[T any]() *Local[T] {
	return &Local[T]{protected: make(map[*T]struct{})}
}

// Pending reports how many retired pointers are currently buffered in l,
// awaiting a scan pass.
func (l *Local[T]) Pending() int {
	return len(l.deletion)
}

// ActiveEntries returns the number of entries in the shared list currently
// claimed by some goroutine (active, whether or not still hazardous).
// Intended for diagnostics and tests: a domain with every Local flushed and
// every acquired Record released should report zero.
func (d *Domain[T]) ActiveEntries() int {
	n := 0
	for e := d.head.next.Load(); e != nil; e = e.next.Load() {
		if e.active.Load() {
			n++
		}
	}
	return n
}

// Acquire returns a Record protecting ptr, claiming an existing inactive
// entry from the shared list when one is available, and otherwise appending
// a fresh entry using a Michael-Scott style two-step CAS.
func (d *Domain[T]) Acquire(ptr *T) Record[T] {
	for e := d.head.next.Load(); e != nil; e = e.next.Load() {
		if e.active.CompareAndSwap(false, true) {
			e.value.Store(ptr)
			e.hazardous.Store(false)
			return Record[T]{e: e}
		}
	}

	n := &entry[T]{}
	n.active.Store(true)
	n.value.Store(ptr)

	for {
		last := d.tail.Load()
		next := last.next.Load()
		if next == nil {
			if last.next.CompareAndSwap(nil, n) {
				d.tail.CompareAndSwap(last, n)
				return Record[T]{e: n}
			}
		} else {
			d.tail.CompareAndSwap(last, next)
		}
	}
}

// Retire appends rec onto the goroutine-local deletion list in local,
// running a scan pass (see Flush) once the list exceeds the domain's GC
// threshold. Retire releases rec's entry (marking it inactive) only once
// the scan confirms the pointer is no longer hazardous to anyone.
func (d *Domain[T]) Retire(local *Local[T], rec Record[T]) {
	local.deletion = append(local.deletion, rec)
	if int64(len(local.deletion)) > d.gcThreshold.Load() {
		d.scan(local)
	}
}

// Flush unconditionally runs a scan pass over local's deletion list.
func (d *Domain[T]) Flush(local *Local[T]) {
	d.scan(local)
}

// scan snapshots the shared hazardous set, then reclaims every locally
// retired pointer absent from that snapshot. Pointers still hazardous are
// kept on the deletion list for a future pass.
func (d *Domain[T]) scan(local *Local[T]) {
	if local.protected == nil {
		local.protected = make(map[*T]struct{})
	}
	for k := range local.protected {
		delete(local.protected, k)
	}
	for e := d.head.next.Load(); e != nil; e = e.next.Load() {
		if e.active.Load() && e.hazardous.Load() {
			if p := e.value.Load(); p != nil {
				local.protected[p] = struct{}{}
			}
		}
	}

	remaining := local.deletion[:0]
	for _, rec := range local.deletion {
		p := rec.Get()
		if _, hot := local.protected[p]; hot {
			remaining = append(remaining, rec)
			continue
		}
		if d.reclaim != nil {
			d.reclaim(p)
		}
		rec.Release()
	}
	local.deletion = remaining
}
