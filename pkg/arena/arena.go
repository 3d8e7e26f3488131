// Package arena provides a slot allocator with free-list reuse. Every slot
// carries a generation counter that is bumped when the slot is freed, so a
// Handle taken before a free never aliases the slot's next occupant.
//
// An Arena is not safe for concurrent use; owners guard it with their own
// lock.
package arena

// Handle addresses one allocation.
type Handle struct {
	Index uint32
	Gen   uint32
}

type slot[T any] struct {
	val  T
	gen  uint32
	used bool
}

// Arena stores values of type T in reusable slots.
type Arena[T any] struct {
	slots []*slot[T]
	free  []uint32
	live  int
}

// Alloc returns a zeroed slot, reusing the most recently freed one first.
func (a *Arena[T]) Alloc() (Handle, *T) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, &slot[T]{})
	}
	s := a.slots[idx]
	var zero T
	s.val = zero
	s.used = true
	a.live++
	return Handle{Index: idx, Gen: s.gen}, &s.val
}

// Free releases the slot at index. It returns false if the slot was not in
// use.
func (a *Arena[T]) Free(index uint32) bool {
	if a.IsFree(index) {
		return false
	}
	s := a.slots[index]
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	a.free = append(a.free, index)
	a.live--
	return true
}

// IsFree reports whether index does not address a live slot.
func (a *Arena[T]) IsFree(index uint32) bool {
	return int(index) >= len(a.slots) || !a.slots[index].used
}

// Get resolves a handle, failing if the slot was freed since the handle was
// issued.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if a.IsFree(h.Index) {
		return nil, false
	}
	s := a.slots[h.Index]
	if s.gen != h.Gen {
		return nil, false
	}
	return &s.val, true
}

// At resolves a raw index, as stored in a hash index, to the live value and
// its current handle.
func (a *Arena[T]) At(index uint32) (*T, Handle, bool) {
	if a.IsFree(index) {
		return nil, Handle{}, false
	}
	s := a.slots[index]
	return &s.val, Handle{Index: index, Gen: s.gen}, true
}

// Len returns the number of live slots.
func (a *Arena[T]) Len() int {
	return a.live
}

// Cap returns the number of slots ever allocated.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Walk calls fn for each live slot in index order until fn returns false.
func (a *Arena[T]) Walk(fn func(Handle, *T) bool) {
	for i, s := range a.slots {
		if !s.used {
			continue
		}
		if !fn(Handle{Index: uint32(i), Gen: s.gen}, &s.val) {
			return
		}
	}
}
