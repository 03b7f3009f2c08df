// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"math"
	"sort"
)

// InvalidID is never allocated.
const InvalidID uint32 = 0

type idRange struct {
	first, last uint32
}

// IDAllocator tracks used resource IDs as sorted, non-adjacent ranges and
// hands out the lowest free IDs. ID 0 is reserved.
//
// IDAllocator is not safe for concurrent use.
type IDAllocator struct {
	used []idRange
}

// NewIDAllocator creates an allocator with only ID 0 reserved.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{used: []idRange{{0, 0}}}
}

// AllocateID returns the lowest free ID, or InvalidID when exhausted.
func (a *IDAllocator) AllocateID() uint32 {
	return a.AllocateIDRange(1)
}

// AllocateIDRange returns the first of n consecutive free IDs placed in the
// lowest gap that fits, or InvalidID when none does.
func (a *IDAllocator) AllocateIDRange(n uint32) uint32 {
	if n == 0 {
		return InvalidID
	}
	i := 0
	for ; i+1 < len(a.used); i++ {
		if a.used[i+1].first-a.used[i].last > n {
			break
		}
	}
	first := a.used[i].last + 1
	last := first + n - 1
	if first == 0 || last < first {
		return InvalidID
	}
	a.used[i].last = last
	a.mergeNext(i)
	return first
}

// AllocateIDAtOrAbove returns the lowest free ID not below desired.
func (a *IDAllocator) AllocateIDAtOrAbove(desired uint32) uint32 {
	if desired <= 1 {
		return a.AllocateID()
	}
	i := a.rangeAtOrBefore(desired)
	r := a.used[i]
	if desired > r.last {
		// desired is free. Extend the lower range when adjacent.
		if desired == r.last+1 {
			a.used[i].last = desired
			a.mergeNext(i)
			return desired
		}
		a.insert(i+1, idRange{desired, desired})
		a.mergeNext(i + 1)
		return desired
	}
	// desired is used: take the first ID after this range.
	if r.last == math.MaxUint32 {
		return InvalidID
	}
	id := r.last + 1
	a.used[i].last = id
	a.mergeNext(i)
	return id
}

// MarkAsUsed marks id as used. It returns false when id was already used.
func (a *IDAllocator) MarkAsUsed(id uint32) bool {
	if id == InvalidID {
		return false
	}
	i := a.rangeAtOrBefore(id)
	r := a.used[i]
	if id <= r.last {
		return false
	}
	if id == r.last+1 {
		a.used[i].last = id
		a.mergeNext(i)
		return true
	}
	a.insert(i+1, idRange{id, id})
	a.mergeNext(i + 1)
	return true
}

// FreeID releases id. Freeing an unused ID or InvalidID is a no-op.
func (a *IDAllocator) FreeID(id uint32) {
	a.FreeIDRange(id, 1)
}

// FreeIDRange releases [first, first+n).
func (a *IDAllocator) FreeIDRange(first, n uint32) {
	if n == 0 {
		return
	}
	if first == InvalidID {
		first++
		n--
		if n == 0 {
			return
		}
	}
	last := first + n - 1
	if last < first {
		last = math.MaxUint32
	}

	out := a.used[:0:0]
	for _, r := range a.used {
		if r.last < first || r.first > last {
			out = append(out, r)
			continue
		}
		if r.first < first {
			out = append(out, idRange{r.first, first - 1})
		}
		if r.last > last {
			out = append(out, idRange{last + 1, r.last})
		}
	}
	a.used = out
}

// InUse reports whether id is used. InvalidID is always reported used.
func (a *IDAllocator) InUse(id uint32) bool {
	r := a.used[a.rangeAtOrBefore(id)]
	return id <= r.last
}

// rangeAtOrBefore returns the index of the last range starting at or below
// id. Range 0 always starts at 0.
func (a *IDAllocator) rangeAtOrBefore(id uint32) int {
	return sort.Search(len(a.used), func(i int) bool { return a.used[i].first > id }) - 1
}

func (a *IDAllocator) insert(i int, r idRange) {
	a.used = append(a.used, idRange{})
	copy(a.used[i+1:], a.used[i:])
	a.used[i] = r
}

// mergeNext joins range i with its successor when they touch.
func (a *IDAllocator) mergeNext(i int) {
	if i+1 < len(a.used) && a.used[i].last != math.MaxUint32 && a.used[i].last+1 >= a.used[i+1].first {
		a.used[i].last = max(a.used[i].last, a.used[i+1].last)
		a.used = append(a.used[:i+1], a.used[i+2:]...)
	}
}
