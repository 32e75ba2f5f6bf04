// Package naming tracks which interface unit numbers are in use per
// name prefix.
package naming

import (
	"math"

	"github.com/irctrakz/ifstack/pkg/core"
)

// UnitAllocator keeps, per prefix, the live unit numbers sorted in
// descending order. It has no locking of its own; callers hold the
// lifecycle manager's naming lock.
type UnitAllocator struct {
	units map[string][]uint32
}

// NewUnitAllocator creates an empty allocator.
func NewUnitAllocator() *UnitAllocator {
	return &UnitAllocator{units: make(map[string][]uint32)}
}

// NextAvailable returns the smallest unit >= hint that is not in use.
//
// The slice is walked from its tail (the smallest unit) upward, so a gap
// below the smallest live unit is returned as well. The second result is
// false only when every unit from hint to MaxUint32 is taken.
func (a *UnitAllocator) NextAvailable(prefix string, hint uint32) (uint32, bool) {
	set := a.units[prefix]
	if len(set) == 0 {
		return hint, true
	}

	candidate := hint
	for i := len(set) - 1; i >= 0; i-- {
		u := set[i]
		if u < candidate {
			continue
		}
		if u > candidate {
			break
		}
		if candidate == math.MaxUint32 {
			return 0, false
		}
		candidate++
	}
	return candidate, true
}

// InUse reports whether unit is live for prefix.
func (a *UnitAllocator) InUse(prefix string, unit uint32) bool {
	_, found := a.search(prefix, unit)
	return found
}

// Reserve marks unit as live. Reserving a live unit fails with
// ErrCodeAlreadyExists and leaves the set untouched.
func (a *UnitAllocator) Reserve(prefix string, unit uint32) error {
	idx, found := a.search(prefix, unit)
	if found {
		return core.NewInterfaceError("reserve", prefix, int64(unit), core.ErrCodeAlreadyExists, "unit already reserved")
	}
	set := a.units[prefix]
	set = append(set, 0)
	copy(set[idx+1:], set[idx:])
	set[idx] = unit
	a.units[prefix] = set
	return nil
}

// Release removes unit from the live set and prunes an emptied prefix. It
// reports whether the unit was live.
func (a *UnitAllocator) Release(prefix string, unit uint32) bool {
	idx, found := a.search(prefix, unit)
	if !found {
		return false
	}
	set := a.units[prefix]
	set = append(set[:idx], set[idx+1:]...)
	if len(set) == 0 {
		delete(a.units, prefix)
	} else {
		a.units[prefix] = set
	}
	return true
}

// Units returns a copy of the live units for prefix, highest first.
func (a *UnitAllocator) Units(prefix string) []uint32 {
	set := a.units[prefix]
	if len(set) == 0 {
		return nil
	}
	return append([]uint32(nil), set...)
}

// Len returns the number of live units for prefix.
func (a *UnitAllocator) Len(prefix string) int {
	return len(a.units[prefix])
}

// Prefixes returns the number of prefixes with at least one live unit.
func (a *UnitAllocator) Prefixes() int {
	return len(a.units)
}

// search returns the insertion index for unit in the descending slice and
// whether it is already present.
func (a *UnitAllocator) search(prefix string, unit uint32) (int, bool) {
	set := a.units[prefix]
	for i, u := range set {
		if u == unit {
			return i, true
		}
		if u < unit {
			return i, false
		}
	}
	return len(set), false
}
