package keyspace

import "fmt"

// MaxBits bounds M so that every id, and the sum of two ids, fits in a uint64.
const MaxBits = 62

// KeySpace is the circular identifier space [0, 2^M).
// It is an immutable value shared by every node of a simulation.
type KeySpace struct {
	m    int
	size uint64
}

// New returns the key space of 2^m identifiers.
func New(m int) (KeySpace, error) {
	if m <= 0 || m > MaxBits {
		return KeySpace{}, fmt.Errorf("M must be between 1 and %d, got %d", MaxBits, m)
	}
	return KeySpace{m: m, size: uint64(1) << uint(m)}, nil
}

// MustNew is New for constant arguments; it panics on an invalid m.
func MustNew(m int) KeySpace {
	ks, err := New(m)
	if err != nil {
		panic(err)
	}
	return ks
}

// Bits returns M.
func (k KeySpace) Bits() int {
	return k.m
}

// Size returns 2^M, the number of identifiers on the ring.
func (k KeySpace) Size() uint64 {
	return k.size
}

// MaxID returns the largest valid identifier (2^M - 1).
func (k KeySpace) MaxID() uint64 {
	return k.size - 1
}

// IsValidID checks if id is within [0, 2^M).
func (k KeySpace) IsValidID(id uint64) bool {
	return id < k.size
}

// Mod reduces x onto the ring.
func (k KeySpace) Mod(x uint64) uint64 {
	return x & (k.size - 1)
}

// Distance computes the clockwise distance from start to end.
// Returns (end - start) mod 2^M.
func (k KeySpace) Distance(start, end uint64) uint64 {
	return k.Mod(k.Mod(end) + k.size - k.Mod(start))
}

// AddPowerOfTwo computes (n + 2^exponent) mod 2^M, the start of finger[exponent].
func (k KeySpace) AddPowerOfTwo(n uint64, exponent int) uint64 {
	if exponent < 0 || exponent >= k.m {
		return k.Mod(n)
	}
	return k.Mod(k.Mod(n) + uint64(1)<<uint(exponent))
}

// InRange checks if id is in (start, end] on the ring.
// When start == end the interval is the whole ring except start.
//
// Examples on a ring of 16:
//   - InRange(5, 3, 7)  = true
//   - InRange(3, 3, 7)  = false
//   - InRange(7, 3, 7)  = true
//   - InRange(1, 12, 3) = true
func (k KeySpace) InRange(id, start, end uint64) bool {
	d := k.Distance(start, id)
	span := k.Distance(start, end)
	if span == 0 {
		return d != 0
	}
	return d != 0 && d <= span
}

// Between checks if id is in (start, end), exclusive on both ends.
// When start == end the interval is the whole ring except start.
func (k KeySpace) Between(id, start, end uint64) bool {
	d := k.Distance(start, id)
	span := k.Distance(start, end)
	if span == 0 {
		return d != 0
	}
	return d != 0 && d < span
}

// KeyRange is the number of keys owned by a node given its predecessor:
// the keys in (pred, self]. A node that is its own predecessor owns the ring.
func (k KeySpace) KeyRange(pred, self uint64) uint64 {
	d := k.Distance(pred, self)
	if d == 0 {
		return k.size
	}
	return d
}

// String implements fmt.Stringer.
func (k KeySpace) String() string {
	return fmt.Sprintf("KeySpace{M: %d, Size: %d}", k.m, k.size)
}
