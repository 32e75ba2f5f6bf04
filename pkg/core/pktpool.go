package core

import "sync"

// Frame buffer pools for the common link MTUs. Only buffers that came from
// GetBuffer are put back (checked via capacity match).

const (
	bufSmall = 2048
	bufJumbo = 9216
	bufLarge = 16384
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolJumbo = sync.Pool{New: func() any { b := make([]byte, bufJumbo); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

// GetBuffer returns a slice of length n, pooled when n fits a pool class.
func GetBuffer(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufJumbo:
		p := poolJumbo.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

// PutBuffer returns b to its pool. Buffers not obtained from GetBuffer are
// left to the garbage collector.
func PutBuffer(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufJumbo:
		bb := b[:bufJumbo]
		poolJumbo.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}

// IsPooled reports whether a buffer originated from one of the pools.
func IsPooled(b []byte) bool {
	switch cap(b) {
	case bufSmall, bufJumbo, bufLarge:
		return true
	default:
		return false
	}
}
