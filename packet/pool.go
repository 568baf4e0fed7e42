package packet

import "sync"

// Get and Put implement the "buffered packet" abstraction called for by
// spec.md §9 ("Packet slab allocator"): the source pools fixed-size slabs
// for performance; we keep the same externally-observable shape (ask for n
// bytes, get a buffer sized to hold them) backed by a small set of
// sync.Pool size classes instead of a hand-rolled slab allocator, which the
// design notes explicitly say is fair game for a reimplementation.
var classes = [...]int{32, 64, MaxControlPacketLen, 512, 1024}

var pools = func() [len(classes)]sync.Pool {
	var p [len(classes)]sync.Pool
	for i, sz := range classes {
		sz := sz
		p[i].New = func() any { return make([]byte, sz) }
	}
	return p
}()

// Get returns a zero-length-prefixed buffer of exactly n bytes. Buffers
// larger than the biggest size class are allocated directly and never
// pooled.
func Get(n int) []byte {
	for i, sz := range classes {
		if n <= sz {
			b := pools[i].Get().([]byte)
			return b[:n]
		}
	}
	return make([]byte, n)
}

// Put returns a buffer obtained from Get back to its size class. Passing a
// buffer not obtained from Get (or passing one twice) is a caller bug; Put
// is a no-op for buffers that don't match a class's capacity exactly, since
// reslicing may have changed cap() in ways that make reuse unsafe.
func Put(b []byte) {
	c := cap(b)
	for i, sz := range classes {
		if c == sz {
			pools[i].Put(b[:sz])
			return
		}
	}
}
