// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

// Size classes of BytePool. Requests above the last class are allocated
// directly and never retained.
var classSizes = [...]int{512, 4 << 10, 64 << 10}

// BytePool hands out zero-length byte slices with at least the requested
// capacity.
type BytePool struct {
	classes [len(classSizes)]*SyncPool[*[]byte]
}

// NewBytePool creates an empty pool.
func NewBytePool() *BytePool {
	bp := &BytePool{}
	for i, size := range classSizes {
		bp.classes[i] = NewSyncPool(func() *[]byte {
			b := make([]byte, 0, size)
			return &b
		})
	}
	return bp
}

func classFor(n int) int {
	for i, size := range classSizes {
		if n <= size {
			return i
		}
	}
	return -1
}

// Get returns a slice with len 0 and cap >= n.
func (bp *BytePool) Get(n int) []byte {
	i := classFor(n)
	if i < 0 {
		return make([]byte, 0, n)
	}
	return (*bp.classes[i].Get())[:0]
}

// Put recycles b. Slices smaller than the first class or larger than the
// last are dropped.
func (bp *BytePool) Put(b []byte) {
	c := cap(b)
	for i := len(classSizes) - 1; i >= 0; i-- {
		if c >= classSizes[i] {
			if i == len(classSizes)-1 && c > classSizes[i] {
				return
			}
			b = b[:0]
			bp.classes[i].Put(&b)
			return
		}
	}
}

// Default is the process-wide pool used by the frame writer.
var Default = NewBytePool()
