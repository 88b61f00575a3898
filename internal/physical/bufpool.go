package physical

import (
	"math/bits"
	"sync"
)

const (
	minPooledShift = 9  // 512B
	maxPooledShift = 22 // 4MiB
)

// Buffers larger than the biggest class are allocated directly and dropped on put.
var pools [maxPooledShift - minPooledShift + 1]sync.Pool

func init() {
	for i := range pools {
		size := 1 << (i + minPooledShift)
		pools[i].New = func() any {
			buf := make([]byte, size)

			return &buf
		}
	}
}

func sizeClass(size int) int {
	if size <= 1<<minPooledShift {
		return 0
	}

	return bits.Len(uint(size-1)) - minPooledShift
}

// GetBuffer returns a buffer of exactly size bytes. Contents are not zeroed.
func GetBuffer(size int) []byte {
	class := sizeClass(size)
	if class >= len(pools) {
		return make([]byte, size)
	}

	bufPtr := pools[class].Get().(*[]byte)

	return (*bufPtr)[:size]
}

// PutBuffer returns a buffer obtained from GetBuffer.
func PutBuffer(buf []byte) {
	c := cap(buf)
	if c < 1<<minPooledShift || c&(c-1) != 0 {
		return
	}

	class := sizeClass(c)
	if class >= len(pools) {
		return
	}

	buf = buf[:c]
	pools[class].Put(&buf)
}
