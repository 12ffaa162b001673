package transport

import (
	"sync"

	"meshlink/pkg/protocol"
)

// datagramPool holds MaxMTU sized buffers; callers reslice to their MTU.
var datagramPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, protocol.MaxMTU)
	},
}

// GetBuffer returns a MaxMTU sized buffer from the pool.
func GetBuffer() []byte {
	return datagramPool.Get().([]byte)
}

// PutBuffer returns b to the pool. Buffers smaller than MaxMTU are dropped.
func PutBuffer(b []byte) {
	if cap(b) < protocol.MaxMTU {
		return
	}
	datagramPool.Put(b[:protocol.MaxMTU])
}
