package event

import (
	"bytes"
	"sync"

	"github.com/bytedance/sonic"
)

// bufferPool recycles encoding buffers on the publish hot path.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// AcquireBuffer gets an empty buffer from the pool.
func AcquireBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// ReleaseBuffer resets buf and returns it to the pool.
// Oversized buffers are dropped so one large event does not pin memory.
func ReleaseBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > 64<<10 {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// Encode appends the JSON form of ev to buf. Output matches encoding/json.
func Encode(buf *bytes.Buffer, ev OrderEvent) error {
	return sonic.ConfigStd.NewEncoder(buf).Encode(ev)
}

// Marshal returns a standalone copy of the JSON form of ev.
func Marshal(ev OrderEvent) ([]byte, error) {
	buf := AcquireBuffer()
	defer ReleaseBuffer(buf)

	if err := Encode(buf, ev); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Warmup pre-allocates buffers to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 64

	bufs := make([]*bytes.Buffer, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		bufs = append(bufs, AcquireBuffer())
	}
	for _, b := range bufs {
		ReleaseBuffer(b)
	}
}
