package transport

// queuedReading is a serialized pin reading held for replay once the broker
// connection returns.
type queuedReading struct {
	topic   string
	payload []byte
}

// ringBuffer is a fixed-capacity FIFO holding readings while the broker is
// unreachable, overwriting the oldest on overflow. Not safe for concurrent
// use.
type ringBuffer struct {
	buf      []queuedReading
	capacity int
	head     int // next write position
	count    int
	overflow bool // a reading was dropped since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([]queuedReading, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(msg queuedReading) {
	if r.count == r.capacity {
		// Overwrite oldest: head is already pointing at it.
		r.overflow = true
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// drainAll returns the buffered readings oldest-first and empties the buffer.
func (r *ringBuffer) drainAll() []queuedReading {
	if r.count == 0 {
		return nil
	}
	result := make([]queuedReading, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}
	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}

func (r *ringBuffer) dropped() bool {
	return r.overflow
}
