package mqtt

import "github.com/rs/zerolog"

// bufferedMsg stores a serialized message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO holding messages while disconnected.
// When full the oldest message is overwritten. Caller must synchronize.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	overflow bool // a message was dropped since the last drain
	log      zerolog.Logger
}

func newRingBuffer(capacity int, log zerolog.Logger) *ringBuffer {
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
		log:      log,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
		return
	}
	if !r.overflow {
		r.log.Warn().Int("capacity", r.capacity).Msg("offline buffer full, dropping oldest messages")
		r.overflow = true
	}
}

// drainAll returns buffered messages oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	out := make([]bufferedMsg, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := range out {
		out[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
