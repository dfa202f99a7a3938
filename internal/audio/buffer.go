package audio

import (
	"sync"
)

// RingBuffer keeps the most recent audio bytes up to its capacity.
// Writing into a full buffer overwrites the oldest bytes, so after a gap
// (e.g. a recognizer reconnect) the newest speech is what gets replayed.
type RingBuffer struct {
	buffer  []byte
	size    int
	start   int
	length  int
	dropped int64
	mu      sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the specified capacity in bytes
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write appends data, evicting the oldest bytes when full.
// Returns the number of previously buffered bytes that were evicted.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Only the tail of an oversized write can survive
	if len(data) > rb.size {
		skipped := len(data) - rb.size
		rb.dropped += int64(skipped)
		data = data[skipped:]
	}

	evicted := 0
	for _, b := range data {
		end := (rb.start + rb.length) % rb.size
		rb.buffer[end] = b
		if rb.length == rb.size {
			rb.start = (rb.start + 1) % rb.size
			evicted++
		} else {
			rb.length++
		}
	}
	rb.dropped += int64(evicted)
	return evicted
}

// Drain removes and returns everything buffered, oldest first
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.length)
	for i := 0; i < rb.length; i++ {
		out[i] = rb.buffer[(rb.start+i)%rb.size]
	}
	rb.start = 0
	rb.length = 0
	return out
}

// Available returns the number of bytes buffered
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.length
}

// Dropped returns the total number of bytes lost to overwrites
func (rb *RingBuffer) Dropped() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Clear discards buffered bytes
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start = 0
	rb.length = 0
}
