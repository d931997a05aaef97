package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. The memory manager logs the boot memory map and one line per
// segment before any console exists so the buffer is sized for a few
// hundred lines. The size must always be a power of 2.
const ringBufferSize = 8192

// ringBuffer models a ring buffer of size ringBufferSize. When full, new
// writes overwrite the oldest bytes.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start points to the oldest unread byte and count tracks the number
	// of unread bytes.
	start, count int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF once all buffered
// bytes have been consumed.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.count > 0; n++ {
		p[n] = rb.buffer[rb.start]
		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.count--
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int { return rb.count }
