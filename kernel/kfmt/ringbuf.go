package kfmt

import (
	"gopherpi/kernel/sync"
	"io"
)

// ringBufferSize defines the size of the ring buffer that holds console output
// produced before a console device is attached. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the last ringBufferSize bytes written to it. Once full,
// each write discards the oldest buffered byte.
type ringBuffer struct {
	lock   sync.Spinlock
	buffer [ringBufferSize]byte
	start  int
	count  int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.lock.Acquire()
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}
	rb.lock.Release()

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	rb.lock.Acquire()
	defer rb.lock.Release()

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

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	rb.lock.Acquire()
	defer rb.lock.Release()
	return rb.count
}
