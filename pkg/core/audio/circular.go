package audio

import "sync"

// CircularBuffer is a fixed-size sample ring filled by a capture producer and
// drained by the pipeline tick through a read cursor. It overwrites the
// oldest samples when the reader falls behind.
type CircularBuffer struct {
	mu       sync.Mutex
	data     []int16
	writePos int
}

// NewCircularBuffer creates a buffer of size samples.
func NewCircularBuffer(size int) *CircularBuffer {
	if size < 1 {
		size = 1
	}
	return &CircularBuffer{data: make([]int16, size)}
}

// Size returns the capacity in samples.
func (b *CircularBuffer) Size() int { return len(b.data) }

// Write appends samples, wrapping at the end of the buffer. It is called from
// the capture producer.
func (b *CircularBuffer) Write(samples []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Only the newest Size() samples can survive.
	if skip := len(samples) - len(b.data); skip > 0 {
		b.writePos = (b.writePos + skip) % len(b.data)
		samples = samples[skip:]
	}
	n := copy(b.data[b.writePos:], samples)
	if n < len(samples) {
		copy(b.data, samples[n:])
	}
	b.writePos = (b.writePos + len(samples)) % len(b.data)
}

// WriteCursor returns the position of the next write.
func (b *CircularBuffer) WriteCursor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writePos
}

// NewSamples returns how many samples were written since lastRead:
// (writeCursor - lastRead) mod size. Zero means no new data.
func NewSamples(writeCursor, lastRead, size int) int {
	if size <= 0 {
		return 0
	}
	return ((writeCursor-lastRead)%size + size) % size
}

// ReadSince copies the samples written after lastRead and returns them with
// the new cursor.
func (b *CircularBuffer) ReadSince(lastRead int) ([]int16, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	size := len(b.data)
	n := NewSamples(b.writePos, lastRead, size)
	if n <= 0 {
		return nil, b.writePos
	}
	out := make([]int16, n)
	start := ((lastRead % size) + size) % size
	c := copy(out, b.data[start:])
	if c < n {
		copy(out[c:], b.data[:n-c])
	}
	return out, b.writePos
}

// Reset zeroes the buffer and rewinds the write cursor.
func (b *CircularBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = 0
	}
	b.writePos = 0
}
