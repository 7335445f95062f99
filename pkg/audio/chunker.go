package audio

import (
	"fmt"
	"time"
)

// Chunker accumulates [AudioFrame] samples and cuts them into fixed-size
// [Chunk] windows.
//
// Without overlap, pushing k×size + r samples yields exactly k chunks in push
// order and leaves r samples buffered. With overlap, each chunk after the
// first starts hop = size×(1−overlap) samples after the previous one.
//
// A Chunker is owned by a single capture loop and is not safe for concurrent
// use.
type Chunker struct {
	size       int
	hop        int
	sampleRate int

	acc   []float32
	start time.Time // capture time of acc[0]
	seq   uint64
}

// NewChunker returns a chunker emitting windows of size samples. overlap must
// be in [0, 1).
func NewChunker(size, sampleRate int, overlap float64) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("audio: chunk size must be positive, got %d", size)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("audio: overlap must be in [0, 1), got %g", overlap)
	}
	hop := int(float64(size) * (1 - overlap))
	if hop < 1 {
		hop = 1
	}
	return &Chunker{
		size:       size,
		hop:        hop,
		sampleRate: sampleRate,
		acc:        make([]float32, 0, size*2),
	}, nil
}

// ChunkSize returns the configured number of samples per chunk.
func (c *Chunker) ChunkSize() int { return c.size }

// Push appends the frame's samples to the accumulator. The frame's
// SampleRate is assumed to match the chunker's.
func (c *Chunker) Push(f AudioFrame) {
	if len(f.Samples) == 0 {
		return
	}
	if len(c.acc) == 0 {
		c.start = f.Timestamp
	}
	c.acc = append(c.acc, f.Samples...)
}

// TryTake returns the next complete chunk, or false when fewer than
// ChunkSize samples are buffered. The returned samples are a private copy.
func (c *Chunker) TryTake() (Chunk, bool) {
	if len(c.acc) < c.size {
		return Chunk{}, false
	}
	samples := make([]float32, c.size)
	copy(samples, c.acc[:c.size])

	ch := Chunk{
		Seq:        c.seq,
		Samples:    samples,
		SampleRate: c.sampleRate,
		Start:      c.start,
	}
	c.seq++

	n := copy(c.acc, c.acc[c.hop:])
	c.acc = c.acc[:n]
	if !c.start.IsZero() {
		c.start = c.start.Add(time.Duration(c.hop) * time.Second / time.Duration(c.sampleRate))
	}
	return ch, true
}

// Buffered returns the number of samples waiting in the accumulator.
func (c *Chunker) Buffered() int { return len(c.acc) }

// ChunkSizeFor returns the chunk size implied by a sample rate and window
// duration in seconds, or explicit when it is positive.
func ChunkSizeFor(sampleRate int, seconds float64, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	return int(float64(sampleRate) * seconds)
}
