package parser

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// DefaultChunkSize is the initial read buffer size.
	DefaultChunkSize = 1024

	// MaxChunkSize caps read buffer growth.
	MaxChunkSize = 1024 * 1024
)

// ChunkReader reads the worker's merged output in a dedicated goroutine and
// delivers whatever bytes each read returns as one chunk, with carriage
// returns removed. Frames may be split across chunks; reassembly is the
// consumer's job.
//
// Lifecycle:
//
//  1. r := NewChunkReader(stdout, 0)
//  2. go r.Run()
//  3. consume r.Chunks() until closed
//  4. r.Close() to stop early
type ChunkReader struct {
	reader io.Reader
	size   int

	out       chan string
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	bytesRead  atomic.Int64
	chunksRead atomic.Int64
	err        atomic.Value // error
}

// NewChunkReader creates a reader over r. size <= 0 selects DefaultChunkSize.
func NewChunkReader(r io.Reader, size int) *ChunkReader {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkReader{
		reader: r,
		size:   size,
		out:    make(chan string, 16),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run reads until EOF, a read error, or Close. It closes the Chunks channel
// on exit.
func (c *ChunkReader) Run() {
	defer close(c.out)

	buf := make([]byte, c.size)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			c.readyOnce.Do(func() { close(c.ready) })
			c.bytesRead.Add(int64(n))
			c.chunksRead.Add(1)

			s := strings.ReplaceAll(string(buf[:n]), "\r", "")
			if s != "" {
				select {
				case c.out <- s:
				case <-c.done:
					return
				}
			}

			// A full buffer suggests more is pending; grow like the
			// available() probe would.
			if n == len(buf) && len(buf) < MaxChunkSize {
				buf = make([]byte, len(buf)*2)
			}
		}
		if err != nil {
			if err != io.EOF && !c.closed.Load() {
				c.err.Store(err)
			}
			return
		}
	}
}

// Chunks returns the channel of output chunks.
func (c *ChunkReader) Chunks() <-chan string {
	return c.out
}

// Ready returns a channel that is closed once any output has been read.
func (c *ChunkReader) Ready() <-chan struct{} {
	return c.ready
}

// IsReady reports whether any output has been read.
func (c *ChunkReader) IsReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Close stops delivery. The underlying reader must be closed by its owner
// to unblock a pending Read. Safe to call multiple times.
func (c *ChunkReader) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// Err returns the read error that ended Run, or nil for EOF and Close.
func (c *ChunkReader) Err() error {
	if err, ok := c.err.Load().(error); ok {
		return err
	}
	return nil
}

// Stats returns (bytesRead, chunksRead, healthy).
func (c *ChunkReader) Stats() (bytesRead int64, chunksRead int64, healthy bool) {
	return c.bytesRead.Load(), c.chunksRead.Load(), !c.closed.Load() && c.Err() == nil
}
