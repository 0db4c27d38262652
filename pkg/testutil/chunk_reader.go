package testutil

import (
	"io"
	"sync"
)

// ChunkReader is an io.ReadCloser that returns scripted chunks of data, one chunk per Read call
// (or less, if the caller's buffer is smaller). Reads block until a chunk or an error is added.
type ChunkReader struct {
	lock    sync.Mutex
	cond    *sync.Cond
	pending [][]byte
	err     error
	closed  bool
}

func NewChunkReader() *ChunkReader {
	cr := &ChunkReader{}
	cr.cond = sync.NewCond(&cr.lock)
	return cr
}

// Add queues chunks to be returned by subsequent reads.
func (cr *ChunkReader) Add(chunks ...[]byte) {
	cr.lock.Lock()
	defer cr.lock.Unlock()
	for _, c := range chunks {
		cr.pending = append(cr.pending, append([]byte(nil), c...))
	}
	cr.cond.Broadcast()
}

// Fail makes reads return err once all queued chunks are consumed. A nil error means io.EOF.
func (cr *ChunkReader) Fail(err error) {
	if err == nil {
		err = io.EOF
	}
	cr.lock.Lock()
	defer cr.lock.Unlock()
	cr.err = err
	cr.cond.Broadcast()
}

func (cr *ChunkReader) Read(p []byte) (int, error) {
	cr.lock.Lock()
	defer cr.lock.Unlock()

	for len(cr.pending) == 0 && cr.err == nil && !cr.closed {
		cr.cond.Wait()
	}

	switch {
	case cr.closed:
		return 0, io.ErrClosedPipe
	case len(cr.pending) > 0:
		n := copy(p, cr.pending[0])
		if n == len(cr.pending[0]) {
			cr.pending = cr.pending[1:]
		} else {
			cr.pending[0] = cr.pending[0][n:]
		}
		return n, nil
	default:
		return 0, cr.err
	}
}

func (cr *ChunkReader) Close() error {
	cr.lock.Lock()
	defer cr.lock.Unlock()
	cr.closed = true
	cr.cond.Broadcast()
	return nil
}

var _ io.ReadCloser = (*ChunkReader)(nil)
