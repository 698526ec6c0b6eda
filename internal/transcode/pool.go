// ABOUTME: Semaphore bounding how many decode pipelines run at once
// ABOUTME: A slot is held from Open until the returned reader closes
package transcode

import (
	"context"
	"io"
)

type pool struct {
	sem chan struct{}
}

func newPool(n int) *pool {
	if n <= 0 {
		n = 4
	}
	return &pool{sem: make(chan struct{}, n)}
}

func (p *pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) release() {
	<-p.sem
}

// pooledReader returns its slot when closed. Close is idempotent.
type pooledReader struct {
	rc     io.ReadCloser
	pool   *pool
	closed bool
}

func (r *pooledReader) Read(p []byte) (int, error) { return r.rc.Read(p) }

func (r *pooledReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.rc.Close()
	r.pool.release()
	return err
}
