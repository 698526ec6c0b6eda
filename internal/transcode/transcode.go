// ABOUTME: Turns provider streams into PCM in the engine's target format
// ABOUTME: Codec decode, channel remix and resample stages chained as readers
package transcode

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
)

// Transcoder converts encoded provider audio to target-format PCM.
// Concurrent pipelines are bounded; Open blocks for a slot.
type Transcoder struct {
	pool *pool
}

// New creates a transcoder running at most maxConcurrent pipelines.
func New(maxConcurrent int) *Transcoder {
	return &Transcoder{pool: newPool(maxConcurrent)}
}

// Open builds the decode pipeline for a stream source. The returned
// reader yields s16le PCM in the target format and frees its pipeline
// slot on Close. Reads abort once ctx is canceled.
func (t *Transcoder) Open(ctx context.Context, src *media.StreamSource, target audio.Format) (io.ReadCloser, error) {
	if !target.Valid() || target.BitDepth != 16 {
		return nil, fmt.Errorf("%w: target format %+v", media.ErrUnsupported, target)
	}
	if err := t.pool.acquire(ctx); err != nil {
		return nil, err
	}

	rc, err := t.build(src, target)
	if err != nil {
		t.pool.release()
		return nil, err
	}
	return &pooledReader{rc: &ctxReader{ctx: ctx, rc: rc}, pool: t.pool}, nil
}

func (t *Transcoder) build(src *media.StreamSource, target audio.Format) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		f   audio.Format
		err error
	)

	switch src.Format.Codec {
	case "", "pcm":
		if src.Format.BitDepth != 16 {
			return nil, fmt.Errorf("%w: %d-bit pcm input", media.ErrUnsupported, src.Format.BitDepth)
		}
		rc, f = src.Reader, src.Format
	case "mp3":
		rc, f, err = newMP3Stream(src.Reader)
	case "flac":
		rc, f, err = newFLACStream(src.Reader)
	default:
		return nil, fmt.Errorf("%w: codec %q", media.ErrUnsupported, src.Format.Codec)
	}
	if err != nil {
		return nil, err
	}

	if f.Channels != target.Channels {
		rc, err = newRemixReader(rc, f.Channels, target.Channels)
		if err != nil {
			return nil, err
		}
	}
	if f.SampleRate != target.SampleRate {
		log.Printf("transcode: resampling %d -> %d Hz", f.SampleRate, target.SampleRate)
		rc = newResampleReader(rc, f.SampleRate, target.SampleRate, target.Channels)
	}
	return rc, nil
}

// ctxReader fails reads once the context is canceled so a stalled
// source cannot outlive its playback session.
type ctxReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *ctxReader) Close() error { return r.rc.Close() }
