// ABOUTME: Linear-interpolation resampling and channel remix over s16le streams
// ABOUTME: Keeps a carry frame so interpolation stays continuous across reads
package transcode

import (
	"fmt"
	"io"

	"github.com/chorale-audio/chorale-go/internal/audio"
	"github.com/chorale-audio/chorale-go/internal/media"
)

const resampleChunk = 8192 // input bytes pulled per refill

type resampleReader struct {
	src      io.ReadCloser
	channels int
	ratio    float64 // input frames per output frame
	pos      float64 // fractional position into pending input frames

	in  []int16 // pending interleaved input samples
	out []byte  // produced bytes not yet handed out
	eof bool
}

func newResampleReader(src io.ReadCloser, inRate, outRate, channels int) *resampleReader {
	return &resampleReader{
		src:      src,
		channels: channels,
		ratio:    float64(inRate) / float64(outRate),
	}
}

func (r *resampleReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *resampleReader) fill() error {
	if !r.eof {
		buf := make([]byte, resampleChunk)
		n, err := io.ReadFull(r.src, buf)
		n = n / 2 * 2
		for i := 0; i < n; i += 2 {
			r.in = append(r.in, audio.SampleAt(buf, i))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.eof = true
			// Duplicate the final frame so the last interpolation
			// window has a right-hand neighbor.
			if len(r.in) >= r.channels {
				r.in = append(r.in, r.in[len(r.in)-r.channels:]...)
			}
		} else if err != nil {
			return fmt.Errorf("reading resample input: %w", err)
		}
	}

	inFrames := len(r.in) / r.channels
	if inFrames < 2 {
		if r.eof {
			return io.EOF
		}
		return nil
	}

	var produced []byte
	for {
		idx := int(r.pos)
		if idx >= inFrames-1 {
			break
		}
		frac := r.pos - float64(idx)
		frame := make([]byte, r.channels*2)
		for ch := 0; ch < r.channels; ch++ {
			s1 := float64(r.in[idx*r.channels+ch])
			s2 := float64(r.in[(idx+1)*r.channels+ch])
			audio.PutSampleAt(frame, ch*2, audio.Clamp16(s1*(1-frac)+s2*frac))
		}
		produced = append(produced, frame...)
		r.pos += r.ratio
	}

	// Drop fully consumed input frames, keeping the carry frame.
	consumed := int(r.pos)
	if consumed > 0 {
		r.in = r.in[consumed*r.channels:]
		r.pos -= float64(consumed)
	}

	if len(produced) == 0 && r.eof {
		return io.EOF
	}
	r.out = produced
	return nil
}

func (r *resampleReader) Close() error { return r.src.Close() }

// remixReader converts channel counts: mono duplicates, stereo averages.
type remixReader struct {
	src      io.ReadCloser
	in, out  int
	pending  []byte
	scratch  []byte
}

func newRemixReader(src io.ReadCloser, in, out int) (*remixReader, error) {
	if !(in == 1 && out == 2) && !(in == 2 && out == 1) {
		return nil, fmt.Errorf("%w: cannot remix %d -> %d channels", media.ErrUnsupported, in, out)
	}
	return &remixReader{src: src, in: in, out: out}, nil
}

func (r *remixReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if cap(r.scratch) < resampleChunk {
			r.scratch = make([]byte, resampleChunk)
		}
		n, err := io.ReadFull(r.src, r.scratch[:resampleChunk])
		n = n / (r.in * 2) * (r.in * 2)
		if n > 0 {
			r.pending = r.remix(r.scratch[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if n == 0 {
				return 0, io.EOF
			}
		} else if err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *remixReader) remix(in []byte) []byte {
	frames := len(in) / (r.in * 2)
	out := make([]byte, frames*r.out*2)
	for f := 0; f < frames; f++ {
		if r.in == 1 {
			s := audio.SampleAt(in, f*2)
			audio.PutSampleAt(out, f*4, s)
			audio.PutSampleAt(out, f*4+2, s)
		} else {
			l := float64(audio.SampleAt(in, f*4))
			rr := float64(audio.SampleAt(in, f*4+2))
			audio.PutSampleAt(out, f*2, audio.Clamp16((l+rr)/2))
		}
	}
	return out
}

func (r *remixReader) Close() error { return r.src.Close() }
