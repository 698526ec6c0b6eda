// ABOUTME: Streaming FLAC decode to s16le PCM via mewkiz/flac frame parsing
package transcode

import (
	"fmt"
	"io"

	"github.com/mewkiz/flac"

	"github.com/chorale-audio/chorale-go/internal/audio"
)

type flacStream struct {
	stream   *flac.Stream
	src      io.Closer
	channels int
	shift    int // right-shift to reach 16 bits; negative shifts left
	buf      []byte
}

func newFLACStream(src io.ReadCloser) (*flacStream, audio.Format, error) {
	stream, err := flac.New(src)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("opening flac stream: %w", err)
	}
	info := stream.Info
	f := audio.Format{
		Codec:      "pcm",
		SampleRate: int(info.SampleRate),
		Channels:   int(info.NChannels),
		BitDepth:   16,
	}
	return &flacStream{
		stream:   stream,
		src:      src,
		channels: int(info.NChannels),
		shift:    int(info.BitsPerSample) - 16,
	}, f, nil
}

func (s *flacStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		frame, err := s.stream.ParseNext()
		if err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("parsing flac frame: %w", err)
		}

		n := len(frame.Subframes[0].Samples)
		out := make([]byte, n*s.channels*2)
		for i := 0; i < n; i++ {
			for ch := 0; ch < s.channels; ch++ {
				v := frame.Subframes[ch].Samples[i]
				if s.shift > 0 {
					v >>= s.shift
				} else if s.shift < 0 {
					v <<= -s.shift
				}
				audio.PutSampleAt(out, (i*s.channels+ch)*2, audio.Clamp16(float64(v)))
			}
		}
		s.buf = out
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *flacStream) Close() error { return s.src.Close() }
