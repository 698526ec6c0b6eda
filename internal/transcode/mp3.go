// ABOUTME: Streaming MP3 decode to s16le PCM via hajimehoshi/go-mp3
package transcode

import (
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/chorale-audio/chorale-go/internal/audio"
)

// go-mp3 always emits 16-bit stereo at the file's native rate.
type mp3Stream struct {
	dec *mp3.Decoder
	src io.Closer
}

func newMP3Stream(src io.ReadCloser) (*mp3Stream, audio.Format, error) {
	dec, err := mp3.NewDecoder(src)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("opening mp3 stream: %w", err)
	}
	f := audio.Format{
		Codec:      "pcm",
		SampleRate: dec.SampleRate(),
		Channels:   2,
		BitDepth:   16,
	}
	return &mp3Stream{dec: dec, src: src}, f, nil
}

func (s *mp3Stream) Read(p []byte) (int, error) { return s.dec.Read(p) }

func (s *mp3Stream) Close() error { return s.src.Close() }
