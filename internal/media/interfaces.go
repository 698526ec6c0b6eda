// ABOUTME: Capability contracts implemented by provider, player and transcoder adapters
// ABOUTME: The engine consumes these interfaces and never inspects concrete types
package media

import (
	"context"
	"io"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
)

// Provider is a music/audio content source.
type Provider interface {
	ID() string
	// FetchStream resolves an item to a live audio handle.
	// Fails with ErrProviderUnavailable, ErrNotFound or ErrAuthExpired.
	FetchStream(ctx context.Context, ref ItemRef) (*StreamSource, error)
	// FetchMetadata resolves display metadata for an item.
	FetchMetadata(ctx context.Context, ref ItemRef) (*Metadata, error)
}

// Player is a playback device. Methods gated by a capability flag
// (JoinGroup, SetVolume) return ErrUnsupported when the flag is unset.
type Player interface {
	ID() string
	Name() string
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect() error

	Play(ctx context.Context, stream AudioStream) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	SetVolume(ctx context.Context, volume int) error
	SetMuted(ctx context.Context, muted bool) error

	JoinGroup(ctx context.Context, leaderID string) error
	LeaveGroup(ctx context.Context) error

	State(ctx context.Context) (PlayerState, error)
}

// Transcoder converts a provider stream into PCM at a target format.
// The returned reader aborts mid-stream when ctx is cancelled or Close
// is called.
type Transcoder interface {
	Open(ctx context.Context, src *StreamSource, target audio.Format) (io.ReadCloser, error)
}
