// ABOUTME: Shared domain types for media items, player state and capabilities
// ABOUTME: Consumed by every engine component and by external adapters
package media

import (
	"io"
	"time"

	"github.com/chorale-audio/chorale-go/internal/audio"
)

// ItemRef identifies a playable item within a provider's namespace.
type ItemRef struct {
	ProviderID string `json:"provider_id"`
	MediaID    string `json:"media_id"`
}

// Metadata holds display information for an item.
type Metadata struct {
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// StreamSource is a provider-resolved audio handle plus its native format.
type StreamSource struct {
	Reader io.ReadCloser
	Format audio.Format
}

// PlayStatus is the transport state of a player or queue.
type PlayStatus string

const (
	StatusIdle      PlayStatus = "idle"
	StatusBuffering PlayStatus = "buffering"
	StatusPlaying   PlayStatus = "playing"
	StatusPaused    PlayStatus = "paused"
)

// PlayerState is the last observed state of a player device.
// External readers always receive copies, never live references.
type PlayerState struct {
	Power        bool
	Volume       int // 0-100
	Muted        bool
	Status       PlayStatus
	ActiveItemID string
	Elapsed      time.Duration
	UpdatedAt    time.Time
}

// Capabilities are declared per player at registration and queried,
// never assumed.
type Capabilities struct {
	SupportsGroup       bool
	SupportsCrossfade   bool
	SupportsEnqueueNext bool
	SupportsVolume      bool
}

// AudioStream is a continuous PCM stream delivered to a player.
type AudioStream interface {
	io.ReadCloser
	Format() audio.Format
}
