// ABOUTME: media.Player implementation speaking the websocket wire protocol
// ABOUTME: The engine dials the device; audio flows as 20ms timestamped chunks
package wsplayer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chorale-audio/chorale-go/internal/media"
)

// ChunkDuration is how much audio each binary frame carries.
const ChunkDuration = 20 * time.Millisecond

const sendBuffer = 100

type outbound struct {
	binary bool
	data   []byte
}

// Player drives one websocket device. It implements media.Player and
// the link supervisor's Target.
type Player struct {
	serverID   string
	serverName string
	addr       string // host:port of the device

	mu         sync.Mutex
	id         string
	name       string
	caps       media.Capabilities
	state      media.PlayerState
	conn       *websocket.Conn
	sendChan   chan outbound
	playCancel context.CancelFunc

	// OnState is invoked with every device status report.
	OnState func(st media.PlayerState)
}

// New creates a player for a device at addr. The identity is learned
// during the handshake.
func New(serverID, serverName, addr string) *Player {
	return &Player{
		serverID:   serverID,
		serverName: serverName,
		addr:       addr,
		id:         addr, // replaced by the device's id on hello
		name:       addr,
		state:      media.PlayerState{Power: true, Volume: 100, Status: media.StatusIdle},
	}
}

func (p *Player) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Player) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Player) Capabilities() media.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// Connect dials the device and completes the hello exchange.
func (p *Player) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: p.addr, Path: "/chorale"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", media.ErrConnectionLost, p.addr, err)
	}

	hello, err := NewMessage("server/hello", ServerHello{
		ServerID: p.serverID,
		Name:     p.serverName,
		Version:  ProtocolVersion,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("%w: sending hello: %v", media.ErrConnectionLost, err)
	}

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return fmt.Errorf("%w: reading hello: %v", media.ErrConnectionLost, err)
	}
	if msg.Type != "player/hello" {
		conn.Close()
		return fmt.Errorf("unexpected handshake message %q", msg.Type)
	}
	var ph PlayerHello
	if err := json.Unmarshal(msg.Payload, &ph); err != nil {
		conn.Close()
		return fmt.Errorf("decoding player hello: %w", err)
	}

	p.mu.Lock()
	p.id = ph.PlayerID
	p.name = ph.Name
	p.caps = media.Capabilities{
		SupportsGroup:       ph.Capabilities.Group,
		SupportsCrossfade:   ph.Capabilities.Crossfade,
		SupportsEnqueueNext: ph.Capabilities.EnqueueNext,
		SupportsVolume:      ph.Capabilities.Volume,
	}
	p.conn = conn
	p.sendChan = make(chan outbound, sendBuffer)
	p.mu.Unlock()

	go p.writer(conn, p.sendChan)
	log.Printf("wsplayer: connected to %s (%s)", ph.Name, ph.PlayerID)
	return nil
}

// Serve consumes device frames until the link drops or ctx ends.
func (p *Player) Serve(ctx context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", media.ErrConnectionLost)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			p.teardown(conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", media.ErrConnectionLost, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("wsplayer %s: bad frame: %v", p.ID(), err)
			continue
		}
		if msg.Type == "player/state" {
			p.handleState(msg.Payload)
		}
	}
}

func (p *Player) handleState(payload json.RawMessage) {
	var su StateUpdate
	if err := json.Unmarshal(payload, &su); err != nil {
		log.Printf("wsplayer %s: bad state update: %v", p.ID(), err)
		return
	}

	p.mu.Lock()
	p.state.Volume = su.Volume
	p.state.Muted = su.Muted
	p.state.Status = media.PlayStatus(su.Status)
	p.state.Elapsed = time.Duration(su.ElapsedMs) * time.Millisecond
	p.state.UpdatedAt = time.Now()
	st := p.state
	cb := p.OnState
	p.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

func (p *Player) writer(conn *websocket.Conn, ch chan outbound) {
	for out := range ch {
		msgType := websocket.TextMessage
		if out.binary {
			msgType = websocket.BinaryMessage
		}
		if err := conn.WriteMessage(msgType, out.data); err != nil {
			log.Printf("wsplayer %s: write failed: %v", p.ID(), err)
			return
		}
	}
}

// send queues a frame, dropping it when the device cannot keep up.
func (p *Player) send(out outbound) error {
	p.mu.Lock()
	ch := p.sendChan
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("%w: not connected", media.ErrConnectionLost)
	}
	select {
	case ch <- out:
		return nil
	default:
		log.Printf("wsplayer %s: send buffer full, dropping frame", p.ID())
		return nil
	}
}

func (p *Player) sendMessage(msgType string, payload interface{}) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(outbound{data: data})
}

// Disconnect drops the link and stops any running stream.
func (p *Player) Disconnect() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		p.teardown(conn)
		conn.Close()
	}
	return nil
}

func (p *Player) teardown(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	ch := p.sendChan
	p.sendChan = nil
	cancel := p.playCancel
	p.playCancel = nil
	p.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	if cancel != nil {
		cancel()
	}
}

// Play starts pumping the stream to the device in 20ms chunks. Any
// stream already playing is replaced.
func (p *Player) Play(ctx context.Context, stream media.AudioStream) error {
	f := stream.Format()
	if err := p.sendMessage("stream/start", StreamStart{
		Codec:      f.Codec,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		BitDepth:   f.BitDepth,
	}); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.playCancel != nil {
		p.playCancel()
	}
	p.playCancel = cancel
	p.mu.Unlock()

	go p.pump(pumpCtx, stream)
	return nil
}

func (p *Player) pump(ctx context.Context, stream media.AudioStream) {
	defer stream.Close()

	f := stream.Format()
	chunkBytes := int(f.BytesFor(ChunkDuration))
	buf := make([]byte, chunkBytes)

	ticker := time.NewTicker(ChunkDuration)
	defer ticker.Stop()

	var playbackUs int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			chunk := EncodeAudioChunk(playbackUs, buf[:n])
			if sendErr := p.send(outbound{binary: true, data: chunk}); sendErr != nil {
				return
			}
			playbackUs += ChunkDuration.Microseconds()
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("wsplayer %s: stream ended: %v", p.ID(), err)
			}
			if sendErr := p.sendMessage("stream/end", struct{}{}); sendErr != nil {
				log.Printf("wsplayer %s: stream end notify: %v", p.ID(), sendErr)
			}
			return
		}
	}
}

func (p *Player) Pause(context.Context) error {
	return p.sendMessage("server/command", Command{Command: "pause"})
}

func (p *Player) Resume(context.Context) error {
	return p.sendMessage("server/command", Command{Command: "resume"})
}

func (p *Player) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.playCancel
	p.playCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return p.sendMessage("server/command", Command{Command: "stop"})
}

func (p *Player) Seek(_ context.Context, pos time.Duration) error {
	return p.sendMessage("server/command", Command{Command: "seek", PositionMs: pos.Milliseconds()})
}

func (p *Player) SetVolume(_ context.Context, volume int) error {
	if !p.Capabilities().SupportsVolume {
		return fmt.Errorf("%w: %s has no volume control", media.ErrUnsupported, p.ID())
	}
	return p.sendMessage("server/command", Command{Command: "volume", Volume: volume})
}

func (p *Player) SetMuted(_ context.Context, muted bool) error {
	return p.sendMessage("server/command", Command{Command: "mute", Muted: muted})
}

func (p *Player) JoinGroup(_ context.Context, leaderID string) error {
	if !p.Capabilities().SupportsGroup {
		return fmt.Errorf("%w: %s cannot join groups natively", media.ErrUnsupported, p.ID())
	}
	return p.sendMessage("server/command", Command{Command: "join", LeaderID: leaderID})
}

func (p *Player) LeaveGroup(context.Context) error {
	return p.sendMessage("server/command", Command{Command: "leave"})
}

// State returns the last reported device state.
func (p *Player) State(context.Context) (media.PlayerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}
