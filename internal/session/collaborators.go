package session

import (
	"github.com/streamnode/node/internal/protocol"
)

// Transport is one client websocket connection. A Session exclusively owns
// its current Transport; on resume the old one is replaced, never shared.
type Transport interface {
	// ID is unique per connection, not per session.
	ID() string
	Send(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Handshake carries the identity headers of an accepted upgrade request.
type Handshake struct {
	UserID     string
	SessionID  string
	ClientName string
	UserAgent  string
}

// FrameCounter is the audio loss data of the last full minute.
type FrameCounter struct {
	Sent   int
	Nulled int
	// Usable is false until a full minute of data has been recorded.
	Usable bool
}

// Player is a guild-scoped audio player handle.
type Player interface {
	GuildID() string
	IsPlaying() bool
	State() protocol.PlayerState
	FrameCounter() FrameCounter
	Destroy()
}

// PlayerManager constructs players. Server config, source managers and
// info modifiers are bound into the implementation.
type PlayerManager interface {
	CreatePlayer(s *Session, guildID string) (Player, error)
}

// GatewayListener receives voice gateway lifecycle callbacks for one guild.
type GatewayListener interface {
	GatewayReady()
	GatewayClosed(code int, reason string, byRemote bool)
	GatewayError(err error)
}

type MediaConnection interface {
	Connect(state protocol.VoiceState) error
}

// MediaClient holds the media-backend connections of a single user.
type MediaClient interface {
	GetOrCreateConnection(guildID string, l GatewayListener) (MediaConnection, error)
	DestroyConnection(guildID string)
	Close()
}

type MediaBackend interface {
	NewClient(userID string) MediaClient
}
