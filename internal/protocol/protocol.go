package protocol

import (
	"time"
)

// Op identifies the kind of an outbound websocket message.
type Op string

const (
	OpReady        Op = "ready"
	OpPlayerUpdate Op = "playerUpdate"
	OpStats        Op = "stats"
	OpEvent        Op = "event"
)

// EventType names the payload of an OpEvent message.
type EventType string

const (
	EventWebSocketClosed EventType = "WebSocketClosedEvent"
	EventTrackStart      EventType = "TrackStartEvent"
	EventTrackEnd        EventType = "TrackEndEvent"
)

type Ready struct {
	Op        Op     `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

func NewReady(resumed bool, sessionID string) Ready {
	return Ready{Op: OpReady, Resumed: resumed, SessionID: sessionID}
}

// PlayerState is the periodic snapshot of a single guild player.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

type PlayerUpdate struct {
	Op      Op          `json:"op"`
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

func NewPlayerUpdate(guildID string, state PlayerState) PlayerUpdate {
	return PlayerUpdate{Op: OpPlayerUpdate, GuildID: guildID, State: state}
}

// WebSocketClosed is forwarded when the voice gateway of a guild closes.
type WebSocketClosed struct {
	Op       Op        `json:"op"`
	Type     EventType `json:"type"`
	GuildID  string    `json:"guildId"`
	Code     int       `json:"code"`
	Reason   string    `json:"reason"`
	ByRemote bool      `json:"byRemote"`
}

func NewWebSocketClosed(guildID string, code int, reason string, byRemote bool) WebSocketClosed {
	return WebSocketClosed{
		Op:       OpEvent,
		Type:     EventWebSocketClosed,
		GuildID:  guildID,
		Code:     code,
		Reason:   reason,
		ByRemote: byRemote,
	}
}

// Memory values are in bytes.
type Memory struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// CPU loads are fractions in [0, 1]. They are nil until the node has two
// samples to take a delta from.
type CPU struct {
	Cores      int      `json:"cores"`
	SystemLoad *float64 `json:"systemLoad,omitempty"`
	NodeLoad   *float64 `json:"nodeLoad,omitempty"`
}

// FrameStats are per-player averages over the last minute.
type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

type Stats struct {
	Op             Op          `json:"op,omitempty"`
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
}

// VoiceState carries the credentials needed to open a media connection.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// SessionUpdate is the body of PATCH /v4/sessions/{id}. Timeout is in seconds.
type SessionUpdate struct {
	Resuming *bool  `json:"resuming,omitempty"`
	Timeout  *int64 `json:"timeout,omitempty"`
}

type SessionInfo struct {
	Resumable bool  `json:"resumable"`
	Timeout   int64 `json:"timeout"`
}

type PlayerInfo struct {
	GuildID string      `json:"guildId"`
	Playing bool        `json:"playing"`
	State   PlayerState `json:"state"`
}

// PlayerPatch is the body of PATCH /v4/sessions/{id}/players/{guildId}.
type PlayerPatch struct {
	Voice *VoiceState `json:"voice,omitempty"`
}

// FreeAddress is the body of POST /v4/routeplanner/free/address.
type FreeAddress struct {
	Address string `json:"address"`
}

type Error struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Path      string `json:"path"`
}

func NewError(status int, reason, message, path string) Error {
	return Error{
		Timestamp: time.Now().UnixMilli(),
		Status:    status,
		Error:     reason,
		Message:   message,
		Path:      path,
	}
}
