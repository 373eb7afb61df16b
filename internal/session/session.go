package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/streamnode/node/internal/protocol"
)

// Websocket close codes used by the session core.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotPaused     = errors.New("session not paused")
	ErrNotActive     = errors.New("session not active")
	// ErrReplayInterrupted means a resume failed to deliver its replay and
	// the session is paused again.
	ErrReplayInterrupted = errors.New("resume replay interrupted")
)

// Session is one logical client identity. It survives transport
// disconnects while resumable and owns the players of every guild the
// client controls.
type Session struct {
	id         string
	userID     string
	clientName string

	bus        *Bus
	players    PlayerManager
	media      MediaClient
	maxPending int
	onTimeout  func(*Session)
	logger     *slog.Logger

	mu            sync.Mutex
	st            sessionState
	resumable     bool
	resumeTimeout time.Duration
	guilds        map[string]Player
}

type sessionDeps struct {
	bus           *Bus
	players       PlayerManager
	media         MediaBackend
	resumeTimeout time.Duration
	maxPending    int
	onTimeout     func(*Session)
	logger        *slog.Logger
}

func newSession(id string, hs Handshake, t Transport, d sessionDeps) *Session {
	media := d.media
	if media == nil {
		media = nopMedia{}
	}
	return &Session{
		id:            id,
		userID:        hs.UserID,
		clientName:    hs.ClientName,
		bus:           d.bus,
		players:       d.players,
		media:         media.NewClient(hs.UserID),
		maxPending:    d.maxPending,
		onTimeout:     d.onTimeout,
		logger:        d.logger.With(slog.String("session_id", id)),
		st:            activeState{transport: t},
		resumeTimeout: d.resumeTimeout,
		guilds:        make(map[string]Player),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) UserID() string     { return s.userID }
func (s *Session) ClientName() string { return s.clientName }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.state()
}

func (s *Session) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumable
}

func (s *Session) ResumeTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeTimeout
}

// ResumeDeadline returns when a paused session expires.
func (s *Session) ResumeDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.st.(*pausedState); ok {
		return ps.deadline, true
	}
	return time.Time{}, false
}

// PendingCount returns the number of messages buffered while paused.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.st.(*pausedState); ok {
		return len(ps.queue)
	}
	return 0
}

// Configure updates the resume settings and returns the resulting values.
// A running resume timer keeps its original deadline.
func (s *Session) Configure(resuming *bool, timeout *time.Duration) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resuming != nil {
		s.resumable = *resuming
	}
	if timeout != nil && *timeout > 0 {
		s.resumeTimeout = *timeout
	}
	return s.resumable, s.resumeTimeout
}

// SendMessage serializes msg and writes it to the transport, or buffers it
// while the session is paused. Messages from concurrent producers reach the
// transport in the order their SendMessage calls acquired the session.
func (s *Session) SendMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	if err := s.send(data); err != nil {
		return err
	}
	return s.bus.OnWebSocketMessageOut(s, data)
}

func (s *Session) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.st.(type) {
	case activeState:
		if err := st.transport.Send(data); err != nil {
			return fmt.Errorf("send to %s: %w", st.transport.RemoteAddr(), err)
		}
	case *pausedState:
		if n := st.enqueue(data, s.maxPending); n > 0 {
			s.logger.Warn("Resume queue full, dropped oldest messages",
				slog.Int("dropped", n),
				slog.Int("dropped_total", st.dropped),
			)
		}
	default:
		return ErrSessionClosed
	}
	return nil
}

// SendPlayerUpdate sends the current state of p.
func (s *Session) SendPlayerUpdate(p Player) error {
	return s.SendMessage(protocol.NewPlayerUpdate(p.GuildID(), p.State()))
}

// Player returns the player of guildID, or nil.
func (s *Session) Player(guildID string) Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guilds[guildID]
}

// Players returns the current players ordered by guild id.
func (s *Session) Players() []Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playersLocked()
}

func (s *Session) playersLocked() []Player {
	players := make([]Player, 0, len(s.guilds))
	for _, p := range s.guilds {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].GuildID() < players[j].GuildID() })
	return players
}

// GetOrCreatePlayer returns the player of guildID, creating it through the
// PlayerManager on first use. OnNewPlayer fires once per guild. A non-nil
// player may be returned together with a listener error.
func (s *Session) GetOrCreatePlayer(guildID string) (Player, error) {
	s.mu.Lock()
	if _, closed := s.st.(closedState); closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if p, ok := s.guilds[guildID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	if s.players == nil {
		return nil, errors.New("no player manager configured")
	}
	// Created outside the lock so the manager may call back into s.
	p, err := s.players.CreatePlayer(s, guildID)
	if err != nil {
		return nil, fmt.Errorf("create player for guild %s: %w", guildID, err)
	}

	s.mu.Lock()
	if _, closed := s.st.(closedState); closed {
		s.mu.Unlock()
		p.Destroy()
		return nil, ErrSessionClosed
	}
	if existing, ok := s.guilds[guildID]; ok {
		s.mu.Unlock()
		p.Destroy()
		return existing, nil
	}
	s.guilds[guildID] = p
	s.mu.Unlock()

	return p, s.bus.OnNewPlayer(s, p)
}

// DestroyPlayer removes and releases the player of guildID. Missing guilds
// are a no-op.
func (s *Session) DestroyPlayer(guildID string) error {
	s.mu.Lock()
	p, ok := s.guilds[guildID]
	if ok {
		delete(s.guilds, guildID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.bus.OnDestroyPlayer(s, p)
	p.Destroy()
	s.media.DestroyConnection(guildID)
	return err
}

// MediaConnection returns the media-backend connection of guildID. Gateway
// events of the connection are forwarded to the client.
func (s *Session) MediaConnection(guildID string) (MediaConnection, error) {
	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}
	return s.media.GetOrCreateConnection(guildID, &gatewayForwarder{session: s, guildID: guildID})
}

func (s *Session) ownsTransport(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.st.(activeState)
	return ok && st.transport.ID() == t.ID()
}

// pause moves an active session to paused and arms the resume timer.
func (s *Session) pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.(activeState); !ok {
		return ErrNotActive
	}
	ps := &pausedState{deadline: time.Now().Add(s.resumeTimeout)}
	ps.timer = time.AfterFunc(s.resumeTimeout, func() { s.onTimeout(s) })
	s.st = ps
	return nil
}

// repause returns a session whose replay failed to paused. The deadline of
// the interrupted pause still applies. Caller holds s.mu.
func (s *Session) repause(prev *pausedState, queue [][]byte) {
	ps := &pausedState{deadline: prev.deadline, queue: queue, dropped: prev.dropped}
	ps.timer = time.AfterFunc(time.Until(prev.deadline), func() { s.onTimeout(s) })
	s.st = ps
}

// resume attaches t to a paused session, then replays everything buffered
// followed by a full state snapshot of every player.
func (s *Session) resume(t Transport) error {
	s.mu.Lock()
	ps, ok := s.st.(*pausedState)
	if !ok {
		s.mu.Unlock()
		return ErrNotPaused
	}
	ps.timer.Stop()
	s.st = activeState{transport: t}

	fresh := make([][]byte, 0, len(s.guilds)+1)
	ready, err := json.Marshal(protocol.NewReady(true, s.id))
	if err != nil {
		s.repause(ps, ps.queue)
		s.mu.Unlock()
		return err
	}
	fresh = append(fresh, ready)

	out := make([][]byte, 0, len(ps.queue)+len(s.guilds)+1)
	out = append(out, ready)
	out = append(out, ps.queue...)
	for _, p := range s.playersLocked() {
		data, err := json.Marshal(protocol.NewPlayerUpdate(p.GuildID(), p.State()))
		if err != nil {
			s.logger.Warn("Failed to encode player snapshot", slog.String("guild_id", p.GuildID()), slog.String("error", err.Error()))
			continue
		}
		out = append(out, data)
		fresh = append(fresh, data)
	}
	for i, data := range out {
		if err := t.Send(data); err != nil {
			// Keep every buffered message not known to be delivered. Player
			// snapshots are rebuilt on the next resume.
			var tail [][]byte
			if unsent := max(i-1, 0); unsent < len(ps.queue) {
				tail = ps.queue[unsent:]
			}
			s.repause(ps, tail)
			s.mu.Unlock()
			s.logger.Warn("Replay interrupted, session paused again",
				slog.Int("sent", i),
				slog.Int("requeued", len(tail)),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%w: %w", ErrReplayInterrupted, err)
		}
	}
	replayed := len(ps.queue)
	ps.queue = nil
	s.mu.Unlock()
	s.logger.Info("Replayed buffered messages", slog.Int("count", replayed))

	var errs []error
	for _, data := range fresh {
		if err := s.bus.OnWebSocketMessageOut(s, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// teardown is what a session releases once it has left the registry.
type teardown struct {
	transport Transport
	players   []Player
}

// detach moves the session to closed and hands back what must be released.
// It returns nil when the session was already closed.
func (s *Session) detach() *teardown {
	s.mu.Lock()
	defer s.mu.Unlock()

	td := &teardown{}
	switch st := s.st.(type) {
	case closedState:
		return nil
	case *pausedState:
		st.timer.Stop()
		st.queue = nil
	case activeState:
		td.transport = st.transport
	}
	s.st = closedState{}
	td.players = s.playersLocked()
	s.guilds = make(map[string]Player)
	return td
}

// release frees everything detach collected. It must run without any lock
// held because it notifies listeners.
func (s *Session) release(td *teardown, code int, reason string) error {
	if td == nil {
		return nil
	}
	var errs []error
	if td.transport != nil {
		if err := td.transport.Close(code, reason); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	for _, p := range td.players {
		if err := s.bus.OnDestroyPlayer(s, p); err != nil {
			errs = append(errs, err)
		}
		p.Destroy()
		s.media.DestroyConnection(p.GuildID())
	}
	s.media.Close()
	if err := s.bus.OnSessionDestroyed(s); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Session) close(code int, reason string) error {
	return s.release(s.detach(), code, reason)
}
