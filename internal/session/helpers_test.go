package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/streamnode/node/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	id string

	mu         sync.Mutex
	sent       [][]byte
	closed     bool
	closeCode  int
	sendErr    error
	sendLimit  int // sends beyond this many fail; 0 disables
	closePanic bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.NewString()}
}

func (t *fakeTransport) ID() string         { return t.id }
func (t *fakeTransport) RemoteAddr() string { return "127.0.0.1:50000" }

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if t.sendLimit > 0 && len(t.sent) >= t.sendLimit {
		return errors.New("connection reset")
	}
	if t.closed {
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, append([]byte(nil), data...))
	return nil
}

func (t *fakeTransport) Close(code int, _ string) error {
	if t.closePanic {
		panic("close exploded")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

func (t *fakeTransport) isClosed() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

// messages decodes every frame sent so far.
func (t *fakeTransport) messages(tb testing.TB) []map[string]any {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.sent))
	for _, raw := range t.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			tb.Fatalf("decode %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

type fakePlayer struct {
	guild     string
	playing   bool
	frames    FrameCounter
	destroyed atomic.Int32
}

func (p *fakePlayer) GuildID() string            { return p.guild }
func (p *fakePlayer) IsPlaying() bool            { return p.playing }
func (p *fakePlayer) FrameCounter() FrameCounter { return p.frames }
func (p *fakePlayer) Destroy()                   { p.destroyed.Add(1) }

func (p *fakePlayer) State() protocol.PlayerState {
	return protocol.PlayerState{Time: 1, Position: 42, Connected: true}
}

type fakePlayerManager struct {
	mu      sync.Mutex
	created []*fakePlayer
}

func (m *fakePlayerManager) CreatePlayer(_ *Session, guildID string) (Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &fakePlayer{guild: guildID}
	m.created = append(m.created, p)
	return p, nil
}

func (m *fakePlayerManager) players() []*fakePlayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*fakePlayer(nil), m.created...)
}

type fakeMedia struct {
	mu        sync.Mutex
	destroyed []string
	closed    int
}

func (m *fakeMedia) NewClient(string) MediaClient { return m }

func (m *fakeMedia) GetOrCreateConnection(string, GatewayListener) (MediaConnection, error) {
	return nopMedia{}, nil
}

func (m *fakeMedia) DestroyConnection(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = append(m.destroyed, guildID)
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *fakeMedia) destroyedGuilds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.destroyed...)
}

// recordingListener appends "<name>:<event>" to a shared log.
type recordingListener struct {
	name string
	log  *eventLog
	err  error
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(e string) int {
	n := 0
	for _, got := range l.all() {
		if got == e {
			n++
		}
	}
	return n
}

func (r *recordingListener) record(event Event) error {
	r.log.add(r.name + ":" + string(event))
	return r.err
}

func (r *recordingListener) OnWebSocketOpen(_ *Session, resumed bool) error {
	if resumed {
		r.log.add(r.name + ":resumed")
	}
	return r.record(EventWebSocketOpen)
}

func (r *recordingListener) OnSessionPaused(*Session) error    { return r.record(EventPaused) }
func (r *recordingListener) OnSessionDestroyed(*Session) error { return r.record(EventDestroyed) }
func (r *recordingListener) OnWebSocketMessageOut(*Session, []byte) error {
	return nil
}
func (r *recordingListener) OnNewPlayer(*Session, Player) error     { return r.record(EventNewPlayer) }
func (r *recordingListener) OnDestroyPlayer(*Session, Player) error { return r.record(EventDestroyPlayer) }

func ops(msgs []map[string]any) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		op, _ := m["op"].(string)
		out[i] = op
	}
	return out
}
