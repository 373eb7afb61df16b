package metrics

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/streamnode/node/internal/protocol"
	"github.com/streamnode/node/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct{ id string }

func newFakeTransport() *fakeTransport { return &fakeTransport{id: uuid.NewString()} }

func (t *fakeTransport) ID() string              { return t.id }
func (t *fakeTransport) RemoteAddr() string      { return "127.0.0.1:1" }
func (t *fakeTransport) Send([]byte) error       { return nil }
func (t *fakeTransport) Close(int, string) error { return nil }

type fakePlayer struct{ guild string }

func (p *fakePlayer) GuildID() string                    { return p.guild }
func (p *fakePlayer) IsPlaying() bool                    { return true }
func (p *fakePlayer) State() protocol.PlayerState        { return protocol.PlayerState{} }
func (p *fakePlayer) FrameCounter() session.FrameCounter { return session.FrameCounter{} }
func (p *fakePlayer) Destroy()                           {}

type playerManager struct{}

func (playerManager) CreatePlayer(_ *session.Session, guildID string) (session.Player, error) {
	return &fakePlayer{guild: guildID}, nil
}

func newTestRegistry(t *testing.T) (*Metrics, *session.Registry) {
	t.Helper()
	m := New()
	l := NewListener(m, nil)
	reg := session.NewRegistry(session.Options{
		Players: playerManager{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, l)
	l.SetSource(reg)
	return m, reg
}

func TestListener_SessionLifecycle(t *testing.T) {
	m, reg := newTestRegistry(t)

	tr := newFakeTransport()
	s, err := reg.OnConnectionEstablished(tr, session.Handshake{UserID: "1"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsOpened.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesOut), "ready message")

	_, err = s.GetOrCreatePlayer("g1")
	require.NoError(t, err)
	_, err = s.GetOrCreatePlayer("g2")
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Players))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PlayingPlayers))

	on, timeout := true, time.Minute
	s.Configure(&on, &timeout)
	reg.OnConnectionClosed(tr, 1006, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsPaused))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Sessions.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("paused")))

	_, err = reg.OnConnectionEstablished(newFakeTransport(), session.Handshake{UserID: "1", SessionID: s.ID()})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsOpened.WithLabelValues("true")))

	reg.Shutdown()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsDestroyed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Players))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Sessions.WithLabelValues("active")))
}

func TestRecordListenerFailures(t *testing.T) {
	m := New()
	err := session.ListenerErrors{
		{Index: 0, Event: session.EventPaused, Err: errors.New("a")},
		{Index: 2, Event: session.EventPaused, Err: errors.New("b")},
		{Index: 1, Event: session.EventNewPlayer, Err: errors.New("c")},
	}

	m.RecordListenerFailures(err)
	m.RecordListenerFailures(errors.New("unrelated"))
	m.RecordListenerFailures(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ListenerFailures.WithLabelValues("sessionPaused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ListenerFailures.WithLabelValues("newPlayer")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordStatsTickFailure()
	m.SetSessions(3, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, body, "node_stats_tick_failures_total 1")
	assert.Contains(t, body, `node_sessions{state="active"} 3`)
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collector registered")
}
