package metrics

import (
	"github.com/streamnode/node/internal/session"
)

// Source reports the sessions the gauges are computed from.
// *session.Registry implements it.
type Source interface {
	Counts() (active, paused int)
	Sessions() []*session.Session
}

// Listener records session lifecycle events. Gauges are recomputed from the
// source on every event that can change them.
type Listener struct {
	m   *Metrics
	src Source
}

func NewListener(m *Metrics, src Source) *Listener {
	return &Listener{m: m, src: src}
}

// SetSource binds the source. Must be called before the first session opens.
func (l *Listener) SetSource(src Source) {
	l.src = src
}

func (l *Listener) OnWebSocketOpen(_ *session.Session, resumed bool) error {
	l.m.SessionsOpened.WithLabelValues(resumedLabel(resumed)).Inc()
	l.refreshSessions()
	return nil
}

func (l *Listener) OnSessionPaused(*session.Session) error {
	l.m.SessionsPaused.Inc()
	l.refreshSessions()
	return nil
}

func (l *Listener) OnSessionDestroyed(*session.Session) error {
	l.m.SessionsDestroyed.Inc()
	l.refreshSessions()
	l.refreshPlayers()
	return nil
}

func (l *Listener) OnWebSocketMessageOut(*session.Session, []byte) error {
	l.m.MessagesOut.Inc()
	return nil
}

func (l *Listener) OnNewPlayer(*session.Session, session.Player) error {
	l.refreshPlayers()
	return nil
}

func (l *Listener) OnDestroyPlayer(*session.Session, session.Player) error {
	l.refreshPlayers()
	return nil
}

func (l *Listener) refreshSessions() {
	if l.src == nil {
		return
	}
	l.m.SetSessions(l.src.Counts())
}

func (l *Listener) refreshPlayers() {
	if l.src == nil {
		return
	}
	var total, playing int
	for _, s := range l.src.Sessions() {
		for _, p := range s.Players() {
			total++
			if p.IsPlaying() {
				playing++
			}
		}
	}
	l.m.SetPlayers(total, playing)
}
