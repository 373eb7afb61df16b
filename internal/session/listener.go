package session

import (
	"fmt"
	"strings"
)

// Event names a session lifecycle notification.
type Event string

const (
	EventWebSocketOpen Event = "webSocketOpen"
	EventPaused        Event = "sessionPaused"
	EventDestroyed     Event = "sessionDestroyed"
	EventMessageOut    Event = "webSocketMessageOut"
	EventNewPlayer     Event = "newPlayer"
	EventDestroyPlayer Event = "destroyPlayer"
)

// Listener observes the lifecycle of every Session. Implementations are
// invoked sequentially and never while a session or registry lock is held,
// so they may call back into the Session.
type Listener interface {
	OnWebSocketOpen(s *Session, resumed bool) error
	OnSessionPaused(s *Session) error
	OnSessionDestroyed(s *Session) error
	OnWebSocketMessageOut(s *Session, msg []byte) error
	OnNewPlayer(s *Session, p Player) error
	OnDestroyPlayer(s *Session, p Player) error
}

// NopListener implements Listener with no-ops. Embed it to observe only a
// subset of events.
type NopListener struct{}

func (NopListener) OnWebSocketOpen(*Session, bool) error         { return nil }
func (NopListener) OnSessionPaused(*Session) error               { return nil }
func (NopListener) OnSessionDestroyed(*Session) error            { return nil }
func (NopListener) OnWebSocketMessageOut(*Session, []byte) error { return nil }
func (NopListener) OnNewPlayer(*Session, Player) error           { return nil }
func (NopListener) OnDestroyPlayer(*Session, Player) error       { return nil }

// ListenerError records the failure of one listener for one event.
type ListenerError struct {
	Index    int
	Listener Listener
	Event    Event
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %d (%T) on %s: %v", e.Index, e.Listener, e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

// ListenerErrors aggregates every listener failure of a single dispatch.
type ListenerErrors []*ListenerError

func (es ListenerErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d listener(s) failed: %s", len(es), strings.Join(msgs, "; "))
}

func (es ListenerErrors) Unwrap() []error {
	errs := make([]error, len(es))
	for i, e := range es {
		errs[i] = e
	}
	return errs
}

// Bus dispatches lifecycle events to a fixed, ordered listener set. Every
// listener runs for every event regardless of earlier failures; the bus
// itself satisfies Listener so buses can be nested.
type Bus struct {
	listeners []Listener
}

var _ Listener = (*Bus)(nil)

func NewBus(listeners ...Listener) *Bus {
	b := &Bus{listeners: make([]Listener, 0, len(listeners))}
	for _, l := range listeners {
		if l != nil {
			b.listeners = append(b.listeners, l)
		}
	}
	return b
}

// Len returns the number of bound listeners.
func (b *Bus) Len() int {
	return len(b.listeners)
}

func (b *Bus) OnWebSocketOpen(s *Session, resumed bool) error {
	return b.dispatch(EventWebSocketOpen, func(l Listener) error { return l.OnWebSocketOpen(s, resumed) })
}

func (b *Bus) OnSessionPaused(s *Session) error {
	return b.dispatch(EventPaused, func(l Listener) error { return l.OnSessionPaused(s) })
}

func (b *Bus) OnSessionDestroyed(s *Session) error {
	return b.dispatch(EventDestroyed, func(l Listener) error { return l.OnSessionDestroyed(s) })
}

func (b *Bus) OnWebSocketMessageOut(s *Session, msg []byte) error {
	return b.dispatch(EventMessageOut, func(l Listener) error { return l.OnWebSocketMessageOut(s, msg) })
}

func (b *Bus) OnNewPlayer(s *Session, p Player) error {
	return b.dispatch(EventNewPlayer, func(l Listener) error { return l.OnNewPlayer(s, p) })
}

func (b *Bus) OnDestroyPlayer(s *Session, p Player) error {
	return b.dispatch(EventDestroyPlayer, func(l Listener) error { return l.OnDestroyPlayer(s, p) })
}

func (b *Bus) dispatch(event Event, fn func(Listener) error) error {
	var errs ListenerErrors
	for i, l := range b.listeners {
		if err := invoke(l, fn); err != nil {
			errs = append(errs, &ListenerError{Index: i, Listener: l, Event: event, Err: err})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// invoke converts a listener panic into an error.
func invoke(l Listener, fn func(Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(l)
}
