package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/streamnode/node/internal/protocol"
)

const DefaultResumeTimeout = 60 * time.Second

var ErrRegistryClosed = errors.New("registry shut down")

type Options struct {
	// ResumeTimeout is the initial resume window of new sessions.
	ResumeTimeout time.Duration
	// MaxPendingMessages caps the resume queue of a paused session; the
	// oldest messages are dropped first. Zero means unbounded.
	MaxPendingMessages int
	Players            PlayerManager
	Media              MediaBackend
	Logger             *slog.Logger
}

// Registry owns every active and paused Session of the node. A session id
// is in at most one of the two maps; both are guarded by one mutex so a
// move between them is atomic.
type Registry struct {
	opts   Options
	bus    *Bus
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*Session
	paused map[string]*Session
	conns  map[string]string // transport id -> session id
	closed bool
}

// NewRegistry creates a registry whose sessions notify listeners in the
// given order.
func NewRegistry(opts Options, listeners ...Listener) *Registry {
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = DefaultResumeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		opts:   opts,
		bus:    NewBus(listeners...),
		logger: opts.Logger,
		active: make(map[string]*Session),
		paused: make(map[string]*Session),
		conns:  make(map[string]string),
	}
}

// OnConnectionEstablished binds an accepted transport to a session. A
// handshake naming a paused session resumes it; anything else, including a
// resume attempt after expiry, gets a fresh session. A non-nil session may
// be returned together with an error describing listener failures.
func (r *Registry) OnConnectionEstablished(t Transport, hs Handshake) (*Session, error) {
	if hs.SessionID != "" {
		if s := r.claimPaused(hs.SessionID, t); s != nil {
			if err := s.resume(t); err != nil {
				if td := r.unclaim(s, t); td != nil {
					_ = s.release(td, CloseGoingAway, "server shutting down")
				} else if d, ok := s.ResumeDeadline(); ok && !time.Now().Before(d) {
					// The timer fired while the session was out of the paused map.
					r.onSessionResumeTimeout(s)
				}
				return nil, fmt.Errorf("resume session %s: %w", s.id, err)
			}
			r.logger.Info("Resumed session",
				slog.String("session_id", s.id),
				slog.String("remote_addr", t.RemoteAddr()),
			)
			return s, s.bus.OnWebSocketOpen(s, true)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	id := r.uniqueIDLocked()
	s := newSession(id, hs, t, r.deps())
	r.active[id] = s
	r.conns[t.ID()] = id
	r.mu.Unlock()

	var errs []error
	if err := s.SendMessage(protocol.NewReady(false, id)); err != nil {
		errs = append(errs, fmt.Errorf("send ready: %w", err))
	}
	if err := s.bus.OnWebSocketOpen(s, false); err != nil {
		errs = append(errs, err)
	}

	if hs.ClientName != "" {
		r.logger.Info("Connection established",
			slog.String("session_id", id),
			slog.String("client_name", hs.ClientName),
			slog.String("remote_addr", t.RemoteAddr()),
		)
	} else {
		r.logger.Warn("Connection established without a Client-Name header",
			slog.String("session_id", id),
			slog.String("user_agent", hs.UserAgent),
			slog.String("remote_addr", t.RemoteAddr()),
		)
	}
	return s, errors.Join(errs...)
}

// claimPaused moves a paused session back to the active map. Whoever removes
// a session from the paused map owns its resume timer.
func (r *Registry) claimPaused(id string, t Transport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.paused[id]
	if !ok {
		return nil
	}
	delete(r.paused, id)
	r.active[id] = s
	r.conns[t.ID()] = id
	return s
}

// unclaim undoes claimPaused after a failed resume. A session that went
// back to paused is resumable again. Once the registry is shut down the
// session is detached instead and the teardown returned.
func (r *Registry) unclaim(s *Session, t Transport) *teardown {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, t.ID())
	if r.active[s.id] == s {
		delete(r.active, s.id)
	}
	if s.State() != StatePaused {
		return nil
	}
	if r.closed {
		return s.detach()
	}
	if _, taken := r.paused[s.id]; !taken {
		r.paused[s.id] = s
	}
	return nil
}

func (r *Registry) deps() sessionDeps {
	return sessionDeps{
		bus:           r.bus,
		players:       r.opts.Players,
		media:         r.opts.Media,
		resumeTimeout: r.opts.ResumeTimeout,
		maxPending:    r.opts.MaxPendingMessages,
		onTimeout:     r.onSessionResumeTimeout,
		logger:        r.logger,
	}
}

func (r *Registry) uniqueIDLocked() string {
	for {
		id := newID()
		_, inActive := r.active[id]
		_, inPaused := r.paused[id]
		if !inActive && !inPaused {
			return id
		}
	}
}

// OnConnectionClosed pauses or closes the session that owns t. Transports
// that no longer own a session are ignored.
func (r *Registry) OnConnectionClosed(t Transport, code int, reason string) {
	r.mu.Lock()
	id, ok := r.conns[t.ID()]
	delete(r.conns, t.ID())
	s := r.active[id]
	if !ok || s == nil || !s.ownsTransport(t) {
		r.mu.Unlock()
		return
	}
	delete(r.active, id)

	if !s.Resumable() {
		td := s.detach()
		r.mu.Unlock()
		r.logger.Info("Connection closed",
			slog.String("session_id", id),
			slog.String("remote_addr", t.RemoteAddr()),
			slog.Int("code", code),
			slog.String("reason", reason),
		)
		if err := s.release(td, code, reason); err != nil {
			r.logger.Warn("Session teardown reported errors", slog.String("session_id", id), slog.String("error", err.Error()))
		}
		return
	}

	var orphan *Session
	var orphanTD *teardown
	if o, exists := r.paused[id]; exists && o != s {
		orphan = o
		delete(r.paused, id)
		orphanTD = o.detach()
	}
	if err := s.pause(); err != nil {
		// Unreachable while ownsTransport held; keep the maps consistent anyway.
		td := s.detach()
		r.mu.Unlock()
		_ = s.release(td, code, reason)
		return
	}
	r.paused[id] = s
	r.mu.Unlock()

	if orphan != nil {
		r.logger.Warn("Closed orphaned resumable session sharing the id of a newly paused session",
			slog.String("session_id", id),
		)
		if err := orphan.release(orphanTD, CloseNormal, "replaced"); err != nil {
			r.logger.Warn("Orphan teardown reported errors", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}

	r.logger.Info("Connection closed, session can be resumed",
		slog.String("session_id", id),
		slog.String("remote_addr", t.RemoteAddr()),
		slog.Int("code", code),
		slog.Duration("resume_timeout", s.ResumeTimeout()),
	)
	if err := s.bus.OnSessionPaused(s); err != nil {
		r.logger.Warn("Pause listeners failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// onSessionResumeTimeout closes s when its resume window elapses. It is a
// no-op when s was resumed or replaced first.
func (r *Registry) onSessionResumeTimeout(s *Session) {
	r.mu.Lock()
	if r.paused[s.id] != s {
		r.mu.Unlock()
		return
	}
	delete(r.paused, s.id)
	td := s.detach()
	r.mu.Unlock()

	r.logger.Info("Resume window expired, closing session", slog.String("session_id", s.id))
	if err := s.release(td, CloseNormal, "resume timeout"); err != nil {
		r.logger.Warn("Session teardown reported errors", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
}

// CanResume reports whether id names a paused session.
func (r *Registry) CanResume(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.paused[id]
	return ok
}

// Session returns the active or paused session with id.
func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.active[id]; ok {
		return s, true
	}
	s, ok := r.paused[id]
	return s, ok
}

// Sessions returns every active and paused session ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.active)+len(r.paused))
	for _, s := range r.active {
		result = append(result, s)
	}
	for _, s := range r.paused {
		result = append(result, s)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

func (r *Registry) Counts() (active, paused int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active), len(r.paused)
}

// Shutdown closes every session with a going-away status. Failures of one
// session never prevent the others from closing.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	type pending struct {
		s  *Session
		td *teardown
	}
	all := make([]pending, 0, len(r.active)+len(r.paused))
	for _, s := range r.active {
		all = append(all, pending{s, s.detach()})
	}
	for _, s := range r.paused {
		all = append(all, pending{s, s.detach()})
	}
	r.active = make(map[string]*Session)
	r.paused = make(map[string]*Session)
	r.conns = make(map[string]string)
	r.mu.Unlock()

	for _, p := range all {
		r.shutdownOne(p.s, p.td)
	}
	r.logger.Info("Session registry shut down", slog.Int("sessions", len(all)))
}

func (r *Registry) shutdownOne(s *Session, td *teardown) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic while closing session", slog.String("session_id", s.id), slog.Any("panic", rec))
		}
	}()
	if err := s.release(td, CloseGoingAway, "server shutting down"); err != nil {
		r.logger.Warn("Session shutdown reported errors", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
}
