package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamnode/node/internal/hostmetrics"
	"github.com/streamnode/node/internal/protocol"
	"github.com/streamnode/node/internal/session"
)

// ExpectedFramesPerMinute is the frame count of one uninterrupted player
// over a minute of 20ms frames.
const ExpectedFramesPerMinute = 3000

const DefaultInterval = 60 * time.Second

// Source lists every live session. *session.Registry implements it.
type Source interface {
	Sessions() []*session.Session
}

type Sampler interface {
	Sample(ctx context.Context) (hostmetrics.Sample, error)
}

type Options struct {
	Interval time.Duration
	Sampler  Sampler
	Logger   *slog.Logger
	// OnTickFailure is called for every tick that could not deliver stats.
	OnTickFailure func(s *session.Session, err error)
}

// Broadcaster sends a stats message to every session at a fixed interval.
// It runs one ticker per session, started when a fresh session opens and
// stopped when the session is destroyed.
type Broadcaster struct {
	session.NopListener

	interval  time.Duration
	sampler   Sampler
	logger    *slog.Logger
	onFailure func(*session.Session, error)
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	source Source
	tasks  map[*session.Session]context.CancelFunc
}

func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Sampler == nil {
		opts.Sampler = hostmetrics.NewSampler(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		interval:  opts.Interval,
		sampler:   opts.Sampler,
		logger:    opts.Logger,
		onFailure: opts.OnTickFailure,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[*session.Session]context.CancelFunc),
	}
}

// SetSource binds the session source used for global player counts.
// Must be called before the first session opens.
func (b *Broadcaster) SetSource(src Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = src
}

func (b *Broadcaster) OnWebSocketOpen(s *session.Session, resumed bool) error {
	if resumed {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, running := b.tasks[s]; running {
		return nil
	}
	// A session destroyed before its open event reached us has already had
	// OnSessionDestroyed, so nothing would stop the ticker.
	if s.State() == session.StateClosed {
		return nil
	}
	if b.ctx.Err() != nil {
		return fmt.Errorf("stats broadcaster stopped")
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.tasks[s] = cancel
	b.wg.Add(1)
	go b.run(ctx, s)
	return nil
}

func (b *Broadcaster) OnSessionDestroyed(s *session.Session) error {
	b.mu.Lock()
	cancel, ok := b.tasks[s]
	delete(b.tasks, s)
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Running returns the number of sessions with a live ticker.
func (b *Broadcaster) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// Stop cancels every ticker and waits for them to exit.
func (b *Broadcaster) Stop() {
	b.cancel()
	b.mu.Lock()
	b.tasks = make(map[*session.Session]context.CancelFunc)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broadcaster) run(ctx context.Context, s *session.Session) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx, s)
		}
	}
}

func (b *Broadcaster) tick(ctx context.Context, s *session.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			b.fail(s, fmt.Errorf("panic: %v", rec))
		}
	}()

	st, err := b.Collect(ctx, s)
	if err != nil {
		b.fail(s, err)
		return
	}
	st.Op = protocol.OpStats
	if err := s.SendMessage(st); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		b.fail(s, fmt.Errorf("send stats: %w", err))
	}
}

func (b *Broadcaster) fail(s *session.Session, err error) {
	b.logger.Warn("Stats tick failed",
		slog.String("session_id", s.ID()),
		slog.String("error", err.Error()),
	)
	if b.onFailure != nil {
		b.onFailure(s, err)
	}
}

// Collect builds the stats of the node as seen by s. Player counts cover
// every active and paused session; the frame block covers only the playing
// players of s and is omitted when none has usable data. A nil s yields
// node-wide stats without a frame block.
func (b *Broadcaster) Collect(ctx context.Context, s *session.Session) (protocol.Stats, error) {
	sample, err := b.sampler.Sample(ctx)
	if err != nil {
		return protocol.Stats{}, fmt.Errorf("sample host metrics: %w", err)
	}

	st := protocol.Stats{
		Uptime: time.Since(b.started).Milliseconds(),
		Memory: sample.Memory,
		CPU:    sample.CPU(),
	}

	b.mu.Lock()
	src := b.source
	b.mu.Unlock()
	if src != nil {
		for _, other := range src.Sessions() {
			total, playing := countPlayers(other.Players())
			st.Players += total
			st.PlayingPlayers += playing
		}
	}

	if s != nil {
		st.FrameStats = frameStats(s.Players())
	}
	return st, nil
}

func countPlayers(players []session.Player) (total, playing int) {
	for _, p := range players {
		if p.IsPlaying() {
			playing++
		}
	}
	return len(players), playing
}

// frameStats averages the loss data of playing players over the last minute.
func frameStats(players []session.Player) *protocol.FrameStats {
	var counted, sent, nulled int
	for _, p := range players {
		if !p.IsPlaying() {
			continue
		}
		fc := p.FrameCounter()
		if !fc.Usable {
			continue
		}
		counted++
		sent += fc.Sent
		nulled += fc.Nulled
	}
	if counted == 0 {
		return nil
	}
	deficit := counted*ExpectedFramesPerMinute - (sent + nulled)
	return &protocol.FrameStats{
		Sent:    sent / counted,
		Nulled:  nulled / counted,
		Deficit: deficit / counted,
	}
}
