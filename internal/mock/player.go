package mock

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/streamnode/node/internal/protocol"
	"github.com/streamnode/node/internal/session"
)

// frameDuration is the length of one audio frame.
const frameDuration = 20 * time.Millisecond

var patterns = []string{"steady", "burst", "stall"}

type Options struct {
	// TickInterval is how often players advance.
	TickInterval time.Duration
	// UpdateInterval is how often players send a playerUpdate.
	UpdateInterval time.Duration
	Media          *MediaBackend
	Planner        *Planner
	Logger         *slog.Logger
}

// PlayerManager creates simulated players that advance on a ticker and
// report their state to the owning session.
type PlayerManager struct {
	opts Options
}

func NewPlayerManager(opts Options) *PlayerManager {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PlayerManager{opts: opts}
}

func (m *PlayerManager) CreatePlayer(s *session.Session, guildID string) (session.Player, error) {
	if guildID == "" {
		return nil, errors.New("empty guild id")
	}
	p := newPlayer(s.UserID(), guildID, patternFor(guildID), m.opts)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx, s)
	return p, nil
}

func patternFor(guildID string) string {
	h := fnv.New32a()
	h.Write([]byte(guildID))
	return patterns[h.Sum32()%uint32(len(patterns))]
}

// Player is a simulated audio player. Its frame counter rolls over every
// minute like a real send loop.
type Player struct {
	userID  string
	guildID string
	pattern string
	media   *MediaBackend
	planner *Planner
	opts    Options
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	rng       *rand.Rand
	tick      int
	playing   bool
	position  time.Duration
	window    time.Duration
	curSent   int
	curNulled int
	last      session.FrameCounter
	destroyed bool
}

func newPlayer(userID, guildID, pattern string, opts Options) *Player {
	h := fnv.New64a()
	h.Write([]byte(userID + "/" + guildID))
	return &Player{
		userID:  userID,
		guildID: guildID,
		pattern: pattern,
		media:   opts.Media,
		planner: opts.Planner,
		opts:    opts,
		done:    make(chan struct{}),
		rng:     rand.New(rand.NewSource(int64(h.Sum64()))),
		playing: true,
	}
}

func (p *Player) GuildID() string { return p.guildID }

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) State() protocol.PlayerState {
	p.mu.Lock()
	position := p.position
	p.mu.Unlock()

	st := protocol.PlayerState{
		Time:     time.Now().UnixMilli(),
		Position: position.Milliseconds(),
		Ping:     -1,
	}
	if p.media != nil && p.media.Connected(p.userID, p.guildID) {
		st.Connected = true
		st.Ping = p.media.Ping(p.userID, p.guildID)
	}
	return st
}

func (p *Player) FrameCounter() session.FrameCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Player) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Player) run(ctx context.Context, s *session.Session) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	updates := time.NewTicker(p.opts.UpdateInterval)
	defer updates.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.advance(p.opts.TickInterval)
		case <-updates.C:
			if err := s.SendPlayerUpdate(p); err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					return
				}
				p.opts.Logger.Debug("Player update not delivered",
					slog.String("guild_id", p.guildID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// advance simulates d of playback.
func (p *Player) advance(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick++

	switch p.pattern {
	case "steady":
		p.advanceSteady(d)
	case "burst":
		p.advanceBurst(d)
	case "stall":
		p.advanceStall(d)
	}

	p.window += d
	if p.window >= time.Minute {
		p.last = session.FrameCounter{Sent: p.curSent, Nulled: p.curNulled, Usable: true}
		p.curSent, p.curNulled = 0, 0
		p.window = 0
	}
}

func (p *Player) advanceSteady(d time.Duration) {
	p.playing = true
	p.position += d
	frames := int(d / frameDuration)
	// Occasionally lose a frame or two.
	lost := 0
	if p.rng.Intn(10) == 0 {
		lost = p.rng.Intn(3)
	}
	p.curSent += frames - lost
	p.curNulled += lost
}

func (p *Player) advanceBurst(d time.Duration) {
	p.playing = true
	p.position += d
	frames := int(d / frameDuration)
	if p.tick%8 < 3 {
		// The outbound address got rate limited; a quarter of the frames
		// were silence.
		nulled := frames / 4
		p.curSent += frames - nulled
		p.curNulled += nulled
		if p.planner != nil {
			p.planner.markRandom(p.rng)
		}
		return
	}
	p.curSent += frames
}

func (p *Player) advanceStall(d time.Duration) {
	// Repeating cycle: play for 40 ticks, paused for 20.
	const cyclePeriod = 60
	if p.tick%cyclePeriod >= 40 {
		p.playing = false
		return
	}
	p.playing = true
	p.position += d
	p.curSent += int(d / frameDuration)
}
