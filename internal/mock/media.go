package mock

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/streamnode/node/internal/protocol"
	"github.com/streamnode/node/internal/routeplanner"
	"github.com/streamnode/node/internal/session"
)

// MediaBackend simulates voice connections. A connection reports gateway
// ready shortly after Connect.
type MediaBackend struct {
	readyDelay time.Duration

	mu    sync.Mutex
	conns map[string]*connection // userID/guildID
}

func NewMediaBackend(readyDelay time.Duration) *MediaBackend {
	return &MediaBackend{readyDelay: readyDelay, conns: make(map[string]*connection)}
}

func connKey(userID, guildID string) string {
	return userID + "/" + guildID
}

func (b *MediaBackend) NewClient(userID string) session.MediaClient {
	return &mediaClient{backend: b, userID: userID}
}

// Connected reports whether the connection of guildID reached gateway ready.
func (b *MediaBackend) Connected(userID, guildID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connKey(userID, guildID)]
	return ok && c.ready
}

func (b *MediaBackend) Ping(userID, guildID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[connKey(userID, guildID)]; ok && c.ready {
		return c.ping
	}
	return -1
}

type mediaClient struct {
	backend *MediaBackend
	userID  string
}

func (c *mediaClient) GetOrCreateConnection(guildID string, l session.GatewayListener) (session.MediaConnection, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	key := connKey(c.userID, guildID)
	if conn, ok := b.conns[key]; ok {
		conn.listener = l
		return conn, nil
	}
	conn := &connection{backend: b, listener: l}
	b.conns[key] = conn
	return conn, nil
}

func (c *mediaClient) DestroyConnection(guildID string) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	key := connKey(c.userID, guildID)
	if conn, ok := b.conns[key]; ok {
		conn.closed = true
		delete(b.conns, key)
	}
}

func (c *mediaClient) Close() {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := c.userID + "/"
	for key, conn := range b.conns {
		if strings.HasPrefix(key, prefix) {
			conn.closed = true
			delete(b.conns, key)
		}
	}
}

type connection struct {
	backend  *MediaBackend
	listener session.GatewayListener

	// guarded by backend.mu
	ready  bool
	closed bool
	ping   int64
}

func (c *connection) Connect(voice protocol.VoiceState) error {
	if voice.Token == "" || voice.Endpoint == "" || voice.SessionID == "" {
		return errors.New("voice state requires token, endpoint and sessionId")
	}
	go func() {
		time.Sleep(c.backend.readyDelay)
		b := c.backend
		b.mu.Lock()
		if c.closed {
			b.mu.Unlock()
			return
		}
		c.ready = true
		c.ping = int64(20 + rand.Intn(30))
		l := c.listener
		b.mu.Unlock()
		l.GatewayReady()
	}()
	return nil
}

// Planner is a route planner over a fixed address block that never
// rotates. Bursting players mark addresses of the block as failing.
type Planner struct {
	block   *net.IPNet
	size    int
	failing *routeplanner.FailingAddresses
}

// NewPlanner creates a planner for an IPv4 CIDR such as "10.0.0.0/28".
func NewPlanner(cidr string) (*Planner, error) {
	_, block, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	ones, bits := block.Mask.Size()
	if bits != 32 || bits-ones > 16 {
		return nil, errors.New("mock planner supports IPv4 blocks of at most 65536 addresses")
	}
	return &Planner{block: block, size: 1 << (bits - ones), failing: routeplanner.NewFailingAddresses()}, nil
}

func (p *Planner) Status() routeplanner.Status {
	return routeplanner.Status{
		Class: "StaticIpRoutePlanner",
		Details: routeplanner.Details{
			IPBlock:          routeplanner.IPBlock{Type: "Inet4Address", Size: strconv.Itoa(p.size)},
			FailingAddresses: p.failing.List(),
			CurrentAddress:   p.block.IP.String(),
		},
	}
}

func (p *Planner) FreeAddress(ip net.IP) error {
	if !p.block.Contains(ip) {
		return errors.New("address not in the configured block")
	}
	p.failing.Free(ip)
	return nil
}

func (p *Planner) FreeAllAddresses() {
	p.failing.FreeAll()
}

func (p *Planner) markRandom(rng *rand.Rand) {
	base := p.block.IP.To4()
	n := rng.Intn(p.size)
	ip := net.IPv4(base[0], base[1], byte(int(base[2])+n>>8), byte(int(base[3])+n&0xff))
	p.failing.Mark(ip)
}
