package routeplanner

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Planner is the administration contract of an outbound address planner.
type Planner interface {
	Status() Status
	FreeAddress(ip net.IP) error
	FreeAllAddresses()
}

// Status describes a planner for GET /v4/routeplanner/status.
type Status struct {
	Class   string  `json:"class"`
	Details Details `json:"details"`
}

type Details struct {
	IPBlock          IPBlock          `json:"ipBlock"`
	FailingAddresses []FailingAddress `json:"failingAddresses"`
	CurrentAddress   string           `json:"currentAddress,omitempty"`
}

type IPBlock struct {
	Type string `json:"type"`
	Size string `json:"size"`
}

type FailingAddress struct {
	Address   string `json:"failingAddress"`
	Timestamp int64  `json:"failingTimestamp"`
	Time      string `json:"failingTime"`
}

// FailingAddresses records addresses that were rate limited and when.
type FailingAddresses struct {
	mu    sync.Mutex
	addrs map[string]time.Time
	now   func() time.Time
}

func NewFailingAddresses() *FailingAddresses {
	return &FailingAddresses{addrs: make(map[string]time.Time), now: time.Now}
}

// Mark records ip as failing now.
func (f *FailingAddresses) Mark(ip net.IP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[ip.String()] = f.now()
}

func (f *FailingAddresses) IsFailing(ip net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.addrs[ip.String()]
	return ok
}

// Free removes ip and reports whether it was failing.
func (f *FailingAddresses) Free(ip net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ip.String()
	_, ok := f.addrs[key]
	delete(f.addrs, key)
	return ok
}

func (f *FailingAddresses) FreeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.addrs)
}

// List returns the failing addresses, oldest failure first.
func (f *FailingAddresses) List() []FailingAddress {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FailingAddress, 0, len(f.addrs))
	for addr, at := range f.addrs {
		out = append(out, FailingAddress{
			Address:   addr,
			Timestamp: at.UnixMilli(),
			Time:      at.UTC().Format(time.RFC1123),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func (f *FailingAddresses) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.addrs)
}
