package provider

import (
	"sync"
	"time"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// KeyPool rotates over a provider's API keys round-robin. A key that hits a
// rate limit can be parked for a cool-down; parked keys are skipped until
// the cool-down expires. When every key is parked the pool still returns
// the least recently parked one rather than failing outright.
type KeyPool struct {
	mu     sync.Mutex
	keys   []string
	next   int
	parked map[string]time.Time
	now    func() time.Time
}

// NewKeyPool creates a pool over the given keys
func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{
		keys:   append([]string(nil), keys...),
		parked: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Next returns the next usable key
func (p *KeyPool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", types.NewError(types.ErrProviderAuth, "no API keys configured")
	}

	now := p.now()
	for i := 0; i < len(p.keys); i++ {
		key := p.keys[p.next]
		p.next = (p.next + 1) % len(p.keys)
		until, isParked := p.parked[key]
		if !isParked || now.After(until) {
			delete(p.parked, key)
			return key, nil
		}
	}

	// All keys parked; pick the one that frees up soonest.
	best := p.keys[0]
	bestUntil := p.parked[best]
	for _, key := range p.keys[1:] {
		if until := p.parked[key]; until.Before(bestUntil) {
			best, bestUntil = key, until
		}
	}
	return best, nil
}

// Park marks a key as rate-limited for the cool-down duration
func (p *KeyPool) Park(key string, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parked[key] = p.now().Add(cooldown)
}

// Size returns the number of configured keys
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
