package auth

import (
	"sync"
	"time"
)

const (
	keyFailureWindow  = 5 * time.Minute
	keyFailureLimit   = 20
	maxTrackedSources = 10000
)

// keyGuard counts rejected API keys per client address. An address with
// limit rejections inside the trailing window is blocked until the
// oldest of them ages out.
type keyGuard struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	sources map[string][]time.Time
	now     func() time.Time
}

func newKeyGuard(window time.Duration, limit int) *keyGuard {
	return &keyGuard{
		window:  window,
		limit:   limit,
		sources: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// live drops rejections older than the window and returns what is left.
// Callers hold mu.
func (g *keyGuard) live(addr string, since time.Time) []time.Time {
	kept := g.sources[addr][:0]
	for _, at := range g.sources[addr] {
		if at.After(since) {
			kept = append(kept, at)
		}
	}

	if len(kept) == 0 {
		delete(g.sources, addr)
		return nil
	}

	g.sources[addr] = kept

	return kept
}

// blocked reports whether addr has used up its rejections.
func (g *keyGuard) blocked(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.live(addr, g.now().Add(-g.window))) >= g.limit
}

// reject counts one refused key from addr. Once too many addresses are
// tracked, the ones with nothing left inside the window are forgotten.
func (g *keyGuard) reject(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if len(g.sources) >= maxTrackedSources {
		since := now.Add(-g.window)
		for other := range g.sources {
			g.live(other, since)
		}
	}

	g.sources[addr] = append(g.sources[addr], now)
}
