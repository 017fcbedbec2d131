package realclock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultInterval is the heartbeat period.
const DefaultInterval = time.Second

// Format selects 12 or 24 hour rendering in FormatTime.
type Format string

const (
	Format12h Format = "12h"
	Format24h Format = "24h"
)

// Tick is delivered to every subscriber on each heartbeat.
type Tick struct {
	CurrentTime time.Time     `json:"current_time"`
	Timezone    string        `json:"timezone"`
	UTCOffset   time.Duration `json:"utc_offset"`
}

// Clock is the wall-clock heartbeat shared by the whole process.
// Construct one in main and hand it to whoever needs it.
type Clock struct {
	clock    clockwork.Clock
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	subs    map[uint64]func(Tick)
	nextID  uint64
	running bool
	ticker  clockwork.Ticker
	done    chan struct{}
}

// New creates a stopped heartbeat. A zero interval means DefaultInterval.
func New(clock clockwork.Clock, interval time.Duration, logger zerolog.Logger) *Clock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Clock{
		clock:    clock,
		interval: interval,
		log:      logger.With().Str("component", "realclock").Logger(),
		subs:     make(map[uint64]func(Tick)),
	}
}

// Start begins the heartbeat and notifies subscribers once right away.
// Calling Start on a running clock does nothing.
func (c *Clock) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.ticker = c.clock.NewTicker(c.interval)
	c.done = make(chan struct{})
	ticker, done := c.ticker, c.done
	c.mu.Unlock()

	c.log.Debug().Dur("interval", c.interval).Msg("heartbeat started")
	c.emit()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				c.emit()
			}
		}
	}()
}

// Stop halts the heartbeat. Subscribers stay registered.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.ticker.Stop()
	close(c.done)
	c.log.Debug().Msg("heartbeat stopped")
}

// Running reports whether the heartbeat is active.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Subscribe registers fn for every heartbeat. The returned function
// removes it and may be called more than once.
func (c *Clock) Subscribe(fn func(Tick)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Now returns the current tick without waiting for the heartbeat.
func (c *Clock) Now() Tick {
	return makeTick(c.clock.Now())
}

func (c *Clock) emit() {
	tick := makeTick(c.clock.Now())

	c.mu.Lock()
	fns := make([]func(Tick), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(tick)
	}
}

func makeTick(now time.Time) Tick {
	_, offset := now.Zone()
	return Tick{
		CurrentTime: now,
		Timezone:    now.Location().String(),
		UTCOffset:   time.Duration(offset) * time.Second,
	}
}

// FormatTime renders t as hours and minutes. Unknown formats fall back to 24h.
func FormatTime(t time.Time, format Format) string {
	if format == Format12h {
		return t.Format("3:04 PM")
	}
	return t.Format("15:04")
}

// ParseFormat maps "12h"/"24h" to a Format, defaulting to 24h.
func ParseFormat(s string) Format {
	if Format(s) == Format12h {
		return Format12h
	}
	return Format24h
}
