package timewarp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/focusflow/internal/realclock"
)

// ErrInvalidValue is returned by setters given a non-positive or unknown value.
var ErrInvalidValue = errors.New("timewarp: invalid value")

// Mode controls whether the speed multiplier may be changed.
type Mode string

const (
	ModeSpeed  Mode = "speed"
	ModeLocked Mode = "locked"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSpeed, ModeLocked:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: mode %q", ErrInvalidValue, s)
}

// Config holds the initial session settings.
type Config struct {
	SpeedMultiplier     float64
	SlotDurationMinutes float64 // size of each forward jump
	SlotIntervalMinutes float64 // real minutes between jumps
	Mode                Mode
	DisplayInterval     time.Duration // snapshot cadence while running
}

// DefaultConfig returns 1x speed with a 15 minute jump every 30 minutes.
func DefaultConfig() Config {
	return Config{
		SpeedMultiplier:     1,
		SlotDurationMinutes: 15,
		SlotIntervalMinutes: 30,
		Mode:                ModeSpeed,
		DisplayInterval:     100 * time.Millisecond,
	}
}

// Snapshot is an immutable view of the engine handed to subscribers.
type Snapshot struct {
	DisplayTime            time.Time  `json:"display_time"`
	RealTime               time.Time  `json:"real_time"`
	SessionElapsedSeconds  int64      `json:"session_elapsed_seconds"`
	SlotAdvancementMinutes float64    `json:"slot_advancement_minutes"`
	SpeedMultiplier        float64    `json:"speed_multiplier"`
	SlotDurationMinutes    float64    `json:"slot_duration_minutes"`
	SlotIntervalMinutes    float64    `json:"slot_interval_minutes"`
	Mode                   Mode       `json:"mode"`
	IsRunning              bool       `json:"is_running"`
	NextSlotTime           *time.Time `json:"next_slot_time,omitempty"`
}

// Heartbeat is a periodic real-time source, normally *realclock.Clock.
type Heartbeat interface {
	Subscribe(fn func(realclock.Tick)) (unsubscribe func())
}

// session is the per-run state, replaced on every Start.
type session struct {
	start     time.Time
	stoppedAt time.Time
	slotAccum float64 // minutes
	nextSlot  time.Time
}

// Engine computes the manipulated display time of a focus session.
//
// While running, two independent tasks are active: a display ticker that
// publishes snapshots, and a self-rescheduling slot timer that adds
// SlotDurationMinutes to the accumulator every SlotIntervalMinutes.
type Engine struct {
	clock clockwork.Clock
	log   zerolog.Logger

	mu              sync.Mutex
	speed           float64
	slotDuration    float64
	slotInterval    float64
	mode            Mode
	displayInterval time.Duration
	running         bool
	sess            session

	displayTicker clockwork.Ticker
	displayDone   chan struct{}
	slotTimer     clockwork.Timer
	slotGen       uint64

	subs   map[uint64]func(Snapshot)
	nextID uint64

	detach func()
}

// New creates an idle engine. Invalid config values fall back to DefaultConfig.
func New(clock clockwork.Clock, cfg Config, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	def := DefaultConfig()
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = def.SpeedMultiplier
	}
	if cfg.SlotDurationMinutes <= 0 {
		cfg.SlotDurationMinutes = def.SlotDurationMinutes
	}
	if cfg.SlotIntervalMinutes <= 0 {
		cfg.SlotIntervalMinutes = def.SlotIntervalMinutes
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		cfg.Mode = def.Mode
	}
	if cfg.DisplayInterval <= 0 {
		cfg.DisplayInterval = def.DisplayInterval
	}
	if cfg.Mode == ModeLocked {
		cfg.SpeedMultiplier = 1
	}
	return &Engine{
		clock:           clock,
		log:             logger.With().Str("component", "timewarp").Logger(),
		speed:           cfg.SpeedMultiplier,
		slotDuration:    cfg.SlotDurationMinutes,
		slotInterval:    cfg.SlotIntervalMinutes,
		mode:            cfg.Mode,
		displayInterval: cfg.DisplayInterval,
		subs:            make(map[uint64]func(Snapshot)),
	}
}

// Start begins a new session. All per-session state is reset.
// Starting a running engine does nothing.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	e.running = true
	e.sess = session{start: now}
	e.scheduleSlotLocked(now)

	e.displayTicker = e.clock.NewTicker(e.displayInterval)
	e.displayDone = make(chan struct{})
	go e.displayLoop(e.displayTicker, e.displayDone)

	snap := e.snapshotLocked(now)
	e.mu.Unlock()

	sessionsActive.Inc()
	e.log.Info().
		Float64("speed", snap.SpeedMultiplier).
		Float64("slot_duration", snap.SlotDurationMinutes).
		Float64("slot_interval", snap.SlotIntervalMinutes).
		Str("mode", string(snap.Mode)).
		Msg("session started")
	e.publish(snap)
}

// Stop ends the session and cancels both timers. Elapsed time and slot
// advancement stay readable until the next Start. Stopping an idle engine
// does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()
	e.running = false
	e.sess.stoppedAt = now
	e.sess.nextSlot = time.Time{}
	e.cancelTimersLocked()
	snap := e.snapshotLocked(now)
	e.mu.Unlock()

	sessionsActive.Dec()
	e.log.Info().
		Int64("elapsed_seconds", snap.SessionElapsedSeconds).
		Float64("slot_minutes", snap.SlotAdvancementMinutes).
		Msg("session stopped")
	e.publish(snap)
}

func (e *Engine) cancelTimersLocked() {
	e.slotGen++
	if e.slotTimer != nil {
		e.slotTimer.Stop()
		e.slotTimer = nil
	}
	if e.displayTicker != nil {
		e.displayTicker.Stop()
		close(e.displayDone)
		e.displayTicker = nil
		e.displayDone = nil
	}
}

// Running reports whether a session is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetMode switches between speed and locked. Locking forces the multiplier
// to 1; it stays 1 after unlocking until SetSpeedMultiplier is called.
func (e *Engine) SetMode(m Mode) error {
	if _, err := ParseMode(string(m)); err != nil {
		return err
	}
	e.mu.Lock()
	e.mode = m
	if m == ModeLocked {
		e.speed = 1
	}
	snap := e.snapshotLocked(e.clock.Now())
	e.mu.Unlock()

	e.log.Debug().Str("mode", string(m)).Msg("mode changed")
	e.publish(snap)
	return nil
}

// SetSpeedMultiplier changes the multiplier. It is ignored in locked mode.
func (e *Engine) SetSpeedMultiplier(x float64) error {
	if x <= 0 {
		return fmt.Errorf("%w: speed multiplier %v", ErrInvalidValue, x)
	}
	e.mu.Lock()
	if e.mode == ModeLocked {
		e.mu.Unlock()
		e.log.Debug().Float64("speed", x).Msg("speed change ignored while locked")
		return nil
	}
	e.speed = x
	snap := e.snapshotLocked(e.clock.Now())
	e.mu.Unlock()

	e.publish(snap)
	return nil
}

// SetSlotDuration changes the size of future jumps.
func (e *Engine) SetSlotDuration(minutes float64) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: slot duration %v", ErrInvalidValue, minutes)
	}
	e.mu.Lock()
	e.slotDuration = minutes
	snap := e.snapshotLocked(e.clock.Now())
	e.mu.Unlock()

	e.publish(snap)
	return nil
}

// SetSlotInterval changes the real time between jumps. While running, the
// pending jump is rescheduled to fire minutes from now.
func (e *Engine) SetSlotInterval(minutes float64) error {
	if minutes <= 0 {
		return fmt.Errorf("%w: slot interval %v", ErrInvalidValue, minutes)
	}
	e.mu.Lock()
	e.slotInterval = minutes
	now := e.clock.Now()
	if e.running {
		e.scheduleSlotLocked(now)
	}
	snap := e.snapshotLocked(now)
	e.mu.Unlock()

	e.log.Debug().Float64("interval", minutes).Msg("slot interval changed")
	e.publish(snap)
	return nil
}

// scheduleSlotLocked replaces any pending slot timer with one firing a full
// interval after now.
func (e *Engine) scheduleSlotLocked(now time.Time) {
	e.slotGen++
	if e.slotTimer != nil {
		e.slotTimer.Stop()
	}
	gen := e.slotGen
	d := minutesDur(e.slotInterval)
	e.sess.nextSlot = now.Add(d)
	e.slotTimer = e.clock.AfterFunc(d, func() { e.fireSlot(gen) })
}

func (e *Engine) fireSlot(gen uint64) {
	e.mu.Lock()
	if !e.running || gen != e.slotGen {
		e.mu.Unlock()
		return
	}
	jump := e.slotDuration
	e.sess.slotAccum += jump
	now := e.clock.Now()
	e.scheduleSlotLocked(now)
	snap := e.snapshotLocked(now)
	e.mu.Unlock()

	slotEvents.Inc()
	e.log.Info().
		Float64("jump", jump).
		Float64("total", snap.SlotAdvancementMinutes).
		Msg("slot advanced")
	e.publish(snap)
}

// Snapshot computes the current view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(e.clock.Now())
}

func (e *Engine) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		RealTime:               now,
		DisplayTime:            now,
		SlotAdvancementMinutes: e.sess.slotAccum,
		SpeedMultiplier:        e.speed,
		SlotDurationMinutes:    e.slotDuration,
		SlotIntervalMinutes:    e.slotInterval,
		Mode:                   e.mode,
		IsRunning:              e.running,
	}
	if e.sess.start.IsZero() {
		return s
	}
	if !e.running {
		s.SessionElapsedSeconds = int64(elapsed(e.sess.start, e.sess.stoppedAt) / time.Second)
		return s
	}
	realElapsed := elapsed(e.sess.start, now)
	s.SessionElapsedSeconds = int64(realElapsed / time.Second)
	s.DisplayTime = DisplayTime(e.sess.start, realElapsed, e.speed, e.sess.slotAccum)
	next := e.sess.nextSlot
	s.NextSlotTime = &next
	return s
}

// DisplayTime is sessionStart + realElapsed*speed + slotMinutes*60000ms.
func DisplayTime(sessionStart time.Time, realElapsed time.Duration, speed, slotMinutes float64) time.Time {
	warped := time.Duration(float64(realElapsed) * speed)
	return sessionStart.Add(warped).Add(minutesDur(slotMinutes))
}

// elapsed uses the monotonic reading carried by clock.Now values, so
// wall-clock jumps do not move it. Negative spans clamp to zero.
func elapsed(from, to time.Time) time.Duration {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d
}

func minutesDur(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func (e *Engine) displayLoop(ticker clockwork.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			e.mu.Lock()
			if !e.running {
				e.mu.Unlock()
				return
			}
			snap := e.snapshotLocked(e.clock.Now())
			e.mu.Unlock()
			e.publish(snap)
		}
	}
}

// Subscribe registers fn for every published snapshot.
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) publish(s Snapshot) {
	e.mu.Lock()
	fns := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// AttachHeartbeat publishes a real-time-only snapshot on every heartbeat
// while the engine is idle. Attaching again replaces the previous source.
func (e *Engine) AttachHeartbeat(h Heartbeat) {
	unsub := h.Subscribe(func(realclock.Tick) {
		e.mu.Lock()
		if e.running {
			e.mu.Unlock()
			return
		}
		snap := e.snapshotLocked(e.clock.Now())
		e.mu.Unlock()
		e.publish(snap)
	})

	e.mu.Lock()
	prev := e.detach
	e.detach = unsub
	e.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Close stops the session and detaches from the heartbeat.
func (e *Engine) Close() {
	e.Stop()
	e.mu.Lock()
	detach := e.detach
	e.detach = nil
	e.mu.Unlock()
	if detach != nil {
		detach()
	}
}
