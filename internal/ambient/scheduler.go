package ambient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Preview timeouts are clamped to this range.
const (
	MinPreview = 5 * time.Second
	MaxPreview = 10 * time.Second
)

// Options configures a Scheduler. Resolver and Player are required.
type Options struct {
	Clock    clockwork.Clock
	Resolver Resolver
	Player   Player
	Session  AudioSession // optional
	Classify Classifier   // defaults to KeywordClassifier(DefaultContinuousKeywords...)
	Timing   Timing       // zero value means DefaultTiming
	Logger   zerolog.Logger
}

// Scheduler owns the channel table. Channels are independent: each has its
// own lock, and nothing is ordered across channels.
type Scheduler struct {
	clock    clockwork.Clock
	resolver Resolver
	player   Player
	session  AudioSession
	classify Classifier
	timing   Timing
	log      zerolog.Logger

	mu          sync.Mutex
	channels    map[string]*channel
	enabled     bool
	initialized bool
}

// New creates a scheduler with master sound enabled.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Classify == nil {
		opts.Classify = KeywordClassifier(DefaultContinuousKeywords...)
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	return &Scheduler{
		clock:    opts.Clock,
		resolver: opts.Resolver,
		player:   opts.Player,
		session:  opts.Session,
		classify: opts.Classify,
		timing:   opts.Timing,
		log:      opts.Logger.With().Str("component", "ambient").Logger(),
		channels: make(map[string]*channel),
		enabled:  true,
	}
}

// Initialize activates the audio session. Once it succeeds, later calls do nothing.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.session != nil {
		if err := s.session.Activate(ctx); err != nil {
			return fmt.Errorf("activate audio session: %w", err)
		}
	}
	s.initialized = true
	s.log.Debug().Msg("audio session ready")
	return nil
}

// SetMasterEnabled switches all sound on or off. Switching off force-stops
// every channel.
func (s *Scheduler) SetMasterEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()

	s.log.Info().Bool("enabled", on).Msg("master sound toggled")
	if !on {
		if err := s.ForceStopAll(); err != nil {
			s.log.Error().Err(err).Msg("force stop after disabling sound")
		}
	}
}

// MasterEnabled reports the master switch.
func (s *Scheduler) MasterEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// IsPlaying reports whether the channel is in an active run.
func (s *Scheduler) IsPlaying(id string) bool {
	ch := s.lookup(id)
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.active
}

// Channels returns the ids of active channels, sorted.
func (s *Scheduler) Channels() []string {
	var ids []string
	for _, ch := range s.snapshotChannels() {
		ch.mu.Lock()
		if ch.active {
			ids = append(ids, ch.id)
		}
		ch.mu.Unlock()
	}
	return ids
}

func (s *Scheduler) lookup(id string) *channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

func (s *Scheduler) snapshotChannels() []*channel {
	s.mu.Lock()
	out := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// PlayChannel starts a channel. With loop false a single instance fades in,
// fades out before its end and is unloaded. With loop true the channel
// crossfades successive instances until stopped. Playing an active channel
// does nothing.
//
// PlayChannel waits for the first instance to load; callers that must not
// block should run it in a goroutine.
func (s *Scheduler) PlayChannel(ctx context.Context, id string, loop bool) error {
	_, err := s.play(ctx, id, loop)
	return err
}

func (s *Scheduler) play(ctx context.Context, id string, loop bool) (*channel, error) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil, ErrMasterDisabled
	}
	ch, ok := s.channels[id]
	if !ok {
		ch = newChannel(id, s.classify(id))
		s.channels[id] = ch
	}
	s.mu.Unlock()

	ch.mu.Lock()
	if ch.active {
		ch.mu.Unlock()
		return nil, nil
	}
	ch.epoch++
	ch.active = true
	ch.loop = loop
	ch.acquiring++
	ch.ctx, ch.cancel = context.WithCancel(context.WithoutCancel(ctx))
	epoch, runCtx := ch.epoch, ch.ctx
	ch.mu.Unlock()

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(runCtx, cancel)()

	inst, err := s.acquire(acquireCtx, ch)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.acquiring--
	if ch.epoch != epoch || !ch.active {
		// Stopped while loading.
		if inst != nil {
			s.discard(ch, inst)
		}
		return nil, nil
	}
	if err != nil {
		ch.halt()
		return nil, err
	}
	if err := s.startLocked(ch, inst, s.timing.FadeIn); err != nil {
		ch.halt()
		return nil, err
	}
	if loop {
		s.scheduleLoopLocked(ch, inst)
	} else {
		s.scheduleOneShotLocked(ch, inst)
	}
	s.log.Info().
		Str("channel", id).
		Str("strategy", ch.strategy.String()).
		Bool("loop", loop).
		Dur("duration", inst.duration).
		Msg("channel started")
	return ch, nil
}

// acquire resolves, loads and measures a fresh instance. It never holds
// the channel lock.
func (s *Scheduler) acquire(ctx context.Context, ch *channel) (*instance, error) {
	clip, err := s.resolver.Resolve(ctx, ch.id)
	if err != nil {
		resolutionFailures.Inc()
		s.log.Warn().Err(err).Str("channel", ch.id).Msg("clip resolution failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrResolution, ch.id, err)
	}
	h, err := s.player.Load(ctx, clip.URI)
	if err != nil {
		resolutionFailures.Inc()
		s.log.Warn().Err(err).Str("channel", ch.id).Str("uri", clip.URI).Msg("clip load failed")
		return nil, fmt.Errorf("%w: load %s: %w", ErrResolution, clip.URI, err)
	}
	ready, err := AwaitDuration(ctx, s.clock, h, s.timing.MetadataAttempts, s.timing.MetadataBackoff)
	if err == nil && ready.TimedOut {
		metadataTimeouts.Inc()
		err = fmt.Errorf("%w: %s", ErrMetadataTimeout, clip.URI)
	}
	if err != nil {
		if uerr := safely("unload", h.Unload); uerr != nil {
			s.log.Warn().Err(uerr).Str("channel", ch.id).Msg("unloading unmeasured clip")
		}
		s.log.Warn().Err(err).Str("channel", ch.id).Msg("clip never became ready")
		return nil, err
	}
	return &instance{
		id:       uuid.NewString(),
		clip:     clip.Name,
		handle:   h,
		duration: ready.Duration,
	}, nil
}

// discard releases an instance that arrived after its run was stopped.
func (s *Scheduler) discard(ch *channel, inst *instance) {
	if err := inst.release(true); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.id).Msg("releasing stale instance")
	}
}

func (s *Scheduler) startLocked(ch *channel, inst *instance, fadeIn time.Duration) error {
	initial := 1.0
	if fadeIn > 0 {
		initial = 0
	}
	if err := inst.handle.SetVolume(initial); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.id).Msg("set initial volume")
	}
	inst.volume = initial
	if err := safely("play", inst.handle.Play); err != nil {
		s.discard(ch, inst)
		return fmt.Errorf("%w: %s: %w", ErrPlayback, ch.id, err)
	}
	inst.playing = true
	inst.startedAt = s.clock.Now()
	ch.live = append(ch.live, inst)
	instancesPlaying.Inc()
	instancesStarted.WithLabelValues(ch.strategy.String()).Inc()

	if fadeIn > 0 {
		s.fadeLocked(ch, taskFadeIn, inst, 1, inst.startedAt, fadeIn, nil)
	}
	s.log.Debug().
		Str("channel", ch.id).
		Str("instance", inst.id).
		Str("clip", inst.clip).
		Dur("duration", inst.duration).
		Msg("instance started")
	return nil
}

// handoff returns when the successor of inst should start, measured from
// inst's own start and duration.
func (s *Scheduler) handoff(ch *channel, inst *instance) time.Time {
	window := s.timing.window(ch.strategy)
	lead := inst.duration - window
	if inst.duration < 2*window {
		lead = inst.duration / 2
	}
	return inst.startedAt.Add(lead)
}

func (s *Scheduler) scheduleLoopLocked(ch *channel, inst *instance) {
	at := s.handoff(ch, inst)
	end := inst.startedAt.Add(inst.duration)
	window := end.Sub(at)

	s.afterLocked(ch, taskSuccessor, inst, at, func() {
		s.beginSuccessorLocked(ch, window)
	})
	if ch.strategy == StrategyRhythmic {
		s.afterLocked(ch, taskFadeOut, inst, at, func() {
			s.fadeLocked(ch, taskFadeOut, inst, 0, at, window, nil)
		})
	}
	s.afterLocked(ch, taskCleanup, inst, end.Add(s.timing.CleanupBuffer), func() {
		s.retireLocked(ch, inst)
	})
}

func (s *Scheduler) scheduleOneShotLocked(ch *channel, inst *instance) {
	fade := s.timing.OneShotFadeOut
	if fade > inst.duration {
		fade = inst.duration
	}
	at := inst.startedAt.Add(inst.duration - fade)
	s.afterLocked(ch, taskFadeOut, inst, at, func() {
		s.fadeLocked(ch, taskFadeOut, inst, 0, at, fade, func() {
			s.retireLocked(ch, inst)
		})
	})
}

// beginSuccessorLocked launches the acquisition of the next instance.
// The load happens outside the lock; the result is dropped if the run
// was stopped in the meantime.
func (s *Scheduler) beginSuccessorLocked(ch *channel, window time.Duration) {
	ch.acquiring++
	epoch, ctx := ch.epoch, ch.ctx
	go func() {
		inst, err := s.acquire(ctx, ch)

		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.acquiring--
		if ch.epoch != epoch || !ch.active {
			if inst != nil {
				s.discard(ch, inst)
			}
			return
		}
		if err != nil {
			// No retry: the predecessor plays out and the channel goes quiet.
			s.log.Warn().Err(err).Str("channel", ch.id).Msg("loop could not advance")
			s.settleLocked(ch)
			return
		}
		fadeIn := time.Duration(0)
		if ch.strategy == StrategyRhythmic {
			fadeIn = window
		}
		if err := s.startLocked(ch, inst, fadeIn); err != nil {
			s.log.Warn().Err(err).Str("channel", ch.id).Msg("successor failed to start")
			s.settleLocked(ch)
			return
		}
		s.scheduleLoopLocked(ch, inst)
	}()
}

// retireLocked releases an instance that reached its end.
func (s *Scheduler) retireLocked(ch *channel, inst *instance) {
	ch.live = removeInstance(ch.live, inst)
	ch.cancelTasks(func(t *task) bool { return t.inst == inst })
	if err := inst.release(false); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.id).Str("instance", inst.id).Msg("releasing finished instance")
	}
	s.log.Debug().Str("channel", ch.id).Str("instance", inst.id).Msg("instance retired")
	s.settleLocked(ch)
}

// settleLocked ends the run once nothing is left playing or coming.
func (s *Scheduler) settleLocked(ch *channel) {
	if !ch.active || len(ch.live) > 0 || ch.acquiring > 0 || ch.hasTask(taskSuccessor) {
		return
	}
	ch.halt()
	s.log.Info().Str("channel", ch.id).Msg("channel finished")
}

// afterLocked schedules fn at the given time. fn runs with ch locked and
// only if the task was not cancelled and the run is still current.
func (s *Scheduler) afterLocked(ch *channel, kind taskKind, inst *instance, at time.Time, fn func()) {
	t := ch.addTask(kind, inst, at)
	epoch := ch.epoch
	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	t.timer = s.clock.AfterFunc(d, func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		if t.cancelled || ch.epoch != epoch {
			return
		}
		ch.removeTask(t)
		fn()
	})
}

// fadeLocked ramps inst's volume to target over d starting at start.
// Progress is computed from the clock, not from tick counts, so late or
// coalesced ticks still land on the right value. Other fades on the same
// instance are cancelled first.
func (s *Scheduler) fadeLocked(ch *channel, kind taskKind, inst *instance, target float64, start time.Time, d time.Duration, done func()) {
	ch.cancelTasks(func(t *task) bool {
		return t.inst == inst && t.stop != nil
	})

	t := ch.addTask(kind, inst, start.Add(d))
	t.stop = make(chan struct{})
	from := inst.volume
	ticker := s.clock.NewTicker(s.timing.FadeStep)

	go func() {
		defer ticker.Stop()
		for {
			ch.mu.Lock()
			if t.cancelled {
				ch.mu.Unlock()
				return
			}
			p := progress(start, s.clock.Now(), d)
			v := from + (target-from)*p
			if err := inst.handle.SetVolume(v); err != nil {
				s.log.Debug().Err(err).Str("channel", ch.id).Str("instance", inst.id).Msg("set volume")
			}
			inst.volume = v
			if p >= 1 {
				ch.removeTask(t)
				if done != nil {
					done()
				}
				ch.mu.Unlock()
				return
			}
			ch.mu.Unlock()

			select {
			case <-t.stop:
				return
			case <-ticker.Chan():
			}
		}
	}()
}

// StopChannel cancels all pending work of the channel, then fades out and
// unloads its instances. Stopping an idle or unknown channel does nothing.
func (s *Scheduler) StopChannel(id string) {
	ch := s.lookup(id)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.active && len(ch.live) == 0 {
		return
	}
	s.stopLocked(ch)
	s.log.Info().Str("channel", id).Msg("channel stopped")
}

func (s *Scheduler) stopLocked(ch *channel) {
	ch.halt()
	now := s.clock.Now()
	for _, inst := range ch.live {
		inst := inst
		ch.draining = append(ch.draining, inst)
		s.fadeLocked(ch, taskTeardown, inst, 0, now, s.timing.StopFadeOut, func() {
			ch.draining = removeInstance(ch.draining, inst)
			if err := inst.release(false); err != nil {
				s.log.Warn().Err(err).Str("channel", ch.id).Str("instance", inst.id).Msg("releasing stopped instance")
			}
		})
	}
	ch.live = nil
}

// ForceStopAll mutes and tears down every channel immediately. A channel
// whose teardown fails is logged and skipped; the others are still torn
// down. The returned error joins all failures.
func (s *Scheduler) ForceStopAll() error {
	var errs []error
	for _, ch := range s.snapshotChannels() {
		if err := s.forceStop(ch); err != nil {
			teardownFailures.Inc()
			s.log.Error().Err(err).Str("channel", ch.id).Msg("channel teardown failed")
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) forceStop(ch *channel) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("teardown panic: %v", r)
		}
	}()
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.halt()
	ch.cancelTasks(func(*task) bool { return true })
	var errs []error
	for _, inst := range append(ch.live, ch.draining...) {
		errs = append(errs, inst.release(true))
	}
	ch.live, ch.draining = nil, nil
	return errors.Join(errs...)
}

// Preview plays one instance of the channel without looping and stops it
// after timeout, clamped to [MinPreview, MaxPreview], if it is still
// playing by then. A channel that is already active is left alone.
func (s *Scheduler) Preview(ctx context.Context, id string, timeout time.Duration) error {
	timeout = min(max(timeout, MinPreview), MaxPreview)
	ch, err := s.play(ctx, id, false)
	if err != nil || ch == nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.active {
		return nil
	}
	s.afterLocked(ch, taskPreview, nil, s.clock.Now().Add(timeout), func() {
		if ch.active {
			s.log.Debug().Str("channel", ch.id).Msg("preview timed out")
			s.stopLocked(ch)
		}
	})
	return nil
}

// Close force-stops everything.
func (s *Scheduler) Close() error {
	return s.ForceStopAll()
}
