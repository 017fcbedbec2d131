package audio

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/satindergrewal/focusflow/internal/ambient"
)

var (
	ErrNotReady = errors.New("voice not decoded yet")
	ErrUnloaded = errors.New("voice unloaded")
)

// MixerOptions configures a Mixer.
type MixerOptions struct {
	Clock     clockwork.Clock
	Decoder   Decoder // defaults to DecodeFile
	CacheSize int     // decoded clips kept in memory, defaults to 32
	Logger    zerolog.Logger
}

// Mixer sums its playing voices into 20ms frames at real-time rate.
type Mixer struct {
	clock  clockwork.Clock
	decode Decoder
	cache  *lru.Cache[string, []int16]
	group  singleflight.Group
	log    zerolog.Logger

	// base outlives individual Load calls so decodes finish even after
	// the caller gave up; Close cancels it.
	base   context.Context
	cancel context.CancelFunc

	frameCh chan []int16

	mu     sync.Mutex
	voices map[string]*Voice
}

// NewMixer creates a mixer. Call Run to start producing frames.
func NewMixer(opts MixerOptions) (*Mixer, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Decoder == nil {
		opts.Decoder = DecodeFile
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 32
	}
	cache, err := lru.New[string, []int16](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &Mixer{
		clock:   opts.Clock,
		decode:  opts.Decoder,
		cache:   cache,
		log:     opts.Logger.With().Str("component", "mixer").Logger(),
		base:    base,
		cancel:  cancel,
		frameCh: make(chan []int16, 100),
		voices:  make(map[string]*Voice),
	}, nil
}

// Player adapts the mixer to the scheduler's loader interface.
func (m *Mixer) Player() ambient.Player {
	return ambient.PlayerFunc(func(ctx context.Context, uri string) (ambient.Handle, error) {
		v, err := m.Load(ctx, uri)
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}

// Load returns a new voice for uri right away. Decoding continues in the
// background; the voice reports IsLoaded once samples are available.
func (m *Mixer) Load(ctx context.Context, uri string) (*Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.base.Err(); err != nil {
		return nil, err
	}
	v := &Voice{id: uuid.NewString(), uri: uri, m: m}

	m.mu.Lock()
	m.voices[v.id] = v
	m.mu.Unlock()

	if samples, ok := m.cache.Get(uri); ok {
		decodeLookups.WithLabelValues("hit").Inc()
		m.attach(v, samples, nil)
		return v, nil
	}
	decodeLookups.WithLabelValues("miss").Inc()
	go func() {
		res, err, _ := m.group.Do(uri, func() (any, error) {
			start := m.clock.Now()
			samples, err := m.decode(m.base, uri)
			if err != nil {
				return nil, err
			}
			decodeSeconds.Observe(m.clock.Since(start).Seconds())
			m.cache.Add(uri, samples)
			return samples, nil
		})
		if err != nil {
			m.log.Error().Err(err).Str("uri", uri).Msg("decode failed")
			m.attach(v, nil, err)
			return
		}
		m.attach(v, res.([]int16), nil)
	}()
	return v, nil
}

func (m *Mixer) attach(v *Voice, samples []int16, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.unloaded {
		return
	}
	v.samples, v.err = samples, err
	v.loaded = err == nil
	if v.loaded {
		m.log.Debug().Str("voice", v.id).Str("uri", v.uri).Dur("duration", SamplesDuration(len(samples))).Msg("voice ready")
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each).
func (m *Mixer) Frames() <-chan []int16 {
	return m.frameCh
}

// Voices returns the ids of the voices currently playing, sorted.
func (m *Mixer) Voices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, v := range m.voices {
		if v.playing {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Run produces one mixed frame per FrameDuration until ctx is cancelled.
// Silence is emitted while nothing plays so listeners stay in sync.
func (m *Mixer) Run(ctx context.Context) error {
	defer close(m.frameCh)

	ticker := m.clock.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		frame := m.mixFrame()
		select {
		case m.frameCh <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops pending decodes and drops all voices.
func (m *Mixer) Close() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.voices {
		v.unloaded, v.playing, v.samples = true, false, nil
		delete(m.voices, id)
	}
	voicesPlaying.Set(0)
}

func (m *Mixer) mixFrame() []int16 {
	acc := make([]int32, FrameSamples)

	m.mu.Lock()
	defer m.mu.Unlock()
	playing := 0
	for _, v := range m.voices {
		if !v.playing {
			continue
		}
		end := min(v.pos+FrameSamples, len(v.samples))
		MixFrame(acc, v.samples[v.pos:end], v.gain, v.target)
		v.gain = v.target
		v.pos = end
		if v.pos >= len(v.samples) {
			v.playing = false
			m.log.Debug().Str("voice", v.id).Msg("voice reached end")
			continue
		}
		playing++
	}
	voicesPlaying.Set(float64(playing))
	return Clip(acc)
}

// Voice is one playback of a decoded clip. It satisfies ambient.Handle.
// All state is guarded by the owning mixer's lock.
type Voice struct {
	id  string
	uri string
	m   *Mixer

	samples  []int16
	loaded   bool
	err      error
	unloaded bool
	playing  bool
	pos      int
	gain     float64
	target   float64
}

// ID returns the voice id.
func (v *Voice) ID() string { return v.id }

// Play starts or resumes the voice.
func (v *Voice) Play() error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	switch {
	case v.unloaded:
		return ErrUnloaded
	case v.err != nil:
		return v.err
	case !v.loaded:
		return ErrNotReady
	}
	v.playing = true
	return nil
}

// SetVolume sets the target gain, clamped to [0,1]. A playing voice ramps
// to it over the next frame.
func (v *Voice) SetVolume(vol float64) error {
	vol = min(max(vol, 0), 1)
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if v.unloaded {
		return ErrUnloaded
	}
	v.target = vol
	if !v.playing {
		v.gain = vol
	}
	return nil
}

// Stop halts the voice and rewinds it.
func (v *Voice) Stop() error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.playing = false
	v.pos = 0
	return nil
}

// Unload releases the voice. Later calls do nothing.
func (v *Voice) Unload() error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if v.unloaded {
		return nil
	}
	v.unloaded, v.playing, v.samples = true, false, nil
	delete(v.m.voices, v.id)
	return nil
}

// Status reports readiness, length and play state.
func (v *Voice) Status() ambient.Status {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	if !v.loaded || v.unloaded {
		return ambient.Status{}
	}
	return ambient.Status{
		IsLoaded:  true,
		Duration:  SamplesDuration(len(v.samples)),
		IsPlaying: v.playing,
	}
}
