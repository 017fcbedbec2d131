package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDecoder struct {
	mu      sync.Mutex
	calls   int
	samples []int16
	err     error
	gate    chan struct{} // decode waits for close when set
}

func (d *stubDecoder) decode(ctx context.Context, _ string) ([]int16, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.samples, d.err
}

func (d *stubDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func constant(frames int, value int16) []int16 {
	s := make([]int16, frames*FrameSamples)
	for i := range s {
		s[i] = value
	}
	return s
}

func newTestMixer(t *testing.T, d *stubDecoder) (*Mixer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	m, err := NewMixer(MixerOptions{Clock: clock, Decoder: d.decode, CacheSize: 4, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, clock
}

func loaded(t *testing.T, v *Voice) {
	t.Helper()
	require.Eventually(t, func() bool { return v.Status().IsLoaded }, 2*time.Second, time.Millisecond)
}

func TestVoiceLoadsAsynchronously(t *testing.T) {
	d := &stubDecoder{samples: constant(50, 100), gate: make(chan struct{})}
	m, _ := newTestMixer(t, d)

	v, err := m.Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	assert.False(t, v.Status().IsLoaded)
	assert.ErrorIs(t, v.Play(), ErrNotReady)

	close(d.gate)
	loaded(t, v)
	assert.Equal(t, time.Second, v.Status().Duration)
	require.NoError(t, v.Play())
	assert.True(t, v.Status().IsPlaying)
	assert.Equal(t, []string{v.ID()}, m.Voices())
}

func TestDecodeCache(t *testing.T) {
	d := &stubDecoder{samples: constant(10, 100)}
	m, _ := newTestMixer(t, d)

	a, err := m.Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	loaded(t, a)

	b, err := m.Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	assert.True(t, b.Status().IsLoaded, "cached clip is ready immediately")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 1, d.Calls())
}

func TestDecodeFailureNeverLoads(t *testing.T) {
	boom := errors.New("invalid data found when processing input")
	d := &stubDecoder{err: boom}
	m, _ := newTestMixer(t, d)

	v, err := m.Load(context.Background(), "/sounds/broken.mp3")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return errors.Is(v.Play(), boom) }, 2*time.Second, time.Millisecond)
	assert.False(t, v.Status().IsLoaded)
}

func TestMixFrameAppliesVolume(t *testing.T) {
	d := &stubDecoder{samples: constant(2, 1000)}
	m, _ := newTestMixer(t, d)

	v, err := m.Load(context.Background(), "/sounds/bell.wav")
	require.NoError(t, err)
	loaded(t, v)

	require.NoError(t, v.SetVolume(0.5))
	require.NoError(t, v.Play())
	frame := m.mixFrame()
	require.Len(t, frame, FrameSamples)
	for i, s := range frame {
		if s != 500 {
			t.Fatalf("sample %d = %d, want 500", i, s)
		}
	}

	require.NoError(t, v.SetVolume(2))
	frame = m.mixFrame()
	assert.Equal(t, int16(500), frame[0], "ramp starts at the previous gain")
	assert.InDelta(t, 1000, frame[len(frame)-1], 1)

	assert.Empty(t, m.Voices(), "voice stops at its end")
	assert.False(t, v.Status().IsPlaying)
	assert.Equal(t, make([]int16, FrameSamples), m.mixFrame())
}

func TestMixFrameSumsVoices(t *testing.T) {
	d := &stubDecoder{samples: constant(5, 1000)}
	m, _ := newTestMixer(t, d)

	for i := 0; i < 2; i++ {
		v, err := m.Load(context.Background(), "/sounds/rain.mp3")
		require.NoError(t, err)
		loaded(t, v)
		require.NoError(t, v.SetVolume(1))
		require.NoError(t, v.Play())
	}
	assert.Equal(t, int16(2000), m.mixFrame()[0])
}

func TestStopRewinds(t *testing.T) {
	d := &stubDecoder{samples: constant(3, 1000)}
	m, _ := newTestMixer(t, d)

	v, err := m.Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	loaded(t, v)
	require.NoError(t, v.SetVolume(1))
	require.NoError(t, v.Play())
	m.mixFrame()
	m.mixFrame()

	require.NoError(t, v.Stop())
	assert.Equal(t, int16(0), m.mixFrame()[0])
	require.NoError(t, v.Play())
	m.mixFrame()
	m.mixFrame()
	assert.True(t, v.Status().IsPlaying, "replay starts from the beginning")
}

func TestUnload(t *testing.T) {
	d := &stubDecoder{samples: constant(3, 1000)}
	m, _ := newTestMixer(t, d)

	v, err := m.Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	loaded(t, v)
	require.NoError(t, v.Play())

	require.NoError(t, v.Unload())
	require.NoError(t, v.Unload())
	assert.False(t, v.Status().IsLoaded)
	assert.ErrorIs(t, v.Play(), ErrUnloaded)
	assert.ErrorIs(t, v.SetVolume(1), ErrUnloaded)
	assert.Empty(t, m.Voices())
}

func TestUnloadWhileDecoding(t *testing.T) {
	d := &stubDecoder{samples: constant(3, 1000), gate: make(chan struct{})}
	m, _ := newTestMixer(t, d)

	v, err := m.Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	require.NoError(t, v.Unload())
	close(d.gate)

	require.Eventually(t, func() bool { _, ok := m.cache.Get("/sounds/rain.mp3"); return ok }, 2*time.Second, time.Millisecond)
	assert.False(t, v.Status().IsLoaded)
}

func TestRunEmitsFrames(t *testing.T) {
	m, clock := newTestMixer(t, &stubDecoder{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	wait, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, clock.BlockUntilContext(wait, 1))
	clock.Advance(FrameDuration)

	select {
	case frame := <-m.Frames():
		assert.Len(t, frame, FrameSamples)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after one tick")
	}

	cancel()
	require.NoError(t, <-done)
	_, open := <-m.Frames()
	assert.False(t, open, "frame channel closes when Run returns")
}

func TestPlayerAndClose(t *testing.T) {
	d := &stubDecoder{samples: constant(1, 1)}
	m, _ := newTestMixer(t, d)

	h, err := m.Player().Load(context.Background(), "/sounds/rain.mp3")
	require.NoError(t, err)
	require.NotNil(t, h)

	m.Close()
	_, err = m.Player().Load(context.Background(), "/sounds/rain.mp3")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.Status().IsLoaded)
}
