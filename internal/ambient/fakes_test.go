package ambient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var base = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	// failOn lists 1-based call numbers that fail.
	failOn map[int]bool
}

func (r *fakeResolver) Resolve(_ context.Context, id string) (Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failOn[r.calls] {
		return Clip{}, errors.New("network unreachable")
	}
	return Clip{URI: "mem://" + id, Name: id}, nil
}

func (r *fakeResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeHandle struct {
	mu          sync.Mutex
	uri         string
	duration    time.Duration
	unloadedFor int // Status calls reporting not loaded
	statusCalls int
	volume      float64
	playing     bool
	played      bool
	stops       int
	unloads     int
	volumes     int
	stopErr     error
	stopPanic   bool
}

func (h *fakeHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	h.played = true
	return nil
}

func (h *fakeHandle) SetVolume(v float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = v
	h.volumes++
	return nil
}

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.playing = false
	if h.stopPanic {
		panic("device vanished")
	}
	return h.stopErr
}

func (h *fakeHandle) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloads++
	h.playing = false
	return nil
}

func (h *fakeHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statusCalls++
	if h.unloadedFor < 0 || h.statusCalls <= h.unloadedFor {
		return Status{}
	}
	return Status{IsLoaded: true, Duration: h.duration, IsPlaying: h.playing}
}

func (h *fakeHandle) Volume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

func (h *fakeHandle) Unloaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unloads > 0
}

func (h *fakeHandle) Unloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unloads
}

func (h *fakeHandle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

// fakePlayer hands out handles with durations taken from durations (the
// last entry repeats). configure, if set, is applied to every new handle.
type fakePlayer struct {
	mu        sync.Mutex
	durations []time.Duration
	handles   []*fakeHandle
	configure func(h *fakeHandle)
}

func (p *fakePlayer) Load(_ context.Context, uri string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.durations[min(len(p.handles), len(p.durations)-1)]
	h := &fakeHandle{uri: uri, duration: d}
	if p.configure != nil {
		p.configure(h)
	}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakePlayer) Handles() []*fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeHandle(nil), p.handles...)
}

func (p *fakePlayer) Handle(i int) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.handles) {
		return nil
	}
	return p.handles[i]
}

type fakeSession struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSession) Activate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type harness struct {
	clock    *clockwork.FakeClock
	resolver *fakeResolver
	player   *fakePlayer
	sched    *Scheduler
}

func newHarness(t *testing.T, durations ...time.Duration) *harness {
	t.Helper()
	if len(durations) == 0 {
		durations = []time.Duration{10 * time.Second}
	}
	h := &harness{
		clock:    clockwork.NewFakeClockAt(base),
		resolver: &fakeResolver{failOn: map[int]bool{}},
		player:   &fakePlayer{durations: durations},
	}
	h.sched = New(Options{
		Clock:    h.clock,
		Resolver: h.resolver,
		Player:   h.player,
		Classify: KeywordClassifier("rain"),
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() { _ = h.sched.Close() })
	return h
}

type channelView struct {
	active    bool
	live      int
	draining  int
	acquiring int
	tasks     map[taskKind][]time.Duration // offsets from base
}

func (h *harness) view(id string) channelView {
	ch := h.sched.lookup(id)
	if ch == nil {
		return channelView{}
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	v := channelView{
		active:    ch.active,
		live:      len(ch.live),
		draining:  len(ch.draining),
		acquiring: ch.acquiring,
		tasks:     make(map[taskKind][]time.Duration),
	}
	for _, t := range ch.tasks {
		v.tasks[t.kind] = append(v.tasks[t.kind], t.due.Sub(base))
	}
	return v
}

func (h *harness) taskCount(id string) int {
	n := 0
	for _, offs := range h.view(id).tasks {
		n += len(offs)
	}
	return n
}
