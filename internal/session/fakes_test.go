package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/focusflow/internal/ambient"
	"github.com/satindergrewal/focusflow/internal/library"
	"github.com/satindergrewal/focusflow/internal/timewarp"
)

var base = time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

type memResolver struct{}

func (memResolver) Resolve(_ context.Context, id string) (ambient.Clip, error) {
	if id == "missing" {
		return ambient.Clip{}, fmt.Errorf("%w: %s", library.ErrNotFound, id)
	}
	return ambient.Clip{URI: "mem://" + id, Name: id}, nil
}

type memHandle struct {
	mu       sync.Mutex
	playing  bool
	unloaded bool
}

func (h *memHandle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	return nil
}

func (h *memHandle) SetVolume(float64) error { return nil }

func (h *memHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
	return nil
}

func (h *memHandle) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloaded = true
	return nil
}

func (h *memHandle) Status() ambient.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ambient.Status{IsLoaded: !h.unloaded, Duration: 10 * time.Second, IsPlaying: h.playing}
}

func (h *memHandle) Unloaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unloaded
}

type memPlayer struct {
	mu      sync.Mutex
	handles []*memHandle
}

func (p *memPlayer) Load(context.Context, string) (ambient.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &memHandle{}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *memPlayer) Handles() []*memHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*memHandle(nil), p.handles...)
}

type staticSounds []library.Sound

func (s staticSounds) List() ([]library.Sound, error) { return s, nil }

type fixture struct {
	clock  *clockwork.FakeClock
	player *memPlayer
	engine *timewarp.Engine
	sched  *ambient.Scheduler
	ctl    *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClockAt(base),
		player: &memPlayer{},
	}
	f.engine = timewarp.New(f.clock, timewarp.DefaultConfig(), zerolog.Nop())
	f.sched = ambient.New(ambient.Options{
		Clock:    f.clock,
		Resolver: memResolver{},
		Player:   f.player,
		Logger:   zerolog.Nop(),
	})
	f.ctl = NewController(Options{
		Clock:     f.clock,
		Engine:    f.engine,
		Scheduler: f.sched,
		Sounds:    staticSounds{{ID: "rain", File: "rain.mp3", Size: 10}},
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(func() { _ = f.ctl.Close() })
	return f
}
