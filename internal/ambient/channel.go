package ambient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type taskKind string

const (
	taskSuccessor taskKind = "successor"
	taskFadeIn    taskKind = "fade-in"
	taskFadeOut   taskKind = "fade-out"
	taskCleanup   taskKind = "cleanup"
	taskPreview   taskKind = "preview"
	taskTeardown  taskKind = "teardown"
)

// task is one cancellable follow-up action: either a one-shot timer or a
// running fade.
type task struct {
	id        uint64
	kind      taskKind
	due       time.Time
	inst      *instance
	timer     clockwork.Timer
	stop      chan struct{}
	cancelled bool
}

// cancel must be called with the owning channel locked. Safe to repeat.
func (t *task) cancel() {
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stop != nil {
		close(t.stop)
	}
}

type instance struct {
	id        string
	clip      string
	handle    Handle
	duration  time.Duration
	startedAt time.Time
	volume    float64
	playing   bool
	released  bool
}

// channel is the per-id loop state. All fields are guarded by mu; every
// timer callback and fade step takes mu and checks its task and the epoch
// before touching anything.
type channel struct {
	id       string
	strategy Strategy

	mu        sync.Mutex
	active    bool
	loop      bool
	epoch     uint64 // bumped on every stop; stale callbacks compare against it
	acquiring int
	ctx       context.Context
	cancel    context.CancelFunc
	live      []*instance
	draining  []*instance
	tasks     map[uint64]*task
	nextTask  uint64
}

func newChannel(id string, strategy Strategy) *channel {
	return &channel{
		id:       id,
		strategy: strategy,
		tasks:    make(map[uint64]*task),
		cancel:   func() {},
	}
}

func (ch *channel) addTask(kind taskKind, inst *instance, due time.Time) *task {
	ch.nextTask++
	t := &task{id: ch.nextTask, kind: kind, inst: inst, due: due}
	ch.tasks[t.id] = t
	return t
}

func (ch *channel) removeTask(t *task) {
	delete(ch.tasks, t.id)
}

func (ch *channel) hasTask(kind taskKind) bool {
	for _, t := range ch.tasks {
		if t.kind == kind {
			return true
		}
	}
	return false
}

// cancelTasks cancels and forgets every task for which match is true.
func (ch *channel) cancelTasks(match func(*task) bool) {
	for id, t := range ch.tasks {
		if match(t) {
			t.cancel()
			delete(ch.tasks, id)
		}
	}
}

// halt invalidates the current run: pending loop work is cancelled and any
// in-flight acquisition is aborted. Teardown fades survive.
func (ch *channel) halt() {
	ch.epoch++
	ch.active = false
	ch.cancel()
	ch.cancelTasks(func(t *task) bool { return t.kind != taskTeardown })
}

func removeInstance(list []*instance, inst *instance) []*instance {
	for i, x := range list {
		if x == inst {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// safely runs fn, turning a panic into an error.
func safely(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// release stops and unloads inst once.
func (inst *instance) release(mute bool) error {
	if inst.released {
		return nil
	}
	inst.released = true
	if inst.playing {
		inst.playing = false
		instancesPlaying.Dec()
	}
	var errs []error
	if mute {
		errs = append(errs, safely("mute", func() error { return inst.handle.SetVolume(0) }))
	}
	errs = append(errs,
		safely("stop", inst.handle.Stop),
		safely("unload", inst.handle.Unload),
	)
	return errors.Join(errs...)
}

func progress(start, now time.Time, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	p := float64(now.Sub(start)) / float64(d)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
