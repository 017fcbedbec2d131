// Package session ties the clock engine and the ambient scheduler into one
// focus session and exposes them over HTTP.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/focusflow/internal/ambient"
	"github.com/satindergrewal/focusflow/internal/library"
	"github.com/satindergrewal/focusflow/internal/timewarp"
)

// ErrBadRequest wraps every validation failure of caller input.
var ErrBadRequest = errors.New("session: bad request")

// Sounds lists the clips available to a session.
type Sounds interface {
	List() ([]library.Sound, error)
}

// ClockSettings changes the engine. Nil fields are left alone.
type ClockSettings struct {
	Mode         *string  `json:"mode,omitempty"`
	Speed        *float64 `json:"speed,omitempty"`
	SlotDuration *float64 `json:"slot_duration,omitempty"`
	SlotInterval *float64 `json:"slot_interval,omitempty"`
}

// StartRequest begins a session with the given settings and looping sounds.
type StartRequest struct {
	ClockSettings
	Sounds []string `json:"sounds,omitempty"`
}

// Status is the combined view of the session.
type Status struct {
	SessionID     string            `json:"session_id,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	Clock         timewarp.Snapshot `json:"clock"`
	Channels      []string          `json:"channels"`
	MasterEnabled bool              `json:"master_enabled"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// Options configures a Controller. Engine and Scheduler are required.
type Options struct {
	Clock          clockwork.Clock
	Engine         *timewarp.Engine
	Scheduler      *ambient.Scheduler
	Sounds         Sounds
	PreviewTimeout time.Duration
	Logger         zerolog.Logger
}

// Controller owns the lifecycle of the current session.
type Controller struct {
	clock   clockwork.Clock
	engine  *timewarp.Engine
	sched   *ambient.Scheduler
	sounds  Sounds
	preview time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	id        string
	startedAt time.Time
}

func NewController(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PreviewTimeout <= 0 {
		opts.PreviewTimeout = ambient.MaxPreview
	}
	return &Controller{
		clock:   opts.Clock,
		engine:  opts.Engine,
		sched:   opts.Scheduler,
		sounds:  opts.Sounds,
		preview: opts.PreviewTimeout,
		log:     opts.Logger.With().Str("component", "session").Logger(),
	}
}

// Start applies the settings, starts the engine and the requested sounds.
// Sounds that fail to start are reported as warnings; the session still
// runs. Starting while a session runs restarts it.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Status, error) {
	if err := c.ApplyClock(req.ClockSettings); err != nil {
		return Status{}, err
	}
	if c.engine.Running() {
		c.Stop()
	}
	if err := c.sched.Initialize(ctx); err != nil {
		c.log.Warn().Err(err).Msg("audio session unavailable")
	}

	c.mu.Lock()
	c.id = uuid.NewString()
	c.startedAt = c.clock.Now()
	id := c.id
	c.mu.Unlock()
	c.engine.Start()
	c.log.Info().Str("session", id).Strs("sounds", req.Sounds).Msg("session started")

	var (
		mu       sync.Mutex
		warnings []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sound := range req.Sounds {
		sound := sound
		g.Go(func() error {
			if err := c.sched.PlayChannel(gctx, sound, true); err != nil {
				c.log.Warn().Err(err).Str("channel", sound).Msg("sound failed to start")
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("%s: %v", sound, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	st := c.Status()
	st.Warnings = warnings
	return st, nil
}

// Stop ends the session and stops every sound.
func (c *Controller) Stop() {
	c.engine.Stop()
	for _, id := range c.sched.Channels() {
		c.sched.StopChannel(id)
	}
	c.mu.Lock()
	id := c.id
	c.id = ""
	c.mu.Unlock()
	if id != "" {
		c.log.Info().Str("session", id).Msg("session stopped")
	}
}

// ApplyClock changes engine settings. Mode is applied before speed so a
// switch to locked wins over a speed in the same request.
func (c *Controller) ApplyClock(s ClockSettings) error {
	var errs []error
	if s.Mode != nil {
		m, err := timewarp.ParseMode(*s.Mode)
		if err == nil {
			err = c.engine.SetMode(m)
		}
		errs = append(errs, err)
	}
	if s.Speed != nil {
		errs = append(errs, c.engine.SetSpeedMultiplier(*s.Speed))
	}
	if s.SlotDuration != nil {
		errs = append(errs, c.engine.SetSlotDuration(*s.SlotDuration))
	}
	if s.SlotInterval != nil {
		errs = append(errs, c.engine.SetSlotInterval(*s.SlotInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// Status reports the current session.
func (c *Controller) Status() Status {
	st := Status{
		Clock:         c.engine.Snapshot(),
		Channels:      c.sched.Channels(),
		MasterEnabled: c.sched.MasterEnabled(),
	}
	if st.Channels == nil {
		st.Channels = []string{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" {
		started := c.startedAt
		st.SessionID, st.StartedAt = c.id, &started
	}
	return st
}

// PlaySound starts a channel, looping or once.
func (c *Controller) PlaySound(ctx context.Context, id string, loop bool) error {
	if id == "" {
		return fmt.Errorf("%w: sound id required", ErrBadRequest)
	}
	return c.sched.PlayChannel(ctx, id, loop)
}

// StopSound stops a channel with a fade.
func (c *Controller) StopSound(id string) {
	c.sched.StopChannel(id)
}

// PreviewSound plays a short sample of a channel.
func (c *Controller) PreviewSound(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: sound id required", ErrBadRequest)
	}
	return c.sched.Preview(ctx, id, c.preview)
}

// SetMaster switches all sound on or off.
func (c *Controller) SetMaster(on bool) {
	c.sched.SetMasterEnabled(on)
}

// Sounds lists the library.
func (c *Controller) Sounds() ([]library.Sound, error) {
	if c.sounds == nil {
		return []library.Sound{}, nil
	}
	return c.sounds.List()
}

// Subscribe forwards engine snapshots to fn.
func (c *Controller) Subscribe(fn func(timewarp.Snapshot)) (unsubscribe func()) {
	return c.engine.Subscribe(fn)
}

// Close stops the session and releases all sound.
func (c *Controller) Close() error {
	c.Stop()
	c.engine.Close()
	return c.sched.Close()
}
