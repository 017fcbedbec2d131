// Package ambient keeps logical sound channels playing continuously by
// overlapping finite clip instances with timed fades.
//
// Every timer, fade and in-flight acquisition belonging to a channel is
// recorded on that channel, so stopping it cancels all follow-up work.
package ambient

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrResolution means a clip could not be resolved or loaded.
	ErrResolution = errors.New("ambient: clip resolution failed")
	// ErrMetadataTimeout means a loaded clip never reported its duration.
	ErrMetadataTimeout = errors.New("ambient: clip duration unavailable")
	// ErrPlayback means a loaded clip refused to start.
	ErrPlayback = errors.New("ambient: playback failed")
	// ErrMasterDisabled is returned while all sounds are switched off.
	ErrMasterDisabled = errors.New("ambient: sounds disabled")
)

// Clip is a resolved, playable sound.
type Clip struct {
	URI  string
	Name string
}

// Resolver maps a channel id to a playable clip.
type Resolver interface {
	Resolve(ctx context.Context, clipID string) (Clip, error)
}

// Status describes a loaded handle.
type Status struct {
	IsLoaded  bool
	Duration  time.Duration
	IsPlaying bool
}

// Handle is one loaded occurrence of a clip.
type Handle interface {
	Play() error
	SetVolume(v float64) error
	Stop() error
	Unload() error
	Status() Status
}

// Player loads clips into handles.
type Player interface {
	Load(ctx context.Context, uri string) (Handle, error)
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, uri string) (Handle, error)

func (f PlayerFunc) Load(ctx context.Context, uri string) (Handle, error) {
	return f(ctx, uri)
}

// AudioSession prepares the platform audio output.
type AudioSession interface {
	Activate(ctx context.Context) error
}

// Strategy selects how successive instances overlap.
type Strategy int

const (
	// StrategyRhythmic crossfades the outgoing and incoming instances.
	StrategyRhythmic Strategy = iota
	// StrategyContinuous overlaps instances at full volume.
	StrategyContinuous
)

func (s Strategy) String() string {
	if s == StrategyContinuous {
		return "continuous"
	}
	return "rhythmic"
}

// Classifier picks the loop strategy for a channel.
type Classifier func(channelID string) Strategy

// KeywordClassifier treats channels whose id contains any keyword as
// continuous ambience and everything else as rhythmic.
func KeywordClassifier(keywords ...string) Classifier {
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return func(id string) Strategy {
		id = strings.ToLower(id)
		for _, k := range kw {
			if strings.Contains(id, k) {
				return StrategyContinuous
			}
		}
		return StrategyRhythmic
	}
}

// DefaultContinuousKeywords are ids that sound like steady textures.
var DefaultContinuousKeywords = []string{
	"rain", "ocean", "wind", "forest", "fire", "stream", "river", "thunder", "noise", "cafe",
}

// Timing holds every fade and overlap constant.
type Timing struct {
	FadeIn           time.Duration // first instance of a run
	OneShotFadeOut   time.Duration // ends a non-looping instance
	StopFadeOut      time.Duration // StopChannel teardown
	ContinuousWindow time.Duration // overlap for StrategyContinuous
	RhythmicWindow   time.Duration // crossfade for StrategyRhythmic
	CleanupBuffer    time.Duration // grace after an instance's end before unloading
	FadeStep         time.Duration // volume update cadence
	MetadataAttempts int
	MetadataBackoff  time.Duration // grows linearly per attempt
}

// DefaultTiming returns the production constants.
func DefaultTiming() Timing {
	return Timing{
		FadeIn:           1000 * time.Millisecond,
		OneShotFadeOut:   2000 * time.Millisecond,
		StopFadeOut:      1000 * time.Millisecond,
		ContinuousWindow: 3000 * time.Millisecond,
		RhythmicWindow:   2000 * time.Millisecond,
		CleanupBuffer:    100 * time.Millisecond,
		FadeStep:         50 * time.Millisecond,
		MetadataAttempts: 10,
		MetadataBackoff:  100 * time.Millisecond,
	}
}

func (t Timing) window(s Strategy) time.Duration {
	if s == StrategyContinuous {
		return t.ContinuousWindow
	}
	return t.RhythmicWindow
}
