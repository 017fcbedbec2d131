// Package stream fans the mixed ambient bus out to network listeners.
package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Broadcaster fans out PCM frames from one source to N listeners.
type Broadcaster struct {
	log       zerolog.Logger
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

// Listener receives PCM frames from the broadcaster.
type Listener struct {
	C         chan []int16 // buffered channel of 20ms PCM frames
	transport string
	done      chan struct{}
	once      sync.Once
}

// Done is closed once the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:       logger.With().Str("component", "broadcaster").Logger(),
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener for the given transport label.
func (b *Broadcaster) Subscribe(transport string) *Listener {
	l := &Listener{
		C:         make(chan []int16, 150), // ~3 seconds of buffer at 20ms/frame
		transport: transport,
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	n := len(b.listeners)
	b.mu.Unlock()
	listenersConnected.WithLabelValues(transport).Inc()
	b.log.Info().Str("transport", transport).Int("listeners", n).Msg("listener connected")
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to repeat.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	l.once.Do(func() {
		b.mu.Lock()
		delete(b.listeners, l)
		n := len(b.listeners)
		b.mu.Unlock()
		close(l.done)
		listenersConnected.WithLabelValues(l.transport).Dec()
		b.log.Info().Str("transport", l.transport).Int("listeners", n).Msg("listener disconnected")
	})
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Run reads frames from source and fans out to all listeners until ctx is
// done or source closes. Slow listeners get frames dropped rather than
// blocking the broadcast.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-source:
			if !ok {
				return nil
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					framesDropped.Inc()
				}
			}
			b.mu.RUnlock()
		}
	}
}
