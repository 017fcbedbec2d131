// Package audio is a small software mixer. Clips are decoded to 48kHz
// stereo PCM with ffmpeg and summed into 20ms frames.
package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// SamplesDuration returns the play time of n interleaved samples.
func SamplesDuration(n int) time.Duration {
	return time.Duration(n/Channels) * time.Second / SampleRate
}
