package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port          int
	StreamBitrate int      // kbps for the mp3 stream
	ICEServers    []string // STUN/TURN urls for WebRTC listeners

	// Sound library
	SoundsDir    string
	SoundExts    []string
	DecodeCache  int // decoded clips kept in memory
	ResolveCache int // cached id -> file resolutions

	// Clock virtualization
	SpeedMultiplier float64
	SlotDuration    int    // minutes added per slot
	SlotInterval    int    // real minutes between slots
	Mode            string // speed or locked
	DisplayInterval time.Duration
	Heartbeat       time.Duration
	TimeFormat      string // 12h or 24h

	// Ambient sound
	PreviewTimeout     time.Duration
	ContinuousKeywords []string
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port:          envInt("FOCUS_PORT", 8080),
		StreamBitrate: envInt("FOCUS_STREAM_BITRATE", 192),
		ICEServers:    envList("FOCUS_ICE_SERVERS", nil),

		SoundsDir:    envStr("FOCUS_SOUNDS_DIR", "./sounds"),
		SoundExts:    envList("FOCUS_SOUND_EXTS", []string{"mp3", "flac", "wav", "ogg", "m4a"}),
		DecodeCache:  envInt("FOCUS_DECODE_CACHE", 32),
		ResolveCache: envInt("FOCUS_RESOLVE_CACHE", 256),

		SpeedMultiplier: envFloat("FOCUS_SPEED", 1.0),
		SlotDuration:    envInt("FOCUS_SLOT_DURATION", 15),
		SlotInterval:    envInt("FOCUS_SLOT_INTERVAL", 30),
		Mode:            envStr("FOCUS_MODE", "speed"),
		DisplayInterval: time.Duration(envInt("FOCUS_DISPLAY_INTERVAL_MS", 100)) * time.Millisecond,
		Heartbeat:       time.Duration(envInt("FOCUS_HEARTBEAT_MS", 1000)) * time.Millisecond,
		TimeFormat:      envStr("FOCUS_TIME_FORMAT", "24h"),

		PreviewTimeout: envDuration("FOCUS_PREVIEW_SECONDS", 8*time.Second, time.Second),
		ContinuousKeywords: envList("FOCUS_CONTINUOUS_KEYWORDS", []string{
			"rain", "ocean", "wind", "forest", "fire", "stream", "river", "thunder", "noise", "cafe",
		}),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration reads a number of units, or a Go duration string like "7s".
func envDuration(key string, fallback, unit time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(unit))
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
