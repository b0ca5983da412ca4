package session

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/rmbridge/internal/protocol/frame"
)

const (
	DefaultLabel         = "mmrm"
	DefaultCallTimeout   = 300 * time.Millisecond
	DefaultMaxRecvErrors = 5
)

// BackoffConfig defines re-registration backoff after the channel dies.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config is the per-session setup. CallTimeout is the only option the call
// facade reads.
type Config struct {
	Label         string
	Identity      string
	ExpectedPeer  string
	CallTimeout   time.Duration
	MaxRecvErrors int
	MaxFrameSize  int
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Label:         DefaultLabel,
		CallTimeout:   DefaultCallTimeout,
		MaxRecvErrors: DefaultMaxRecvErrors,
		MaxFrameSize:  frame.DefaultMaxFrameSize,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Label) == "" {
		c.Label = def.Label
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.MaxRecvErrors <= 0 {
		c.MaxRecvErrors = def.MaxRecvErrors
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ExpectedPeer) == "" {
		return fmt.Errorf("%w: expected peer required", ErrInvalidConfig)
	}
	if c.MaxFrameSize <= frame.HeaderLen {
		return fmt.Errorf("%w: max frame size %d does not fit a header", ErrInvalidConfig, c.MaxFrameSize)
	}
	return nil
}

func (c Config) Limits() frame.Limits {
	return frame.Limits{MaxFrameSize: c.MaxFrameSize}
}

// Delay returns the wait before re-registration attempt N (1-based).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || b.InitialDelay <= 0 {
		return b.jitter(float64(b.InitialDelay), rng)
	}
	mult := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	return b.jitter(delay, rng)
}

func (b BackoffConfig) jitter(delay float64, rng *rand.Rand) time.Duration {
	if !b.Jitter {
		return time.Duration(delay)
	}
	f := 0.5
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(delay * f)
}
