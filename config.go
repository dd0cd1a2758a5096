package omx

import (
	"time"

	"go.uber.org/zap"
)

// Config configures a Codec.
type Config struct {
	// Logger receives engine logs. Defaults to zap.L().Named("omx").
	Logger *zap.Logger

	// Window, when set, receives decoded output directly; output buffers are
	// dequeued from it instead of allocated locally.
	Window NativeWindow

	Flags CreateFlags

	// CommandTimeout bounds waits for node state changes in Start and Stop.
	CommandTimeout time.Duration

	// OutputTimeout bounds how long a decoder Read waits for a filled
	// buffer before reporting a stall. Encoders wait on ctx only.
	OutputTimeout time.Duration

	// SourceRetries caps re-reads of a unit reported as corrupt.
	SourceRetries uint64
	// SourceRetryInterval is the initial backoff between re-reads.
	SourceRetryInterval time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:      5 * time.Second,
		OutputTimeout:       3 * time.Second,
		SourceRetries:       8,
		SourceRetryInterval: 2 * time.Millisecond,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = zap.L().Named("omx")
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.OutputTimeout <= 0 {
		c.OutputTimeout = d.OutputTimeout
	}
	if c.SourceRetries == 0 {
		c.SourceRetries = d.SourceRetries
	}
	if c.SourceRetryInterval <= 0 {
		c.SourceRetryInterval = d.SourceRetryInterval
	}
}
