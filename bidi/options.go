package bidi

import (
	"time"

	"github.com/localrivet/webdriverbidi/codec"
	"github.com/localrivet/webdriverbidi/logx"
)

// Config holds every tunable of a Session, per spec section 6's
// Configuration enumeration. Defaults match the spec exactly.
type Config struct {
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	DataTimeout     time.Duration
	CommandTimeout  time.Duration
	BufferSize      int
	Logger          logx.Logger
	Codec           codec.Codec
}

func defaultConfig() Config {
	return Config{
		StartupTimeout:  10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		DataTimeout:     10 * time.Second,
		CommandTimeout:  5 * time.Second,
		BufferSize:      4096,
		Logger:          logx.NewDefaultLogger(),
		Codec:           codec.JSON{},
	}
}

// Option configures a Session before Start. Grounded on the teacher's
// client/options.go `Option func(*clientImpl)` pattern, generalized to
// apply to the plain Config value a Session is built from.
type Option func(*Config)

// WithStartupTimeout overrides the wall-clock budget for Start.
func WithStartupTimeout(d time.Duration) Option {
	return func(c *Config) { c.StartupTimeout = d }
}

// WithShutdownTimeout overrides the close-handshake budget for Stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

// WithDataTimeout overrides the send-mutex acquisition budget.
func WithDataTimeout(d time.Duration) Option {
	return func(c *Config) { c.DataTimeout = d }
}

// WithCommandTimeout overrides the default per-command deadline used when
// Execute is called without an explicit override.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommandTimeout = d }
}

// WithBufferSize overrides the inbound fragment reassembly buffer size.
func WithBufferSize(n int) Option {
	return func(c *Config) { c.BufferSize = n }
}

// WithLogger overrides the structured logger. A nil logger is not
// accepted; pass logx.NopLogger{} to silence logging.
func WithLogger(l logx.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithCodec overrides the codec used to encode commands and decode
// results/events.
func WithCodec(c codec.Codec) Option {
	return func(cfg *Config) {
		if c != nil {
			cfg.Codec = c
		}
	}
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the default command-timeout for one Execute call.
func WithTimeout(d time.Duration) ExecuteOption {
	return func(c *executeConfig) { c.timeout = d }
}
