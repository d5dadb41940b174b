// Package config holds the tunables a Translator is constructed with,
// expressed as a value struct plus functional options so call sites name
// only what they change from the defaults.
package config

import "github.com/arm64x/dbt/internal/golog"

// Defaults. The code-cache and guest-memory sizes are working values,
// not architectural limits; the block-length bound lives in
// internal/builder because the builder's buffer sizing depends on it.
const (
	DefaultCodeCacheSize = 1 << 20  // 1 MiB
	DefaultGuestMemBase  = 0x400000 // conventional ELF load base
	DefaultGuestMemSize  = 16 << 20 // 16 MiB
)

// Config is the resolved configuration a Translator runs with.
type Config struct {
	CodeCacheSize int
	GuestMemBase  uint64
	GuestMemSize  int
	Verbosity     golog.Lvl
}

// Option mutates a Config during construction.
type Option func(*Config)

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		CodeCacheSize: DefaultCodeCacheSize,
		GuestMemBase:  DefaultGuestMemBase,
		GuestMemSize:  DefaultGuestMemSize,
		Verbosity:     golog.LvlInfo,
	}
}

// Resolve applies opts over the defaults.
func Resolve(opts ...Option) Config {
	c := Default()
	for _, o := range opts {
		o(&c)
	}
	return c
}

// WithCodeCacheSize sets the executable code arena size in bytes.
func WithCodeCacheSize(n int) Option {
	return func(c *Config) { c.CodeCacheSize = n }
}

// WithGuestMemBase sets the lowest mapped guest address.
func WithGuestMemBase(base uint64) Option {
	return func(c *Config) { c.GuestMemBase = base }
}

// WithGuestMemSize sets the guest memory size in bytes.
func WithGuestMemSize(n int) Option {
	return func(c *Config) { c.GuestMemSize = n }
}

// WithVerbosity sets the global log level.
func WithVerbosity(l golog.Lvl) Option {
	return func(c *Config) { c.Verbosity = l }
}
