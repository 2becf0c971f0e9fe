package core

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultMaxActiveFileSize = 64 << 20 // 64 MiB
	defaultReadCacheCapacity = 50
	minReadCacheCapacity     = 10
	defaultWriterBufferSize  = 8 << 10 // 8 KiB
	defaultReaderBufferSize  = 8 << 10 // 8 KiB
)

// Config holds every tunable the engine needs at runtime. It is built once by
// Open from the supplied Options and handed to every subsystem by reference;
// nothing mutates it afterward.
type Config struct {
	MaxActiveFileSize   uint64
	ReadCacheCapacity   int
	WriterBufferSize    int
	ReaderBufferSize    int
	RecoveryParallelism int

	Logger             *zap.SugaredLogger
	MetricsRegisterer  prometheus.Registerer
}

// Option mutates a Config under construction. Options are applied in order,
// so a later option can override an earlier one.
type Option func(*Config)

// WithMaxActiveFileSize sets the rollover threshold for the active segment.
func WithMaxActiveFileSize(n uint64) Option {
	return func(c *Config) { c.MaxActiveFileSize = n }
}

// WithReadCacheCapacity sets the segment handle cache's LRU capacity.
func WithReadCacheCapacity(n int) Option {
	return func(c *Config) { c.ReadCacheCapacity = n }
}

// WithWriterBufferSize sets the active segment's buffered writer size.
func WithWriterBufferSize(n int) Option {
	return func(c *Config) { c.WriterBufferSize = n }
}

// WithReaderBufferSize sets the recovery scanner's buffered reader size.
func WithReaderBufferSize(n int) Option {
	return func(c *Config) { c.ReaderBufferSize = n }
}

// WithRecoveryParallelism sets the bounded parallelism used while rebuilding
// the keydir at Open. A value <= 0 restores the default (2x NumCPU).
func WithRecoveryParallelism(n int) Option {
	return func(c *Config) { c.RecoveryParallelism = n }
}

// WithLogger injects a structured logger. The default is a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithMetricsRegisterer enables prometheus instrumentation against reg. The
// default (nil) disables metrics entirely.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.MetricsRegisterer = reg }
}

func newConfig(opts ...Option) (*Config, error) {
	c := &Config{
		MaxActiveFileSize:   defaultMaxActiveFileSize,
		ReadCacheCapacity:   defaultReadCacheCapacity,
		WriterBufferSize:    defaultWriterBufferSize,
		ReaderBufferSize:    defaultReaderBufferSize,
		RecoveryParallelism: 2 * runtime.NumCPU(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.ReadCacheCapacity < minReadCacheCapacity {
		c.ReadCacheCapacity = minReadCacheCapacity
	}
	if c.RecoveryParallelism <= 0 {
		c.RecoveryParallelism = 2 * runtime.NumCPU()
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	if c.MaxActiveFileSize == 0 {
		return ConfigError("max active file size must be positive")
	}
	if c.WriterBufferSize <= 0 {
		return ConfigError("writer buffer size must be positive")
	}
	if c.ReaderBufferSize <= 0 {
		return ConfigError("reader buffer size must be positive")
	}
	return nil
}
