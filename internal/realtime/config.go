package realtime

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds realtime tuning knobs. Zero values are replaced by the
// DefaultConfig values in NewService.
type Config struct {
	// HeartbeatInterval is the period of the liveness sweep. A connection
	// that has not answered the previous sweep's ping is closed.
	HeartbeatInterval time.Duration

	// ResumeWindow is how long a closed connection's channel set is kept
	// for resumption, and ResumeCapacity bounds how many are kept.
	ResumeWindow   time.Duration
	ResumeCapacity int

	// AccessTimeout bounds every single access check and authentication.
	AccessTimeout time.Duration

	// FanoutLimit caps concurrent per-recipient checks in one broadcast.
	FanoutLimit int

	// QueueSize is the publish queue capacity.
	QueueSize int

	// BoardCacheSize and BoardCacheTTL size the board to workspace cache
	// and the column to board cache used for deletes.
	BoardCacheSize int
	BoardCacheTTL  time.Duration

	SendBufferSize int
	MaxMessageSize int64
	WriteWait      time.Duration

	// Clock drives the heartbeat; tests swap in a mock.
	Clock clock.Clock
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ResumeWindow:      2 * time.Minute,
		ResumeCapacity:    4096,
		AccessTimeout:     5 * time.Second,
		FanoutLimit:       64,
		QueueSize:         1024,
		BoardCacheSize:    4096,
		BoardCacheTTL:     10 * time.Minute,
		SendBufferSize:    256,
		MaxMessageSize:    64 * 1024,
		WriteWait:         10 * time.Second,
		Clock:             clock.New(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = d.ResumeWindow
	}
	if c.ResumeCapacity <= 0 {
		c.ResumeCapacity = d.ResumeCapacity
	}
	if c.AccessTimeout <= 0 {
		c.AccessTimeout = d.AccessTimeout
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = d.FanoutLimit
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BoardCacheSize <= 0 {
		c.BoardCacheSize = d.BoardCacheSize
	}
	if c.BoardCacheTTL <= 0 {
		c.BoardCacheTTL = d.BoardCacheTTL
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}
