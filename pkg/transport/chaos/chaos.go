// Package chaos wraps a Connection with a configurable fault model: loss,
// duplication and latency. It exists to exercise the Unreliable tier, where
// drops are specified silent behavior; wrapping a reliable connection with a
// lossy config would violate that connection's delivery contract.
package chaos

import (
	"math/rand"
	"sync"
	"time"

	"github.com/raptazure/distributed-process/pkg/transport"
)

// Config holds the fault model.
type Config struct {
	// Probabilities [0..1]
	Loss float64 // drop the message
	Dup  float64 // deliver it twice

	// Latency model
	BaseDelay time.Duration // fixed base latency
	Jitter    time.Duration // +/- jitter uniformly

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

// Conn applies the fault model to every Send before handing the message to
// the wrapped connection.
type Conn struct {
	under transport.Connection

	cfgMu sync.RWMutex
	cfg   Config

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Wrap returns a faulty view of under.
func Wrap(under transport.Connection, cfg Config) *Conn {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Conn{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// SetConfig swaps the fault model at runtime.
func (c *Conn) SetConfig(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

// GetConfig returns the current fault model.
func (c *Conn) GetConfig() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Send drops, duplicates or delays the message per the config. A drop is
// silent: it returns nil, exactly as an unreliable link would behave.
func (c *Conn) Send(fragments ...[]byte) error {
	cfg := c.GetConfig()
	if c.roll() < cfg.Loss {
		return nil
	}
	frags := copyFragments(fragments)
	n := 1
	if c.roll() < cfg.Dup {
		n = 2
	}
	for i := 0; i < n; i++ {
		delay := c.delayWithJitter(cfg)
		if delay <= 0 {
			if err := c.under.Send(frags...); err != nil {
				return err
			}
			continue
		}
		// Delayed deliveries may land after Close; the resulting SendFailed
		// is indistinguishable from a late drop and is discarded.
		time.AfterFunc(delay, func() { _ = c.under.Send(frags...) })
	}
	return nil
}

// Close closes the wrapped connection.
func (c *Conn) Close() { c.under.Close() }

func (c *Conn) roll() float64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64()
}

func (c *Conn) delayWithJitter(cfg Config) time.Duration {
	if cfg.BaseDelay <= 0 && cfg.Jitter <= 0 {
		return 0
	}
	d := cfg.BaseDelay
	if cfg.Jitter > 0 {
		c.rngMu.Lock()
		d += time.Duration(c.rng.Int63n(int64(2*cfg.Jitter))) - cfg.Jitter
		c.rngMu.Unlock()
	}
	return d
}

func copyFragments(fragments [][]byte) [][]byte {
	out := make([][]byte, len(fragments))
	for i, f := range fragments {
		buf := make([]byte, len(f))
		copy(buf, f)
		out[i] = buf
	}
	return out
}
