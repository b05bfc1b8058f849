// Package stats holds the counters behind BrokerMetrics shared by every
// broker implementation.
package stats

import (
	"sync/atomic"

	"github.com/terraskye/eventcore"
)

// Counters is safe for concurrent use. The zero value is ready.
type Counters struct {
	published atomic.Uint64
	received  atomic.Uint64
	failed    atomic.Uint64
	lastErr   atomic.Value
}

func (c *Counters) Published(n int) { c.published.Add(uint64(n)) }

func (c *Counters) Received() { c.received.Add(1) }

// Failed counts err and keeps its message as the last error.
func (c *Counters) Failed(err error) {
	c.failed.Add(1)
	c.lastErr.Store(err.Error())
}

// Snapshot returns the counters with queueSize filled in.
func (c *Counters) Snapshot(queueSize int) eventcore.BrokerMetrics {
	m := eventcore.BrokerMetrics{
		PublishedCount: c.published.Load(),
		ReceivedCount:  c.received.Load(),
		ErrorCount:     c.failed.Load(),
		QueueSize:      queueSize,
	}
	if v, ok := c.lastErr.Load().(string); ok {
		m.LastError = v
	}
	return m
}
