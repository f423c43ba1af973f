package channel

import (
	"context"
	"sync"
	"time"

	"marketsim/logger"
	"marketsim/models"
)

type ChannelStats struct {
	ExecSent    int64
	ExecDropped int64
}

// Channels bundles the execution-record channel connecting the matching
// engine to the archive writer, together with send/drop accounting.
type Channels struct {
	Exec chan models.ExecutionRecord

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(execBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Exec: make(chan models.ExecutionRecord, execBufferSize),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"exec_buffer_size": execBufferSize,
	}).Info("execution channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Exec)
	c.log.WithComponent("channels").Info("execution channels closed")
}

// SendExec forwards an execution record without ever blocking the matching
// path. A full buffer drops the record and counts the drop.
func (c *Channels) SendExec(record models.ExecutionRecord) bool {
	select {
	case c.Exec <- record:
		c.statsMutex.Lock()
		c.stats.ExecSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("exec_records", 1)
		return true
	default:
		c.statsMutex.Lock()
		c.stats.ExecDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel depth and send/drop
// counters until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"exec_len":     len(c.Exec),
				"exec_cap":     cap(c.Exec),
				"exec_sent":    stats.ExecSent,
				"exec_dropped": stats.ExecDropped,
			}).Info("channel utilization")
		}
	}
}
