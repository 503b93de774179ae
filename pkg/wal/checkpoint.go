package wal

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCheckpointInterval is how often a background Checkpointer runs.
const DefaultCheckpointInterval = 10 * time.Minute

// Checkpointer periodically flushes dirty pages to their data files,
// fsyncs the WAL and discards segments that can no longer be needed for
// recovery. flushFn is supplied by the page cache.
type Checkpointer struct {
	wal      *WAL
	interval time.Duration
	flushFn  func() error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer bound to wal. flushFn should write
// every dirty page back to its data file and return once that is durable.
func NewCheckpointer(wal *WAL, flushFn func() error) *Checkpointer {
	return &Checkpointer{
		wal:      wal,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the checkpointer in the background.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop signals the background goroutine and waits for it to exit.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("wal: checkpoint failed")
			}

		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint fsyncs the WAL, flushes dirty pages, and discards segments
// whose page-operations are now all reflected on disk. The WAL is made
// durable first so the page cache's write-ahead check never has to force
// an extra fsync mid-flush.
func (c *Checkpointer) Checkpoint() error {
	if err := c.wal.Flush(); err != nil {
		return fmt.Errorf("fsync wal: %w", err)
	}

	if err := c.flushFn(); err != nil {
		return fmt.Errorf("flush dirty pages: %w", err)
	}

	if err := c.truncateOldLogs(); err != nil {
		return fmt.Errorf("truncate old segments: %w", err)
	}

	return nil
}

func (c *Checkpointer) truncateOldLogs() error {
	c.wal.mu.Lock()
	defer c.wal.mu.Unlock()
	return c.wal.cleanOldLogsNoLock()
}

// SetInterval changes the checkpoint interval. Takes effect on the next
// tick after Start.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}
