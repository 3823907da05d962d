package channel

import (
	"context"
	"sync"
	"time"

	"jobflow/logger"
	"jobflow/models"
)

type ChannelStats struct {
	RawSent      int64
	NormSent     int64
	CleanSent    int64
	ErrorSent    int64
	RawDropped   int64
	NormDropped  int64
	CleanDropped int64
	ErrorDropped int64
}

// Channels connects the pipeline stages: collectors feed Raw, the
// extractor feeds Norm, the dedup engine feeds Clean, and extraction
// failures go to Errors for archival. Buffer sizes come from config so
// a slow stage applies backpressure instead of unbounded memory growth.
type Channels struct {
	Raw    chan models.RawListing
	Norm   chan models.PostingBatch
	Clean  chan models.PostingBatch
	Errors chan models.RawListing

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBuffer, normBuffer, cleanBuffer, errorBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:    make(chan models.RawListing, rawBuffer),
		Norm:   make(chan models.PostingBatch, normBuffer),
		Clean:  make(chan models.PostingBatch, cleanBuffer),
		Errors: make(chan models.RawListing, errorBuffer),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer":   rawBuffer,
		"norm_buffer":  normBuffer,
		"clean_buffer": cleanBuffer,
		"error_buffer": errorBuffer,
	}).Info("pipeline channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	close(c.Norm)
	close(c.Clean)
	close(c.Errors)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

// SendRaw delivers a raw listing to the extraction stage. Blocks until
// the channel has room so listings are never silently dropped; returns
// false only when ctx is cancelled.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawListing) bool {
	select {
	case c.Raw <- msg:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("raw", len(msg.Payload))
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendNorm(ctx context.Context, batch models.PostingBatch) bool {
	select {
	case c.Norm <- batch:
		c.statsMutex.Lock()
		c.stats.NormSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("norm", batch.RecordCount)
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.NormDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendClean(ctx context.Context, batch models.PostingBatch) bool {
	select {
	case c.Clean <- batch:
		c.statsMutex.Lock()
		c.stats.CleanSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("clean", batch.RecordCount)
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.CleanDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendError routes a raw listing that failed extraction to the error
// sink. Non-blocking: a full error buffer drops the listing rather than
// stalling the pipeline over diagnostics.
func (c *Channels) SendError(ctx context.Context, msg models.RawListing) bool {
	select {
	case c.Errors <- msg:
		c.statsMutex.Lock()
		c.stats.ErrorSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.ErrorDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel occupancy every 30 seconds until
// ctx is cancelled.
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
				"raw_len":       len(c.Raw),
				"raw_cap":       cap(c.Raw),
				"norm_len":      len(c.Norm),
				"norm_cap":      cap(c.Norm),
				"clean_len":     len(c.Clean),
				"clean_cap":     cap(c.Clean),
				"error_len":     len(c.Errors),
				"raw_sent":      stats.RawSent,
				"norm_sent":     stats.NormSent,
				"clean_sent":    stats.CleanSent,
				"error_sent":    stats.ErrorSent,
				"error_dropped": stats.ErrorDropped,
			}).Info("channel metrics")
		}
	}
}
