package channel

import (
	"context"
	"testing"
	"time"

	"jobflow/models"
)

func TestSendRawAndStats(t *testing.T) {
	c := NewChannels(1, 1, 1, 1)
	defer c.Close()

	ctx := context.Background()
	if !c.SendRaw(ctx, models.RawListing{SourceID: "adzuna"}) {
		t.Fatal("SendRaw should succeed with buffer space")
	}
	if got := c.GetStats().RawSent; got != 1 {
		t.Errorf("RawSent = %d, want 1", got)
	}
	msg := <-c.Raw
	if msg.SourceID != "adzuna" {
		t.Errorf("unexpected source: %s", msg.SourceID)
	}
}

func TestSendRawCancelled(t *testing.T) {
	c := NewChannels(1, 1, 1, 1)
	defer c.Close()

	// Fill the buffer so the next send blocks, then cancel.
	ctx, cancel := context.WithCancel(context.Background())
	c.SendRaw(ctx, models.RawListing{})
	cancel()
	if c.SendRaw(ctx, models.RawListing{}) {
		t.Error("SendRaw should fail after cancellation")
	}
	if got := c.GetStats().RawDropped; got != 1 {
		t.Errorf("RawDropped = %d, want 1", got)
	}
}

func TestSendErrorDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1, 1, 1)
	defer c.Close()

	ctx := context.Background()
	if !c.SendError(ctx, models.RawListing{}) {
		t.Fatal("first SendError should succeed")
	}
	if c.SendError(ctx, models.RawListing{}) {
		t.Error("SendError should drop when the buffer is full")
	}
	if got := c.GetStats().ErrorDropped; got != 1 {
		t.Errorf("ErrorDropped = %d, want 1", got)
	}
}

func TestMetricsReportingStops(t *testing.T) {
	c := NewChannels(1, 1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.StartMetricsReporting(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("metrics reporting did not stop on cancel")
	}
	c.Close()
}
