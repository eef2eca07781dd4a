package vision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nerrad567/cellcore/internal/tracker"
)

// Updater is the tracker operation a channel drives.
type Updater interface {
	Update(detections []tracker.Detection, frameWidth, frameHeight int) ([]tracker.FinalizeEvent, error)
}

// ChannelConfig configures the detection filter of one camera channel.
type ChannelConfig struct {
	ID            string
	GoodLabels    []string
	BadLabels     []string
	MinConfidence float64
}

// ChannelStats are cumulative channel counters.
type ChannelStats struct {
	Batches   uint64 `json:"batches"`
	NotReady  uint64 `json:"not_ready"`
	Filtered  uint64 `json:"filtered"`
	Finalized uint64 `json:"finalized"`
	Dropped   uint64 `json:"dropped"`
}

// Channel is the per-camera processing loop: it takes the newest batch from
// its slot, keeps detections with a known label and enough confidence and
// feeds them to the tracker. Batches are processed strictly one at a time
// in arrival order.
type Channel struct {
	cfg     ChannelConfig
	labels  map[string]struct{}
	tracker Updater
	slot    *Slot[Batch]
	logger  Logger

	batches   atomic.Uint64
	notReady  atomic.Uint64
	filtered  atomic.Uint64
	finalized atomic.Uint64
}

// NewChannel creates a channel reading from slot.
func NewChannel(cfg ChannelConfig, tr Updater, slot *Slot[Batch], logger Logger) (*Channel, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidConfig)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, fmt.Errorf("%w: %s: min confidence %v outside [0, 1]", ErrInvalidConfig, cfg.ID, cfg.MinConfidence)
	}
	if logger == nil {
		logger = noopLogger{}
	}

	labels := make(map[string]struct{}, len(cfg.GoodLabels)+len(cfg.BadLabels))
	for _, l := range cfg.GoodLabels {
		labels[l] = struct{}{}
	}
	for _, l := range cfg.BadLabels {
		labels[l] = struct{}{}
	}

	return &Channel{
		cfg:     cfg,
		labels:  labels,
		tracker: tr,
		slot:    slot,
		logger:  logger,
	}, nil
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.cfg.ID }

// Run processes batches until ctx is done.
func (c *Channel) Run(ctx context.Context) error {
	c.logger.Info("vision channel started", "channel", c.cfg.ID)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("vision channel stopped", "channel", c.cfg.ID)
			return nil
		case b := <-c.slot.C():
			if _, err := c.Process(b); err != nil && !errors.Is(err, tracker.ErrFrameNotReady) {
				c.logger.Warn("batch processing failed", "channel", c.cfg.ID, "error", err)
			}
		}
	}
}

// Process filters one batch and runs a tracker cycle. A batch without a
// frame size is skipped and reported as tracker.ErrFrameNotReady.
func (c *Channel) Process(b Batch) ([]tracker.FinalizeEvent, error) {
	c.batches.Add(1)
	if b.FrameWidth <= 0 || b.FrameHeight <= 0 {
		c.notReady.Add(1)
		return nil, tracker.ErrFrameNotReady
	}

	dets := c.Filter(b.Detections)
	events, err := c.tracker.Update(dets, b.FrameWidth, b.FrameHeight)
	if err != nil {
		return nil, err
	}
	c.finalized.Add(uint64(len(events)))

	for _, ev := range events {
		c.logger.Info("object finalized",
			"channel", c.cfg.ID,
			"object_id", ev.ObjectID,
			"defective", ev.IsDefective,
			"confidence", ev.ConfidenceAvg,
			"frames", ev.FrameCount,
		)
	}
	return events, nil
}

// Filter returns the detections with a configured label and a confidence of
// at least MinConfidence. Confidences outside (0, 1] are dropped as invalid.
func (c *Channel) Filter(dets []tracker.Detection) []tracker.Detection {
	out := make([]tracker.Detection, 0, len(dets))
	for _, d := range dets {
		if !(d.Confidence > 0 && d.Confidence <= 1) {
			c.filtered.Add(1)
			c.logger.Debug("invalid detection confidence", "channel", c.cfg.ID, "label", d.Label, "confidence", d.Confidence)
			continue
		}
		if _, ok := c.labels[d.Label]; !ok || d.Confidence < c.cfg.MinConfidence {
			c.filtered.Add(1)
			continue
		}
		out = append(out, d)
	}
	return out
}

// Stats returns the channel counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Batches:   c.batches.Load(),
		NotReady:  c.notReady.Load(),
		Filtered:  c.filtered.Load(),
		Finalized: c.finalized.Load(),
		Dropped:   c.slot.Dropped(),
	}
}
