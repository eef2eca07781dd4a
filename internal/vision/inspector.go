package vision

import (
	"sync"
	"time"

	"github.com/nerrad567/cellcore/internal/tracker"
)

// InspectionCounts are a channel's verdict totals.
type InspectionCounts struct {
	Good      int       `json:"good"`
	Bad       int       `json:"bad"`
	LastAt    time.Time `json:"last_at,omitzero"`
	LastGood  bool      `json:"last_good"`
	LastLabel []string  `json:"last_labels,omitempty"`
}

// Total returns the number of inspected parts.
func (c InspectionCounts) Total() int { return c.Good + c.Bad }

// DefectRate returns the share of bad parts, or 0 before the first part.
func (c InspectionCounts) DefectRate() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Bad) / float64(c.Total())
}

// Inspector counts every finalized object of a channel, gated or not.
// It is a tracker.Subscriber.
type Inspector struct {
	channel string

	mu     sync.Mutex
	counts InspectionCounts
}

// NewInspector creates an inspector for channel.
func NewInspector(channel string) *Inspector {
	return &Inspector{channel: channel}
}

// OnFinalize records the verdict.
func (i *Inspector) OnFinalize(ev tracker.FinalizeEvent) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if ev.IsDefective {
		i.counts.Bad++
	} else {
		i.counts.Good++
	}
	i.counts.LastAt = ev.Timestamp
	i.counts.LastGood = !ev.IsDefective
	i.counts.LastLabel = append([]string(nil), ev.Labels...)
	return nil
}

// Counts returns a copy of the totals.
func (i *Inspector) Counts() InspectionCounts {
	i.mu.Lock()
	defer i.mu.Unlock()
	c := i.counts
	c.LastLabel = append([]string(nil), i.counts.LastLabel...)
	return c
}

// Reset zeroes the totals, e.g. at a shift change.
func (i *Inspector) Reset() {
	i.mu.Lock()
	i.counts = InspectionCounts{}
	i.mu.Unlock()
}

// Channel returns the channel id.
func (i *Inspector) Channel() string { return i.channel }
