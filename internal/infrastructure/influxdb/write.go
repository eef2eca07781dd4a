package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementInspection = "inspection"
	MeasurementGateResult = "gate_result"
	MeasurementStep       = "step_execution"
	MeasurementBacklog    = "step_backlog"
)

// Inspection is one finalized object as written to InfluxDB.
type Inspection struct {
	Channel       string
	ObjectID      int
	IsDefective   bool
	ConfidenceAvg float64
	FrameCount    int
	Gated         bool
	Timestamp     time.Time
}

// WriteInspection records a finalized object.
func (c *Client) WriteInspection(in Inspection) {
	c.write(MeasurementInspection,
		map[string]string{
			"channel":   in.Channel,
			"defective": strconv.FormatBool(in.IsDefective),
			"gated":     strconv.FormatBool(in.Gated),
		},
		map[string]any{
			"object_id":      in.ObjectID,
			"confidence_avg": in.ConfidenceAvg,
			"frame_count":    in.FrameCount,
		},
		in.Timestamp,
	)
}

// WriteGateResult records a verdict forwarded to the controller.
func (c *Client) WriteGateResult(channel string, isGood bool) {
	good := 0
	if isGood {
		good = 1
	}
	c.write(MeasurementGateResult,
		map[string]string{"channel": channel},
		map[string]any{"good": good},
		time.Time{},
	)
}

// WriteStep records a finished step body. A non-nil err marks it failed.
func (c *Client) WriteStep(resource string, step int, d time.Duration, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	c.write(MeasurementStep,
		map[string]string{
			"resource": resource,
			"step":     strconv.Itoa(step),
			"status":   status,
		},
		map[string]any{"duration_ms": d.Milliseconds()},
		time.Time{},
	)
}

// WriteBacklog records the pending step count of a resource.
func (c *Client) WriteBacklog(resource string, pending int) {
	c.write(MeasurementBacklog,
		map[string]string{"resource": resource},
		map[string]any{"pending": pending},
		time.Time{},
	)
}

// WritePoint writes a custom point. A zero timestamp means now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	c.write(measurement, tags, fields, ts)
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if c.closed.Load() {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	if c.site != "" {
		if tags == nil {
			tags = make(map[string]string, 1)
		}
		tags["site"] = c.site
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
