package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/cellcore/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// writeAPI is the part of api.WriteAPI the client uses.
type writeAPI interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client is the cell's telemetry writer. Points are batched by the
// non-blocking write API; Write* methods never wait for the network and
// become no-ops after Close.
type Client struct {
	client   influxdb2.Client
	writeAPI writeAPI
	site     string

	closed    atomic.Bool
	writeErrs atomic.Uint64

	mu      sync.Mutex
	onError func(err error)
}

// options maps the influxdb section onto client options. Points are
// written with millisecond precision, which is what step and inspection
// timestamps carry.
func options(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize)
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())).
		SetPrecision(time.Millisecond)
}

// Connect pings the server and starts the batching write API. Every point
// written through the client carries siteID as its site tag.
func Connect(cfg config.InfluxDBConfig, siteID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	switch {
	case err != nil:
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	case !healthy:
		client.Close()
		return nil, fmt.Errorf("%w: %s reports unhealthy", ErrConnectionFailed, cfg.URL)
	}

	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := &Client{client: client, writeAPI: w, site: siteID}
	go c.drainErrors(w.Errors())
	return c, nil
}

// drainErrors counts asynchronous write failures and reports each one.
func (c *Client) drainErrors(errs <-chan error) {
	for err := range errs {
		c.writeErrs.Add(1)
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError sets the callback for asynchronous write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// WriteErrors returns the number of batches the server rejected.
func (c *Client) WriteErrors() uint64 {
	return c.writeErrs.Load()
}

// Flush writes buffered points now. It does nothing after Close.
func (c *Client) Flush() {
	if c.writeAPI == nil || c.closed.Load() {
		return
	}
	c.writeAPI.Flush()
}

// Close flushes what is buffered and releases the client. Later writes are
// dropped.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.writeAPI != nil {
		c.writeAPI.Flush()
	}
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() || c.client == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check: server unhealthy")
	}
	return nil
}
