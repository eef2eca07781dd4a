//go:build integration

package influxdb

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/cellcore/internal/infrastructure/config"
)

// integrationConfig matches the dev InfluxDB in docker-compose.yml.
func integrationConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "cellcore-dev-token",
		Org:           "cellcore",
		Bucket:        "telemetry",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestIntegration_ConnectAndWrite(t *testing.T) {
	c, err := Connect(integrationConfig(), "cell-int")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	c.WriteInspection(Inspection{Channel: "cam1", ObjectID: 1, ConfidenceAvg: 0.9, FrameCount: 15})
	c.WriteStep("dobot1", 2, time.Second, nil)
	c.Flush()
}

func TestIntegration_ConnectInvalidURL(t *testing.T) {
	cfg := integrationConfig()
	cfg.URL = "http://127.0.0.1:59999"

	if _, err := Connect(cfg, "cell-int"); err == nil {
		t.Fatal("Connect() to closed port should fail")
	}
}
