package database

import (
	"context"
	"time"
)

// HealthStatus is a point-in-time snapshot of pool health, grounded on
// tarsy's pkg/database/health.go.
type HealthStatus struct {
	Reachable      bool
	OpenConns      int32
	IdleConns      int32
	AcquiredConns  int32
	PingDuration   time.Duration
}

// Health pings the pool and reports a connection snapshot.
func Health(ctx context.Context, c *Client) HealthStatus {
	start := time.Now()
	err := c.Pool.Ping(ctx)
	stat := c.Pool.Stat()

	return HealthStatus{
		Reachable:     err == nil,
		OpenConns:     stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		PingDuration:  time.Since(start),
	}
}
