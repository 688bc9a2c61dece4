package node

import (
	"context"
	"time"

	"distributed-search/internal/fault"
	"distributed-search/internal/metrics"
	"distributed-search/internal/transport"
)

// instrumentedCaller wraps the RPC client so every outbound call lands in
// the counters and latency histograms.
type instrumentedCaller struct {
	inner *transport.RPCClient
	m     *metrics.Metrics
}

func (c *instrumentedCaller) Call(ctx context.Context, addr, rpcType string, body, out any) error {
	start := time.Now()
	err := c.inner.Call(ctx, addr, rpcType, body, out)
	c.m.RPCLatency.WithLabelValues(rpcType).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = fault.Token(err)
	}
	c.m.RPCCalls.WithLabelValues(rpcType, outcome).Inc()
	return err
}
