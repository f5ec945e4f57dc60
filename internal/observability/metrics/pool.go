package metrics

import (
	"fmt"
	"strings"
	"sync"
)

// PoolStats mirrors the connection pool counters exposed on /metrics.
type PoolStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Exhausted int64
	Live      int
}

var (
	poolMu    sync.Mutex
	poolStats PoolStats
)

// SetPoolStats publishes the latest connection pool snapshot.
func SetPoolStats(stats PoolStats) {
	poolMu.Lock()
	poolStats = stats
	poolMu.Unlock()
}

func renderPool() string {
	poolMu.Lock()
	stats := poolStats
	poolMu.Unlock()

	var builder strings.Builder
	builder.WriteString("# HELP mcpflow_pool_connections_live Current number of live pooled tool connections.\n")
	builder.WriteString("# TYPE mcpflow_pool_connections_live gauge\n")
	builder.WriteString(fmt.Sprintf("mcpflow_pool_connections_live %d\n", stats.Live))
	builder.WriteString("# HELP mcpflow_pool_hits_total Total number of pool acquisitions served by an existing connection.\n")
	builder.WriteString("# TYPE mcpflow_pool_hits_total counter\n")
	builder.WriteString(fmt.Sprintf("mcpflow_pool_hits_total %d\n", stats.Hits))
	builder.WriteString("# HELP mcpflow_pool_misses_total Total number of pool acquisitions that required a new connection.\n")
	builder.WriteString("# TYPE mcpflow_pool_misses_total counter\n")
	builder.WriteString(fmt.Sprintf("mcpflow_pool_misses_total %d\n", stats.Misses))
	builder.WriteString("# HELP mcpflow_pool_evictions_total Total number of pooled connections evicted.\n")
	builder.WriteString("# TYPE mcpflow_pool_evictions_total counter\n")
	builder.WriteString(fmt.Sprintf("mcpflow_pool_evictions_total %d\n", stats.Evictions))
	builder.WriteString("# HELP mcpflow_pool_exhausted_total Total number of pool acquisitions rejected for capacity.\n")
	builder.WriteString("# TYPE mcpflow_pool_exhausted_total counter\n")
	builder.WriteString(fmt.Sprintf("mcpflow_pool_exhausted_total %d\n", stats.Exhausted))
	return builder.String()
}
