package sqlstore

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// queryLatency records GORM query latency by operation and table, read by
// the same /metrics endpoint internal/httpserver registers via
// fiberprometheus. Grounded on the teacher's
// internal/observability/metrics.go DatabaseMetrics/DatabaseQueryLatency,
// folded directly into gormLogger.Trace instead of a separate wrapper type
// since Trace already observes every query's elapsed time.
var queryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "actionkit_sqlstore_query_latency_seconds",
	Help:    "sqlstore query latency in seconds by operation and table.",
	Buckets: prometheus.DefBuckets,
}, []string{"operation", "table"})

func observeQuery(operation, table string, elapsed time.Duration) {
	queryLatency.WithLabelValues(operation, table).Observe(elapsed.Seconds())
}

// queryOperation returns the statement's leading verb (SELECT, INSERT, ...),
// or "unknown" for anything else GORM might trace (e.g. raw Exec calls that
// don't start with a recognizable verb).
func queryOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToUpper(fields[0])
}

// queryTable extracts the table name following FROM/INTO/UPDATE, the three
// clauses GORM's generated SQL always uses one of. Best-effort: returns ""
// for statements it doesn't recognize rather than guessing.
func queryTable(sql string) string {
	upper := strings.ToUpper(sql)
	for _, clause := range []string{"FROM", "INTO", "UPDATE"} {
		idx := strings.Index(upper, clause+" ")
		if idx == -1 {
			continue
		}
		rest := strings.TrimSpace(sql[idx+len(clause)+1:])
		rest = strings.Trim(rest, `"`)
		fields := strings.FieldsFunc(rest, func(r rune) bool {
			return r == ' ' || r == '"' || r == '(' || r == '`'
		})
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}
