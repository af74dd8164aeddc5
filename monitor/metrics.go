package monitor

import (
	"sort"
	"strings"
	"time"
)

// RoutePerformance is the derived view of one (from, to) route.
type RoutePerformance struct {
	From            string
	To              string
	Count           int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
	ErrorCount      int64
	ErrorRate       float64
}

// PerformanceSummary is a point-in-time snapshot of all aggregates.
type PerformanceSummary struct {
	ActiveTraces int64
	TotalTraces  int64
	FailedTraces int64
	StatusCounts map[TraceStatus]int64
	Routes       []RoutePerformance
}

// Summary derives the performance snapshot from the accumulated
// aggregates. Routes are sorted by from, then to.
func (t *Tracer) Summary() PerformanceSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := PerformanceSummary{
		ActiveTraces: t.global.active,
		TotalTraces:  t.global.total,
		FailedTraces: t.global.failed,
		StatusCounts: make(map[TraceStatus]int64, len(t.global.statusCounts)),
		Routes:       make([]RoutePerformance, 0, len(t.routes)),
	}
	for status, count := range t.global.statusCounts {
		summary.StatusCounts[status] = count
	}

	for key, stats := range t.routes {
		from, to, _ := strings.Cut(key, "\x00")
		perf := RoutePerformance{
			From:          from,
			To:            to,
			Count:         stats.count,
			TotalDuration: stats.totalDuration,
			ErrorCount:    stats.errors,
		}
		if stats.count > 0 {
			perf.AverageDuration = stats.totalDuration / time.Duration(stats.count)
			perf.ErrorRate = float64(stats.errors) / float64(stats.count)
		}
		summary.Routes = append(summary.Routes, perf)
	}
	sort.Slice(summary.Routes, func(i, j int) bool {
		if summary.Routes[i].From != summary.Routes[j].From {
			return summary.Routes[i].From < summary.Routes[j].From
		}
		return summary.Routes[i].To < summary.Routes[j].To
	})
	return summary
}
