package scanmgr

import (
	"strings"
	"time"
)

// Builds the in-memory context for scoring one report: resolved user
// settings plus the test and override lookups the resolver needs. The
// returned results are the report's rows at or above the QoD threshold.
func (e *Engine) newScoreContext(reportID uint, params ScoreParams) (*scoreContext, []*Result, error) {
	settings := e.repos.Settings()

	dynamic, err := settings.dynamicSeverity(params.UserID)
	if err != nil {
		return nil, nil, err
	}
	class, err := settings.severityClass(params.UserID)
	if err != nil {
		return nil, nil, err
	}

	results, err := e.repos.Results().forReport(reportID, params.MinQoD)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(results))
	var oids []string
	for _, res := range results {
		if !seen[res.NVTOID] {
			seen[res.NVTOID] = true
			oids = append(oids, res.NVTOID)
		}
	}

	ctx := &scoreContext{
		params:  params,
		dynamic: dynamic,
		class:   class,
		now:     time.Now().Unix(),
	}

	if len(oids) == 0 {
		return ctx, results, nil
	}

	if dynamic {
		if ctx.nvts, err = e.repos.NVTs().byOIDs(oids); err != nil {
			return nil, nil, err
		}
	}
	if params.ApplyOverrides {
		if ctx.overrides, err = e.repos.Overrides().candidates(params.UserID, oids); err != nil {
			return nil, nil, err
		}
	}
	return ctx, results, nil
}

// The severity histogram of a report for one cache key. Cached rows are
// used while their own validity window holds; otherwise the histogram
// is recomputed from the results and the cache refreshed. Refreshes by
// concurrent readers of the same key are idempotent.
func (e *Engine) counts(reportID uint, params ScoreParams) ([]*ReportCount, error) {
	cached, err := e.repos.Counts().rows(reportID, params.UserID, params.ApplyOverrides, params.MinQoD)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 && countsFresh(cached, time.Now().Unix()) {
		return cached, nil
	}

	report, err := e.repos.Reports().getReport(reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		// a vanished report contributes nothing, and caching under its
		// id would only leave orphans
		return nil, nil
	}

	ctx, results, err := e.newScoreContext(reportID, params)
	if err != nil {
		return nil, err
	}

	histogram := make(map[float64]int)
	for _, res := range results {
		severity, err := ctx.effectiveSeverity(res)
		if err != nil {
			return nil, err
		}
		histogram[severity]++
	}
	if len(histogram) == 0 {
		// marker row so the empty answer is also a cache hit
		histogram[severityMissing] = 0
	}

	end := cacheEndTime(ctx)
	if err := e.repos.Counts().replace(reportID, params.UserID, params.ApplyOverrides,
		params.MinQoD, histogram, end); err != nil {
		return nil, err
	}

	rows := make([]*ReportCount, 0, len(histogram))
	for severity, count := range histogram {
		rows = append(rows, &ReportCount{
			ReportID: reportID,
			UserID:   params.UserID,
			Override: params.ApplyOverrides,
			MinQoD:   params.MinQoD,
			Severity: severity,
			Count:    count,
			EndTime:  end,
		})
	}
	return rows, nil
}

func countsFresh(rows []*ReportCount, now int64) bool {
	for _, row := range rows {
		if row.EndTime != 0 && row.EndTime <= now {
			return false
		}
	}
	return true
}

// The validity window for freshly computed counts: the earliest future
// expiry among the override candidates that went into them. Overrides
// already expired cannot change the result again, and rows computed
// without overrides never go stale. This is why override edits need no
// active invalidation.
func cacheEndTime(ctx *scoreContext) int64 {
	var end int64
	for _, candidates := range ctx.overrides {
		for _, ov := range candidates {
			if ov.EndTime == 0 || ov.EndTime <= ctx.now {
				continue
			}
			if end == 0 || ov.EndTime < end {
				end = ov.EndTime
			}
		}
	}
	return end
}

// GetReportSeverity returns the highest effective severity among the
// report's qualifying results, or nil when the report is missing or
// nothing qualifies.
func (e *Engine) GetReportSeverity(reportID uint, params ScoreParams) (*float64, error) {
	rows, err := e.counts(reportID, params)
	if err != nil {
		return nil, err
	}

	var max *float64
	for _, row := range rows {
		if row.Count <= 0 {
			continue
		}
		if max == nil || row.Severity > *max {
			severity := row.Severity
			max = &severity
		}
	}
	return max, nil
}

// GetReportSeverityCount returns how many qualifying results classify
// to the given level under the user's scheme.
func (e *Engine) GetReportSeverityCount(reportID uint, level string, params ScoreParams) (int, error) {
	rows, err := e.counts(reportID, params)
	if err != nil {
		return 0, err
	}

	class, err := e.repos.Settings().severityClass(params.UserID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, row := range rows {
		if row.Count <= 0 {
			continue
		}
		name, err := Classify(row.Severity, class, false)
		if err != nil {
			return 0, err
		}
		if strings.EqualFold(name, level) {
			total += row.Count
		}
	}
	return total, nil
}
