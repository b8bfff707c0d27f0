package scanmgr

import "math"

// Trend of a task between its two most recent completed scans
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendMore = "more"
	TrendLess = "less"
	TrendSame = "same"
)

// Threat tiers order reports whose maximum severities tie: a report
// carrying any High finding outranks one whose worst is Medium, and so
// on down to a report with nothing above Log.
var tierLevels = []string{LevelHigh, LevelMedium, LevelLow}

func (e *Engine) threatTier(reportID uint, params ScoreParams) (tier, count int, err error) {
	for i, level := range tierLevels {
		n, err := e.GetReportSeverityCount(reportID, level, params)
		if err != nil {
			return 0, 0, err
		}
		if n > 0 {
			return 4 - i, n, nil
		}
	}
	return 1, 0, nil
}

// a report with no qualifying findings sorts below every scored one
func severityRank(s *float64) float64 {
	if s == nil {
		return math.Inf(-1)
	}
	return *s
}

// GetTaskTrend classifies how a task's situation changed between its
// two most recent completed reports: "up"/"down" when the maximum
// severity or the threat tier moved, "more"/"less"/"same" when only the
// finding count at the leading tier did. Returns "" when there is no
// basis for an opinion: unauthenticated caller, unknown or container
// task, a scan in flight, or fewer than two completed reports.
func (e *Engine) GetTaskTrend(taskID uint, params ScoreParams) (string, error) {
	if params.UserID == 0 {
		return "", nil
	}

	task, err := e.repos.Tasks().getTask(taskID)
	if err != nil {
		return "", err
	}
	if task == nil || task.TargetID == 0 || task.RunStatus.Active() {
		return "", nil
	}

	reports, err := e.repos.Reports().lastCompleted(taskID, 2)
	if err != nil {
		return "", err
	}
	if len(reports) < 2 {
		return "", nil
	}
	latest, previous := reports[0], reports[1]

	latestSeverity, err := e.GetReportSeverity(latest.ID, params)
	if err != nil {
		return "", err
	}
	previousSeverity, err := e.GetReportSeverity(previous.ID, params)
	if err != nil {
		return "", err
	}

	switch a, b := severityRank(latestSeverity), severityRank(previousSeverity); {
	case a > b:
		return TrendUp, nil
	case a < b:
		return TrendDown, nil
	}

	latestTier, latestCount, err := e.threatTier(latest.ID, params)
	if err != nil {
		return "", err
	}
	previousTier, previousCount, err := e.threatTier(previous.ID, params)
	if err != nil {
		return "", err
	}

	switch {
	case latestTier > previousTier:
		return TrendUp, nil
	case latestTier < previousTier:
		return TrendDown, nil
	case latestTier == 1:
		return TrendSame, nil
	}

	switch {
	case latestCount > previousCount:
		return TrendMore, nil
	case latestCount < previousCount:
		return TrendLess, nil
	}
	return TrendSame, nil
}
