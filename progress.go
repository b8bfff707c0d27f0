package scanmgr

// Progress is read from the report's own scan run status, not the
// task's: a stopped or interrupted report keeps showing how far it got,
// and only a finished one reads 100.
func reportScanActive(status RunStatus) bool {
	switch status {
	case StatusNew, StatusDone:
		return false
	}
	return true
}

// GetReportProgress estimates how far a scan has come, in percent.
// Returns -1 when there is nothing to measure: the report is gone, its
// task is gone, or the task is a container and never runs. A report
// that finished reads 100; anything still going reads 1..99, computed
// from the per-host port counters with dead hosts (max port -1) taken
// out of both sides of the average.
func (e *Engine) GetReportProgress(reportID uint) (int, error) {
	report, err := e.repos.Reports().getReport(reportID)
	if err != nil {
		return -1, err
	}
	if report == nil {
		return -1, nil
	}

	task, err := e.repos.Tasks().getTask(report.TaskID)
	if err != nil {
		return -1, err
	}
	if task == nil || task.TargetID == 0 {
		return -1, nil
	}

	if !reportScanActive(report.ScanRunStatus) {
		return 100, nil
	}

	hosts, err := e.repos.Reports().hosts(reportID)
	if err != nil {
		return -1, err
	}

	var total, dead int
	for _, h := range hosts {
		switch {
		case h.MaxPort == -1:
			dead++
		case h.MaxPort != 0:
			total += h.CurrentPort * 100 / h.MaxPort
		case h.CurrentPort == 0:
			// not started yet, counts nothing
		default:
			total += 100
		}
	}

	expected := report.ExpectedHosts
	if expected == 0 {
		expected = len(hosts)
	}

	progress := 0
	if live := expected - dead; live > 0 {
		progress = total / live
	}

	// 0 and 100 are reserved: "unknown" reads 1, "done" is signalled by
	// the run status alone
	if progress <= 0 {
		return 1, nil
	}
	if progress >= 100 {
		return 99, nil
	}
	return progress, nil
}
