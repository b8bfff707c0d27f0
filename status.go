package scanmgr

// RunStatus tracks where a task (and the report of its current run)
// stands in the scan lifecycle. Transitions are driven by scan-engine
// signals and user stop/delete requests; the scoring engine itself only
// reads the state.
type RunStatus uint8

const (
	StatusNew RunStatus = iota
	StatusRequested
	StatusRunning
	StatusStopRequested
	// stop requested while the scanner is already gone; the stop is
	// forced through without waiting
	StatusStopRequestedGiveup
	StatusStopWaiting
	StatusStopped
	StatusInterrupted
	StatusDeleteRequested
	StatusDeleteWaiting
	StatusDeleteUltimateRequested
	StatusDeleteUltimateWaiting
	StatusDone
)

func (s RunStatus) String() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusRequested:
		return "Requested"
	case StatusRunning:
		return "Running"
	case StatusStopRequested, StatusStopRequestedGiveup:
		return "Stop Requested"
	case StatusStopWaiting:
		return "Stop Waiting"
	case StatusStopped:
		return "Stopped"
	case StatusInterrupted:
		return "Interrupted"
	case StatusDeleteRequested:
		return "Delete Requested"
	case StatusDeleteWaiting:
		return "Delete Waiting"
	case StatusDeleteUltimateRequested:
		return "Ultimate Delete Requested"
	case StatusDeleteUltimateWaiting:
		return "Ultimate Delete Waiting"
	case StatusDone:
		return "Done"
	}
	return "Internal Error"
}

// Active reports whether a task in this state has a scan in flight:
// requested, running, or draining a stop/delete. Trend has no opinion
// while a task is active.
func (s RunStatus) Active() bool {
	switch s {
	case StatusRequested, StatusRunning,
		StatusStopRequested, StatusStopRequestedGiveup, StatusStopWaiting,
		StatusDeleteRequested, StatusDeleteWaiting,
		StatusDeleteUltimateRequested, StatusDeleteUltimateWaiting:
		return true
	}
	return false
}

// Settled reports whether the task is in a state where comparing its
// last two reports is meaningful. A task that is running, about to
// run, or mid stop/delete has no stable trend.
func (s RunStatus) Settled() bool {
	switch s {
	case StatusNew, StatusDone, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

var runStatusMoves = map[RunStatus][]RunStatus{
	StatusNew:                 {StatusRequested, StatusDeleteRequested, StatusDeleteUltimateRequested},
	StatusRequested:           {StatusRunning, StatusStopRequested, StatusInterrupted},
	StatusRunning:             {StatusDone, StatusStopRequested, StatusInterrupted},
	StatusStopRequested:       {StatusStopRequestedGiveup, StatusStopWaiting, StatusStopped, StatusInterrupted},
	StatusStopRequestedGiveup: {StatusStopped, StatusInterrupted},
	StatusStopWaiting:         {StatusStopped, StatusInterrupted},
	StatusStopped:             {StatusRequested, StatusDeleteRequested, StatusDeleteUltimateRequested},
	StatusInterrupted:         {StatusRequested, StatusDeleteRequested, StatusDeleteUltimateRequested},
	StatusDeleteRequested:     {StatusDeleteWaiting},
	StatusDeleteUltimateRequested: {StatusDeleteUltimateWaiting},
	StatusDone:                {StatusRequested, StatusDeleteRequested, StatusDeleteUltimateRequested},
}

// Reports whether the scan lifecycle permits moving from one state to
// another. The waiting delete states only leave by row removal.
func canTransition(from, to RunStatus) bool {
	for _, next := range runStatusMoves[from] {
		if next == to {
			return true
		}
	}
	return false
}
