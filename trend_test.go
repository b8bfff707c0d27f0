package scanmgr

import "testing"

type trendTester struct {
	latest   []float64
	previous []float64
	// result severities of extra reports that must not influence the
	// comparison
	ancient    []float64
	unfinished []float64

	missing      bool
	container    bool
	running      bool
	singleReport bool
	anonymous    bool

	want string
}

func (t *trendTester) runTest(test *testing.T, name string) {
	eng := testEngine(test)

	status := StatusDone
	if t.running {
		status = StatusRunning
	}
	target := uint(1)
	if t.container {
		target = 0
	}
	task := &Task{Name: "perimeter", OwnerID: 1, TargetID: target, RunStatus: status}
	if err := eng.CreateTask(task); err != nil {
		test.Fatalf("[%s] failed to seed task: %v", name, err)
	}

	if len(t.ancient) > 0 {
		report := seedReport(test, eng, task.ID, StatusDone, 500)
		seedResults(test, eng, report, t.ancient...)
	}
	if !t.singleReport {
		report := seedReport(test, eng, task.ID, StatusDone, 1000)
		if len(t.previous) > 0 {
			seedResults(test, eng, report, t.previous...)
		}
	}
	report := seedReport(test, eng, task.ID, StatusDone, 2000)
	if len(t.latest) > 0 {
		seedResults(test, eng, report, t.latest...)
	}
	if len(t.unfinished) > 0 {
		report := seedReport(test, eng, task.ID, StatusStopped, 3000)
		seedResults(test, eng, report, t.unfinished...)
	}

	userID := uint(1)
	if t.anonymous {
		userID = 0
	}
	taskID := task.ID
	if t.missing {
		taskID = 999
	}

	got, err := eng.GetTaskTrend(taskID, DefaultScoreParams(userID))
	if err != nil {
		test.Errorf("[%s] failed to read trend: %v", name, err)
		return
	}
	if got != t.want {
		test.Errorf("[%s] expected %q, got %q", name, t.want, got)
	}
}

var trendTests = map[string]*trendTester{
	"up-severity": {
		latest:   []float64{9.0},
		previous: []float64{5.0},
		want:     TrendUp,
	},
	"down-severity": {
		latest:   []float64{3.0},
		previous: []float64{5.0},
		want:     TrendDown,
	},
	"more-at-tier": {
		latest:   []float64{7.0, 7.2},
		previous: []float64{7.2},
		want:     TrendMore,
	},
	"less-at-tier": {
		latest:   []float64{7.2},
		previous: []float64{7.0, 7.2},
		want:     TrendLess,
	},
	"same": {
		latest:   []float64{7.2},
		previous: []float64{7.2},
		want:     TrendSame,
	},
	// the count below the leading tier does not matter
	"lower-tiers-ignored": {
		latest:   []float64{7.2},
		previous: []float64{7.2, 5.0},
		want:     TrendSame,
	},
	"medium-tier-counts": {
		latest:   []float64{5.0, 5.5},
		previous: []float64{5.5},
		want:     TrendMore,
	},
	"log-only-same": {
		latest:   []float64{SeverityLog},
		previous: []float64{SeverityLog},
		want:     TrendSame,
	},
	"empty-reports-same": {
		want: TrendSame,
	},
	"up-from-empty": {
		latest: []float64{5.0},
		want:   TrendUp,
	},
	"older-history-ignored": {
		latest:   []float64{5.0},
		previous: []float64{5.0},
		ancient:  []float64{9.9},
		want:     TrendSame,
	},
	"unfinished-ignored": {
		latest:     []float64{5.0},
		previous:   []float64{5.0},
		unfinished: []float64{9.9},
		want:       TrendSame,
	},
	"single-report":   {latest: []float64{5.0}, singleReport: true, want: ""},
	"missing-task":    {missing: true, want: ""},
	"container-task":  {container: true, want: ""},
	"running-task":    {running: true, latest: []float64{5.0}, previous: []float64{5.0}, want: ""},
	"unauthenticated": {anonymous: true, latest: []float64{5.0}, previous: []float64{5.0}, want: ""},
}

func TestTaskTrend(t *testing.T) {
	for tname, cfg := range trendTests {
		cfg.runTest(t, tname)
	}
}
