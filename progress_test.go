package scanmgr

import (
	"fmt"
	"testing"
)

type progressTester struct {
	state    RunStatus
	expected int
	hosts    []*ReportHost

	missing   bool
	container bool
	orphan    bool

	want int
}

func (t *progressTester) runTest(test *testing.T, name string) {
	eng := testEngine(test)

	if t.missing {
		got, err := eng.GetReportProgress(999)
		if err != nil || got != t.want {
			test.Errorf("[%s] expected %d, got %d (%v)", name, t.want, got, err)
		}
		return
	}

	target := uint(1)
	if t.container {
		target = 0
	}
	status := StatusRunning
	if t.orphan {
		status = StatusStopped
	}
	task := &Task{Name: "perimeter", OwnerID: 1, TargetID: target, RunStatus: status}
	if err := eng.CreateTask(task); err != nil {
		test.Fatalf("[%s] failed to seed task: %v", name, err)
	}

	report := &Report{TaskID: task.ID, OwnerID: 1, ScanRunStatus: t.state, ExpectedHosts: t.expected}
	if err := eng.repos.Reports().addReport(report); err != nil {
		test.Fatalf("[%s] failed to seed report: %v", name, err)
	}

	if len(t.hosts) > 0 {
		for i, h := range t.hosts {
			h.ReportID = report.ID
			if h.Host == "" {
				h.Host = fmt.Sprintf("10.0.0.%d", i+1)
			}
		}
		if err := eng.AddReportHosts(t.hosts...); err != nil {
			test.Fatalf("[%s] failed to seed hosts: %v", name, err)
		}
	}

	if t.orphan {
		if err := eng.DeleteTask(task.ID); err != nil {
			test.Fatalf("[%s] failed to trash task: %v", name, err)
		}
	}

	got, err := eng.GetReportProgress(report.ID)
	if err != nil {
		test.Errorf("[%s] failed to read progress: %v", name, err)
		return
	}
	if got != t.want {
		test.Errorf("[%s] expected %d, got %d", name, t.want, got)
	}
}

var progressTests = map[string]*progressTester{
	// one dead host drops out of both sides of the average
	"dead-host-excluded": {
		state:    StatusRunning,
		expected: 2,
		hosts: []*ReportHost{
			{MaxPort: -1},
			{CurrentPort: 50, MaxPort: 100},
		},
		want: 50,
	},
	"halfway-two-hosts": {
		state:    StatusRunning,
		expected: 2,
		hosts: []*ReportHost{
			{CurrentPort: 25, MaxPort: 100},
			{CurrentPort: 75, MaxPort: 100},
		},
		want: 50,
	},
	"observed-hosts-fallback": {
		state: StatusRunning,
		hosts: []*ReportHost{
			{CurrentPort: 50, MaxPort: 100},
			{CurrentPort: 100, MaxPort: 100},
		},
		want: 75,
	},
	"no-hosts-yet":    {state: StatusRunning, want: 1},
	"missing-report":  {missing: true, want: -1},
	"trashed-task": {state: StatusRunning, orphan: true, want: -1},
	"container-task":  {state: StatusDone, container: true, want: -1},
	"finished":        {state: StatusDone, want: 100},
	"fresh-import":    {state: StatusNew, want: 100},
	"stopped-keeps-progress": {
		state:    StatusStopped,
		expected: 1,
		hosts:    []*ReportHost{{CurrentPort: 30, MaxPort: 100}},
		want:     30,
	},
	"all-hosts-done-but-open": {
		state:    StatusRunning,
		expected: 1,
		hosts:    []*ReportHost{{CurrentPort: 100, MaxPort: 100}},
		want:     99,
	},
	"all-hosts-dead": {
		state:    StatusRunning,
		expected: 2,
		hosts:    []*ReportHost{{MaxPort: -1}, {MaxPort: -1}},
		want:     1,
	},
	"portless-host-started": {
		state:    StatusRunning,
		expected: 1,
		hosts:    []*ReportHost{{CurrentPort: 7}},
		want:     99,
	},
	"portless-host-idle": {
		state:    StatusRunning,
		expected: 1,
		hosts:    []*ReportHost{{}},
		want:     1,
	},
}

func TestReportProgress(t *testing.T) {
	for tname, cfg := range progressTests {
		cfg.runTest(t, tname)
	}
}

func TestHostProgressUpdates(t *testing.T) {
	eng := testEngine(t)
	task := seedTask(t, eng, StatusRunning)
	report := &Report{TaskID: task.ID, OwnerID: 1, ScanRunStatus: StatusRunning, ExpectedHosts: 1}
	if err := eng.repos.Reports().addReport(report); err != nil {
		t.Fatalf("failed to seed report: %v", err)
	}
	if err := eng.AddReportHosts(&ReportHost{ReportID: report.ID, Host: "10.0.0.1"}); err != nil {
		t.Fatalf("failed to seed host: %v", err)
	}

	got, err := eng.GetReportProgress(report.ID)
	if err != nil || got != 1 {
		t.Fatalf("expected 1 before any progress, got %d (%v)", got, err)
	}

	if err := eng.SetHostProgress(report.ID, "10.0.0.1", 50, 100); err != nil {
		t.Fatalf("failed to update host progress: %v", err)
	}
	got, err = eng.GetReportProgress(report.ID)
	if err != nil || got != 50 {
		t.Errorf("expected 50, got %d (%v)", got, err)
	}

	// the scanner declaring the host dead removes it from the average
	if err := eng.SetHostProgress(report.ID, "10.0.0.1", 0, -1); err != nil {
		t.Fatalf("failed to mark host dead: %v", err)
	}
	got, err = eng.GetReportProgress(report.ID)
	if err != nil || got != 1 {
		t.Errorf("expected 1 with the only host dead, got %d (%v)", got, err)
	}
}
