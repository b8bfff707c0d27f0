package scanmgr

import (
	"time"

	"github.com/pkg/errors"
)

// Engine ties the scoring pipeline together: one store, one filter
// parser, one configuration. Read queries are safe for concurrent use;
// mutations rely on the store's transactions.
type Engine struct {
	conf    *Configuration
	repos   *repositoryRegistry
	filters *FilterParser
}

// NewEngine builds an engine over the configured store. The ownership
// predicate scopes overrides and settings to the calling user; nil
// installs the owner-or-global default.
func NewEngine(conf *Configuration, owns OwnershipPredicate) *Engine {
	eng := new(Engine)
	LoadEngine(eng, conf, owns)
	return eng
}

// LoadEngine configures an allocated engine in place, the way the
// command layer builds one once flags have resolved.
func LoadEngine(eng *Engine, conf *Configuration, owns OwnershipPredicate) {
	eng.conf = conf
	eng.repos = newRepositoryRegistry(conf, owns)
	eng.filters = NewFilterParser()
}

// ScoreParamsFor reads a powerfilter string into scoring parameters
// for one user. An empty filter keeps the stock defaults.
func (e *Engine) ScoreParamsFor(userID uint, filter string) (ScoreParams, error) {
	return e.filters.Parse(userID, filter)
}

func (e *Engine) Tasks() ([]*Task, error) {
	return e.repos.Tasks().list()
}

func (e *Engine) TaskByUUID(uuid string) (*Task, error) {
	return e.repos.Tasks().byUUID(uuid)
}

func (e *Engine) ReportByUUID(uuid string) (*Report, error) {
	return e.repos.Reports().byUUID(uuid)
}

func (e *Engine) ResultByUUID(uuid string) (*Result, error) {
	return e.repos.Results().byUUID(uuid)
}

func (e *Engine) CreateTask(t *Task) error {
	return e.repos.Tasks().addTask(t)
}

// SetTaskRunStatus applies one externally signalled state change,
// subject to the transition table. Refused moves are logged and
// dropped, not raised.
func (e *Engine) SetTaskRunStatus(taskID uint, status RunStatus) error {
	return e.repos.Tasks().setRunStatus(taskID, status)
}

// DeleteTask moves a task to the trashcan. A task with a scan in
// flight must be stopped first.
func (e *Engine) DeleteTask(taskID uint) error {
	task, err := e.repos.Tasks().getTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errors.Errorf("task %d does not exist", taskID)
	}
	if task.RunStatus.Active() {
		return errors.Errorf("task %s has a scan in flight", task.UUID)
	}
	return e.repos.Tasks().deleteTask(task.ID)
}

// ImportNVTs upserts vulnerability-test metadata from a feed sync.
func (e *Engine) ImportNVTs(n ...*NVT) error {
	return e.repos.NVTs().addNVT(n...)
}

// ImportReport attaches an externally produced report to a task,
// typically a container. Imports arrive settled: reports without a
// state of their own are stored as Done.
func (e *Engine) ImportReport(r *Report) error {
	if r.ScanRunStatus == StatusNew {
		r.ScanRunStatus = StatusDone
	}
	if r.EndTime == 0 {
		r.EndTime = time.Now().Unix()
	}
	return e.repos.Reports().addReport(r)
}

// AddResults stores findings a worker produced. Results are immutable
// from here on.
func (e *Engine) AddResults(res ...*Result) error {
	return e.repos.Results().addResults(res...)
}

func (e *Engine) AddReportHosts(h ...*ReportHost) error {
	return e.repos.Reports().addHosts(h...)
}

// SetHostProgress advances one host's port counters as the scan works
// through its port list. Max -1 marks the host dead.
func (e *Engine) SetHostProgress(reportID uint, host string, current, max int) error {
	return e.repos.Reports().setHostProgress(reportID, host, current, max)
}

func (e *Engine) CreateOverride(o *Override) error {
	return e.repos.Overrides().addOverride(o)
}

func (e *Engine) ListOverrides(userID uint) ([]*Override, error) {
	return e.repos.Overrides().listForUser(userID)
}

// TrashOverride moves an override to the trashcan. It stops matching
// immediately but can be restored.
func (e *Engine) TrashOverride(uuid string) error {
	return e.repos.Overrides().trash(uuid)
}

func (e *Engine) RestoreOverride(uuid string) error {
	return e.repos.Overrides().restore(uuid)
}

func (e *Engine) SettingValue(userID uint, uuid string) (string, error) {
	return e.repos.Settings().value(userID, uuid)
}

// SetSetting stores a per-user setting value, or the global default
// when userID is 0.
func (e *Engine) SetSetting(userID uint, uuid, value string) error {
	return e.repos.Settings().put(userID, uuid, value)
}

// StartScan opens a new report for the task, moves it to Requested and
// queues it for a worker. Container tasks never run.
func (e *Engine) StartScan(taskID uint, startFrom int) (*Report, error) {
	task, err := e.repos.Tasks().getTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.Errorf("task %d does not exist", taskID)
	}
	if task.TargetID == 0 {
		return nil, errors.Errorf("task %s is a container and cannot run", task.UUID)
	}

	report := &Report{
		TaskID:        task.ID,
		OwnerID:       task.OwnerID,
		ScanRunStatus: StatusRequested,
		StartTime:     time.Now().Unix(),
	}
	if err := e.repos.Reports().addReport(report); err != nil {
		return nil, err
	}
	if err := e.repos.Tasks().setRunStatus(task.ID, StatusRequested); err != nil {
		return nil, err
	}
	if err := e.repos.Queue().enqueue(report.ID, startFrom); err != nil {
		return nil, err
	}
	return report, nil
}

// MarkScanRunning flips report and task to Running once the claiming
// worker starts producing results.
func (e *Engine) MarkScanRunning(reportID uint) error {
	report, err := e.repos.Reports().getReport(reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return errors.Errorf("report %d does not exist", reportID)
	}

	if err := e.repos.Reports().setScanRunStatus(report.ID, StatusRunning); err != nil {
		return err
	}
	return e.repos.Tasks().setRunStatus(report.TaskID, StatusRunning)
}

// FinishScan settles a report in a terminal state, stamps the end
// time, syncs the task and removes the queue entry.
func (e *Engine) FinishScan(reportID uint, status RunStatus) error {
	switch status {
	case StatusDone, StatusStopped, StatusInterrupted:
	default:
		return errors.Errorf("%s does not settle a scan", status)
	}

	report, err := e.repos.Reports().getReport(reportID)
	if err != nil {
		return err
	}
	if report == nil {
		return errors.Errorf("report %d does not exist", reportID)
	}

	if err := e.repos.Reports().closeReport(report.ID, status, time.Now().Unix()); err != nil {
		return err
	}
	if err := e.repos.Tasks().setRunStatus(report.TaskID, status); err != nil {
		return err
	}
	return e.repos.Queue().dequeue(report.ID)
}
