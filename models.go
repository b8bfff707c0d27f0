package scanmgr

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// An NVT is the metadata of a vulnerability test known to the scanner.
// The engine only consumes the current base score; everything else is
// carried for display.
type NVT struct {
	gorm.Model

	// Scanner-wide test identifier, e.g. "1.3.6.1.4.1.25623.1.0.108477"
	OID    string `gorm:"column:oid;uniqueIndex"`
	Name   string
	Family string
	// Current base severity. Substituted for stored result severities
	// when dynamic severity is enabled.
	CVSSBase float64
}

// A task is a named scan configuration. It owns a sequence of reports,
// one per execution. Tasks without a target ("container" tasks) only
// hold imported reports and never run.
type Task struct {
	gorm.Model

	UUID    string `gorm:"uniqueIndex"`
	Name    string
	OwnerID uint
	// 0 means no target: a container task
	TargetID  uint
	RunStatus RunStatus

	Preferences datatypes.JSON
	Reports     []*Report `gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

// A report is one execution of a task: the results it produced, the
// per-host progress counters, and the scan-run state.
type Report struct {
	gorm.Model

	UUID    string `gorm:"uniqueIndex"`
	TaskID  uint   `gorm:"index"`
	OwnerID uint

	ScanRunStatus RunStatus
	StartTime     int64
	EndTime       int64

	// Number of hosts the scan is expected to cover, taken from the
	// target when the scan starts. 0 falls back to observed hosts.
	ExpectedHosts int

	Hosts   []*ReportHost `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
	Results []*Result     `gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

// Per-host scan progress. The scanner advances CurrentPort towards
// MaxPort as it works through the port list. MaxPort -1 marks the host
// as dead.
type ReportHost struct {
	gorm.Model

	ReportID    uint `gorm:"index"`
	Host        string
	CurrentPort int
	MaxPort     int
	Details     datatypes.JSON
}

// A result is one finding reported by a scan. Results are immutable
// after insertion: severity adjustments (dynamic severity, overrides)
// are computed at read time and never written back.
type Result struct {
	gorm.Model

	UUID     string `gorm:"uniqueIndex"`
	ReportID uint   `gorm:"index"`
	TaskID   uint
	Host     string
	Port     string
	NVTOID   string `gorm:"column:nvt_oid;index"`

	// Raw severity. Either a score in (0.0, 10.0] or one of the
	// sentinels (Log, False Positive, Debug, Error).
	Severity float64
	// Quality of detection, 0-100
	QoD int `gorm:"column:qod"`

	Description string
	Date        int64
}

// An override is a user-owned rule that replaces the severity of
// matching results. Deleting an override moves it to the trashcan
// (soft delete); expiry is checked at read time, expired rows are
// never purged here.
type Override struct {
	gorm.Model

	UUID    string `gorm:"uniqueIndex"`
	OwnerID uint   `gorm:"index"`

	// Test the override targets
	NVTOID string `gorm:"column:nvt_oid;index"`
	// 0 applies to any task
	TaskID uint
	// 0 applies to any result
	ResultID uint
	// Comma-separated host list. Empty applies to any host.
	Hosts string
	// Empty applies to any port
	Port string
	// Severity the result must match for the override to apply.
	// nil matches any severity.
	Severity *float64
	// Replacement severity
	NewSeverity float64

	Text string
	// Unix time after which the override no longer applies. 0 never
	// expires.
	EndTime int64
}

// A report-count cache row: the number of results of one effective
// severity within a report, valid for one (user, override-mode,
// QoD-threshold) combination. Rows are trusted while EndTime is 0 or
// in the future and simply recomputed otherwise.
type ReportCount struct {
	gorm.Model

	ReportID uint `gorm:"index:idx_report_counts_key"`
	UserID   uint `gorm:"index:idx_report_counts_key"`
	Override bool `gorm:"index:idx_report_counts_key"`
	MinQoD   int  `gorm:"column:min_qod;index:idx_report_counts_key"`

	Severity float64
	Count    int
	EndTime  int64
}

// A setting row. OwnerID 0 holds the global default; per-user rows
// shadow it.
type Setting struct {
	gorm.Model

	UUID    string `gorm:"index:idx_settings_key,unique"`
	OwnerID uint   `gorm:"index:idx_settings_key,unique"`
	Name    string
	Value   string
}

// Resume modes for queued scans
const (
	// start from the beginning
	StartFresh = 0
	// resume from the last scanned position
	StartResume = 1
	// resume if the previous run was stopped, otherwise start fresh
	StartFromStopped = 2
)

// A queue entry admits one report to scanning. Handler 0 means no
// worker has claimed the entry yet.
type QueueEntry struct {
	gorm.Model

	ReportID uint `gorm:"uniqueIndex"`
	// Enqueue timestamp in nanoseconds. Sub-second resolution keeps
	// rapid enqueues ordered.
	QueuedNano int64 `gorm:"index"`
	Handler    uint
	StartFrom  int
}

// A queue entry joined with the owning report, for callers that filter
// the queue by task or owner.
type QueueEntryView struct {
	QueueEntry
	TaskID  uint
	OwnerID uint
}

func assignUUID(field *string) error {
	if *field == "" {
		*field = uuid.NewString()
	}
	return nil
}

func (t *Task) BeforeCreate(*gorm.DB) error     { return assignUUID(&t.UUID) }
func (r *Report) BeforeCreate(*gorm.DB) error   { return assignUUID(&r.UUID) }
func (r *Result) BeforeCreate(*gorm.DB) error   { return assignUUID(&r.UUID) }
func (o *Override) BeforeCreate(*gorm.DB) error { return assignUUID(&o.UUID) }
