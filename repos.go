package scanmgr

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type DatabaseLocation string

const (
	NO_DATABASE       DatabaseLocation = ""
	INMEMORY_DATABASE DatabaseLocation = ":memory:"
)

// Every entity lives in one relational store. The cache table keys
// (report, user, override-mode, QoD threshold) survive restarts, so the
// store must not be split per concern.
var storeModels = []any{
	&NVT{}, &Task{}, &Report{}, &ReportHost{}, &Result{},
	&Override{}, &ReportCount{}, &Setting{}, &QueueEntry{},
}

// OwnershipPredicate decides whether a row owned by ownerID is visible
// to userID. The access-control system supplies the real predicate;
// the default treats global rows (owner 0) and own rows as visible.
type OwnershipPredicate func(userID, ownerID uint) bool

func defaultOwnership(userID, ownerID uint) bool {
	return ownerID == 0 || ownerID == userID
}

type Repository interface {
	WithTransaction(fn func(*gorm.DB) error) error
	connect() (*gorm.DB, error)
}

type repository struct {
	db *gorm.DB

	location string
	config   *gorm.Config
	models   []any
}

// do whatever within a separate transaction
func (r *repository) WithTransaction(fn func(conn *gorm.DB) error) error {
	if _, err := r.connect(); err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

func (r *repository) connect() (*gorm.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := gorm.Open(sqlite.Open(r.location), r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	if r.location == string(INMEMORY_DATABASE) {
		// a :memory: store lives inside one connection; a pool would
		// split it into many empty ones
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	db = db.Exec("PRAGMA foreign_keys = ON")
	if err := db.AutoMigrate(r.models...); err != nil {
		return nil, err
	}
	r.db = db

	return db, nil
}

type repositoryBuilder struct {
	location string
	config   *gorm.Config
	models   []any
}

func newRepositoryBuilder(location DatabaseLocation) *repositoryBuilder {
	return &repositoryBuilder{
		location: string(location),
		config: &gorm.Config{
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		},
	}
}

func (b *repositoryBuilder) setModels(m []any) *repositoryBuilder {
	b.models = m
	return b
}

func (b *repositoryBuilder) build() *repository {
	return &repository{
		config:   b.config,
		location: b.location,
		models:   b.models,
	}
}

type taskRepo struct {
	Repository
}

func (r *taskRepo) addTask(t ...*Task) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(t)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create task(s)")
		}
		return nil
	})
}

// returns nil without error when the task is gone
func (r *taskRepo) getTask(id uint) (*Task, error) {
	var tasks []*Task
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Limit(1).Find(&tasks, id)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find task")
		}
		return nil
	})
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

func (r *taskRepo) byUUID(uuid string) (*Task, error) {
	var tasks []*Task
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Limit(1).Find(&tasks, "uuid = ?", uuid)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find task")
		}
		return nil
	})
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

func (r *taskRepo) list() ([]*Task, error) {
	var tasks []*Task
	return tasks, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Order("id ASC").Find(&tasks)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list tasks")
		}
		return nil
	})
}

// Soft delete: the task moves to the trashcan. Its reports stay in
// place but stop resolving through getTask.
func (r *taskRepo) deleteTask(id uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Delete(&Task{}, id)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to delete task")
		}
		return nil
	})
}

// Moves a task through the run-status machine. Refused transitions are
// logged and dropped rather than raised: status signals arrive from the
// scan engine out of order during shutdown.
func (r *taskRepo) setRunStatus(id uint, status RunStatus) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		var task Task
		if err := d.First(&task, id).Error; err != nil {
			return errors.Wrap(err, "failed to find task")
		}

		if !canTransition(task.RunStatus, status) {
			log.Warn().Msgf("refusing task %d run status %s -> %s", id, task.RunStatus, status)
			return nil
		}

		q := d.Model(&task).Update("run_status", status)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to update run status")
		}
		return nil
	})
}

type reportRepo struct {
	Repository
}

func (r *reportRepo) addReport(rep ...*Report) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(rep)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create report(s)")
		}
		return nil
	})
}

func (r *reportRepo) getReport(id uint) (*Report, error) {
	var reports []*Report
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Limit(1).Find(&reports, id)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find report")
		}
		return nil
	})
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return reports[0], nil
}

func (r *reportRepo) byUUID(uuid string) (*Report, error) {
	var reports []*Report
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Limit(1).Find(&reports, "uuid = ?", uuid)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find report")
		}
		return nil
	})
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return reports[0], nil
}

func (r *reportRepo) hosts(reportID uint) ([]*ReportHost, error) {
	var hosts []*ReportHost
	return hosts, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Find(&hosts, "report_id = ?", reportID)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find report hosts")
		}
		return nil
	})
}

func (r *reportRepo) addHosts(h ...*ReportHost) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(h)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create report host(s)")
		}
		return nil
	})
}

func (r *reportRepo) setHostProgress(reportID uint, host string, current, max int) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&ReportHost{}).
			Where("report_id = ? AND host = ?", reportID, host).
			Updates(map[string]any{"current_port": current, "max_port": max})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to update host progress")
		}
		return nil
	})
}

func (r *reportRepo) setScanRunStatus(id uint, status RunStatus) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&Report{}).Where("id = ?", id).
			Update("scan_run_status", status)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to update report status")
		}
		return nil
	})
}

// Marks a report's scan over: final state and end time in one write.
func (r *reportRepo) closeReport(id uint, status RunStatus, end int64) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&Report{}).Where("id = ?", id).
			Updates(map[string]any{"scan_run_status": status, "end_time": end})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to close report")
		}
		return nil
	})
}

// The n most recently finished reports of a task, newest first.
func (r *reportRepo) lastCompleted(taskID uint, n int) ([]*Report, error) {
	var reports []*Report
	return reports, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("task_id = ? AND scan_run_status = ?", taskID, StatusDone).
			Order("end_time DESC, id DESC").
			Limit(n).
			Find(&reports)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find completed reports")
		}
		return nil
	})
}

type resultRepo struct {
	Repository
}

func (r *resultRepo) addResults(res ...*Result) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(res)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create result(s)")
		}

		// new results make every cached count for their report wrong
		seen := make(map[uint]bool)
		var reports []uint
		for _, result := range res {
			if !seen[result.ReportID] {
				seen[result.ReportID] = true
				reports = append(reports, result.ReportID)
			}
		}
		q = d.Unscoped().Where("report_id IN ?", reports).Delete(&ReportCount{})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to invalidate report counts")
		}
		return nil
	})
}

func (r *resultRepo) byUUID(uuid string) (*Result, error) {
	var res []*Result
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Limit(1).Find(&res, "uuid = ?", uuid)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find result")
		}
		return nil
	})
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0], nil
}

// The one bulk query the scoring engine needs: the results of a report
// at or above a QoD threshold.
func (r *resultRepo) forReport(reportID uint, minQoD int) ([]*Result, error) {
	var res []*Result
	return res, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("report_id = ? AND qod >= ?", reportID, minQoD).
			Order("id ASC").
			Find(&res)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find results")
		}
		return nil
	})
}

type overrideRepo struct {
	Repository
	owns OwnershipPredicate
}

// Any change to the override population can move cached severities
// computed with overrides on; those rows are dropped and recomputed on
// the next read. Expiry alone needs no write: rows carry their own
// validity window.
func clearOverrideCounts(d *gorm.DB) error {
	q := d.Unscoped().Where("override = ?", true).Delete(&ReportCount{})
	if err := q.Error; err != nil {
		return errors.Wrap(err, "failed to invalidate report counts")
	}
	return nil
}

func (r *overrideRepo) addOverride(o ...*Override) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Create(o)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create override(s)")
		}
		return clearOverrideCounts(d)
	})
}

// Candidate overrides for a set of tests, filtered down to what the
// user may see. Expiry is left to the resolver: expired rows stay in
// the store and are skipped at read time.
func (r *overrideRepo) candidates(userID uint, oids []string) (map[string][]*Override, error) {
	var rows []*Override
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("nvt_oid IN ?", oids).Find(&rows)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find overrides")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]*Override)
	for _, ov := range rows {
		if !r.owns(userID, ov.OwnerID) {
			continue
		}
		grouped[ov.NVTOID] = append(grouped[ov.NVTOID], ov)
	}
	return grouped, nil
}

func (r *overrideRepo) listForUser(userID uint) ([]*Override, error) {
	var rows []*Override
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Order("id ASC").Find(&rows)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to list overrides")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	visible := rows[:0]
	for _, ov := range rows {
		if r.owns(userID, ov.OwnerID) {
			visible = append(visible, ov)
		}
	}
	return visible, nil
}

// Soft delete: the row moves to the trashcan and stops matching.
func (r *overrideRepo) trash(uuid string) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("uuid = ?", uuid).Delete(&Override{})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to trash override")
		}
		return clearOverrideCounts(d)
	})
}

func (r *overrideRepo) restore(uuid string) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Unscoped().Model(&Override{}).
			Where("uuid = ?", uuid).
			Update("deleted_at", nil)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to restore override")
		}
		return clearOverrideCounts(d)
	})
}

type nvtRepo struct {
	Repository
	cache *expirable.LRU[string, *NVT]
}

func (r *nvtRepo) addNVT(n ...*NVT) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "oid"}},
			UpdateAll: true,
		}).Create(n)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to create nvt(s)")
		}

		for _, nvt := range n {
			r.cache.Remove(nvt.OID)
		}
		return nil
	})
}

// Current metadata for a set of tests, keyed by OID. Unknown OIDs are
// simply absent from the map; callers fall back to the stored severity.
func (r *nvtRepo) byOIDs(oids []string) (map[string]*NVT, error) {
	found := make(map[string]*NVT, len(oids))

	var pending []string
	for _, oid := range oids {
		if nvt, ok := r.cache.Get(oid); ok {
			found[oid] = nvt
			continue
		}
		pending = append(pending, oid)
	}
	if len(pending) == 0 {
		return found, nil
	}

	var rows []*NVT
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("oid IN ?", pending).Find(&rows)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find nvts")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, nvt := range rows {
		r.cache.Add(nvt.OID, nvt)
		found[nvt.OID] = nvt
	}
	return found, nil
}

type countRepo struct {
	Repository
}

func (r *countRepo) rows(reportID, userID uint, override bool, minQoD int) ([]*ReportCount, error) {
	var rows []*ReportCount
	return rows, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("report_id = ? AND user_id = ? AND override = ? AND min_qod = ?",
			reportID, userID, override, minQoD).
			Find(&rows)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find report counts")
		}
		return nil
	})
}

// Replaces the cache rows for one key. Concurrent writers may race on
// the same key; the whole swap happens in one transaction, so the last
// writer wins and readers never see a partial histogram.
func (r *countRepo) replace(reportID, userID uint, override bool, minQoD int, counts map[float64]int, endTime int64) error {
	rows := make([]*ReportCount, 0, len(counts))
	for severity, count := range counts {
		rows = append(rows, &ReportCount{
			ReportID: reportID,
			UserID:   userID,
			Override: override,
			MinQoD:   minQoD,
			Severity: severity,
			Count:    count,
			EndTime:  endTime,
		})
	}

	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Unscoped().
			Where("report_id = ? AND user_id = ? AND override = ? AND min_qod = ?",
				reportID, userID, override, minQoD).
			Delete(&ReportCount{})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to clear report counts")
		}

		if len(rows) == 0 {
			return nil
		}
		if err := d.Create(rows).Error; err != nil {
			return errors.Wrap(err, "failed to store report counts")
		}
		return nil
	})
}

// Splits a comma-separated host list the way override host patterns
// are written: entries trimmed, compared case-sensitively.
func splitHosts(list string) []string {
	parts := strings.Split(list, ",")
	hosts := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}

type repositoryRegistry struct {
	conf    *Configuration
	builder *repositoryBuilder
	shared  *repository

	tasks     *taskRepo
	reports   *reportRepo
	results   *resultRepo
	overrides *overrideRepo
	nvts      *nvtRepo
	counts    *countRepo
	settings  *settingRepo
	queue     *queueRepo
}

func newRepositoryRegistry(conf *Configuration, owns OwnershipPredicate) *repositoryRegistry {
	if owns == nil {
		owns = defaultOwnership
	}
	reg := &repositoryRegistry{
		conf:    conf,
		builder: newRepositoryBuilder(conf.DatabaseLocation()),
	}
	reg.overrides = &overrideRepo{reg.base(), owns}
	return reg
}

func (r *repositoryRegistry) base() Repository {
	if r.shared == nil {
		r.shared = r.builder.setModels(storeModels).build()
	}
	return r.shared
}

func (r *repositoryRegistry) Tasks() *taskRepo {
	if r.tasks == nil {
		r.tasks = &taskRepo{r.base()}
	}
	return r.tasks
}

func (r *repositoryRegistry) Reports() *reportRepo {
	if r.reports == nil {
		r.reports = &reportRepo{r.base()}
	}
	return r.reports
}

func (r *repositoryRegistry) Results() *resultRepo {
	if r.results == nil {
		r.results = &resultRepo{r.base()}
	}
	return r.results
}

func (r *repositoryRegistry) Overrides() *overrideRepo {
	return r.overrides
}

func (r *repositoryRegistry) NVTs() *nvtRepo {
	if r.nvts == nil {
		cache := expirable.NewLRU[string, *NVT](1e4, nil, 5*time.Minute)
		r.nvts = &nvtRepo{r.base(), cache}
	}
	return r.nvts
}

func (r *repositoryRegistry) Counts() *countRepo {
	if r.counts == nil {
		r.counts = &countRepo{r.base()}
	}
	return r.counts
}

func (r *repositoryRegistry) Settings() *settingRepo {
	if r.settings == nil {
		cache := expirable.NewLRU[string, string](1e3, nil, 5*time.Minute)
		r.settings = &settingRepo{r.base(), cache}
	}
	return r.settings
}

func (r *repositoryRegistry) Queue() *queueRepo {
	if r.queue == nil {
		r.queue = &queueRepo{r.base()}
	}
	return r.queue
}
