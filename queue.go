package scanmgr

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The scan dispatch queue is a table, not memory: entries must survive
// process restarts so crashed workers can be recovered by releasing
// their claims.
type queueRepo struct {
	Repository
}

// Appends a report to the queue, unclaimed, stamped now. Enqueueing an
// already-queued report is a no-op: the entry keeps its place and its
// claim.
func (r *queueRepo) enqueue(reportID uint, startFrom int) error {
	entry := &QueueEntry{
		ReportID:   reportID,
		QueuedNano: time.Now().UnixNano(),
		StartFrom:  startFrom,
	}
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "report_id"}},
			DoNothing: true,
		}).Create(entry)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to enqueue report")
		}
		return nil
	})
}

// Removes a report from the queue for good. Hard delete: the unique
// report index must be free for a later re-enqueue.
func (r *queueRepo) dequeue(reportID uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Unscoped().Where("report_id = ?", reportID).Delete(&QueueEntry{})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to dequeue report")
		}
		return nil
	})
}

// Sends an entry to the back of the line and drops its claim. Used to
// requeue after a recoverable failure.
func (r *queueRepo) moveToEnd(reportID uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).
			Where("report_id = ?", reportID).
			Updates(map[string]any{
				"queued_nano": time.Now().UnixNano(),
				"handler":     0,
			})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to requeue report")
		}
		return nil
	})
}

func (r *queueRepo) setHandler(reportID, worker uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).
			Where("report_id = ?", reportID).
			Update("handler", worker)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to set queue handler")
		}
		return nil
	})
}

func (r *queueRepo) length() (int, error) {
	var n int64
	return int(n), r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).Count(&n)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count queue entries")
		}
		return nil
	})
}

func (r *queueRepo) claimed() (int, error) {
	var n int64
	return int(n), r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).Where("handler <> 0").Count(&n)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to count claimed entries")
		}
		return nil
	})
}

// The queue in dispatch order, each entry joined with its report's task
// and owner so callers can filter by authorization.
func (r *queueRepo) iterate() ([]*QueueEntryView, error) {
	var views []*QueueEntryView
	return views, r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).
			Select("queue_entries.*, reports.task_id, reports.owner_id").
			Joins("LEFT JOIN reports ON reports.id = queue_entries.report_id").
			Order("queue_entries.queued_nano ASC, queue_entries.id ASC").
			Scan(&views)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to read queue")
		}
		return nil
	})
}

func (r *queueRepo) oldestUnclaimed(skip []uint) (*QueueEntry, error) {
	var entries []*QueueEntry
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("handler = 0")
		if len(skip) > 0 {
			q = q.Where("id NOT IN ?", skip)
		}
		q = q.Order("queued_nano ASC, id ASC").Limit(1).Find(&entries)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to find unclaimed queue entry")
		}
		return nil
	})
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Compare-and-set on the handler column. Zero rows updated means
// another worker got there first.
func (r *queueRepo) claim(id, worker uint) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).
			Where("id = ? AND handler = 0", id).
			Update("handler", worker)
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to claim queue entry")
		}
		if q.RowsAffected == 0 {
			return errClaimConflict
		}
		return nil
	})
}

// Atomically claims the oldest unclaimed entry for a worker. A lost
// race is not an error: the loser moves on to the next candidate and
// only reports ErrQueueEmpty once no unclaimed entry is left.
func (r *queueRepo) claimNext(worker uint) (*QueueEntry, error) {
	if worker == 0 {
		return nil, errors.New("handler 0 marks unclaimed entries")
	}

	var tried []uint
	for {
		entry, err := r.oldestUnclaimed(tried)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, ErrQueueEmpty
		}

		switch err := r.claim(entry.ID, worker); {
		case err == nil:
			entry.Handler = worker
			return entry, nil
		case errors.Is(err, errClaimConflict):
			tried = append(tried, entry.ID)
		default:
			return nil, err
		}
	}
}

// Drops every claim a worker holds and restamps the entries, sending
// them to the back of the line. Run at startup for each worker known to
// have died so its scans get picked up again.
func (r *queueRepo) release(worker uint) (int, error) {
	var n int64
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Model(&QueueEntry{}).
			Where("handler = ?", worker).
			Updates(map[string]any{
				"queued_nano": time.Now().UnixNano(),
				"handler":     0,
			})
		if err := q.Error; err != nil {
			return errors.Wrap(err, "failed to release queue claims")
		}
		n = q.RowsAffected
		return nil
	})
	return int(n), err
}

// EnqueueScan admits a report to the dispatch queue. StartFrom selects
// the resume mode when a worker eventually picks it up. Idempotent for
// reports already queued.
func (e *Engine) EnqueueScan(reportID uint, startFrom int) error {
	return e.repos.Queue().enqueue(reportID, startFrom)
}

// DequeueScan removes a report from the queue, claimed or not. Called
// on completion and on explicit cancellation.
func (e *Engine) DequeueScan(reportID uint) error {
	return e.repos.Queue().dequeue(reportID)
}

// RequeueScan sends a report's entry to the back of the queue and
// clears its claim.
func (e *Engine) RequeueScan(reportID uint) error {
	return e.repos.Queue().moveToEnd(reportID)
}

// ClaimNextScan hands the oldest unclaimed entry to a worker, or
// ErrQueueEmpty when every entry is claimed or the queue is empty.
// With max-active-scans configured, a full slate of claims also reads
// as empty for this attempt; the cap is advisory, not atomic with the
// claim itself.
func (e *Engine) ClaimNextScan(workerID uint) (*QueueEntry, error) {
	if limit := e.conf.MaxActiveScans; limit > 0 {
		claimed, err := e.repos.Queue().claimed()
		if err != nil {
			return nil, err
		}
		if claimed >= limit {
			return nil, ErrQueueEmpty
		}
	}
	return e.repos.Queue().claimNext(workerID)
}

// SetScanHandler reassigns a queued report to a worker directly, for
// callers that select entries themselves.
func (e *Engine) SetScanHandler(reportID, workerID uint) error {
	return e.repos.Queue().setHandler(reportID, workerID)
}

// ReleaseScans returns every entry claimed by a dead worker to the
// unclaimed pool and reports how many were recovered.
func (e *Engine) ReleaseScans(workerID uint) (int, error) {
	return e.repos.Queue().release(workerID)
}

func (e *Engine) GetQueueLength() (int, error) {
	return e.repos.Queue().length()
}

// GetQueueSnapshot lists the queue in dispatch order with task and
// owner attached to each entry.
func (e *Engine) GetQueueSnapshot() ([]*QueueEntryView, error) {
	return e.repos.Queue().iterate()
}
