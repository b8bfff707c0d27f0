package scanmgr

import (
	"testing"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Queue entries carry no relation of their own, so dispatch tests can
// stamp their own enqueue times without seeding reports.
func rawEnqueue(test *testing.T, eng *Engine, reportID uint, nano int64) {
	test.Helper()
	entry := &QueueEntry{ReportID: reportID, QueuedNano: nano}
	err := eng.repos.Queue().WithTransaction(func(d *gorm.DB) error {
		return d.Create(entry).Error
	})
	if err != nil {
		test.Fatalf("failed to enqueue report %d: %v", reportID, err)
	}
}

func snapshotReports(test *testing.T, eng *Engine) []uint {
	test.Helper()
	entries, err := eng.GetQueueSnapshot()
	if err != nil {
		test.Fatalf("failed to snapshot queue: %v", err)
	}
	ids := make([]uint, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ReportID)
	}
	return ids
}

func TestClaimNextOrder(t *testing.T) {
	eng := testEngine(t)
	rawEnqueue(t, eng, 1, 100)
	rawEnqueue(t, eng, 2, 50)

	entry, err := eng.ClaimNextScan(7)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if entry.ReportID != 2 || entry.Handler != 7 {
		t.Errorf("expected report 2 for worker 7, got %+v", entry)
	}

	// the claimed entry is skipped, not handed out twice
	entry, err = eng.ClaimNextScan(8)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if entry.ReportID != 1 || entry.Handler != 8 {
		t.Errorf("expected report 1 for worker 8, got %+v", entry)
	}

	if _, err := eng.ClaimNextScan(9); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestClaimNeedsWorker(t *testing.T) {
	eng := testEngine(t)
	rawEnqueue(t, eng, 1, 100)

	if _, err := eng.ClaimNextScan(0); err == nil {
		t.Error("expected an error claiming as worker 0")
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	eng := testEngine(t)
	if err := eng.EnqueueScan(5, StartFresh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if _, err := eng.ClaimNextScan(7); err != nil {
		t.Fatalf("failed to claim: %v", err)
	}

	// a second enqueue neither duplicates the entry nor touches its
	// claim or resume mode
	if err := eng.EnqueueScan(5, StartResume); err != nil {
		t.Fatalf("failed to re-enqueue: %v", err)
	}
	entries, err := eng.GetQueueSnapshot()
	if err != nil {
		t.Fatalf("failed to snapshot queue: %v", err)
	}
	if len(entries) != 1 || entries[0].Handler != 7 || entries[0].StartFrom != StartFresh {
		t.Errorf("expected one untouched entry, got %+v", entries)
	}

	// removal frees the report for a genuinely new entry
	if err := eng.DequeueScan(5); err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if n := queueLength(t, eng); n != 0 {
		t.Fatalf("expected an empty queue, got %d", n)
	}
	if err := eng.EnqueueScan(5, StartResume); err != nil {
		t.Fatalf("failed to enqueue again: %v", err)
	}
	entries, err = eng.GetQueueSnapshot()
	if err != nil {
		t.Fatalf("failed to snapshot queue: %v", err)
	}
	if len(entries) != 1 || entries[0].Handler != 0 || entries[0].StartFrom != StartResume {
		t.Errorf("expected one fresh entry, got %+v", entries)
	}
}

func TestRequeueScan(t *testing.T) {
	eng := testEngine(t)
	if err := eng.EnqueueScan(1, StartFresh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := eng.EnqueueScan(2, StartFresh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	entry, err := eng.ClaimNextScan(7)
	if err != nil || entry.ReportID != 1 {
		t.Fatalf("expected to claim report 1, got %+v (%v)", entry, err)
	}

	if err := eng.RequeueScan(1); err != nil {
		t.Fatalf("failed to requeue: %v", err)
	}
	if ids := snapshotReports(t, eng); len(ids) != 2 || ids[0] != 2 || ids[1] != 1 {
		t.Errorf("expected order [2 1], got %v", ids)
	}

	entries, err := eng.GetQueueSnapshot()
	if err != nil {
		t.Fatalf("failed to snapshot queue: %v", err)
	}
	if entries[1].Handler != 0 {
		t.Errorf("expected the requeued entry unclaimed, got %+v", entries[1])
	}
}

func TestReleaseScans(t *testing.T) {
	eng := testEngine(t)
	for reportID := uint(1); reportID <= 3; reportID++ {
		if err := eng.EnqueueScan(reportID, StartFresh); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
	}
	for _, worker := range []uint{7, 7, 8} {
		if _, err := eng.ClaimNextScan(worker); err != nil {
			t.Fatalf("failed to claim for %d: %v", worker, err)
		}
	}

	n, err := eng.ReleaseScans(7)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 released entries, got %d (%v)", n, err)
	}
	claimed, err := eng.repos.Queue().claimed()
	if err != nil || claimed != 1 {
		t.Errorf("expected 1 remaining claim, got %d (%v)", claimed, err)
	}

	// the untouched claim now heads the queue; released entries went to
	// the back and reclaim oldest-first
	entries, err := eng.GetQueueSnapshot()
	if err != nil {
		t.Fatalf("failed to snapshot queue: %v", err)
	}
	if entries[0].ReportID != 3 || entries[0].Handler != 8 {
		t.Errorf("expected report 3 still claimed by 8 up front, got %+v", entries[0])
	}
	entry, err := eng.ClaimNextScan(9)
	if err != nil || entry.ReportID != 1 {
		t.Errorf("expected to reclaim report 1, got %+v (%v)", entry, err)
	}
}

func TestMaxActiveScans(t *testing.T) {
	conf := &Configuration{Database: string(INMEMORY_DATABASE), User: 1, MaxActiveScans: 1}
	eng := NewEngine(conf, nil)

	if err := eng.EnqueueScan(1, StartFresh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := eng.EnqueueScan(2, StartFresh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}

	entry, err := eng.ClaimNextScan(7)
	if err != nil {
		t.Fatalf("failed to claim: %v", err)
	}
	if _, err := eng.ClaimNextScan(8); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected the cap to read as an empty queue, got %v", err)
	}

	if err := eng.DequeueScan(entry.ReportID); err != nil {
		t.Fatalf("failed to dequeue: %v", err)
	}
	if _, err := eng.ClaimNextScan(8); err != nil {
		t.Errorf("expected a claim once the slot freed, got %v", err)
	}
}

func TestSetScanHandler(t *testing.T) {
	eng := testEngine(t)
	if err := eng.EnqueueScan(4, StartFresh); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := eng.SetScanHandler(4, 5); err != nil {
		t.Fatalf("failed to set handler: %v", err)
	}

	entries, err := eng.GetQueueSnapshot()
	if err != nil || len(entries) != 1 {
		t.Fatalf("failed to snapshot queue: %+v (%v)", entries, err)
	}
	if entries[0].Handler != 5 {
		t.Errorf("expected handler 5, got %+v", entries[0])
	}

	// direct assignments count as claims
	if _, err := eng.ClaimNextScan(9); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}
