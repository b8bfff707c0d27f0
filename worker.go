package scanmgr

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// A ScanFunc performs the scan of one claimed report, feeding results
// and host progress back through the engine as it goes. What actually
// produces the findings is not this engine's business.
type ScanFunc func(eng *Engine, entry *QueueEntry) error

// A Worker drains the dispatch queue: claim, scan, settle, repeat.
// A scan that returns an error settles its report Interrupted; whether
// to resume is the operator's decision, not the worker's. Callers that
// know a failure is transient requeue with RequeueScan instead.
type Worker struct {
	ID   uint
	eng  *Engine
	scan ScanFunc
}

func NewWorker(eng *Engine, scan ScanFunc) *Worker {
	return &Worker{ID: eng.conf.WorkerID, eng: eng, scan: scan}
}

// Recover returns claims left behind by an earlier run of this worker
// so a crash never strands its reports.
func (w *Worker) Recover() error {
	n, err := w.eng.ReleaseScans(w.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Msgf("worker %d recovered %d stranded scan(s)", w.ID, n)
	}
	return nil
}

// Next claims and runs a single scan, ErrQueueEmpty when there is
// nothing to claim.
func (w *Worker) Next() error {
	entry, err := w.eng.ClaimNextScan(w.ID)
	if err != nil {
		return err
	}

	if err := w.eng.MarkScanRunning(entry.ReportID); err != nil {
		return err
	}

	log.Info().Msgf("worker %d scanning report %d (from=%d)", w.ID, entry.ReportID, entry.StartFrom)
	if err := w.scan(w.eng, entry); err != nil {
		log.Warn().Msgf("worker %d interrupting report %d: %v", w.ID, entry.ReportID, err)
		return w.eng.FinishScan(entry.ReportID, StatusInterrupted)
	}
	return w.eng.FinishScan(entry.ReportID, StatusDone)
}

// Drain recovers stranded claims, then scans until the queue has
// nothing claimable left.
func (w *Worker) Drain() error {
	if err := w.Recover(); err != nil {
		return err
	}
	for {
		switch err := w.Next(); {
		case err == nil:
		case errors.Is(err, ErrQueueEmpty):
			return nil
		default:
			return err
		}
	}
}
