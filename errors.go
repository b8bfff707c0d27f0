package scanmgr

import "github.com/pkg/errors"

// Conditions callers are expected to test for with errors.Is. Storage
// failures are wrapped and passed through unchanged; missing references
// never surface as errors, the affected component degrades instead.
var (
	// A classification call received a score outside every recognized
	// band. Fatal to the request, recoverable to the process.
	ErrInvalidSeverity = errors.New("severity outside recognized bands")

	// ClaimNext swept the whole queue without finding a claimable
	// entry. A normal condition, not a failure.
	ErrQueueEmpty = errors.New("scan queue has no claimable entries")
)

// A claim lost the compare-and-swap race. Internal to the queue: the
// claim loop moves on to the next candidate.
var errClaimConflict = errors.New("queue entry already claimed")
