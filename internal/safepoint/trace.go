package safepoint

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vmcore-dev/quiesce-go/internal/logging"
	"github.com/vmcore-dev/quiesce-go/internal/nanotime"
)

// OpType is the opaque tag describing the operation a safepoint was
// requested for. It only feeds tracing and coalescing.
type OpType string

// Stats is the diagnostics snapshot exposed to embedders.
type Stats struct {
	// Fingerprint identifies this runtime instance across restarts of
	// whatever is scraping the stats.
	Fingerprint string

	// Safepoints is the number of completed safepoints.
	Safepoints uint64

	// MaxSyncTime is the longest observed begin-to-synchronized span.
	MaxSyncTime time.Duration

	// MaxOpTime is the longest observed synchronized-to-end span,
	// cleanup included.
	MaxOpTime time.Duration

	// TotalCoalesced counts operations that shared another caller's
	// safepoint instead of getting their own.
	TotalCoalesced uint64

	// OpCounts is the number of safepoints per operation type.
	OpCounts map[OpType]uint64
}

// tracing records per-phase timestamps and running aggregates. The
// phase methods are called only by the coordinator; Stats and the
// coalesced counter may be hit from any goroutine, hence the lock.
type tracing struct {
	fingerprint uuid.UUID
	log         logging.Logger

	mu sync.Mutex

	beginNS   int64
	syncNS    int64
	cleanupNS int64
	endNS     int64
	appNS     int64

	workers        int
	initialRunning int
	currentOp      OpType

	safepoints uint64
	maxSyncNS  int64
	maxOpNS    int64
	coalesced  uint64
	opCounts   map[OpType]uint64
}

func newTracing(log logging.Logger) *tracing {
	return &tracing{
		fingerprint: uuid.New(),
		log:         log,
		endNS:       nanotime.Now(),
		opCounts:    make(map[OpType]uint64),
	}
}

func (t *tracing) begin(op OpType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opCounts[op]++
	t.currentOp = op
	t.beginNS = nanotime.Now()
	t.appNS = t.beginNS - t.endNS
	t.syncNS = 0
	t.cleanupNS = 0
}

func (t *tracing) synchronized(workers, initialRunning, waitingToBlock int, iterations uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncNS = nanotime.Now()
	t.workers = workers
	t.initialRunning = initialRunning
	t.log.Debugf(
		"safepoint synchronized: op=%s workers=%d initial_running=%d waiting_to_block=%d iterations=%d",
		t.currentOp, workers, initialRunning, waitingToBlock, iterations)
}

func (t *tracing) cleanupDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupNS = nanotime.Now()
}

func (t *tracing) end(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endNS = nanotime.Now()
	t.safepoints++

	if d := t.syncNS - t.beginNS; d > t.maxSyncNS {
		t.maxSyncNS = d
	}
	if d := t.endNS - t.syncNS; d > t.maxOpNS {
		t.maxOpNS = d
	}

	t.log.Infof(
		"safepoint %q: generation=%d fingerprint=%s since_last=%v reaching=%v at_safepoint=%v total=%v workers=%d initial_running=%d",
		t.currentOp, gen, t.fingerprint,
		time.Duration(t.appNS),
		time.Duration(t.cleanupNS-t.beginNS),
		time.Duration(t.endNS-t.cleanupNS),
		time.Duration(t.endNS-t.beginNS),
		t.workers, t.initialRunning)
}

func (t *tracing) coalescedInc() {
	t.mu.Lock()
	t.coalesced++
	t.mu.Unlock()
}

func (t *tracing) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[OpType]uint64, len(t.opCounts))
	for op, n := range t.opCounts {
		counts[op] = n
	}
	return Stats{
		Fingerprint:    t.fingerprint.String(),
		Safepoints:     t.safepoints,
		MaxSyncTime:    time.Duration(t.maxSyncNS),
		MaxOpTime:      time.Duration(t.maxOpNS),
		TotalCoalesced: t.coalesced,
		OpCounts:       counts,
	}
}
