package aggregator

import (
	"sync"
	"time"
)

// ConsumeResult is the outcome of CodeGuard.Consume.
type ConsumeResult int

const (
	// Accepted means the code had not been seen and is now recorded.
	Accepted ConsumeResult = iota
	// AlreadyUsed means the code was consumed earlier.
	AlreadyUsed
)

func (r ConsumeResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "already_used"
}

// CodeStage is how far the connect attempt that consumed a code progressed.
type CodeStage int

const (
	// StagePending means the code is being exchanged.
	StagePending CodeStage = iota
	// StageExchanged means the code was redeemed and accounts are being synced.
	StageExchanged
	// StageSyncFailed means the code was redeemed but the account sync failed.
	// The user's token is still valid, so the sync can be resumed.
	StageSyncFailed
	// StageCompleted means the user's accounts were connected.
	StageCompleted
)

func (s CodeStage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageExchanged:
		return "exchanged"
	case StageSyncFailed:
		return "sync_failed"
	case StageCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

type codeEntry struct {
	consumedAt time.Time
	stage      CodeStage
	userID     string
}

// DefaultCodeTTL outlives the aggregator's own authorization-code lifetime.
const DefaultCodeTTL = time.Hour

// CodeGuard records consumed one-time authorization codes process-wide.
// Entries expire after ttl, once the aggregator itself would reject the code.
type CodeGuard struct {
	mu    sync.Mutex
	codes map[string]*codeEntry
	ttl   time.Duration
	now   func() time.Time
	done  chan struct{}
	once  sync.Once
}

// NewCodeGuard creates a code guard with background cleanup.
func NewCodeGuard(ttl time.Duration) *CodeGuard {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	g := &CodeGuard{
		codes: make(map[string]*codeEntry),
		ttl:   ttl,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// Consume atomically checks and records code.
func (g *CodeGuard) Consume(code string) ConsumeResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.codes[code]; ok && now.Sub(entry.consumedAt) < g.ttl {
		return AlreadyUsed
	}
	g.codes[code] = &codeEntry{consumedAt: now, stage: StagePending}
	return Accepted
}

// Stage reports the progress recorded for a consumed code and the user it was
// redeemed for. ok is false when the code is not in the ledger.
func (g *CodeGuard) Stage(code string) (stage CodeStage, userID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.codes[code]
	if !ok {
		return 0, "", false
	}
	return entry.stage, entry.userID, true
}

// MarkExchanged records that code was redeemed for userID.
func (g *CodeGuard) MarkExchanged(code, userID string) {
	g.setStage(code, StageExchanged, userID)
}

// MarkSyncFailed records that the account sync after redeeming code failed.
func (g *CodeGuard) MarkSyncFailed(code string) {
	g.setStage(code, StageSyncFailed, "")
}

// MarkCompleted records that the connect attempt for code finished.
func (g *CodeGuard) MarkCompleted(code string) {
	g.setStage(code, StageCompleted, "")
}

// Resume atomically moves a code whose sync failed for userID back to
// StageExchanged. Only one caller can resume a failed sync.
func (g *CodeGuard) Resume(code, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.codes[code]
	if !ok || entry.stage != StageSyncFailed || entry.userID != userID {
		return false
	}
	entry.stage = StageExchanged
	return true
}

func (g *CodeGuard) setStage(code string, stage CodeStage, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.codes[code]
	if !ok {
		return
	}
	entry.stage = stage
	if userID != "" {
		entry.userID = userID
	}
}

// Release forgets code so that a legitimate retry can consume it again.
func (g *CodeGuard) Release(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.codes, code)
}

// Len returns the number of recorded codes.
func (g *CodeGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.codes)
}

// Stop signals the background cleanup goroutine to exit.
func (g *CodeGuard) Stop() {
	g.once.Do(func() { close(g.done) })
}

func (g *CodeGuard) cleanup() {
	ticker := time.NewTicker(g.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *CodeGuard) sweepInterval() time.Duration {
	if interval := g.ttl / 4; interval < 5*time.Minute {
		return max(interval, time.Second)
	}
	return 5 * time.Minute
}

func (g *CodeGuard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for code, entry := range g.codes {
		if now.Sub(entry.consumedAt) >= g.ttl {
			delete(g.codes, code)
		}
	}
}
