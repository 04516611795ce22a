package pool

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthState classifies one account's current reachability, driving
// whether the pool routes stripe placement around it.
type HealthState int

const (
	// Healthy accounts accept uploads and downloads normally.
	Healthy HealthState = iota
	// Degraded accounts have had recent failures but are still tried.
	Degraded
	// Rebuilding accounts are being repopulated by internal/rebuild and are
	// skipped for new uploads until the rebuild completes.
	Rebuilding
	// Unavailable accounts are excluded from stripe placement entirely.
	Unavailable
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Rebuilding:
		return "rebuilding"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// degradedThreshold and unavailableThreshold are the consecutive-failure
// counts that step an account down a health level.
const (
	degradedThreshold   = 3
	unavailableThreshold = 8
)

// HealthTracker records consecutive successes/failures per account and
// derives a HealthState from them, the way a circuit breaker trips open
// after a run of failures and half-closes after a success.
type HealthTracker struct {
	mu                sync.RWMutex
	consecutiveFail   map[int]int
	state             map[int]HealthState
	lastTransition    map[int]time.Time
	log               *logrus.Entry
}

// NewHealthTracker builds a tracker with every account initially Healthy.
func NewHealthTracker(accountIDs []int, log *logrus.Entry) *HealthTracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &HealthTracker{
		consecutiveFail: make(map[int]int),
		state:           make(map[int]HealthState),
		lastTransition:  make(map[int]time.Time),
		log:             log,
	}
	for _, id := range accountIDs {
		h.state[id] = Healthy
	}
	return h
}

// RecordSuccess clears the failure counter and restores Healthy unless the
// account is currently Rebuilding (which only MarkHealthy clears).
func (h *HealthTracker) RecordSuccess(accountID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFail[accountID] = 0
	if h.state[accountID] == Rebuilding {
		return
	}
	h.transition(accountID, Healthy)
}

// RecordFailure increments the failure counter and steps the account's
// state down once it crosses the degraded/unavailable thresholds.
func (h *HealthTracker) RecordFailure(accountID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFail[accountID]++
	n := h.consecutiveFail[accountID]

	switch {
	case n >= unavailableThreshold:
		h.transition(accountID, Unavailable)
	case n >= degradedThreshold:
		if h.state[accountID] != Unavailable {
			h.transition(accountID, Degraded)
		}
	}
}

// MarkRebuilding transitions accountID into Rebuilding, used by
// internal/rebuild while it repopulates a replaced or recovered account.
func (h *HealthTracker) MarkRebuilding(accountID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transition(accountID, Rebuilding)
}

// MarkHealthy forces accountID back to Healthy, used once a rebuild
// completes successfully.
func (h *HealthTracker) MarkHealthy(accountID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFail[accountID] = 0
	h.transition(accountID, Healthy)
}

// State returns accountID's current health state.
func (h *HealthTracker) State(accountID int) HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state[accountID]
}

// Available reports whether accountID should be used for new stripe
// placement: Healthy and Degraded accounts are, Rebuilding and Unavailable
// are not.
func (h *HealthTracker) Available(accountID int) bool {
	switch h.State(accountID) {
	case Healthy, Degraded:
		return true
	default:
		return false
	}
}

// AvailableAccounts returns the subset of ids currently Available.
func (h *HealthTracker) AvailableAccounts(ids []int) []int {
	var out []int
	for _, id := range ids {
		if h.Available(id) {
			out = append(out, id)
		}
	}
	return out
}

// transition must be called with h.mu held.
func (h *HealthTracker) transition(accountID int, next HealthState) {
	prev, ok := h.state[accountID]
	if ok && prev == next {
		return
	}
	h.state[accountID] = next
	h.lastTransition[accountID] = time.Now()
	h.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"from":       prev.String(),
		"to":         next.String(),
	}).Info("account health transition")
}
