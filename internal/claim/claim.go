// Package claim implements the cross-instance callback mutex: at most one
// live processor handles an OAuth callback at a time, with staleness-based
// recovery and a manual override.
package claim

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pulseplan/iglink/internal/store"
)

// StaleAfter is how old a claim may be before any instance can reclaim it.
const StaleAfter = 30 * time.Second

const (
	namespace = "instagram"
	claimKey  = "callback_claim"
)

// Claim marks one callback instance as the active processor.
type Claim struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Stale reports whether the claim has passed the staleness threshold.
func (c Claim) Stale(now time.Time) bool {
	return now.Sub(c.AcquiredAt) > StaleAfter
}

// AcquireResult is the outcome of a TryAcquire call.
type AcquireResult struct {
	Acquired bool
	// ExistingID identifies the live claim that blocked acquisition.
	ExistingID string
}

// Mutex arbitrates claim ownership through the shared store.
//
// Acquisition is clear-before-check, not an atomic compare-and-swap: two
// genuinely concurrent instances can, in a narrow window, both believe
// they hold the claim. The flow is human-paced and low-stakes, so that
// race is accepted and mitigated only by the timestamp check.
//
// Storage faults never propagate: reads degrade to "not claimed" and
// writes to no-ops, so a broken store cannot lock the user out.
type Mutex struct {
	store  *store.Store
	owner  string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a mutex for one execution context. owner identifies that
// context; claims written by other owners are treated as foreign.
func New(st *store.Store, owner string, logger *slog.Logger) *Mutex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutex{store: st, owner: owner, logger: logger, now: time.Now}
}

// Owner returns the mutex's owner identifier.
func (m *Mutex) Owner() string {
	return m.owner
}

// ClearOwn removes any claim left behind by this execution context, plus
// any claim old enough to be abandoned. Call it at the start of every
// callback before evaluating acquisition, so a crashed prior run cannot
// wedge the mutex while a fresh claim from a concurrent instance is still
// detected.
func (m *Mutex) ClearOwn() {
	existing, ok := m.read()
	if !ok {
		return
	}
	if existing.Owner != m.owner && !existing.Stale(m.now()) {
		return
	}
	if err := m.store.Delete(namespace, claimKey); err != nil {
		m.logger.Debug("claim clear skipped", "error", err, "action", "clear_degraded")
	}
}

// TryAcquire attempts to take the claim. A fresh claim held by another
// owner blocks acquisition; a stale one (or our own) is overwritten.
func (m *Mutex) TryAcquire(claimID string) AcquireResult {
	if existing, ok := m.read(); ok {
		if existing.Owner != m.owner && !existing.Stale(m.now()) {
			m.logger.Info("claim held by another instance",
				"existing_claim", existing.ID,
				"age", m.now().Sub(existing.AcquiredAt),
				"action", "acquire_blocked")
			return AcquireResult{ExistingID: existing.ID}
		}
		if existing.Stale(m.now()) {
			m.logger.Info("reclaiming stale claim",
				"existing_claim", existing.ID,
				"age", m.now().Sub(existing.AcquiredAt),
				"action", "stale_reclaim")
		}
	}

	m.write(claimID)
	return AcquireResult{Acquired: true}
}

// ForceAcquire overwrites any existing claim with the caller's own. This
// is the manual recovery path for a wedged duplicate.
func (m *Mutex) ForceAcquire(claimID string) {
	if existing, ok := m.read(); ok {
		m.logger.Warn("forcing claim takeover",
			"superseded_claim", existing.ID,
			"action", "force_acquire")
	}
	m.write(claimID)
}

// Release removes the claim, but only if claimID still owns it. Releasing
// a claim taken over by a newer instance is a no-op.
func (m *Mutex) Release(claimID string) {
	existing, raw, ok := m.readRaw()
	if !ok || existing.ID != claimID {
		return
	}
	// Compare-and-delete against the exact stored value so a takeover
	// between our read and the delete leaves the new claim intact.
	if _, err := m.store.DeleteIf(namespace, claimKey, raw); err != nil {
		m.logger.Debug("claim release skipped", "error", err, "action", "release_degraded")
	}
}

// Current returns the claim presently in the store, if any.
func (m *Mutex) Current() (Claim, bool) {
	return m.read()
}

func (m *Mutex) read() (Claim, bool) {
	c, _, ok := m.readRaw()
	return c, ok
}

func (m *Mutex) readRaw() (Claim, string, bool) {
	raw, ok, err := m.store.Get(namespace, claimKey)
	if err != nil {
		m.logger.Debug("claim read degraded to unclaimed", "error", err, "action", "read_degraded")
		return Claim{}, "", false
	}
	if !ok {
		return Claim{}, "", false
	}

	var c Claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		m.logger.Debug("claim read degraded to unclaimed", "error", err, "action", "read_degraded")
		return Claim{}, "", false
	}
	return c, raw, true
}

func (m *Mutex) write(claimID string) {
	c := Claim{ID: claimID, Owner: m.owner, AcquiredAt: m.now()}
	raw, err := json.Marshal(c)
	if err != nil {
		m.logger.Debug("claim write skipped", "error", err, "action", "write_degraded")
		return
	}
	if err := m.store.Put(namespace, claimKey, string(raw)); err != nil {
		m.logger.Debug("claim write skipped", "error", err, "action", "write_degraded")
	}
}
