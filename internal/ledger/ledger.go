// Package ledger tracks which one-time authorization codes have already
// been consumed, so a reloaded callback does not exchange the same code
// twice.
package ledger

import (
	"encoding/json"
	"log/slog"

	"github.com/pulseplan/iglink/internal/store"
)

const (
	// MaxTrackedCodes bounds the ledger; the oldest code is evicted first.
	MaxTrackedCodes = 10

	namespace = "instagram"
	usedKey   = "used_auth_codes"
)

// Ledger is a bounded FIFO registry of recently consumed authorization
// codes. Storage faults are swallowed: reads degrade to "not used" and
// writes to no-ops, so a broken store can never block a re-attempt.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a ledger backed by the shared store.
func New(st *store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, logger: logger}
}

// HasBeenUsed reports whether code was already consumed.
func (l *Ledger) HasBeenUsed(code string) bool {
	if code == "" {
		return false
	}
	for _, c := range l.load() {
		if c == code {
			return true
		}
	}
	return false
}

// MarkUsed records code as consumed. Marking an already-present code is a
// no-op. When the ledger is full the oldest entry is dropped.
func (l *Ledger) MarkUsed(code string) {
	if code == "" {
		return
	}

	codes := l.load()
	for _, c := range codes {
		if c == code {
			return
		}
	}

	codes = append(codes, code)
	if len(codes) > MaxTrackedCodes {
		codes = codes[len(codes)-MaxTrackedCodes:]
	}

	data, err := json.Marshal(codes)
	if err != nil {
		l.logger.Debug("ledger write skipped", "error", err, "action", "mark_used_degraded")
		return
	}
	if err := l.store.Put(namespace, usedKey, string(data)); err != nil {
		l.logger.Debug("ledger write skipped", "error", err, "action", "mark_used_degraded")
	}
}

// load returns the stored code list, treating any fault as an empty ledger.
func (l *Ledger) load() []string {
	raw, ok, err := l.store.Get(namespace, usedKey)
	if err != nil {
		l.logger.Debug("ledger read degraded to empty", "error", err, "action", "read_degraded")
		return nil
	}
	if !ok {
		return nil
	}

	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		l.logger.Debug("ledger read degraded to empty", "error", err, "action", "read_degraded")
		return nil
	}
	return codes
}
