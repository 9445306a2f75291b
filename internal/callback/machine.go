// Package callback runs inside the redirect target and drives the step
// sequence from "authorization code received" through the backend code
// exchange to a terminal success, error, or duplicate state.
package callback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulseplan/iglink/internal/backend"
	"github.com/pulseplan/iglink/internal/claim"
	"github.com/pulseplan/iglink/internal/ledger"
	"github.com/pulseplan/iglink/internal/messenger"
	"github.com/pulseplan/iglink/internal/store"
)

// State is the machine's current position in the callback flow.
type State int

const (
	// StateLoading - processing the redirect, exchange may be in flight.
	StateLoading State = iota
	// StateSuccess - accounts linked (or linkage confirmed); auto-close pending.
	StateSuccess
	// StateError - terminal failure for this attempt; manual close only.
	StateError
	// StateDuplicate - another instance owns processing; user may force a restart.
	StateDuplicate
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateSuccess:
		return "SUCCESS"
	case StateError:
		return "ERROR"
	case StateDuplicate:
		return "DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultCountdown is the visible auto-close delay after success.
	DefaultCountdown = 5 * time.Second
	// DefaultCloseCeiling forces the close even if the countdown stalls.
	DefaultCloseCeiling = 6 * time.Second

	storeNamespace  = "instagram"
	connectedKey    = "connected"
	lastAccountsKey = "last_connected_accounts"
)

// Backend is the subset of backend operations the machine needs; the real
// *backend.Client satisfies it, tests inject fakes.
type Backend interface {
	CompleteOAuth(ctx context.Context, code string) (*backend.ExchangeResponse, error)
	CheckCredentials(ctx context.Context) (backend.CredentialStatus, error)
}

// Result is the outcome of one callback attempt.
type Result struct {
	State            State
	Accounts         []backend.Account
	Reason           string
	ReusedCode       bool
	DuplicateClaimID string
}

// Config wires a machine's collaborators.
type Config struct {
	Backend   Backend
	Ledger    *ledger.Ledger
	Mutex     *claim.Mutex
	Messenger messenger.Sender

	// ParentInbox is where success/error messages are dropped.
	ParentInbox string

	// Store persists the connected flag and last-accounts snapshot on
	// success. Optional.
	Store *store.Store

	// Countdown and CloseCeiling default to the package constants.
	Countdown    time.Duration
	CloseCeiling time.Duration

	// RequestClose asks the owning context to close the child window.
	RequestClose func()

	Logger *slog.Logger
}

// Machine processes one OAuth callback invocation.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	result    Result
	processed bool
	claimID   string
	claimHeld bool
	lastMsg   *messenger.Message
	timers    []*time.Timer
	closeOnce sync.Once

	// OnTransition is invoked after every state change. Optional.
	OnTransition func(State)
}

// New creates a machine with a fresh claim identifier.
func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Countdown == 0 {
		cfg.Countdown = DefaultCountdown
	}
	if cfg.CloseCeiling == 0 {
		cfg.CloseCeiling = DefaultCloseCeiling
	}

	claimID := uuid.New().String()
	return &Machine{
		cfg:     cfg,
		logger:  cfg.Logger.With("claim_id", claimID),
		state:   StateLoading,
		claimID: claimID,
	}
}

// ClaimID returns this invocation's claim identifier.
func (m *Machine) ClaimID() string { return m.claimID }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Result returns the current result snapshot.
func (m *Machine) Result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Run drives the full callback flow for redirectURL. It returns once a
// terminal state is reached; the success auto-close timers keep running
// until Teardown.
func (m *Machine) Run(ctx context.Context, redirectURL string) {
	// Always clear leftover claim state from this execution context (and
	// anything stale) before evaluating acquisition.
	m.cfg.Mutex.ClearOwn()

	res := m.cfg.Mutex.TryAcquire(m.claimID)
	if !res.Acquired {
		m.transition(StateDuplicate, Result{
			State:            StateDuplicate,
			DuplicateClaimID: res.ExistingID,
		}, "claim_held_elsewhere")
		return
	}

	m.mu.Lock()
	m.claimHeld = true
	m.mu.Unlock()

	m.process(ctx, redirectURL)
}

// ForceRestart performs the manual takeover: overwrite the claim with a
// fresh one and rerun the whole flow from scratch. Only meaningful from
// StateDuplicate.
func (m *Machine) ForceRestart(ctx context.Context, redirectURL string) {
	m.mu.Lock()
	if m.state != StateDuplicate {
		m.mu.Unlock()
		return
	}
	m.claimID = uuid.New().String()
	m.logger = m.cfg.Logger.With("claim_id", m.claimID)
	m.state = StateLoading
	m.result = Result{}
	m.processed = false
	m.claimHeld = true
	claimID := m.claimID
	m.mu.Unlock()

	m.logger.Warn("forced takeover requested", "action", "force_restart")
	m.cfg.Mutex.ForceAcquire(claimID)
	m.process(ctx, redirectURL)
}

// process runs the entry sequence once the claim is held.
func (m *Machine) process(ctx context.Context, redirectURL string) {
	code := extractCode(redirectURL)
	if code == "" {
		m.fail("authorization code missing")
		return
	}

	// Reentrancy guard: set before any async call so a second invocation
	// from the same instance cannot exchange the same code twice.
	m.mu.Lock()
	if m.processed {
		m.mu.Unlock()
		m.logger.Debug("duplicate invocation ignored", "action", "reentry_skip")
		return
	}
	m.processed = true
	m.mu.Unlock()

	if m.cfg.Ledger.HasBeenUsed(code) {
		m.logger.Info("code already consumed, skipping exchange",
			"code_redacted", redactCode(code),
			"action", "reused_code_fast_path")
		m.succeed(nil, true)
		return
	}

	resp, err := m.cfg.Backend.CompleteOAuth(ctx, code)
	outcome := InterpretExchangeOutcome(resp, err)

	switch {
	case outcome.Success:
		m.cfg.Ledger.MarkUsed(code)
		m.succeed(outcome.Accounts, false)

	case outcome.CodeReused:
		// The code was consumed by an earlier attempt. If the linkage
		// exists now, this attempt effectively succeeded.
		m.logger.Info("exchange reported code reuse, probing credentials",
			"action", "reuse_probe")
		status, probeErr := m.cfg.Backend.CheckCredentials(ctx)
		if probeErr == nil && status.HasCredentials {
			m.cfg.Ledger.MarkUsed(code)
			m.succeed(accountsFromUsernames(status.Usernames), true)
			return
		}
		m.fail(outcome.Detail)

	default:
		m.fail(outcome.Detail)
	}
}

// Teardown is the unload path: resend the terminal message (the original
// may have been lost), stop timers, and release the claim if this
// instance still owns it.
func (m *Machine) Teardown() {
	m.mu.Lock()
	lastMsg := m.lastMsg
	timers := m.timers
	m.timers = nil
	held := m.claimHeld
	m.claimHeld = false
	claimID := m.claimID
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if lastMsg != nil {
		m.send(*lastMsg)
	}
	if held {
		m.cfg.Mutex.Release(claimID)
	}
}

func (m *Machine) succeed(accounts []backend.Account, reused bool) {
	m.persistSuccess(accounts)

	m.transition(StateSuccess, Result{
		State:      StateSuccess,
		Accounts:   accounts,
		ReusedCode: reused,
	}, "exchange_succeeded")

	msg := messenger.Message{
		Type:           messenger.TypeAuthSuccess,
		Accounts:       accounts,
		AuthSuccessful: true,
	}
	m.rememberAndSend(msg)
	m.releaseClaim()

	// Visible countdown plus a fixed ceiling in case the countdown stalls.
	m.mu.Lock()
	m.timers = append(m.timers,
		time.AfterFunc(m.cfg.Countdown, m.requestClose),
		time.AfterFunc(m.cfg.CloseCeiling, m.requestClose),
	)
	m.mu.Unlock()
}

func (m *Machine) fail(reason string) {
	if reason == "" {
		reason = "authorization failed"
	}

	m.transition(StateError, Result{
		State:  StateError,
		Reason: reason,
	}, "exchange_failed")

	m.rememberAndSend(messenger.Message{
		Type:  messenger.TypeAuthError,
		Error: reason,
	})
	m.releaseClaim()
}

// RequestCloseNow triggers the manual "continue now" action on success.
func (m *Machine) RequestCloseNow() {
	m.requestClose()
}

func (m *Machine) requestClose() {
	m.closeOnce.Do(func() {
		if m.cfg.RequestClose != nil {
			m.cfg.RequestClose()
		}
	})
}

func (m *Machine) releaseClaim() {
	m.mu.Lock()
	held := m.claimHeld
	m.claimHeld = false
	claimID := m.claimID
	m.mu.Unlock()

	if held {
		m.cfg.Mutex.Release(claimID)
	}
}

func (m *Machine) rememberAndSend(msg messenger.Message) {
	m.mu.Lock()
	m.lastMsg = &msg
	m.mu.Unlock()
	m.send(msg)
}

func (m *Machine) send(msg messenger.Message) {
	if m.cfg.Messenger == nil || m.cfg.ParentInbox == "" {
		return
	}
	if err := m.cfg.Messenger.Send(m.cfg.ParentInbox, msg); err != nil {
		// Fire-and-forget: the parent's credential poll covers a lost
		// message.
		m.logger.Debug("notify failed", "error", err, "action", "message_dropped")
	}
}

// persistSuccess records the connected flag and last-accounts snapshot.
// Storage faults are swallowed; they must never fail a successful link.
func (m *Machine) persistSuccess(accounts []backend.Account) {
	if m.cfg.Store == nil {
		return
	}
	if err := m.cfg.Store.Put(storeNamespace, connectedKey, "true"); err != nil {
		m.logger.Debug("connected flag not persisted", "error", err)
	}
	if len(accounts) == 0 {
		return
	}
	data, err := json.Marshal(accounts)
	if err != nil {
		return
	}
	if err := m.cfg.Store.Put(storeNamespace, lastAccountsKey, string(data)); err != nil {
		m.logger.Debug("accounts snapshot not persisted", "error", err)
	}
}

func (m *Machine) transition(to State, result Result, reason string) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.result = result
	m.mu.Unlock()

	m.logger.Info("state transition",
		"from_state", from.String(),
		"to_state", to.String(),
		"reason", reason,
		"action", "transition")

	if m.OnTransition != nil {
		m.OnTransition(to)
	}
}

// extractCode pulls the authorization code from the redirect URL's query
// string.
func extractCode(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("code")
}

// accountsFromUsernames builds best-effort account entries when only
// usernames are known (the reuse probe does not report IDs).
func accountsFromUsernames(usernames []string) []backend.Account {
	accounts := make([]backend.Account, 0, len(usernames))
	for _, u := range usernames {
		accounts = append(accounts, backend.Account{Username: u})
	}
	return accounts
}

// redactCode returns a redacted auth code for safe logging.
func redactCode(code string) string {
	if len(code) <= 4 {
		return "[REDACTED]"
	}
	return code[:2] + "..." + code[len(code)-2:]
}
