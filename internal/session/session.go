// Package session owns the lifecycle of the child browsing context used
// for the Instagram authorization dance: opening it, navigating it to the
// backend-provided authorization URL, and tearing it down.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pulseplan/iglink/internal/messenger"
)

// ErrPopupBlocked indicates the environment refused to open the child
// window. The user should allow popups (or install a browser) and retry.
var ErrPopupBlocked = errors.New("popup blocked: could not open child window")

// ErrCancelled indicates the user closed the child window before the flow
// completed.
var ErrCancelled = errors.New("cancelled by user")

// ChildSession abstracts the child browsing context so the controller and
// state machine are testable without a real browser.
type ChildSession interface {
	// Open creates the window. It must not perform network work.
	Open(ctx context.Context) error
	// Navigate points the window at url.
	Navigate(ctx context.Context, url string) error
	// Close tears the window down. Closing a closed window is a no-op.
	Close() error
	// Closed reports whether the window is gone (including manual closure
	// by the user).
	Closed() bool
}

// WatchInterval is how often the controller polls for manual closure of
// the child window.
const WatchInterval = 500 * time.Millisecond

// State is the controller's observable state.
type State struct {
	IsOpen    bool
	IsLoading bool
	Err       error
}

// MessageSource delivers inbound cross-window messages. Satisfied by
// *messenger.Messenger.
type MessageSource interface {
	OnMessage(handler func(messenger.Message)) (remove func())
}

// Controller drives one child session through the authorization flow.
type Controller struct {
	session  ChildSession
	messages MessageSource
	interval time.Duration
	logger   *slog.Logger

	mu             sync.Mutex
	state          State
	removeListener func()
	stopWatch      chan struct{}

	// OnStateChange is invoked (outside the lock) after every state
	// update. Optional.
	OnStateChange func(State)
}

// NewController creates a controller for sess. messages may be nil when no
// terminate signal is expected (tests).
func NewController(sess ChildSession, messages MessageSource, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		session:  sess,
		messages: messages,
		interval: WatchInterval,
		logger:   logger,
	}
}

// State returns a snapshot of the observable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open opens the child window immediately, then resolves the authorization
// URL asynchronously and navigates to it. The window must be created
// before any awaited work so popup-blocker heuristics don't reject it.
//
// If the window cannot be opened, the state carries ErrPopupBlocked with
// IsLoading false and no listeners are registered.
func (c *Controller) Open(ctx context.Context, getAuthURL func(context.Context) (string, error)) {
	c.mu.Lock()
	if c.state.IsOpen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.session.Open(ctx); err != nil {
		c.logger.Warn("child window refused to open", "error", err, "action", "popup_blocked")
		c.setState(State{Err: ErrPopupBlocked})
		return
	}

	c.setState(State{IsOpen: true, IsLoading: true})

	// Terminate signal: any auth message from the child means the dance is
	// over and the window should go away.
	if c.messages != nil {
		c.mu.Lock()
		c.removeListener = c.messages.OnMessage(func(messenger.Message) {
			c.Close()
		})
		c.mu.Unlock()
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.stopWatch = stop
	c.mu.Unlock()
	go c.watchClosure(stop)

	go func() {
		authURL, err := getAuthURL(ctx)
		if err != nil {
			c.logger.Error("auth url fetch failed", "error", err, "action", "open_aborted")
			c.Close()
			c.setState(State{Err: err})
			return
		}
		if err := c.session.Navigate(ctx, authURL); err != nil {
			c.logger.Error("child navigation failed", "error", err, "action", "open_aborted")
			c.Close()
			c.setState(State{Err: err})
			return
		}
		c.mu.Lock()
		c.state.IsLoading = false
		snapshot := c.state
		c.mu.Unlock()
		c.notify(snapshot)
	}()
}

// Close tears down the child window and listeners. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	remove := c.removeListener
	c.removeListener = nil
	stop := c.stopWatch
	c.stopWatch = nil
	wasOpen := c.state.IsOpen
	c.state.IsOpen = false
	c.state.IsLoading = false
	snapshot := c.state
	c.mu.Unlock()

	if remove != nil {
		remove()
	}
	if stop != nil {
		close(stop)
	}
	if wasOpen {
		_ = c.session.Close()
		c.notify(snapshot)
	}
}

// watchClosure polls for manual user closure of the child window. A late
// network response after closure is simply ignored: the listeners are
// already gone by the time it lands.
func (c *Controller) watchClosure(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.session.Closed() {
				continue
			}
			c.logger.Info("child window closed by user", "action", "user_cancelled")
			c.mu.Lock()
			remove := c.removeListener
			c.removeListener = nil
			c.stopWatch = nil
			c.state = State{Err: ErrCancelled}
			snapshot := c.state
			c.mu.Unlock()
			if remove != nil {
				remove()
			}
			c.notify(snapshot)
			return
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify(s)
}

func (c *Controller) notify(s State) {
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}
