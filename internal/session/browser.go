package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/chromedp"
)

// BrowserConfig configures the chromedp-backed child session.
type BrowserConfig struct {
	// UserDataDir is the Chrome profile directory. Empty uses a throwaway
	// profile.
	UserDataDir string

	// Headless runs Chrome without a visible window. Providers often
	// reject headless OAuth sessions; default is headful.
	Headless bool

	// Logger for structured logging.
	Logger *slog.Logger
}

// Browser is a ChildSession backed by a real Chrome window via chromedp.
type Browser struct {
	cfg BrowserConfig

	mu          sync.Mutex
	ctx         context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
	closed      bool
}

// NewBrowser creates an unopened browser session.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{cfg: cfg}
}

// Open launches the browser window. The window starts maximized so it
// reads as a first-class auth surface rather than a stray popup.
func (b *Browser) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx != nil && b.ctx.Err() == nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("start-maximized", true),
	)
	if b.cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(b.cfg.UserDataDir))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)

	// Start the browser process now; navigation happens later.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelCtx()
		cancelAlloc()
		return fmt.Errorf("launch browser: %w", err)
	}

	b.ctx = browserCtx
	b.cancelCtx = cancelCtx
	b.cancelAlloc = cancelAlloc
	b.closed = false

	b.cfg.Logger.Debug("browser window opened", "headless", b.cfg.Headless)
	return nil
}

// Navigate points the window at url.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	browserCtx := b.ctx
	b.mu.Unlock()

	if browserCtx == nil {
		return fmt.Errorf("navigate: window not open")
	}
	if err := chromedp.Run(browserCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// Close tears the window down. Idempotent.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.cancelCtx != nil {
		b.cancelCtx()
	}
	if b.cancelAlloc != nil {
		b.cancelAlloc()
	}
	return nil
}

// Closed reports whether the window is gone, including the user quitting
// the browser manually (the chromedp context dies with the process).
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return true
	}
	if b.ctx == nil {
		return false
	}
	return b.ctx.Err() != nil
}
