package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pulseplan/iglink/internal/backend"
	"github.com/pulseplan/iglink/internal/callback"
	"github.com/pulseplan/iglink/internal/claim"
	"github.com/pulseplan/iglink/internal/ledger"
	"github.com/pulseplan/iglink/internal/messenger"
	"github.com/pulseplan/iglink/internal/session"
	"github.com/pulseplan/iglink/internal/store"
)

var connectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect an Instagram account via OAuth",
	Long: `Open a child browser window for the Instagram authorization dance and
wait for the result.

The provider redirects the window back to the local callback endpoint,
where the authorization code is exchanged with the backend. Success or
failure is reported back here through the cross-window message channel;
if the window closes without a message, credential status is re-checked
before giving up.`,
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 5*time.Minute,
		"How long to wait for the flow to complete")
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.OpenAt(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	msgr, err := messenger.New(cfg.Origin, filepath.Join(cfg.StateDir, "inbox", "opener"), logger)
	if err != nil {
		return fmt.Errorf("start messenger: %w", err)
	}
	defer msgr.Close()

	client := backend.New(cfg.APIBaseURL, cfg.Token)

	browser := session.NewBrowser(session.BrowserConfig{
		UserDataDir: cfg.ChromeUserDataDir,
		Headless:    cfg.Headless,
		Logger:      logger,
	})
	controller := session.NewController(browser, msgr, logger)

	// One machine per incoming redirect, each with its own claim owner so
	// concurrent instances contend the way separate windows would.
	newMachine := func() *callback.Machine {
		return callback.New(callback.Config{
			Backend:      client,
			Ledger:       ledger.New(st, logger),
			Mutex:        claim.New(st, uuid.New().String(), logger),
			Messenger:    msgr,
			ParentInbox:  msgr.Inbox(),
			Store:        st,
			RequestClose: controller.Close,
			Logger:       logger,
		})
	}

	srv := callback.NewServer(cfg.CallbackAddr, newMachine, logger)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	resultCh := make(chan messenger.Message, 1)
	remove := msgr.OnMessage(func(msg messenger.Message) {
		select {
		case resultCh <- msg:
		default:
		}
	})
	defer remove()

	cancelledCh := make(chan error, 1)
	controller.OnStateChange = func(s session.State) {
		if s.Err != nil {
			select {
			case cancelledCh <- s.Err:
			default:
			}
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fmt.Println("Opening browser window for Instagram authorization...")
	controller.Open(ctx, func(ctx context.Context) (string, error) {
		return client.AuthURL(ctx, cfg.RedirectURI())
	})
	defer controller.Close()

	if state := controller.State(); state.Err != nil {
		return fmt.Errorf("could not start authorization: %w", state.Err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case msg := <-resultCh:
		return reportMessage(msg)

	case err := <-cancelledCh:
		// The window went away without a message. The message channel is
		// fire-and-forget, so check whether the linkage landed anyway
		// before reporting the cancellation.
		logger.Info("no message received, polling credential status",
			"cause", err, "action", "silence_fallback")
		status, probeErr := client.CheckCredentials(ctx)
		if probeErr == nil && status.HasCredentials {
			fmt.Println("Instagram connected.")
			for _, u := range status.Usernames {
				fmt.Printf("  @%s\n", u)
			}
			return nil
		}
		return err

	case err := <-srvErr:
		return fmt.Errorf("callback server: %w", err)

	case <-sigCh:
		fmt.Println("\nAborted.")
		return nil

	case <-time.After(connectTimeout):
		return fmt.Errorf("timed out after %s waiting for authorization", connectTimeout)
	}
}

func reportMessage(msg messenger.Message) error {
	switch msg.Type {
	case messenger.TypeAuthSuccess:
		fmt.Printf("Instagram connected (%d account(s)).\n", len(msg.Accounts))
		for _, a := range msg.Accounts {
			fmt.Printf("  @%s\n", a.Username)
		}
		return nil
	case messenger.TypeAuthError:
		return fmt.Errorf("connection failed: %s", msg.Error)
	default:
		return fmt.Errorf("unexpected message type %q", msg.Type)
	}
}
