package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pulseplan/iglink/internal/callback"
	"github.com/pulseplan/iglink/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Show the locally recorded linked accounts",
	Long: `Show the accounts recorded by the last successful connect, without
contacting the backend. Use "status" for the backend's current view.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.OpenAt(filepath.Join(cfg.StateDir, "state.db"))
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer st.Close()

		connected, accounts, err := callback.ConnectedSnapshot(st)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}

		if !connected {
			fmt.Println("No successful connect recorded locally.")
			return nil
		}

		if len(accounts) == 0 {
			fmt.Println("Connected (no account details recorded).")
			return nil
		}
		fmt.Printf("Last connect linked %d account(s):\n", len(accounts))
		for _, a := range accounts {
			fmt.Printf("  @%s\n", a.Username)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}
