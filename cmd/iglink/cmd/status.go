package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulseplan/iglink/internal/backend"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which Instagram accounts are linked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := backend.New(cfg.APIBaseURL, cfg.Token)
		status, err := client.CheckCredentials(cmd.Context())
		if err != nil {
			return fmt.Errorf("check credentials: %w", err)
		}

		if !status.HasCredentials {
			fmt.Println("No Instagram accounts linked.")
			return nil
		}

		fmt.Printf("%d account(s) linked:\n", len(status.Usernames))
		for _, u := range status.Usernames {
			fmt.Printf("  @%s\n", u)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
