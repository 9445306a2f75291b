package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pulseplan/iglink/internal/backend"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <username>",
	Short: "Unlink an Instagram account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := strings.TrimPrefix(args[0], "@")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client := backend.New(cfg.APIBaseURL, cfg.Token)
		if err := client.Disconnect(cmd.Context(), username); err != nil {
			return err
		}

		fmt.Printf("Disconnected @%s.\n", username)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disconnectCmd)
}
