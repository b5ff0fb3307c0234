package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"collectible-alerts/internal/app"
)

var (
	showWallet string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently delivered notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Wallet: showWallet,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showWallet, "wallet", "", "Only show notifications for this wallet")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of notifications to display")
}
