package cli

import (
	"github.com/spf13/cobra"

	"collectible-alerts/internal/app"
)

var checkWallet string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Value a wallet once and record the sample",
	RunE: func(cmd *cobra.Command, args []string) error {
		pf, err := getApp().Check(cmd.Context(), app.CheckOptions{Wallet: checkWallet})
		if err != nil {
			return err
		}
		return app.WritePortfolio(cmd.OutOrStdout(), pf)
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkWallet, "wallet", "", "Wallet address to value")
	_ = checkCmd.MarkFlagRequired("wallet")
}
