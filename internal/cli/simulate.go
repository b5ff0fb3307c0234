package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"collectible-alerts/internal/app"
)

var (
	simulateMoment string
	simulateTarget float64
	simulateFrom   float64
	simulateTo     float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格变动并通过已配置通道发送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			MomentID: simulateMoment,
			Target:   simulateTarget,
			From:     simulateFrom,
			To:       simulateTo,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(res.Triggered) == 0 {
			fmt.Fprintln(out, "未触发告警")
			return nil
		}
		for _, n := range res.Triggered {
			fmt.Fprintln(out, n.Message)
		}
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMoment, "moment", "", "Moment id to simulate")
	simulateCmd.Flags().Float64Var(&simulateTarget, "target", 0, "告警目标价")
	simulateCmd.Flags().Float64Var(&simulateFrom, "from", 0, "基线价格")
	simulateCmd.Flags().Float64Var(&simulateTo, "to", 0, "变动后价格")
}
