// riskd 资金账户风控守护进程
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "riskd",
	Short: "Funded-account risk supervisor",
	Long: `riskd continuously tracks funded trading accounts against their
contractual rule sets (daily loss limit, trailing drawdown, contract cap,
profit target), records violations, suspends breaching accounts and
flattens their open positions.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
