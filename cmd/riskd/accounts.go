package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"propguard.com/pkg/config"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the accounts onboarding file",
}

var accountsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an accounts file",
	Long: `Check that every account in the file has a valid phase, size and rule set.

Example:
  riskd accounts validate -f accounts.yaml`,
	RunE: runAccountsValidate,
}

var accountsValidatePath string

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsValidateCmd)

	accountsValidateCmd.Flags().StringVarP(&accountsValidatePath, "file", "f", "accounts.yaml", "path to accounts file")
}

func runAccountsValidate(cmd *cobra.Command, args []string) error {
	accounts, err := config.LoadAccounts(accountsValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("✓ Accounts file valid: %s (%d accounts)\n", accountsValidatePath, len(accounts))
	for _, a := range accounts {
		fmt.Printf("  %-24s %-10s %-10s size=%s dailyLoss=%s drawdown=%s contracts=%d target=%s\n",
			a.ID, a.Platform, a.Phase,
			a.Size.StringFixed(0),
			a.Rules.MaxDailyLoss.StringFixed(2),
			a.Rules.TrailingDrawdown.StringFixed(2),
			a.Rules.MaxContracts,
			a.Rules.ProfitTarget.StringFixed(2))
	}
	return nil
}
