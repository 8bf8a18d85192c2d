package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/go-warden/warden/cmd/serve"
	verifycmd "github.com/go-warden/warden/cmd/verify"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Tenant isolation and row-level-security enforcement for PostgreSQL",
	Long: `Warden verifies and enforces PostgreSQL row-level-security tenant isolation.

It stamps per-request tenant session variables onto pooled connections,
verifies that every tenant-scoped table actually carries row security and the
isolation policy, and guards the audited admin bypass path.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serve.NewServeCommand())
	rootCmd.AddCommand(verifycmd.NewVerifyCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
