// Package verify implements the one-shot RLS compliance check command.
package verify

import (
	"encoding/json"
	"fmt"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"github.com/go-warden/warden/config"
	"github.com/go-warden/warden/dbschema"
	rls "github.com/go-warden/warden/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run one row-level-security compliance check and exit",
	Long: `Run a single RLS compliance check against the configured database.

The check reads the PostgreSQL catalogs and confirms that the tenant helper
functions exist, that every required table has row security enabled, and that
every protected table carries the isolation policy.

Exit status is non-zero when the result is unhealthy, which makes the command
usable as a deploy gate:

  warden verify --config warden.yaml
  warden verify --db-url postgres://localhost/app --format json`,
	RunE: verifyCommand,
}

const (
	configFlag = "config"
	dbURLFlag  = "db-url"
	formatFlag = "format"
)

var verifyFlags = map[string]cobraflags.Flag{
	configFlag: &cobraflags.StringFlag{
		Name:  configFlag,
		Value: "",
		Usage: "Path to the config file. Empty means defaults plus WARDEN_* environment variables",
	},
	dbURLFlag: &cobraflags.StringFlag{
		Name:  dbURLFlag,
		Value: "",
		Usage: "Database URL, overrides the configured database_url",
	},
	formatFlag: &cobraflags.StringFlag{
		Name:  formatFlag,
		Value: "text",
		Usage: "Output format: text or json",
	},
}

func NewVerifyCommand() *cobra.Command {
	cobraflags.RegisterMap(verifyCmd, verifyFlags)
	return verifyCmd
}

func verifyCommand(cmd *cobra.Command, _ []string) error {
	format := verifyFlags[formatFlag].GetString()
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported output format: %s", format)
	}

	cfg, err := config.Load(verifyFlags[configFlag].GetString())
	if err != nil {
		return err
	}
	if dbURL := verifyFlags[dbURLFlag].GetString(); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()

	conn, err := dbschema.ConnectToDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	result := rls.New(conn.Reader(), cfg.Verifier).Check(ctx)

	switch format {
	case "json":
		out, err := json.MarshalIndent(struct {
			Status string `json:"status"`
			rls.Result
		}{Status: result.Status.String(), Result: result}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Println(string(out))
	default:
		fmt.Printf("status:  %s\n", result.Status)
		fmt.Printf("message: %s\n", result.Message)
	}

	if result.Status == rls.StatusUnhealthy {
		return fmt.Errorf("RLS verification failed: %s", result.Message)
	}
	return nil
}
